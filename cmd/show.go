package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/tasksync/internal/output"
)

var showCmd = &cobra.Command{
	Use:     "show <id>",
	Short:   "Show a task with its comments",
	GroupID: "core",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		database, _, err := openStore()
		if err != nil {
			return err
		}
		defer database.Close()

		task, err := database.GetTask(args[0])
		if err != nil {
			output.Error("%v", err)
			return err
		}
		comments, err := database.ListComments(task.ID)
		if err != nil {
			output.Error("%v", err)
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return output.JSON(map[string]any{"task": task, "comments": comments})
		}
		fmt.Println(output.FormatTaskLong(task, comments))
		return nil
	},
}

func init() {
	showCmd.Flags().Bool("json", false, "output as JSON")
	rootCmd.AddCommand(showCmd)
}
