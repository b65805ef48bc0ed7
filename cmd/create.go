package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/tasksync/internal/db"
	"github.com/marcus/tasksync/internal/output"
)

var createCmd = &cobra.Command{
	Use:     "create [title]",
	Aliases: []string{"add", "new"},
	Short:   "Create a new task",
	Long:    `Create a new task. The task is stored locally at once and queued for the next sync.`,
	GroupID: "core",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		database, deviceID, err := openStore()
		if err != nil {
			return err
		}
		defer database.Close()

		description, _ := cmd.Flags().GetString("description")
		position, _ := cmd.Flags().GetInt("position")

		task, err := database.CreateTask(db.TaskInput{
			Title:       args[0],
			Description: description,
			Position:    position,
		}, deviceID)
		if err != nil {
			output.Error("%v", err)
			return err
		}

		output.Success("Created %s", output.ShortID(task.ID))
		fmt.Println(output.FormatTaskShort(task))
		notifyMutation()
		return nil
	},
}

func init() {
	createCmd.Flags().StringP("description", "d", "", "task description")
	createCmd.Flags().Int("position", 0, "position in the list")
	rootCmd.AddCommand(createCmd)
}
