package cmd

import (
	"github.com/spf13/cobra"

	"github.com/marcus/tasksync/internal/output"
)

var deleteCmd = &cobra.Command{
	Use:     "delete <id>",
	Aliases: []string{"rm"},
	Short:   "Delete a task and its comments",
	Long: `Delete a task. Its comments go with it, locally and on every other
device once the deletion syncs.`,
	GroupID: "core",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		database, deviceID, err := openStore()
		if err != nil {
			return err
		}
		defer database.Close()

		if err := database.DeleteTask(args[0], deviceID); err != nil {
			output.Error("%v", err)
			return err
		}

		output.Success("Deleted %s", output.ShortID(args[0]))
		notifyMutation()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(deleteCmd)
}
