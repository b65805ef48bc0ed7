package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/tasksync/internal/models"
	"github.com/marcus/tasksync/internal/output"
)

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List tasks",
	GroupID: "core",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, _, err := openStore()
		if err != nil {
			return err
		}
		defer database.Close()

		var tasks []models.Task
		if status, _ := cmd.Flags().GetString("status"); status != "" {
			s := models.SyncStatus(status)
			if !s.Valid() {
				output.Error("invalid status %q", status)
				return fmt.Errorf("invalid status: %s", status)
			}
			tasks, err = database.TasksByStatus(s)
		} else {
			tasks, err = database.ListTasks()
		}
		if err != nil {
			output.Error("%v", err)
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return output.JSON(tasks)
		}
		if len(tasks) == 0 {
			output.Info("No tasks. Create one with 'tasksync create'.")
			return nil
		}
		for i := range tasks {
			fmt.Println(output.FormatTaskShort(&tasks[i]))
		}
		return nil
	},
}

func init() {
	listCmd.Flags().String("status", "", "filter by sync status (pending, syncing, synced, conflict, error, permission_denied)")
	listCmd.Flags().Bool("json", false, "output as JSON")
	rootCmd.AddCommand(listCmd)
}
