package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/tasksync/internal/db"
	"github.com/marcus/tasksync/internal/output"
)

var updateCmd = &cobra.Command{
	Use:     "update <id>",
	Aliases: []string{"edit"},
	Short:   "Update a task",
	Long:    `Update a task's fields. Only the flags you pass change; the edit is queued for sync.`,
	GroupID: "core",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		database, deviceID, err := openStore()
		if err != nil {
			return err
		}
		defer database.Close()

		var patch db.TaskPatch
		if cmd.Flags().Changed("title") {
			v, _ := cmd.Flags().GetString("title")
			patch.Title = &v
		}
		if cmd.Flags().Changed("description") {
			v, _ := cmd.Flags().GetString("description")
			patch.Description = &v
		}
		if cmd.Flags().Changed("done") {
			v, _ := cmd.Flags().GetBool("done")
			patch.Done = &v
		}
		if cmd.Flags().Changed("position") {
			v, _ := cmd.Flags().GetInt("position")
			patch.Position = &v
		}
		if patch.Title == nil && patch.Description == nil && patch.Done == nil && patch.Position == nil {
			output.Error("nothing to update: pass at least one of --title, --description, --done, --position")
			return fmt.Errorf("no fields to update")
		}

		task, err := database.UpdateTask(args[0], patch, deviceID)
		if err != nil {
			output.Error("%v", err)
			return err
		}

		fmt.Println(output.FormatTaskShort(task))
		notifyMutation()
		return nil
	},
}

var doneCmd = &cobra.Command{
	Use:     "done <id>",
	Short:   "Mark a task done",
	GroupID: "core",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		database, deviceID, err := openStore()
		if err != nil {
			return err
		}
		defer database.Close()

		done := true
		task, err := database.UpdateTask(args[0], db.TaskPatch{Done: &done}, deviceID)
		if err != nil {
			output.Error("%v", err)
			return err
		}

		output.Success("Done: %s", task.Title)
		notifyMutation()
		return nil
	},
}

func init() {
	updateCmd.Flags().String("title", "", "new title")
	updateCmd.Flags().StringP("description", "d", "", "new description")
	updateCmd.Flags().Bool("done", false, "done state")
	updateCmd.Flags().Int("position", 0, "position in the list")
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(doneCmd)
}
