package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/tasksync/internal/db"
	"github.com/marcus/tasksync/internal/output"
)

var commentCmd = &cobra.Command{
	Use:     "comment <task-id> [body]",
	Short:   "Add a comment to a task",
	GroupID: "core",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		database, deviceID, err := openStore()
		if err != nil {
			return err
		}
		defer database.Close()

		author, _ := cmd.Flags().GetString("author")
		comment, err := database.CreateComment(db.CommentInput{
			TaskID: args[0],
			Body:   args[1],
			Author: author,
		}, deviceID)
		if err != nil {
			output.Error("%v", err)
			return err
		}

		output.Success("Commented %s on %s", output.ShortID(comment.ID), output.ShortID(comment.TaskID))
		notifyMutation()
		return nil
	},
}

var commentEditCmd = &cobra.Command{
	Use:   "edit <comment-id> <body>",
	Short: "Edit a comment",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		database, deviceID, err := openStore()
		if err != nil {
			return err
		}
		defer database.Close()

		body := args[1]
		comment, err := database.UpdateComment(args[0], db.CommentPatch{Body: &body}, deviceID)
		if err != nil {
			output.Error("%v", err)
			return err
		}

		fmt.Printf("%s: %s\n", output.ShortID(comment.ID), comment.Body)
		notifyMutation()
		return nil
	},
}

var commentDeleteCmd = &cobra.Command{
	Use:     "delete <comment-id>",
	Aliases: []string{"rm"},
	Short:   "Delete a comment",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		database, deviceID, err := openStore()
		if err != nil {
			return err
		}
		defer database.Close()

		if err := database.DeleteComment(args[0], deviceID); err != nil {
			output.Error("%v", err)
			return err
		}

		output.Success("Deleted comment %s", output.ShortID(args[0]))
		notifyMutation()
		return nil
	},
}

func init() {
	commentCmd.Flags().String("author", "", "comment author")
	commentCmd.AddCommand(commentEditCmd)
	commentCmd.AddCommand(commentDeleteCmd)
	rootCmd.AddCommand(commentCmd)
}
