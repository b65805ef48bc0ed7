package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	tsync "github.com/marcus/tasksync/internal/sync"
	"github.com/marcus/tasksync/internal/output"
)

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	Short:   "List unresolved sync conflicts",
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, _, err := openStore()
		if err != nil {
			return err
		}
		defer database.Close()

		records, err := database.ListConflicts()
		if err != nil {
			output.Error("%v", err)
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return output.JSON(records)
		}
		if len(records) == 0 {
			output.Success("No conflicts")
			return nil
		}
		for i := range records {
			fmt.Println(output.FormatConflict(&records[i]))
		}
		output.Info("Resolve with 'tasksync conflicts resolve <id> --use local|server' or --merge-file.")
		return nil
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Resolve a conflict",
	Long: `Resolve a stored conflict. --use server adopts the server version;
--use local keeps yours and republishes it; --merge-file replaces the content
with hand-merged JSON and republishes that.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			output.Error("conflict id must be a number")
			return err
		}

		database, deviceID, err := openStore()
		if err != nil {
			return err
		}
		defer database.Close()

		use, _ := cmd.Flags().GetString("use")
		mergeFile, _ := cmd.Flags().GetString("merge-file")

		var choice tsync.Resolution
		var merged []byte
		switch {
		case mergeFile != "":
			choice = tsync.ResolutionMerge
			merged, err = os.ReadFile(mergeFile)
			if err != nil {
				output.Error("read merge file: %v", err)
				return err
			}
		case use == "local":
			choice = tsync.ResolutionUseLocal
		case use == "server":
			choice = tsync.ResolutionUseServer
		default:
			output.Error("pass --use local, --use server, or --merge-file <path>")
			return fmt.Errorf("no resolution chosen")
		}

		if err := tsync.Resolve(database, deviceID, id, choice, merged); err != nil {
			output.Error("%v", err)
			return err
		}

		output.Success("Resolved conflict #%d (%s)", id, choice)
		notifyMutation()
		return nil
	},
}

var conflictsClearCmd = &cobra.Command{
	Use:   "clear <id>",
	Short: "Dismiss a conflict without resolving it",
	Long: `Drop a stored conflict record without adopting either side. The local
version stays as-is and is queued again; the next sync may re-report the
same conflict unless the server side has moved on.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			output.Error("conflict id must be a number")
			return err
		}

		database, _, err := openStore()
		if err != nil {
			return err
		}
		defer database.Close()

		if err := database.DismissConflict(id); err != nil {
			output.Error("%v", err)
			return err
		}
		output.Success("Dismissed conflict #%d", id)
		return nil
	},
}

func init() {
	conflictsCmd.Flags().Bool("json", false, "output as JSON")
	conflictsResolveCmd.Flags().String("use", "", "which side wins: local or server")
	conflictsResolveCmd.Flags().String("merge-file", "", "path to hand-merged entity JSON")
	conflictsCmd.AddCommand(conflictsResolveCmd)
	conflictsCmd.AddCommand(conflictsClearCmd)
	rootCmd.AddCommand(conflictsCmd)
}
