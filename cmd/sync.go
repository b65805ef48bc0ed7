package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/tasksync/internal/output"
	"github.com/marcus/tasksync/internal/syncclient"
	"github.com/marcus/tasksync/internal/syncconfig"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	Short:   "Sync with the server now",
	Long:    `Run one full sync episode: pull all remote changes, then push the local outbox.`,
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !syncconfig.IsAuthenticated() {
			output.Error("not linked to a server: run 'tasksync link' first")
			return fmt.Errorf("not linked")
		}

		database, deviceID, err := openStore()
		if err != nil {
			return err
		}
		defer database.Close()

		engine := buildEngine(database, deviceID)
		summary, err := engine.Sync()
		if err != nil {
			if errors.Is(err, syncclient.ErrForbidden) {
				output.Error("server refused the push: %v", err)
				output.Info("Blocked changes are parked; fix access and run 'tasksync retry'.")
			} else {
				output.Error("sync failed: %v", err)
			}
			return err
		}

		output.Success("Synced: %d pulled, %d pushed", summary.Pulled, summary.Pushed)
		if summary.Tombstoned > 0 {
			output.Info("Applied %d deletions", summary.Tombstoned)
		}
		if summary.Conflicts > 0 {
			output.Warning("%d conflict(s) need resolution: see 'tasksync conflicts'", summary.Conflicts)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
