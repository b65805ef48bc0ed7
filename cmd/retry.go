package cmd

import (
	"github.com/spf13/cobra"

	"github.com/marcus/tasksync/internal/output"
)

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Re-arm failed changes and sync",
	Long: `Clears permission-denied parking and attempt counters on the sync
queue, then runs a sync episode so everything gets another try.`,
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, deviceID, err := openStore()
		if err != nil {
			return err
		}
		defer database.Close()

		cleared, err := database.ClearPermanentOutbox()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		if err := database.ResetAttempts(); err != nil {
			output.Error("%v", err)
			return err
		}
		if cleared > 0 {
			output.Info("Re-armed %d parked change(s)", cleared)
		}

		engine := buildEngine(database, deviceID)
		summary, err := engine.Sync()
		if err != nil {
			output.Error("sync failed: %v", err)
			return err
		}
		output.Success("Synced: %d pulled, %d pushed", summary.Pulled, summary.Pushed)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(retryCmd)
}
