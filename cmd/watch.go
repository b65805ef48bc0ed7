package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marcus/tasksync/internal/output"
	tsync "github.com/marcus/tasksync/internal/sync"
	"github.com/marcus/tasksync/internal/syncconfig"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the background sync loop until interrupted",
	Long: `Keep a sync engine running in the foreground: an immediate episode on
startup, then periodic syncs on the configured interval. Stop with Ctrl-C;
an episode already in flight finishes before the process exits.`,
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
		updates := engine.Subscribe()
		engine.Start()
		go engine.Sync()

		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		output.Info("Watching for changes; syncing every %s. Ctrl-C to stop.", syncconfig.GetAutoSyncInterval())
		for {
			select {
			case st := <-updates:
				reportState(st)
			case <-ctx.Done():
				engine.Stop()
				output.Info("Stopped.")
				return nil
			}
		}
	},
}

// reportState prints one line per state change, skipping the noisy
// syncing->idle chatter of a clean episode.
func reportState(st tsync.Status) {
	switch {
	case st.State == tsync.StateOffline:
		output.Warning("Server unreachable; will retry (%s)", st.LastError)
	case st.LastError != "":
		output.Warning("Sync error: %s", st.LastError)
	case st.State == tsync.StateIdle && st.OpenConflicts > 0:
		output.Warning("%d conflict(s) need resolution: see 'tasksync conflicts'", st.OpenConflicts)
	}
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
