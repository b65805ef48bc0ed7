package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/tasksync/internal/output"
	"github.com/marcus/tasksync/internal/syncconfig"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	Short:   "Show sync queue and server link state",
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, deviceID, err := openStore()
		if err != nil {
			return err
		}
		defer database.Close()

		engine := buildEngine(database, deviceID)
		st := engine.Status()
		state, err := database.GetDeviceState()
		if err != nil {
			output.Error("%v", err)
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return output.JSON(map[string]any{"status": st, "device": state})
		}

		if syncconfig.IsAuthenticated() {
			fmt.Printf("Server:    %s\n", syncconfig.GetServerURL())
		} else {
			output.Warning("Not linked to a server (run 'tasksync link')")
		}
		fmt.Printf("Device:    %s\n", deviceID)
		if state != nil && state.LastSyncAt != nil {
			fmt.Printf("Last sync: %s\n", output.FormatTimeAgo(*state.LastSyncAt))
		} else {
			fmt.Println("Last sync: never")
		}
		fmt.Printf("Pending:   %d queued change(s)\n", st.Pending)
		if st.Permanent > 0 {
			output.Warning("%d change(s) parked after permission failures ('tasksync retry' to re-arm)", st.Permanent)
		}
		if st.OpenConflicts > 0 {
			output.Warning("%d open conflict(s) ('tasksync conflicts' to inspect)", st.OpenConflicts)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().Bool("json", false, "output as JSON")
	rootCmd.AddCommand(statusCmd)
}
