package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/tasksync/internal/output"
	"github.com/marcus/tasksync/internal/syncclient"
	"github.com/marcus/tasksync/internal/syncconfig"
)

var linkCmd = &cobra.Command{
	Use:     "link <server-url>",
	Short:   "Link this machine to a sync server",
	Long:    `Stores the server URL and API key and verifies the server is reachable.`,
	GroupID: "sync",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		serverURL := args[0]
		apiKey, _ := cmd.Flags().GetString("api-key")
		if apiKey == "" {
			output.Error("--api-key is required")
			return fmt.Errorf("api key required")
		}

		deviceID, err := syncconfig.GetDeviceID()
		if err != nil {
			output.Error("resolve device id: %v", err)
			return err
		}

		client := syncclient.New(serverURL, apiKey, deviceID)
		if _, err := client.HealthCheck(); err != nil {
			output.Error("server unreachable: %v", err)
			return err
		}

		if err := syncconfig.SaveAuth(&syncconfig.AuthCredentials{
			APIKey:    apiKey,
			ServerURL: serverURL,
			DeviceID:  deviceID,
		}); err != nil {
			output.Error("save credentials: %v", err)
			return err
		}

		output.Success("Linked to %s", serverURL)
		fmt.Printf("Device: %s\n", deviceID)
		return nil
	},
}

var unlinkCmd = &cobra.Command{
	Use:     "unlink",
	Short:   "Remove the server link",
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := syncconfig.ClearAuth(); err != nil {
			output.Error("%v", err)
			return err
		}
		output.Success("Unlinked. Local data and queued changes are untouched.")
		return nil
	},
}

func init() {
	linkCmd.Flags().String("api-key", "", "server API key")
	rootCmd.AddCommand(linkCmd)
	rootCmd.AddCommand(unlinkCmd)
}
