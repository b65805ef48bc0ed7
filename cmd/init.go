package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/marcus/tasksync/internal/db"
	"github.com/marcus/tasksync/internal/output"
	"github.com/marcus/tasksync/internal/syncconfig"
)

var initCmd = &cobra.Command{
	Use:     "init",
	Short:   "Initialize the local task store",
	Long:    `Creates the .tasksync directory and SQLite database in the current directory.`,
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		baseDir := getBaseDir()

		if _, err := os.Stat(filepath.Join(baseDir, ".tasksync")); err == nil {
			output.Warning(".tasksync/ already exists")
			return nil
		}

		database, err := db.Initialize(baseDir)
		if err != nil {
			output.Error("failed to initialize database: %v", err)
			return err
		}
		defer database.Close()

		deviceID, err := syncconfig.GetDeviceID()
		if err != nil {
			output.Error("failed to establish device id: %v", err)
			return err
		}
		if err := database.InitDeviceState(deviceID); err != nil {
			output.Error("failed to record device state: %v", err)
			return err
		}

		fmt.Println("INITIALIZED .tasksync/")
		fmt.Printf("Device: %s\n", deviceID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
