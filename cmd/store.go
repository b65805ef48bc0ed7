package cmd

import (
	"github.com/marcus/tasksync/internal/db"
	"github.com/marcus/tasksync/internal/output"
	"github.com/marcus/tasksync/internal/syncconfig"
)

// openStore opens the local database and resolves this machine's device id.
// Callers own closing the returned DB.
func openStore() (*db.DB, string, error) {
	database, err := db.Open(getBaseDir())
	if err != nil {
		output.Error("%v", err)
		return nil, "", err
	}
	deviceID, err := syncconfig.GetDeviceID()
	if err != nil {
		database.Close()
		output.Error("resolve device id: %v", err)
		return nil, "", err
	}
	return database, deviceID, nil
}
