package cmd

import (
	"log/slog"
	"time"

	"github.com/marcus/tasksync/internal/db"
	tsync "github.com/marcus/tasksync/internal/sync"
	"github.com/marcus/tasksync/internal/syncclient"
	"github.com/marcus/tasksync/internal/syncconfig"
)

// buildEngine wires a sync engine from the stored configuration.
func buildEngine(database *db.DB, deviceID string) *tsync.Engine {
	client := syncclient.New(syncconfig.GetServerURL(), syncconfig.GetAPIKey(), deviceID)
	return tsync.New(database, client, deviceID, tsync.Options{
		Debounce:  syncconfig.GetAutoSyncDebounce(),
		Interval:  syncconfig.GetAutoSyncInterval(),
		PullLimit: syncconfig.GetPullLimit(),
	}, slog.Default())
}

// notifyMutation runs a quick sync episode after a mutating command, so an
// edit normally reaches the server before the process exits. Runs
// synchronously with a short timeout; failures stay local, the outbox keeps
// the change for the next explicit sync.
func notifyMutation() {
	if !syncconfig.GetAutoSyncEnabled() {
		return
	}
	if !syncconfig.IsAuthenticated() {
		return
	}

	database, err := db.Open(getBaseDir())
	if err != nil {
		slog.Debug("autosync: open db", "err", err)
		return
	}
	defer database.Close()

	deviceID, err := syncconfig.GetDeviceID()
	if err != nil {
		slog.Debug("autosync: device id", "err", err)
		return
	}

	client := syncclient.New(syncconfig.GetServerURL(), syncconfig.GetAPIKey(), deviceID)
	client.HTTP.Timeout = 5 * time.Second // short timeout for auto-sync
	engine := tsync.New(database, client, deviceID, tsync.Options{}, slog.Default())
	if _, err := engine.Sync(); err != nil {
		slog.Debug("autosync", "err", err)
	}
}
