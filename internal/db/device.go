package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/marcus/tasksync/internal/models"
	"github.com/marcus/tasksync/internal/vclock"
)

// InitDeviceState writes the device record if none exists yet.
func (db *DB) InitDeviceState(deviceID string) error {
	_, err := db.conn.Exec(`INSERT OR IGNORE INTO device_state (device_id, vector_clock, cursor) VALUES (?, '{}', 0)`, deviceID)
	if err != nil {
		return fmt.Errorf("init device state: %w", err)
	}
	return nil
}

// GetDeviceState returns the device record, or nil when the store has never
// been initialized for sync.
func (db *DB) GetDeviceState() (*models.DeviceState, error) {
	return getDeviceState(db.conn)
}

// GetDeviceStateTx is GetDeviceState inside an existing transaction.
func GetDeviceStateTx(tx *sql.Tx) (*models.DeviceState, error) {
	return getDeviceState(tx)
}

func getDeviceState(q querier) (*models.DeviceState, error) {
	var s models.DeviceState
	var clockStr string
	var lastSync sql.NullString
	err := q.QueryRow(`SELECT device_id, vector_clock, last_sync_at, cursor FROM device_state LIMIT 1`).
		Scan(&s.DeviceID, &clockStr, &lastSync, &s.Cursor)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get device state: %w", err)
	}
	if s.Clock, err = vclock.Decode(clockStr); err != nil {
		return nil, err
	}
	if lastSync.Valid {
		t, err := decodeTime(lastSync.String)
		if err != nil {
			return nil, err
		}
		s.LastSyncAt = &t
	}
	return &s, nil
}

// AdvanceDeviceStateTx merges the server clock into the device record and
// moves the pull cursor. Called only after a pull page is fully applied, or
// after push completion, so the record is never read-modify-written
// concurrently.
func AdvanceDeviceStateTx(tx *sql.Tx, serverClock vclock.Clock, cursor int64) error {
	state, err := getDeviceState(tx)
	if err != nil {
		return err
	}
	if state == nil {
		return fmt.Errorf("device state missing")
	}
	merged := vclock.Merge(state.Clock, serverClock)
	if cursor < state.Cursor {
		cursor = state.Cursor
	}
	_, err = tx.Exec(`UPDATE device_state SET vector_clock = ?, cursor = ?, last_sync_at = ?`,
		merged.Encode(), cursor, encodeTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("advance device state: %w", err)
	}
	return nil
}
