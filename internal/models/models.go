package models

import (
	"time"

	"github.com/marcus/tasksync/internal/vclock"
)

// SyncStatus is the closed set of per-entity sync states. Every consumer
// switches exhaustively over these values.
type SyncStatus string

const (
	// StatusPending marks a local mutation not yet transmitted.
	StatusPending SyncStatus = "pending"
	// StatusSyncing marks an entity whose outbox entry is in an in-flight push.
	StatusSyncing SyncStatus = "syncing"
	// StatusSynced marks an entity matching the remote authority.
	StatusSynced SyncStatus = "synced"
	// StatusConflict marks a detected causal divergence awaiting resolution.
	StatusConflict SyncStatus = "conflict"
	// StatusError marks an entity whose last push failed transiently.
	StatusError SyncStatus = "error"
	// StatusPermissionDenied marks an entity rejected with a permission
	// failure. Terminal until cleared explicitly; automatic retry never
	// resurrects it.
	StatusPermissionDenied SyncStatus = "permission_denied"
)

// Valid reports whether s is a known sync status.
func (s SyncStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSyncing, StatusSynced, StatusConflict, StatusError, StatusPermissionDenied:
		return true
	}
	return false
}

// Operation is the kind of mutation carried by an outbox entry.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// EntityType names a syncable entity kind.
type EntityType string

const (
	EntityTask    EntityType = "task"
	EntityComment EntityType = "comment"
)

// Task is the primary entity. Content fields participate in the checksum;
// sync metadata does not.
type Task struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Done        bool         `json:"done"`
	Position    int          `json:"position"`
	Version     int64        `json:"version"`
	Clock       vclock.Clock `json:"vector_clock"`
	SyncStatus  SyncStatus   `json:"sync_status"`
	Checksum    string       `json:"checksum"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Comment is a child entity attached to a task. Deleting the parent task
// cascades to its comments.
type Comment struct {
	ID         string       `json:"id"`
	TaskID     string       `json:"task_id"`
	Body       string       `json:"body"`
	Author     string       `json:"author,omitempty"`
	Version    int64        `json:"version"`
	Clock      vclock.Clock `json:"vector_clock"`
	SyncStatus SyncStatus   `json:"sync_status"`
	Checksum   string       `json:"checksum"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// OutboxEntry is one pending mutation in the durable sync queue.
// CreatedAt (with the rowid as tiebreak) defines FIFO push order.
type OutboxEntry struct {
	ID            int64      `json:"id"`
	EntityType    EntityType `json:"entity_type"`
	EntityID      string     `json:"entity_id"`
	Operation     Operation  `json:"operation"`
	Payload       []byte     `json:"payload"` // JSON snapshot of the entity at enqueue time
	AttemptCount  int        `json:"attempt_count"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// PermanentAttempts is the sentinel attempt count that disables further
// automatic retries for an outbox entry.
const PermanentAttempts = 1 << 20

// Permanent reports whether the entry has been taken out of automatic retry.
func (e OutboxEntry) Permanent() bool {
	return e.AttemptCount >= PermanentAttempts
}

// Tombstone records a deletion at the remote authority. Each pulling device
// consumes it once to remove its local copy; the server expires it after the
// retention window.
type Tombstone struct {
	ID         string       `json:"id"`
	EntityType EntityType   `json:"entity_type"`
	EntityID   string       `json:"entity_id"`
	DeletedBy  string       `json:"deleted_by"`
	// DeletedFromDevice is the device that issued the delete.
	DeletedFromDevice string       `json:"deleted_from_device,omitempty"`
	Clock             vclock.Clock `json:"vector_clock"`
	CreatedAt         time.Time    `json:"created_at"`
	ExpiresAt         time.Time    `json:"expires_at"`
}

// TombstoneRetention is how long the server keeps tombstones. Clients must
// not depend on tombstones surviving past this horizon.
const TombstoneRetention = 90 * 24 * time.Hour

// DeviceState is the per-installation sync bookkeeping: stable device
// identity, the running join of all clocks seen from the server, and the
// delta-pull cursor.
type DeviceState struct {
	DeviceID   string       `json:"device_id"`
	Clock      vclock.Clock `json:"vector_clock"`
	LastSyncAt *time.Time   `json:"last_sync_at,omitempty"`
	// Cursor is the unix-ms timestamp of the newest fully applied pull page.
	Cursor int64 `json:"cursor"`
}

// ConflictRecord stores a detected divergence for later resolution: the
// local entity and the server entity, both known to be concurrent.
type ConflictRecord struct {
	ID          int64        `json:"id"`
	EntityType  EntityType   `json:"entity_type"`
	EntityID    string       `json:"entity_id"`
	LocalData   []byte       `json:"local_data"`
	ServerData  []byte       `json:"server_data"`
	Reason      string       `json:"reason"`
	ServerClock vclock.Clock `json:"server_vector_clock"`
	DetectedAt  time.Time    `json:"detected_at"`
}
