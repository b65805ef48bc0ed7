package sync

import (
	"time"
)

// Options tunes the engine. Zero values fall back to defaults.
type Options struct {
	// MaxAttempts is the retry ceiling for transiently failed outbox
	// entries. Entries at or past it stop draining until a manual retry.
	MaxAttempts int
	// Debounce is the quiet period after a local mutation before a sync
	// fires; each new mutation inside the window resets the timer.
	Debounce time.Duration
	// Interval is the periodic sync cadence.
	Interval time.Duration
	// PullLimit is the page size for delta pulls.
	PullLimit int
}

const (
	defaultMaxAttempts = 5
	defaultDebounce    = 3 * time.Second
	defaultInterval    = 5 * time.Minute
)

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.Debounce <= 0 {
		o.Debounce = defaultDebounce
	}
	if o.Interval <= 0 {
		o.Interval = defaultInterval
	}
	return o
}

// State is the engine's coarse activity state.
type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateOffline State = "offline"
)

// Status is the aggregate snapshot broadcast to observers after every
// episode and state change.
type Status struct {
	State         State      `json:"state"`
	LastSyncAt    *time.Time `json:"last_sync_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	Pending       int64      `json:"pending"`
	Permanent     int64      `json:"permanent"`
	OpenConflicts int        `json:"open_conflicts"`
}

// Summary is the outcome of one sync episode.
type Summary struct {
	Pulled     int
	Tombstoned int
	Pushed     int
	Conflicts  int
	PullErr    error
	PushErr    error
}
