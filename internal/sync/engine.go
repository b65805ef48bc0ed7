// Package sync orchestrates sync episodes between the local store and the
// server: pull remote deltas first, then push the outbox. Episodes are
// single-flight; triggers that arrive mid-episode coalesce into one follow-up
// run instead of stacking.
package sync

import (
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/marcus/tasksync/internal/db"
	"github.com/marcus/tasksync/internal/syncclient"
)

// ErrSyncInFlight is returned by TrySync when an episode is already running.
var ErrSyncInFlight = errors.New("sync already in flight")

// Engine runs sync episodes against one server for one device.
type Engine struct {
	store    *db.DB
	client   *syncclient.Client
	deviceID string
	opts     Options
	log      *slog.Logger

	mu       stdsync.Mutex
	inFlight bool
	rerun    bool
	online   bool
	status   Status
	watchers []chan Status

	triggers chan struct{}
	stop     chan struct{}
	done     chan struct{}
	loopOnce stdsync.Once
}

// New creates an engine. The store and client must already be configured for
// the same device id.
func New(store *db.DB, client *syncclient.Client, deviceID string, opts Options, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store:    store,
		client:   client,
		deviceID: deviceID,
		opts:     opts.withDefaults(),
		log:      log,
		online:   true,
		status:   Status{State: StateIdle},
		triggers: make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Sync runs one full episode: pull until the server reports no more pages,
// then push the whole outbox. If an episode is already running it marks a
// follow-up and returns ErrSyncInFlight; the running episode's loop will go
// again once it finishes.
func (e *Engine) Sync() (*Summary, error) {
	e.mu.Lock()
	if e.inFlight {
		e.rerun = true
		e.mu.Unlock()
		return nil, ErrSyncInFlight
	}
	e.inFlight = true
	e.mu.Unlock()

	summary := e.runEpisode()

	e.mu.Lock()
	e.inFlight = false
	again := e.rerun
	e.rerun = false
	e.mu.Unlock()

	if again {
		e.requestSync()
	}

	if summary.PullErr != nil {
		return summary, summary.PullErr
	}
	return summary, summary.PushErr
}

// runEpisode executes pull then push and updates the broadcast status. Push
// still runs when the pull fails partway; whatever pages were applied are
// already durable and the outbox may have work the server can take.
func (e *Engine) runEpisode() *Summary {
	start := time.Now()
	e.setState(StateSyncing, "")
	summary := &Summary{}

	pulled, tombstoned, pullErr := e.pull()
	summary.Pulled = pulled
	summary.Tombstoned = tombstoned
	summary.PullErr = pullErr
	if pullErr != nil {
		e.log.Warn("pull failed", "err", pullErr)
	}

	pushed, conflicts, pushErr := e.push()
	summary.Pushed = pushed
	summary.Conflicts = conflicts
	summary.PushErr = pushErr
	if pushErr != nil {
		e.log.Warn("push failed", "err", pushErr)
	}

	switch {
	case pullErr == nil && pushErr == nil:
		e.setState(StateIdle, "")
		e.log.Info("sync complete",
			"pulled", pulled, "tombstones", tombstoned,
			"pushed", pushed, "conflicts", conflicts,
			"took", time.Since(start).Round(time.Millisecond))
	case isUnreachable(pullErr) || isUnreachable(pushErr):
		e.setState(StateOffline, firstErr(pullErr, pushErr).Error())
	default:
		e.setState(StateIdle, firstErr(pullErr, pushErr).Error())
	}
	return summary
}

// NotifyMutation tells the engine local data changed. The sync fires after
// the debounce window; further mutations inside the window reset the timer.
func (e *Engine) NotifyMutation() {
	e.startLoop()
	select {
	case e.triggers <- struct{}{}:
	default:
	}
}

// Start begins the background loop: debounced mutation triggers plus a
// periodic interval tick. Safe to call more than once.
func (e *Engine) Start() {
	e.startLoop()
}

// Stop shuts the background loop down. An episode already in flight runs to
// completion; Stop only prevents new ones from being scheduled.
func (e *Engine) Stop() {
	e.mu.Lock()
	select {
	case <-e.stop:
		e.mu.Unlock()
		return
	default:
	}
	close(e.stop)
	e.mu.Unlock()
	e.loopOnce.Do(func() { close(e.done) }) // loop never started
	<-e.done
}

func (e *Engine) startLoop() {
	e.loopOnce.Do(func() {
		go e.loop()
	})
}

func (e *Engine) loop() {
	defer close(e.done)
	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()

	var debounce *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-e.stop:
			if debounce != nil {
				debounce.Stop()
			}
			return
		case <-e.triggers:
			if debounce == nil {
				debounce = time.NewTimer(e.opts.Debounce)
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(e.opts.Debounce)
			}
			fire = debounce.C
		case <-fire:
			fire = nil
			e.syncInBackground()
		case <-ticker.C:
			e.syncInBackground()
		}
	}
}

func (e *Engine) syncInBackground() {
	if _, err := e.Sync(); err != nil && !errors.Is(err, ErrSyncInFlight) {
		e.log.Debug("background sync", "err", err)
	}
}

// requestSync schedules an immediate follow-up run without the debounce
// window.
func (e *Engine) requestSync() {
	go e.syncInBackground()
}

// SetOnline records connectivity. Transitioning from offline to online
// triggers an immediate sync.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	was := e.online
	e.online = online
	e.mu.Unlock()
	if online && !was {
		e.requestSync()
	}
}

// Status returns the current snapshot, refreshing the queue counters from the
// store.
func (e *Engine) Status() Status {
	e.mu.Lock()
	st := e.status
	e.mu.Unlock()
	e.fillCounters(&st)
	return st
}

// Subscribe registers a status watcher. The channel receives a snapshot after
// every state change; slow readers drop updates rather than block the engine.
func (e *Engine) Subscribe() <-chan Status {
	ch := make(chan Status, 8)
	e.mu.Lock()
	e.watchers = append(e.watchers, ch)
	e.mu.Unlock()
	return ch
}

func (e *Engine) setState(state State, lastErr string) {
	e.mu.Lock()
	e.status.State = state
	e.status.LastError = lastErr
	if state == StateIdle && lastErr == "" {
		now := time.Now().UTC()
		e.status.LastSyncAt = &now
	}
	st := e.status
	watchers := e.watchers
	e.mu.Unlock()

	e.fillCounters(&st)
	for _, ch := range watchers {
		select {
		case ch <- st:
		default:
		}
	}
}

func (e *Engine) fillCounters(st *Status) {
	if n, err := e.store.CountPendingOutbox(e.opts.MaxAttempts); err == nil {
		st.Pending = n
	}
	if n, err := e.store.CountPermanentOutbox(); err == nil {
		st.Permanent = n
	}
	if conflicts, err := e.store.ListConflicts(); err == nil {
		st.OpenConflicts = len(conflicts)
	}
}

// isUnreachable reports whether err looks like the server cannot be reached
// at all, as opposed to the server answering with an error.
func isUnreachable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syncclient.ErrUnauthorized) || errors.Is(err, syncclient.ErrForbidden) || errors.Is(err, syncclient.ErrNotFound) {
		return false
	}
	return !syncclient.IsAPIError(err)
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return fmt.Errorf("unknown sync error")
}
