package sync

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/marcus/tasksync/internal/db"
	"github.com/marcus/tasksync/internal/models"
	"github.com/marcus/tasksync/internal/syncclient"
)

// push drains the outbox into one batch and submits it. The server applies
// the batch in submission order and halts at the first conflict, so the
// processed count is always a clean prefix; everything past it stays queued
// for the next episode.
func (e *Engine) push() (pushed, conflicts int, err error) {
	entries, err := e.prepareBatch()
	if err != nil {
		return 0, 0, err
	}
	if len(entries) == 0 {
		return 0, 0, nil
	}

	state, err := e.store.GetDeviceState()
	if err != nil {
		return 0, 0, fmt.Errorf("load device state: %w", err)
	}
	if state == nil {
		return 0, 0, fmt.Errorf("device not linked")
	}

	req := &syncclient.PushRequest{
		DeviceID:    e.deviceID,
		VectorClock: state.Clock,
		Timestamp:   time.Now().UnixMilli(),
	}
	for _, entry := range entries {
		item := syncclient.ChangeItem{
			ID:        entry.EntityID,
			Operation: string(entry.Operation),
			Data:      json.RawMessage(entry.Payload),
		}
		if entry.EntityType == models.EntityTask {
			req.Changes.Tasks = append(req.Changes.Tasks, item)
		} else {
			req.Changes.Comments = append(req.Changes.Comments, item)
		}
	}

	resp, err := e.client.Push(req)
	if err != nil {
		return 0, 0, e.failBatch(entries, err)
	}
	return e.settleBatch(entries, resp)
}

// prepareBatch purges orphans, collapses redundant entries, drains what is
// still retryable and flips the drained entities to syncing, all in one
// transaction. Tasks come back before comments so the server sees parents
// first.
func (e *Engine) prepareBatch() ([]models.OutboxEntry, error) {
	tx, err := e.store.Conn().Begin()
	if err != nil {
		return nil, fmt.Errorf("begin push tx: %w", err)
	}
	defer tx.Rollback()

	if purged, err := db.PurgeOrphanOutboxTx(tx); err != nil {
		return nil, err
	} else if purged > 0 {
		e.log.Debug("purged orphan outbox entries", "count", purged)
	}
	if err := db.CollapseOutboxTx(tx); err != nil {
		return nil, err
	}

	drained, err := db.DrainOutboxTx(tx, e.opts.MaxAttempts)
	if err != nil {
		return nil, err
	}
	if len(drained) == 0 {
		return nil, tx.Commit()
	}

	var entries []models.OutboxEntry
	for _, entry := range drained {
		if entry.EntityType == models.EntityTask {
			entries = append(entries, entry)
		}
	}
	for _, entry := range drained {
		if entry.EntityType == models.EntityComment {
			entries = append(entries, entry)
		}
	}

	for _, entry := range entries {
		if entry.Operation == models.OpDelete {
			continue // the local row is already gone
		}
		if err := db.PromoteStatusTx(tx, entry.EntityType, entry.EntityID, models.StatusPending, models.StatusSyncing); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit push prep: %w", err)
	}
	return entries, nil
}

// failBatch records a failed push attempt on every drained entry. A 403 is
// terminal: the entries are parked permanently until the user clears them.
// Everything else counts one attempt against the ceiling.
func (e *Engine) failBatch(entries []models.OutboxEntry, cause error) error {
	permanent := errors.Is(cause, syncclient.ErrForbidden)
	status := models.StatusError
	if permanent {
		status = models.StatusPermissionDenied
	}

	tx, err := e.store.Conn().Begin()
	if err != nil {
		return fmt.Errorf("begin fail tx: %w", err)
	}
	defer tx.Rollback()

	for _, entry := range entries {
		if err := db.FailOutboxTx(tx, entry.ID, cause.Error(), permanent); err != nil {
			return err
		}
		if entry.Operation != models.OpDelete {
			if err := db.SetStatusTx(tx, entry.EntityType, entry.EntityID, status); err != nil {
				return err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit fail tx: %w", err)
	}
	return cause
}

// settleBatch acknowledges the processed prefix, records server conflicts and
// returns everything else to pending for the next episode.
func (e *Engine) settleBatch(entries []models.OutboxEntry, resp *syncclient.PushResponse) (pushed, conflicts int, err error) {
	conflicted := make(map[string]syncclient.WireConflict, len(resp.Conflicts))
	for _, wc := range resp.Conflicts {
		conflicted[wc.EntityType+"/"+wc.EntityID] = wc
	}

	processed := resp.Processed
	if processed > len(entries) {
		processed = len(entries)
	}

	tx, err := e.store.Conn().Begin()
	if err != nil {
		return 0, 0, fmt.Errorf("begin settle tx: %w", err)
	}
	defer tx.Rollback()

	var ackIDs []int64
	for i, entry := range entries {
		key := string(entry.EntityType) + "/" + entry.EntityID
		if wc, ok := conflicted[key]; ok {
			if err := e.recordPushConflict(tx, entry, wc); err != nil {
				return 0, 0, err
			}
			continue
		}
		if i >= processed {
			// Past the prefix: the server never saw it, retry next time
			// without burning an attempt.
			if entry.Operation != models.OpDelete {
				if err := db.PromoteStatusTx(tx, entry.EntityType, entry.EntityID, models.StatusSyncing, models.StatusPending); err != nil {
					return 0, 0, err
				}
			}
			continue
		}
		ackIDs = append(ackIDs, entry.ID)
		if entry.Operation != models.OpDelete {
			// A local edit during the push keeps the row pending; only an
			// untouched row settles to synced.
			if err := db.PromoteStatusTx(tx, entry.EntityType, entry.EntityID, models.StatusSyncing, models.StatusSynced); err != nil {
				return 0, 0, err
			}
		}
	}

	if err := db.AckOutboxTx(tx, ackIDs); err != nil {
		return 0, 0, err
	}
	if err := db.AdvanceDeviceStateTx(tx, resp.ServerVectorClock, 0); err != nil {
		return 0, 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit settle tx: %w", err)
	}
	return len(ackIDs), len(resp.Conflicts), nil
}

// recordPushConflict stores the server's rejection for a pushed entry. The
// outbox entry stays queued; resolving the conflict either purges it or
// collapses it into the resolved version.
func (e *Engine) recordPushConflict(tx *sql.Tx, entry models.OutboxEntry, wc syncclient.WireConflict) error {
	localData := entry.Payload
	switch entry.EntityType {
	case models.EntityTask:
		if t, err := db.GetTaskTx(tx, entry.EntityID); err == nil {
			localData, _ = json.Marshal(t)
		}
	case models.EntityComment:
		if c, err := db.GetCommentTx(tx, entry.EntityID); err == nil {
			localData, _ = json.Marshal(c)
		}
	}

	rec := models.ConflictRecord{
		EntityType:  entry.EntityType,
		EntityID:    entry.EntityID,
		LocalData:   localData,
		ServerData:  wc.ServerVersion,
		Reason:      wc.ConflictReason,
		ServerClock: wc.ServerVectorClock,
	}
	if err := db.RecordConflictTx(tx, rec); err != nil {
		return err
	}
	if entry.Operation == models.OpDelete {
		return nil
	}
	return db.SetStatusTx(tx, entry.EntityType, entry.EntityID, models.StatusConflict)
}
