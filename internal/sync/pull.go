package sync

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/marcus/tasksync/internal/db"
	"github.com/marcus/tasksync/internal/models"
	"github.com/marcus/tasksync/internal/syncclient"
	"github.com/marcus/tasksync/internal/vclock"
)

// pull pages remote deltas from the device cursor until the server reports no
// more. Each page is applied in its own transaction together with the cursor
// advance, so a crash between pages resumes cleanly and a re-pulled page is a
// no-op.
func (e *Engine) pull() (applied, tombstoned int, err error) {
	state, err := e.store.GetDeviceState()
	if err != nil {
		return 0, 0, fmt.Errorf("load device state: %w", err)
	}
	if state == nil {
		return 0, 0, fmt.Errorf("device not linked")
	}

	cursor := state.Cursor
	for {
		resp, err := e.client.Pull(cursor, e.opts.PullLimit)
		if err != nil {
			return applied, tombstoned, fmt.Errorf("pull since %d: %w", cursor, err)
		}

		a, t, err := e.applyPage(resp)
		applied += a
		tombstoned += t
		if err != nil {
			return applied, tombstoned, err
		}

		cursor = resp.Timestamp
		if !resp.HasMore {
			return applied, tombstoned, nil
		}
	}
}

// applyPage applies one pull page atomically: entities, then tombstones so a
// deletion in the same page wins over a concurrent edit, then the cursor and
// merged server clock.
func (e *Engine) applyPage(resp *syncclient.PullResponse) (applied, tombstoned int, err error) {
	tx, err := e.store.Conn().Begin()
	if err != nil {
		return 0, 0, fmt.Errorf("begin pull tx: %w", err)
	}
	defer tx.Rollback()

	for _, raw := range resp.Tasks {
		var remote models.Task
		if err := json.Unmarshal(raw, &remote); err != nil {
			return 0, 0, fmt.Errorf("decode pulled task: %w", err)
		}
		ok, err := e.applyRemoteTask(tx, &remote)
		if err != nil {
			return 0, 0, err
		}
		if ok {
			applied++
		}
	}
	for _, raw := range resp.Comments {
		var remote models.Comment
		if err := json.Unmarshal(raw, &remote); err != nil {
			return 0, 0, fmt.Errorf("decode pulled comment: %w", err)
		}
		ok, err := e.applyRemoteComment(tx, &remote)
		if err != nil {
			return 0, 0, err
		}
		if ok {
			applied++
		}
	}
	for _, wire := range resp.Tombstones {
		if err := db.ApplyTombstoneTx(tx, wire.Model()); err != nil {
			return 0, 0, fmt.Errorf("apply tombstone %s: %w", wire.EntityID, err)
		}
		tombstoned++
	}

	if err := db.AdvanceDeviceStateTx(tx, resp.ServerVectorClock, resp.Timestamp); err != nil {
		return 0, 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit pull page: %w", err)
	}
	return applied, tombstoned, nil
}

// applyRemoteTask merges one pulled task into the local store. The remote
// version wins only when its clock dominates; concurrent edits become
// conflict records and leave the local row untouched.
func (e *Engine) applyRemoteTask(tx *sql.Tx, remote *models.Task) (bool, error) {
	e.verifyTaskChecksum(remote)

	local, err := db.GetTaskTx(tx, remote.ID)
	if errors.Is(err, db.ErrNotFound) {
		if deleted, err := db.HasPendingDeleteTx(tx, models.EntityTask, remote.ID); err != nil {
			return false, err
		} else if deleted {
			// Locally deleted, delete not pushed yet. Do not resurrect.
			return false, nil
		}
		remote.SyncStatus = models.StatusSynced
		if err := db.UpsertTaskTx(tx, remote); err != nil {
			return false, err
		}
		return true, nil
	}
	if err != nil {
		return false, err
	}

	switch vclock.Compare(remote.Clock, local.Clock) {
	case vclock.After:
		return true, e.acceptRemoteTask(tx, remote)
	case vclock.Equal, vclock.Before:
		// Local already has this version or a newer one.
		return false, nil
	default: // vclock.Concurrent
		return false, e.recordPullConflict(tx, models.EntityTask, remote.ID, local, remote, remote.Clock)
	}
}

func (e *Engine) acceptRemoteTask(tx *sql.Tx, remote *models.Task) error {
	remote.SyncStatus = models.StatusSynced
	if err := db.UpsertTaskTx(tx, remote); err != nil {
		return err
	}
	// The remote clock subsumes whatever this device had queued for the
	// entity, so those outbox entries and any stale conflict are moot.
	if err := db.PurgeEntityOutboxTx(tx, models.EntityTask, remote.ID); err != nil {
		return err
	}
	return db.DeleteConflictsForEntityTx(tx, models.EntityTask, remote.ID)
}

func (e *Engine) applyRemoteComment(tx *sql.Tx, remote *models.Comment) (bool, error) {
	e.verifyCommentChecksum(remote)

	if _, err := db.GetTaskTx(tx, remote.TaskID); errors.Is(err, db.ErrNotFound) {
		// Parent never reached this device or was already tombstoned.
		e.log.Debug("skipping orphan pulled comment", "comment", remote.ID, "task", remote.TaskID)
		return false, nil
	} else if err != nil {
		return false, err
	}

	local, err := db.GetCommentTx(tx, remote.ID)
	if errors.Is(err, db.ErrNotFound) {
		if deleted, err := db.HasPendingDeleteTx(tx, models.EntityComment, remote.ID); err != nil {
			return false, err
		} else if deleted {
			return false, nil
		}
		remote.SyncStatus = models.StatusSynced
		if err := db.UpsertCommentTx(tx, remote); err != nil {
			return false, err
		}
		return true, nil
	}
	if err != nil {
		return false, err
	}

	switch vclock.Compare(remote.Clock, local.Clock) {
	case vclock.After:
		remote.SyncStatus = models.StatusSynced
		if err := db.UpsertCommentTx(tx, remote); err != nil {
			return false, err
		}
		if err := db.PurgeEntityOutboxTx(tx, models.EntityComment, remote.ID); err != nil {
			return false, err
		}
		return true, db.DeleteConflictsForEntityTx(tx, models.EntityComment, remote.ID)
	case vclock.Equal, vclock.Before:
		return false, nil
	default:
		return false, e.recordPullConflict(tx, models.EntityComment, remote.ID, local, remote, remote.Clock)
	}
}

// recordPullConflict stores the local/remote pair and flags the entity. The
// local row keeps its data until the user resolves.
func (e *Engine) recordPullConflict(tx *sql.Tx, entityType models.EntityType, entityID string, local, remote any, remoteClock vclock.Clock) error {
	localData, err := json.Marshal(local)
	if err != nil {
		return fmt.Errorf("marshal local %s: %w", entityType, err)
	}
	remoteData, err := json.Marshal(remote)
	if err != nil {
		return fmt.Errorf("marshal remote %s: %w", entityType, err)
	}
	rec := models.ConflictRecord{
		EntityType:  entityType,
		EntityID:    entityID,
		LocalData:   localData,
		ServerData:  remoteData,
		Reason:      "concurrent",
		ServerClock: remoteClock,
	}
	if err := db.RecordConflictTx(tx, rec); err != nil {
		return err
	}
	return db.SetStatusTx(tx, entityType, entityID, models.StatusConflict)
}

func (e *Engine) verifyTaskChecksum(t *models.Task) {
	computed := t.ContentChecksum()
	if t.Checksum != "" && t.Checksum != computed {
		e.log.Warn("pulled task checksum mismatch", "task", t.ID, "stored", t.Checksum, "computed", computed)
	}
	t.Checksum = computed
}

func (e *Engine) verifyCommentChecksum(c *models.Comment) {
	computed := c.ContentChecksum()
	if c.Checksum != "" && c.Checksum != computed {
		e.log.Warn("pulled comment checksum mismatch", "comment", c.ID, "stored", c.Checksum, "computed", computed)
	}
	c.Checksum = computed
}
