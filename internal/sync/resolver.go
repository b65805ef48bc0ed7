package sync

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/marcus/tasksync/internal/db"
	"github.com/marcus/tasksync/internal/models"
	"github.com/marcus/tasksync/internal/vclock"
)

// Resolution is the user's decision for a stored conflict.
type Resolution string

const (
	// ResolutionUseServer discards the local version and adopts the
	// server's.
	ResolutionUseServer Resolution = "server"
	// ResolutionUseLocal keeps the local version and republishes it with a
	// clock that dominates both sides.
	ResolutionUseLocal Resolution = "local"
	// ResolutionMerge replaces the content with caller-supplied fields and
	// republishes, again with a dominating clock.
	ResolutionMerge Resolution = "merge"
)

// Resolve settles one stored conflict. Resolution is purely local: adopting
// the server version needs no network round trip, and keep-local / merge
// outcomes go out through the outbox on the next sync episode like any other
// edit.
func Resolve(store *db.DB, deviceID string, conflictID int64, choice Resolution, merged []byte) error {
	rec, err := store.GetConflict(conflictID)
	if err != nil {
		return err
	}

	tx, err := store.Conn().Begin()
	if err != nil {
		return fmt.Errorf("begin resolve tx: %w", err)
	}
	defer tx.Rollback()

	switch choice {
	case ResolutionUseServer:
		err = adoptServer(tx, rec)
	case ResolutionUseLocal:
		err = republish(tx, rec, deviceID, rec.LocalData)
	case ResolutionMerge:
		if len(merged) == 0 {
			return fmt.Errorf("%w: merge resolution needs merged content", db.ErrValidation)
		}
		err = republish(tx, rec, deviceID, merged)
	default:
		return fmt.Errorf("%w: unknown resolution %q", db.ErrValidation, choice)
	}
	if err != nil {
		return err
	}

	if err := db.DeleteConflictTx(tx, rec.ID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit resolve tx: %w", err)
	}
	return nil
}

// adoptServer overwrites the local row with the server's version and drops
// any queued local mutations it supersedes. An empty server side means the
// entity no longer exists there, so the local row goes too.
func adoptServer(tx *sql.Tx, rec *models.ConflictRecord) error {
	if err := db.PurgeEntityOutboxTx(tx, rec.EntityType, rec.EntityID); err != nil {
		return err
	}
	if emptyJSON(rec.ServerData) {
		table := "tasks"
		if rec.EntityType == models.EntityComment {
			table = "comments"
		}
		if _, err := tx.Exec(`DELETE FROM `+table+` WHERE id = ?`, rec.EntityID); err != nil {
			return fmt.Errorf("drop local %s %s: %w", rec.EntityType, rec.EntityID, err)
		}
		return nil
	}

	switch rec.EntityType {
	case models.EntityTask:
		var t models.Task
		if err := json.Unmarshal(rec.ServerData, &t); err != nil {
			return fmt.Errorf("decode server task: %w", err)
		}
		t.SyncStatus = models.StatusSynced
		t.Checksum = t.ContentChecksum()
		return db.UpsertTaskTx(tx, &t)
	case models.EntityComment:
		var c models.Comment
		if err := json.Unmarshal(rec.ServerData, &c); err != nil {
			return fmt.Errorf("decode server comment: %w", err)
		}
		c.SyncStatus = models.StatusSynced
		c.Checksum = c.ContentChecksum()
		return db.UpsertCommentTx(tx, &c)
	default:
		return fmt.Errorf("unknown entity type %q", rec.EntityType)
	}
}

// republish writes the chosen content back as a fresh local edit: its clock
// merges both divergent histories and then ticks this device, so the next
// push dominates the server's version instead of conflicting again.
func republish(tx *sql.Tx, rec *models.ConflictRecord, deviceID string, data []byte) error {
	if err := db.PurgeEntityOutboxTx(tx, rec.EntityType, rec.EntityID); err != nil {
		return err
	}

	switch rec.EntityType {
	case models.EntityTask:
		var t models.Task
		if err := json.Unmarshal(data, &t); err != nil {
			return fmt.Errorf("decode resolved task: %w", err)
		}
		t.ID = rec.EntityID
		t.Clock = vclock.Merge(t.Clock, rec.ServerClock)
		t.Clock.Increment(deviceID)
		t.Version = nextVersion(t.Version, rec.ServerData)
		t.SyncStatus = models.StatusPending
		t.Checksum = t.ContentChecksum()
		if err := db.UpsertTaskTx(tx, &t); err != nil {
			return err
		}
		return db.EnqueueOutboxTx(tx, models.EntityTask, t.ID, models.OpUpdate, &t)
	case models.EntityComment:
		var c models.Comment
		if err := json.Unmarshal(data, &c); err != nil {
			return fmt.Errorf("decode resolved comment: %w", err)
		}
		c.ID = rec.EntityID
		c.Clock = vclock.Merge(c.Clock, rec.ServerClock)
		c.Clock.Increment(deviceID)
		c.Version = nextVersion(c.Version, rec.ServerData)
		c.SyncStatus = models.StatusPending
		c.Checksum = c.ContentChecksum()
		if err := db.UpsertCommentTx(tx, &c); err != nil {
			return err
		}
		return db.EnqueueOutboxTx(tx, models.EntityComment, c.ID, models.OpUpdate, &c)
	default:
		return fmt.Errorf("unknown entity type %q", rec.EntityType)
	}
}

// nextVersion picks a version past both sides of the divergence.
func nextVersion(local int64, serverData []byte) int64 {
	var sv struct {
		Version int64 `json:"version"`
	}
	_ = json.Unmarshal(serverData, &sv)
	if sv.Version > local {
		return sv.Version + 1
	}
	return local + 1
}

func emptyJSON(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte("{}"))
}
