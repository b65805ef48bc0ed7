package db

import (
	"database/sql"
	"fmt"

	"github.com/marcus/tasksync/internal/models"
)

// ApplyTombstoneTx physically removes the referenced entity, its queued
// mutations, and any open conflict for it. For tasks, the delete cascades to
// dependent comments together with their outbox entries, so children are
// never re-created by a later push. Applying the same tombstone twice is a
// no-op.
func ApplyTombstoneTx(tx *sql.Tx, ts models.Tombstone) error {
	switch ts.EntityType {
	case models.EntityTask:
		if _, err := tx.Exec(`DELETE FROM outbox WHERE entity_type = ? AND entity_id IN (SELECT id FROM comments WHERE task_id = ?)`,
			models.EntityComment, ts.EntityID); err != nil {
			return fmt.Errorf("tombstone purge comment outbox: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM sync_conflicts WHERE entity_type = ? AND entity_id IN (SELECT id FROM comments WHERE task_id = ?)`,
			models.EntityComment, ts.EntityID); err != nil {
			return fmt.Errorf("tombstone purge comment conflicts: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM comments WHERE task_id = ?`, ts.EntityID); err != nil {
			return fmt.Errorf("tombstone cascade comments: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM tasks WHERE id = ?`, ts.EntityID); err != nil {
			return fmt.Errorf("tombstone delete task: %w", err)
		}
	case models.EntityComment:
		if _, err := tx.Exec(`DELETE FROM comments WHERE id = ?`, ts.EntityID); err != nil {
			return fmt.Errorf("tombstone delete comment: %w", err)
		}
	default:
		return fmt.Errorf("unknown tombstone entity type %q", ts.EntityType)
	}

	if err := PurgeEntityOutboxTx(tx, ts.EntityType, ts.EntityID); err != nil {
		return err
	}
	return DeleteConflictsForEntityTx(tx, ts.EntityType, ts.EntityID)
}
