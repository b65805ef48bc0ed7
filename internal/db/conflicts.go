package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/marcus/tasksync/internal/models"
	"github.com/marcus/tasksync/internal/vclock"
)

// RecordConflictTx stores a detected divergence, replacing any older record
// for the same entity: only the newest pair of versions matters for the
// resolution decision.
func RecordConflictTx(tx *sql.Tx, c models.ConflictRecord) error {
	_, err := tx.Exec(`INSERT INTO sync_conflicts (entity_type, entity_id, local_data, server_data, reason, server_vector_clock, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_id) DO UPDATE SET
		local_data=excluded.local_data, server_data=excluded.server_data,
		reason=excluded.reason, server_vector_clock=excluded.server_vector_clock,
		detected_at=excluded.detected_at`,
		c.EntityType, c.EntityID, string(c.LocalData), string(c.ServerData),
		c.Reason, c.ServerClock.Encode(), encodeTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("record conflict: %w", err)
	}
	return nil
}

const conflictColumns = `id, entity_type, entity_id, local_data, server_data, reason, server_vector_clock, detected_at`

func scanConflict(r rowScanner) (*models.ConflictRecord, error) {
	var c models.ConflictRecord
	var local, server, clockStr, detectedStr string
	err := r.Scan(&c.ID, &c.EntityType, &c.EntityID, &local, &server, &c.Reason, &clockStr, &detectedStr)
	if err != nil {
		return nil, err
	}
	c.LocalData = []byte(local)
	c.ServerData = []byte(server)
	if c.ServerClock, err = vclock.Decode(clockStr); err != nil {
		return nil, err
	}
	if c.DetectedAt, err = decodeTime(detectedStr); err != nil {
		return nil, err
	}
	return &c, nil
}

// ListConflicts returns stored conflicts, newest first.
func (db *DB) ListConflicts() ([]models.ConflictRecord, error) {
	rows, err := db.conn.Query(`SELECT ` + conflictColumns + ` FROM sync_conflicts ORDER BY detected_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query conflicts: %w", err)
	}
	defer rows.Close()

	var out []models.ConflictRecord
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// GetConflict returns one stored conflict by id.
func (db *DB) GetConflict(id int64) (*models.ConflictRecord, error) {
	c, err := scanConflict(db.conn.QueryRow(`SELECT `+conflictColumns+` FROM sync_conflicts WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("conflict %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get conflict: %w", err)
	}
	return c, nil
}

// DeleteConflictTx removes a stored conflict after resolution.
func DeleteConflictTx(tx *sql.Tx, id int64) error {
	if _, err := tx.Exec(`DELETE FROM sync_conflicts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete conflict %d: %w", id, err)
	}
	return nil
}

// DismissConflict drops a stored conflict without adopting either side. The
// local entity keeps its data and goes back to pending, so the next push
// re-offers it; the server may well report the same divergence again.
func (db *DB) DismissConflict(id int64) error {
	rec, err := db.GetConflict(id)
	if err != nil {
		return err
	}
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := DeleteConflictTx(tx, id); err != nil {
		return err
	}
	if err := PromoteStatusTx(tx, rec.EntityType, rec.EntityID, models.StatusConflict, models.StatusPending); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteConflictsForEntityTx removes stored conflicts for an entity, used
// when a tombstone deletes the entity out from under an open conflict.
func DeleteConflictsForEntityTx(tx *sql.Tx, entityType models.EntityType, entityID string) error {
	if _, err := tx.Exec(`DELETE FROM sync_conflicts WHERE entity_type = ? AND entity_id = ?`, entityType, entityID); err != nil {
		return fmt.Errorf("delete conflicts for %s %s: %w", entityType, entityID, err)
	}
	return nil
}
