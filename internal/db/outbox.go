package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/marcus/tasksync/internal/models"
)

const outboxColumns = `id, entity_type, entity_id, operation, payload, attempt_count, last_attempt_at, error_message, created_at`

func scanOutbox(r rowScanner) (*models.OutboxEntry, error) {
	var e models.OutboxEntry
	var payload, createdStr string
	var lastAttempt sql.NullString
	err := r.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Operation, &payload,
		&e.AttemptCount, &lastAttempt, &e.ErrorMessage, &createdStr)
	if err != nil {
		return nil, err
	}
	e.Payload = []byte(payload)
	if lastAttempt.Valid {
		t, err := decodeTime(lastAttempt.String)
		if err != nil {
			return nil, err
		}
		e.LastAttemptAt = &t
	}
	if e.CreatedAt, err = decodeTime(createdStr); err != nil {
		return nil, err
	}
	return &e, nil
}

// DrainOutbox returns live entries (attempt_count below maxAttempts) in FIFO
// order. Entries at or past the permanent sentinel never drain.
func (db *DB) DrainOutbox(maxAttempts int) ([]models.OutboxEntry, error) {
	return drainOutbox(db.conn, maxAttempts)
}

// DrainOutboxTx is DrainOutbox inside an existing transaction.
func DrainOutboxTx(tx *sql.Tx, maxAttempts int) ([]models.OutboxEntry, error) {
	return drainOutbox(tx, maxAttempts)
}

func drainOutbox(q querier, maxAttempts int) ([]models.OutboxEntry, error) {
	rows, err := q.Query(`SELECT `+outboxColumns+` FROM outbox WHERE attempt_count < ? ORDER BY created_at ASC, id ASC`, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var entries []models.OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// AckOutbox removes successfully transmitted entries.
func (db *DB) AckOutbox(ids []int64) error {
	return ackOutbox(db.conn, ids)
}

// AckOutboxTx is AckOutbox inside an existing transaction.
func AckOutboxTx(tx *sql.Tx, ids []int64) error {
	return ackOutbox(tx, ids)
}

func ackOutbox(q querier, ids []int64) error {
	for _, id := range ids {
		if _, err := q.Exec(`DELETE FROM outbox WHERE id = ?`, id); err != nil {
			return fmt.Errorf("ack outbox %d: %w", id, err)
		}
	}
	return nil
}

// FailOutbox records a failed transmission. Transient failures bump the
// attempt count; permanent failures jump to the sentinel so the entry is
// excluded from every later drain until explicitly cleared.
func (db *DB) FailOutbox(id int64, reason string, permanent bool) error {
	return failOutbox(db.conn, id, reason, permanent)
}

// FailOutboxTx is FailOutbox inside an existing transaction.
func FailOutboxTx(tx *sql.Tx, id int64, reason string, permanent bool) error {
	return failOutbox(tx, id, reason, permanent)
}

func failOutbox(q querier, id int64, reason string, permanent bool) error {
	now := encodeTime(time.Now().UTC())
	var err error
	if permanent {
		_, err = q.Exec(`UPDATE outbox SET attempt_count = ?, last_attempt_at = ?, error_message = ? WHERE id = ?`,
			models.PermanentAttempts, now, reason, id)
	} else {
		_, err = q.Exec(`UPDATE outbox SET attempt_count = attempt_count + 1, last_attempt_at = ?, error_message = ? WHERE id = ?`,
			now, reason, id)
	}
	if err != nil {
		return fmt.Errorf("fail outbox %d: %w", id, err)
	}
	return nil
}

// CollapseOutboxTx folds multiple live entries for the same entity into the
// single entry describing the latest intended state:
//
//	create + updates          -> create carrying the latest payload
//	create + ... + delete     -> nothing (the remote never saw the entity)
//	update + updates          -> the latest update
//	update + ... + delete     -> the delete
//
// Entries at the permanent sentinel are left untouched.
func CollapseOutboxTx(tx *sql.Tx) error {
	rows, err := tx.Query(`SELECT ` + outboxColumns + ` FROM outbox WHERE attempt_count < ` +
		fmt.Sprint(models.PermanentAttempts) + ` ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return fmt.Errorf("query outbox for collapse: %w", err)
	}
	groups := make(map[string][]models.OutboxEntry)
	order := []string{}
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			rows.Close()
			return fmt.Errorf("scan outbox: %w", err)
		}
		key := string(e.EntityType) + "/" + e.EntityID
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], *e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, key := range order {
		group := groups[key]
		if len(group) < 2 {
			continue
		}
		first, last := group[0], group[len(group)-1]

		var keep *models.OutboxEntry
		switch {
		case first.Operation == models.OpCreate && last.Operation == models.OpDelete:
			keep = nil
		case first.Operation == models.OpCreate:
			// the remote has never seen this entity, so the net
			// operation stays a create with the newest snapshot
			last.Operation = models.OpCreate
			keep = &last
		default:
			keep = &last
		}

		for _, e := range group {
			if keep != nil && e.ID == keep.ID {
				continue
			}
			if _, err := tx.Exec(`DELETE FROM outbox WHERE id = ?`, e.ID); err != nil {
				return fmt.Errorf("collapse delete %d: %w", e.ID, err)
			}
		}
		if keep != nil && keep.Operation != group[len(group)-1].Operation {
			if _, err := tx.Exec(`UPDATE outbox SET operation = ? WHERE id = ?`, keep.Operation, keep.ID); err != nil {
				return fmt.Errorf("collapse rewrite %d: %w", keep.ID, err)
			}
		}
	}
	return nil
}

// PurgeOrphanOutboxTx removes comment entries whose parent task no longer
// exists locally, along with the local comment rows themselves. Orphans are
// unsendable; the cascade delete that removed the parent already represents
// user intent, so they are dropped silently rather than surfaced as errors.
func PurgeOrphanOutboxTx(tx *sql.Tx) (int, error) {
	rows, err := tx.Query(`SELECT id, entity_id, payload FROM outbox WHERE entity_type = ?`, models.EntityComment)
	if err != nil {
		return 0, fmt.Errorf("query comment outbox: %w", err)
	}
	type candidate struct {
		id       int64
		entityID string
		taskID   string
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		var payload string
		if err := rows.Scan(&c.id, &c.entityID, &payload); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan comment outbox: %w", err)
		}
		var fields struct {
			TaskID string `json:"task_id"`
		}
		if err := json.Unmarshal([]byte(payload), &fields); err == nil {
			c.taskID = fields.TaskID
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	purged := 0
	for _, c := range candidates {
		if c.taskID == "" {
			continue
		}
		var one int
		err := tx.QueryRow(`SELECT 1 FROM tasks WHERE id = ?`, c.taskID).Scan(&one)
		if err == nil {
			continue // parent exists
		}
		if err != sql.ErrNoRows {
			return purged, fmt.Errorf("check parent task: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM outbox WHERE id = ?`, c.id); err != nil {
			return purged, fmt.Errorf("purge orphan outbox %d: %w", c.id, err)
		}
		if _, err := tx.Exec(`DELETE FROM comments WHERE id = ?`, c.entityID); err != nil {
			return purged, fmt.Errorf("purge orphan comment %s: %w", c.entityID, err)
		}
		purged++
	}
	return purged, nil
}

// PurgeEntityOutboxTx drops all queued mutations for one entity. Used when a
// tombstone or a conflict resolution supersedes them.
func PurgeEntityOutboxTx(tx *sql.Tx, entityType models.EntityType, entityID string) error {
	if _, err := tx.Exec(`DELETE FROM outbox WHERE entity_type = ? AND entity_id = ?`, entityType, entityID); err != nil {
		return fmt.Errorf("purge outbox for %s %s: %w", entityType, entityID, err)
	}
	return nil
}

// HasPendingDeleteTx reports whether the outbox holds an unpushed delete for
// the entity. A pulled version of the entity must not resurrect it while the
// delete is still in flight.
func HasPendingDeleteTx(tx *sql.Tx, entityType models.EntityType, entityID string) (bool, error) {
	var n int
	err := tx.QueryRow(`SELECT COUNT(*) FROM outbox WHERE entity_type = ? AND entity_id = ? AND operation = ?`,
		entityType, entityID, models.OpDelete).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check pending delete for %s %s: %w", entityType, entityID, err)
	}
	return n > 0, nil
}

// EnqueueOutboxTx queues a mutation inside an existing transaction. Callers
// outside this package use it when they mutate entity rows directly, so the
// row change and its queue entry stay atomic.
func EnqueueOutboxTx(tx *sql.Tx, entityType models.EntityType, entityID string, op models.Operation, payload any) error {
	return enqueueOutbox(tx, entityType, entityID, op, payload, time.Now().UTC())
}

// CountPendingOutbox returns the number of live outbox entries.
func (db *DB) CountPendingOutbox(maxAttempts int) (int64, error) {
	var n int64
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM outbox WHERE attempt_count < ?`, maxAttempts).Scan(&n)
	return n, err
}

// CountPermanentOutbox returns the number of entries parked at the sentinel.
func (db *DB) CountPermanentOutbox() (int64, error) {
	var n int64
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM outbox WHERE attempt_count >= ?`, models.PermanentAttempts).Scan(&n)
	return n, err
}

// ClearPermanentOutbox re-arms entries parked at the permanent sentinel so
// the next sync episode retries them. This is the explicit user action that
// clears permission_denied state. Affected entities move back to pending.
func (db *DB) ClearPermanentOutbox() (int64, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT id, entity_type, entity_id FROM outbox WHERE attempt_count >= ?`, models.PermanentAttempts)
	if err != nil {
		return 0, fmt.Errorf("query permanent outbox: %w", err)
	}
	type ref struct {
		id         int64
		entityType models.EntityType
		entityID   string
	}
	var refs []ref
	for rows.Next() {
		var r ref
		if err := rows.Scan(&r.id, &r.entityType, &r.entityID); err != nil {
			rows.Close()
			return 0, err
		}
		refs = append(refs, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, r := range refs {
		if _, err := tx.Exec(`UPDATE outbox SET attempt_count = 0, error_message = '' WHERE id = ?`, r.id); err != nil {
			return 0, fmt.Errorf("re-arm outbox %d: %w", r.id, err)
		}
		if err := SetStatusTx(tx, r.entityType, r.entityID, models.StatusPending); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return int64(len(refs)), nil
}

// ResetAttempts zeroes attempt counts below the permanent sentinel so a
// manual sync can retry transiently failed entries immediately.
func (db *DB) ResetAttempts() error {
	_, err := db.conn.Exec(`UPDATE outbox SET attempt_count = 0, error_message = '' WHERE attempt_count < ?`, models.PermanentAttempts)
	if err != nil {
		return fmt.Errorf("reset attempts: %w", err)
	}
	return nil
}
