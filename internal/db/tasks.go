package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/marcus/tasksync/internal/models"
	"github.com/marcus/tasksync/internal/vclock"
)

// querier is satisfied by both *sql.DB and *sql.Tx, so read helpers can run
// inside or outside a transaction.
type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// TaskInput carries the caller-supplied fields for a new task.
type TaskInput struct {
	Title       string
	Description string
	Position    int
}

// TaskPatch carries optional field updates. Nil means "leave unchanged".
type TaskPatch struct {
	Title       *string
	Description *string
	Done        *bool
	Position    *int
}

// CreateTask validates input, writes the task, and appends a create entry to
// the outbox in the same transaction.
func (db *DB) CreateTask(input TaskInput, deviceID string) (*models.Task, error) {
	if strings.TrimSpace(input.Title) == "" {
		return nil, fmt.Errorf("%w: title is required", ErrValidation)
	}

	now := time.Now().UTC()
	task := &models.Task{
		ID:          uuid.NewString(),
		Title:       input.Title,
		Description: input.Description,
		Position:    input.Position,
		Version:     1,
		Clock:       vclock.Clock{deviceID: 1},
		SyncStatus:  models.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	task.Checksum = task.ContentChecksum()

	tx, err := db.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertTask(tx, task); err != nil {
		return nil, err
	}
	if err := enqueueOutbox(tx, models.EntityTask, task.ID, models.OpCreate, task, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return task, nil
}

// UpdateTask applies a patch, bumps the device's clock entry and the version,
// recomputes the checksum, and appends an update entry to the outbox. The
// status moves back to pending even when a sync is mid-flight for the task,
// so the edit is never silently dropped.
func (db *DB) UpdateTask(id string, patch TaskPatch, deviceID string) (*models.Task, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	task, err := getTask(tx, id)
	if err != nil {
		return nil, err
	}

	if patch.Title != nil {
		if strings.TrimSpace(*patch.Title) == "" {
			return nil, fmt.Errorf("%w: title is required", ErrValidation)
		}
		task.Title = *patch.Title
	}
	if patch.Description != nil {
		task.Description = *patch.Description
	}
	if patch.Done != nil {
		task.Done = *patch.Done
	}
	if patch.Position != nil {
		task.Position = *patch.Position
	}

	now := time.Now().UTC()
	task.Clock.Increment(deviceID)
	task.Version++
	task.Checksum = task.ContentChecksum()
	task.SyncStatus = models.StatusPending
	task.UpdatedAt = now

	if err := updateTaskRow(tx, task); err != nil {
		return nil, err
	}
	if err := enqueueOutbox(tx, models.EntityTask, task.ID, models.OpUpdate, task, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return task, nil
}

// DeleteTask removes the task and its local comments, purges outbox entries
// for those comments, and appends a delete entry for the task. Deletion
// propagation to other devices rides on the server's tombstone, not a local
// soft-delete flag.
func (db *DB) DeleteTask(id, deviceID string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	task, err := getTask(tx, id)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	task.Clock.Increment(deviceID)
	task.Version++

	// Child comments go with the parent. Their queued mutations are
	// unsendable once the parent delete lands, so drop them now.
	if _, err := tx.Exec(`DELETE FROM outbox WHERE entity_type = ? AND entity_id IN (SELECT id FROM comments WHERE task_id = ?)`,
		models.EntityComment, id); err != nil {
		return fmt.Errorf("purge comment outbox: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM comments WHERE task_id = ?`, id); err != nil {
		return fmt.Errorf("delete comments: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if err := enqueueOutbox(tx, models.EntityTask, id, models.OpDelete, task, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetTask returns the task or ErrNotFound.
func (db *DB) GetTask(id string) (*models.Task, error) {
	return getTask(db.conn, id)
}

// ListTasks returns all tasks ordered by position, then creation time.
func (db *DB) ListTasks() ([]models.Task, error) {
	rows, err := db.conn.Query(`SELECT ` + taskColumns + ` FROM tasks ORDER BY position ASC, created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// TasksByStatus returns tasks in the given sync status.
func (db *DB) TasksByStatus(status models.SyncStatus) ([]models.Task, error) {
	rows, err := db.conn.Query(`SELECT `+taskColumns+` FROM tasks WHERE sync_status = ? ORDER BY created_at ASC`, status)
	if err != nil {
		return nil, fmt.Errorf("query tasks by status: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

const taskColumns = `id, title, description, done, position, version, vector_clock, sync_status, checksum, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (*models.Task, error) {
	var t models.Task
	var done int
	var clockStr, createdStr, updatedStr string
	var status string
	err := r.Scan(&t.ID, &t.Title, &t.Description, &done, &t.Position, &t.Version,
		&clockStr, &status, &t.Checksum, &createdStr, &updatedStr)
	if err != nil {
		return nil, err
	}
	t.Done = done != 0
	t.SyncStatus = models.SyncStatus(status)
	if t.Clock, err = vclock.Decode(clockStr); err != nil {
		return nil, err
	}
	if t.CreatedAt, err = decodeTime(createdStr); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = decodeTime(updatedStr); err != nil {
		return nil, err
	}
	return &t, nil
}

func getTask(q querier, id string) (*models.Task, error) {
	t, err := scanTask(q.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// GetTaskTx returns the task within an existing transaction.
func GetTaskTx(tx *sql.Tx, id string) (*models.Task, error) {
	return getTask(tx, id)
}

func insertTask(q querier, t *models.Task) error {
	_, err := q.Exec(`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Description, boolInt(t.Done), t.Position, t.Version,
		t.Clock.Encode(), t.SyncStatus, t.Checksum, encodeTime(t.CreatedAt), encodeTime(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func updateTaskRow(q querier, t *models.Task) error {
	_, err := q.Exec(`UPDATE tasks SET title = ?, description = ?, done = ?, position = ?, version = ?,
		vector_clock = ?, sync_status = ?, checksum = ?, updated_at = ? WHERE id = ?`,
		t.Title, t.Description, boolInt(t.Done), t.Position, t.Version,
		t.Clock.Encode(), t.SyncStatus, t.Checksum, encodeTime(t.UpdatedAt), t.ID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

// UpsertTaskTx writes a task row verbatim (remote state adoption).
func UpsertTaskTx(tx *sql.Tx, t *models.Task) error {
	_, err := tx.Exec(`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET title=excluded.title, description=excluded.description,
		done=excluded.done, position=excluded.position, version=excluded.version,
		vector_clock=excluded.vector_clock, sync_status=excluded.sync_status,
		checksum=excluded.checksum, updated_at=excluded.updated_at`,
		t.ID, t.Title, t.Description, boolInt(t.Done), t.Position, t.Version,
		t.Clock.Encode(), t.SyncStatus, t.Checksum, encodeTime(t.CreatedAt), encodeTime(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

// SetStatusTx flips the sync status of a single entity inside a transaction.
func SetStatusTx(tx *sql.Tx, entityType models.EntityType, id string, status models.SyncStatus) error {
	table, err := tableFor(entityType)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE `+table+` SET sync_status = ? WHERE id = ?`, status, id); err != nil {
		return fmt.Errorf("set %s status: %w", entityType, err)
	}
	return nil
}

// PromoteStatusTx moves an entity from one status to another only when it is
// still in the expected state. A local edit landing mid-push moves the row
// back to pending; the in-flight episode must not stomp that to synced.
func PromoteStatusTx(tx *sql.Tx, entityType models.EntityType, id string, from, to models.SyncStatus) error {
	table, err := tableFor(entityType)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE `+table+` SET sync_status = ? WHERE id = ? AND sync_status = ?`, to, id, from); err != nil {
		return fmt.Errorf("promote %s status: %w", entityType, err)
	}
	return nil
}

// SetStatus flips the sync status of a single entity.
func (db *DB) SetStatus(entityType models.EntityType, id string, status models.SyncStatus) error {
	table, err := tableFor(entityType)
	if err != nil {
		return err
	}
	if _, err := db.conn.Exec(`UPDATE `+table+` SET sync_status = ? WHERE id = ?`, status, id); err != nil {
		return fmt.Errorf("set %s status: %w", entityType, err)
	}
	return nil
}

func tableFor(entityType models.EntityType) (string, error) {
	switch entityType {
	case models.EntityTask:
		return "tasks", nil
	case models.EntityComment:
		return "comments", nil
	default:
		return "", fmt.Errorf("unknown entity type %q", entityType)
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func enqueueOutbox(q querier, entityType models.EntityType, entityID string, op models.Operation, payload any, now time.Time) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}
	_, err = q.Exec(`INSERT INTO outbox (entity_type, entity_id, operation, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		entityType, entityID, op, string(data), encodeTime(now))
	if err != nil {
		return fmt.Errorf("enqueue outbox: %w", err)
	}
	return nil
}
