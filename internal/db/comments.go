package db

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/marcus/tasksync/internal/models"
	"github.com/marcus/tasksync/internal/vclock"
)

// CommentInput carries the caller-supplied fields for a new comment.
type CommentInput struct {
	TaskID string
	Body   string
	Author string
}

// CommentPatch carries optional field updates. Nil means "leave unchanged".
type CommentPatch struct {
	Body *string
}

// CreateComment validates input, checks the parent task exists, writes the
// comment, and appends a create entry to the outbox in one transaction.
func (db *DB) CreateComment(input CommentInput, deviceID string) (*models.Comment, error) {
	if strings.TrimSpace(input.Body) == "" {
		return nil, fmt.Errorf("%w: body is required", ErrValidation)
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := getTask(tx, input.TaskID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	c := &models.Comment{
		ID:         uuid.NewString(),
		TaskID:     input.TaskID,
		Body:       input.Body,
		Author:     input.Author,
		Version:    1,
		Clock:      vclock.Clock{deviceID: 1},
		SyncStatus: models.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	c.Checksum = c.ContentChecksum()

	if err := insertComment(tx, c); err != nil {
		return nil, err
	}
	if err := enqueueOutbox(tx, models.EntityComment, c.ID, models.OpCreate, c, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return c, nil
}

// UpdateComment applies a patch with the same clock/version/status semantics
// as UpdateTask.
func (db *DB) UpdateComment(id string, patch CommentPatch, deviceID string) (*models.Comment, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	c, err := getComment(tx, id)
	if err != nil {
		return nil, err
	}

	if patch.Body != nil {
		if strings.TrimSpace(*patch.Body) == "" {
			return nil, fmt.Errorf("%w: body is required", ErrValidation)
		}
		c.Body = *patch.Body
	}

	now := time.Now().UTC()
	c.Clock.Increment(deviceID)
	c.Version++
	c.Checksum = c.ContentChecksum()
	c.SyncStatus = models.StatusPending
	c.UpdatedAt = now

	if err := updateCommentRow(tx, c); err != nil {
		return nil, err
	}
	if err := enqueueOutbox(tx, models.EntityComment, c.ID, models.OpUpdate, c, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return c, nil
}

// DeleteComment removes the comment and appends a delete entry.
func (db *DB) DeleteComment(id, deviceID string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	c, err := getComment(tx, id)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	c.Clock.Increment(deviceID)
	c.Version++

	if _, err := tx.Exec(`DELETE FROM comments WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete comment: %w", err)
	}
	if err := enqueueOutbox(tx, models.EntityComment, id, models.OpDelete, c, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetComment returns the comment or ErrNotFound.
func (db *DB) GetComment(id string) (*models.Comment, error) {
	return getComment(db.conn, id)
}

// ListComments returns the comments for a task, oldest first.
func (db *DB) ListComments(taskID string) ([]models.Comment, error) {
	rows, err := db.conn.Query(`SELECT `+commentColumns+` FROM comments WHERE task_id = ? ORDER BY created_at ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query comments: %w", err)
	}
	defer rows.Close()

	var out []models.Comment
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

const commentColumns = `id, task_id, body, author, version, vector_clock, sync_status, checksum, created_at, updated_at`

func scanComment(r rowScanner) (*models.Comment, error) {
	var c models.Comment
	var clockStr, createdStr, updatedStr, status string
	err := r.Scan(&c.ID, &c.TaskID, &c.Body, &c.Author, &c.Version,
		&clockStr, &status, &c.Checksum, &createdStr, &updatedStr)
	if err != nil {
		return nil, err
	}
	c.SyncStatus = models.SyncStatus(status)
	if c.Clock, err = vclock.Decode(clockStr); err != nil {
		return nil, err
	}
	if c.CreatedAt, err = decodeTime(createdStr); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = decodeTime(updatedStr); err != nil {
		return nil, err
	}
	return &c, nil
}

func getComment(q querier, id string) (*models.Comment, error) {
	c, err := scanComment(q.QueryRow(`SELECT `+commentColumns+` FROM comments WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("comment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get comment: %w", err)
	}
	return c, nil
}

// GetCommentTx returns the comment within an existing transaction.
func GetCommentTx(tx *sql.Tx, id string) (*models.Comment, error) {
	return getComment(tx, id)
}

func insertComment(q querier, c *models.Comment) error {
	_, err := q.Exec(`INSERT INTO comments (`+commentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.TaskID, c.Body, c.Author, c.Version,
		c.Clock.Encode(), c.SyncStatus, c.Checksum, encodeTime(c.CreatedAt), encodeTime(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

func updateCommentRow(q querier, c *models.Comment) error {
	_, err := q.Exec(`UPDATE comments SET task_id = ?, body = ?, author = ?, version = ?,
		vector_clock = ?, sync_status = ?, checksum = ?, updated_at = ? WHERE id = ?`,
		c.TaskID, c.Body, c.Author, c.Version,
		c.Clock.Encode(), c.SyncStatus, c.Checksum, encodeTime(c.UpdatedAt), c.ID)
	if err != nil {
		return fmt.Errorf("update comment: %w", err)
	}
	return nil
}

// UpsertCommentTx writes a comment row verbatim (remote state adoption).
func UpsertCommentTx(tx *sql.Tx, c *models.Comment) error {
	_, err := tx.Exec(`INSERT INTO comments (`+commentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET task_id=excluded.task_id, body=excluded.body, author=excluded.author,
		version=excluded.version, vector_clock=excluded.vector_clock, sync_status=excluded.sync_status,
		checksum=excluded.checksum, updated_at=excluded.updated_at`,
		c.ID, c.TaskID, c.Body, c.Author, c.Version,
		c.Clock.Encode(), c.SyncStatus, c.Checksum, encodeTime(c.CreatedAt), encodeTime(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert comment: %w", err)
	}
	return nil
}
