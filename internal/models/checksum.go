package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
)

// taskContent and commentContent are the canonical serialization forms for
// checksumming: content fields only, fixed field order, no sync metadata.
type taskContent struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Done        bool   `json:"done"`
	Position    int    `json:"position"`
}

type commentContent struct {
	ID     string `json:"id"`
	TaskID string `json:"task_id"`
	Body   string `json:"body"`
	Author string `json:"author"`
}

func digest(v any) string {
	// Struct marshalling preserves declaration order, which makes the
	// serialization canonical.
	data, err := json.Marshal(v)
	if err != nil {
		return "marshal-error:" + strconv.Quote(err.Error())
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ContentChecksum returns the SHA-256 digest of the task's content fields.
func (t *Task) ContentChecksum() string {
	return digest(taskContent{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		Done:        t.Done,
		Position:    t.Position,
	})
}

// ContentChecksum returns the SHA-256 digest of the comment's content fields.
func (c *Comment) ContentChecksum() string {
	return digest(commentContent{
		ID:     c.ID,
		TaskID: c.TaskID,
		Body:   c.Body,
		Author: c.Author,
	})
}
