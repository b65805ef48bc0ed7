package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/marcus/tasksync/internal/vclock"
)

func TestTaskChecksumIgnoresSyncMetadata(t *testing.T) {
	a := Task{ID: "t1", Title: "write report", Done: false, Position: 2}
	b := a
	b.Version = 9
	b.Clock = vclock.Clock{"dev": 9}
	b.SyncStatus = StatusConflict
	b.UpdatedAt = time.Now()

	assert.Equal(t, a.ContentChecksum(), b.ContentChecksum())
}

func TestTaskChecksumChangesWithContent(t *testing.T) {
	a := Task{ID: "t1", Title: "write report"}
	b := a
	b.Title = "write report v2"
	assert.NotEqual(t, a.ContentChecksum(), b.ContentChecksum())

	c := a
	c.Done = true
	assert.NotEqual(t, a.ContentChecksum(), c.ContentChecksum())
}

func TestCommentChecksum(t *testing.T) {
	a := Comment{ID: "c1", TaskID: "t1", Body: "looks good"}
	b := a
	assert.Equal(t, a.ContentChecksum(), b.ContentChecksum())
	b.Body = "needs work"
	assert.NotEqual(t, a.ContentChecksum(), b.ContentChecksum())
}

func TestSyncStatusValid(t *testing.T) {
	for _, s := range []SyncStatus{StatusPending, StatusSyncing, StatusSynced, StatusConflict, StatusError, StatusPermissionDenied} {
		assert.True(t, s.Valid(), string(s))
	}
	assert.False(t, SyncStatus("bogus").Valid())
}

func TestOutboxEntryPermanent(t *testing.T) {
	e := OutboxEntry{AttemptCount: 3}
	assert.False(t, e.Permanent())
	e.AttemptCount = PermanentAttempts
	assert.True(t, e.Permanent())
}
