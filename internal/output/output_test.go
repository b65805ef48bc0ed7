package output

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/marcus/tasksync/internal/models"
)

func TestFormatTimeAgo(t *testing.T) {
	tests := []struct {
		duration time.Duration
		expected string
	}{
		{30 * time.Second, "just now"},
		{1 * time.Minute, "1m ago"},
		{30 * time.Minute, "30m ago"},
		{1 * time.Hour, "1h ago"},
		{23 * time.Hour, "23h ago"},
		{24 * time.Hour, "1d ago"},
		{6 * 24 * time.Hour, "6d ago"},
	}
	for _, tc := range tests {
		tm := time.Now().Add(-tc.duration)
		if result := FormatTimeAgo(tm); result != tc.expected {
			t.Errorf("FormatTimeAgo(-%v) = %q, want %q", tc.duration, result, tc.expected)
		}
	}
}

func TestFormatTimeAgoOld(t *testing.T) {
	tm := time.Now().Add(-30 * 24 * time.Hour)
	result := FormatTimeAgo(tm)
	if result != tm.Format("2006-01-02") {
		t.Errorf("old time = %q, want date format", result)
	}
}

func TestShortID(t *testing.T) {
	if got := ShortID("0123456789abcdef"); got != "01234567" {
		t.Errorf("ShortID long = %q", got)
	}
	if got := ShortID("abc"); got != "abc" {
		t.Errorf("ShortID short = %q", got)
	}
}

func TestStatusBadgeKnownStatuses(t *testing.T) {
	for _, status := range []models.SyncStatus{
		models.StatusPending, models.StatusSyncing, models.StatusSynced,
		models.StatusConflict, models.StatusError, models.StatusPermissionDenied,
	} {
		badge := StatusBadge(status)
		if !strings.Contains(badge, string(status)) {
			t.Errorf("badge %q does not mention status %s", badge, status)
		}
	}
	if badge := StatusBadge(models.SyncStatus("weird")); !strings.Contains(badge, "?") {
		t.Errorf("unknown status badge = %q, want fallback symbol", badge)
	}
}

func TestFormatTaskShortContainsTitle(t *testing.T) {
	task := &models.Task{ID: "task-12345678", Title: "buy milk", SyncStatus: models.StatusPending}
	line := FormatTaskShort(task)
	if !strings.Contains(line, "buy milk") {
		t.Errorf("line %q missing title", line)
	}
	if !strings.Contains(line, "task-123") {
		t.Errorf("line %q missing short id", line)
	}
}

func TestFormatTaskLongSections(t *testing.T) {
	task := &models.Task{
		ID: "task-1", Title: "write docs", Description: "all of them",
		Version: 3, SyncStatus: models.StatusSynced, UpdatedAt: time.Now(),
	}
	comments := []models.Comment{{ID: "c-1", Body: "first pass done", CreatedAt: time.Now()}}
	long := FormatTaskLong(task, comments)
	for _, want := range []string{"write docs", "all of them", "COMMENTS:", "first pass done", "Version: 3"} {
		if !strings.Contains(long, want) {
			t.Errorf("long output missing %q:\n%s", want, long)
		}
	}
}

func TestFormatConflictShowsBothSides(t *testing.T) {
	local, _ := json.Marshal(models.Task{Title: "mine", Version: 2})
	server, _ := json.Marshal(models.Task{Title: "theirs", Version: 3, Done: true})
	rec := &models.ConflictRecord{
		ID: 7, EntityType: models.EntityTask, EntityID: "task-1",
		LocalData: local, ServerData: server, Reason: "concurrent", DetectedAt: time.Now(),
	}
	out := FormatConflict(rec)
	for _, want := range []string{"mine", "theirs", "concurrent", "(done)"} {
		if !strings.Contains(out, want) {
			t.Errorf("conflict output missing %q:\n%s", want, out)
		}
	}
}
