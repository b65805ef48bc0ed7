package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/marcus/tasksync/internal/models"
	"github.com/marcus/tasksync/internal/vclock"
)

const testDevice = "dev-A"

func setupDB(t *testing.T) *DB {
	t.Helper()
	conn, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	conn.SetMaxOpenConns(1)
	store, err := FromConn(conn)
	if err != nil {
		t.Fatalf("init schema: %v", err)
	}
	if err := store.InitDeviceState(testDevice); err != nil {
		t.Fatalf("init device state: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func mustCreateTask(t *testing.T, store *DB, title string) *models.Task {
	t.Helper()
	task, err := store.CreateTask(TaskInput{Title: title}, testDevice)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestCreateTaskEnqueuesOutbox(t *testing.T) {
	store := setupDB(t)
	task := mustCreateTask(t, store, "write report")

	if task.Version != 1 {
		t.Errorf("version: got %d, want 1", task.Version)
	}
	if got := task.Clock.Get(testDevice); got != 1 {
		t.Errorf("clock[%s]: got %d, want 1", testDevice, got)
	}
	if task.SyncStatus != models.StatusPending {
		t.Errorf("status: got %s, want pending", task.SyncStatus)
	}
	if task.Checksum == "" {
		t.Error("checksum not set")
	}

	entries, err := store.DrainOutbox(5)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("outbox entries: got %d, want 1", len(entries))
	}
	if entries[0].Operation != models.OpCreate || entries[0].EntityID != task.ID {
		t.Errorf("unexpected entry: %+v", entries[0])
	}
}

func TestCreateTaskValidation(t *testing.T) {
	store := setupDB(t)
	_, err := store.CreateTask(TaskInput{Title: "   "}, testDevice)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("want ErrValidation, got %v", err)
	}
	// rejected mutations never enter the outbox
	entries, _ := store.DrainOutbox(5)
	if len(entries) != 0 {
		t.Fatalf("outbox entries after rejected create: got %d, want 0", len(entries))
	}
}

func TestUpdateTaskBumpsClockAndVersion(t *testing.T) {
	store := setupDB(t)
	task := mustCreateTask(t, store, "write report")

	title := "write the report"
	updated, err := store.UpdateTask(task.ID, TaskPatch{Title: &title}, testDevice)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("version: got %d, want 2", updated.Version)
	}
	if got := updated.Clock.Get(testDevice); got != 2 {
		t.Errorf("clock: got %d, want 2", got)
	}
	if updated.Checksum == task.Checksum {
		t.Error("checksum unchanged after content edit")
	}

	entries, _ := store.DrainOutbox(5)
	if len(entries) != 2 {
		t.Fatalf("outbox entries: got %d, want 2", len(entries))
	}
}

func TestUpdateTaskNotFound(t *testing.T) {
	store := setupDB(t)
	title := "x"
	_, err := store.UpdateTask("missing", TaskPatch{Title: &title}, testDevice)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestUpdateDuringSyncReturnsToPending(t *testing.T) {
	store := setupDB(t)
	task := mustCreateTask(t, store, "write report")
	if err := store.SetStatus(models.EntityTask, task.ID, models.StatusSyncing); err != nil {
		t.Fatal(err)
	}

	done := true
	updated, err := store.UpdateTask(task.ID, TaskPatch{Done: &done}, testDevice)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.SyncStatus != models.StatusPending {
		t.Errorf("status: got %s, want pending (edit during sync must not be dropped)", updated.SyncStatus)
	}
}

func TestDeleteTaskCascadesLocally(t *testing.T) {
	store := setupDB(t)
	task := mustCreateTask(t, store, "write report")
	c, err := store.CreateComment(CommentInput{TaskID: task.ID, Body: "first draft done"}, testDevice)
	if err != nil {
		t.Fatalf("create comment: %v", err)
	}

	if err := store.DeleteTask(task.ID, testDevice); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetTask(task.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("task still present: %v", err)
	}
	if _, err := store.GetComment(c.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("comment survived cascade: %v", err)
	}

	// comment outbox entries were purged, task create+delete remain for collapse
	entries, _ := store.DrainOutbox(5)
	for _, e := range entries {
		if e.EntityType == models.EntityComment {
			t.Errorf("comment outbox entry survived cascade: %+v", e)
		}
	}
}

func TestCommentRequiresParent(t *testing.T) {
	store := setupDB(t)
	_, err := store.CreateComment(CommentInput{TaskID: "missing", Body: "hi"}, testDevice)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestCollapseCreateThenUpdate(t *testing.T) {
	store := setupDB(t)
	task := mustCreateTask(t, store, "v1")
	title := "v2"
	if _, err := store.UpdateTask(task.ID, TaskPatch{Title: &title}, testDevice); err != nil {
		t.Fatal(err)
	}

	tx, _ := store.Conn().Begin()
	if err := CollapseOutboxTx(tx); err != nil {
		t.Fatalf("collapse: %v", err)
	}
	tx.Commit()

	entries, _ := store.DrainOutbox(5)
	if len(entries) != 1 {
		t.Fatalf("entries after collapse: got %d, want 1", len(entries))
	}
	if entries[0].Operation != models.OpCreate {
		t.Errorf("operation: got %s, want create", entries[0].Operation)
	}
	var payload models.Task
	if err := json.Unmarshal(entries[0].Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.Title != "v2" {
		t.Errorf("payload title: got %q, want v2 (latest intended state)", payload.Title)
	}
}

func TestCollapseCreateThenDelete(t *testing.T) {
	store := setupDB(t)
	task := mustCreateTask(t, store, "ephemeral")
	if err := store.DeleteTask(task.ID, testDevice); err != nil {
		t.Fatal(err)
	}

	tx, _ := store.Conn().Begin()
	if err := CollapseOutboxTx(tx); err != nil {
		t.Fatalf("collapse: %v", err)
	}
	tx.Commit()

	entries, _ := store.DrainOutbox(5)
	if len(entries) != 0 {
		t.Fatalf("entries after collapse: got %d, want 0 (net no-op)", len(entries))
	}
}

func TestPurgeOrphanOutbox(t *testing.T) {
	store := setupDB(t)
	task := mustCreateTask(t, store, "parent")
	c, err := store.CreateComment(CommentInput{TaskID: task.ID, Body: "hello"}, testDevice)
	if err != nil {
		t.Fatal(err)
	}
	// simulate the parent vanishing without the local cascade (e.g. a crash
	// between tombstone application steps)
	if _, err := store.Conn().Exec(`DELETE FROM tasks WHERE id = ?`, task.ID); err != nil {
		t.Fatal(err)
	}

	tx, _ := store.Conn().Begin()
	purged, err := PurgeOrphanOutboxTx(tx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	tx.Commit()

	if purged != 1 {
		t.Fatalf("purged: got %d, want 1", purged)
	}
	if _, err := store.GetComment(c.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("orphan comment not removed: %v", err)
	}
}

func TestTombstoneCascadeIdempotent(t *testing.T) {
	store := setupDB(t)
	task := mustCreateTask(t, store, "doomed")
	for i := 0; i < 3; i++ {
		if _, err := store.CreateComment(CommentInput{TaskID: task.ID, Body: "c"}, testDevice); err != nil {
			t.Fatal(err)
		}
	}

	ts := models.Tombstone{EntityType: models.EntityTask, EntityID: task.ID, DeletedBy: "dev-B"}
	for i := 0; i < 2; i++ {
		tx, _ := store.Conn().Begin()
		if err := ApplyTombstoneTx(tx, ts); err != nil {
			t.Fatalf("apply tombstone (pass %d): %v", i+1, err)
		}
		tx.Commit()
	}

	if _, err := store.GetTask(task.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("task survived tombstone: %v", err)
	}
	comments, _ := store.ListComments(task.ID)
	if len(comments) != 0 {
		t.Errorf("comments survived cascade: %d", len(comments))
	}
	entries, _ := store.DrainOutbox(5)
	if len(entries) != 0 {
		t.Errorf("outbox entries survived tombstone: %d", len(entries))
	}
}

func TestFailOutboxPermanent(t *testing.T) {
	store := setupDB(t)
	task := mustCreateTask(t, store, "forbidden")
	entries, _ := store.DrainOutbox(5)
	if len(entries) != 1 {
		t.Fatal("expected one entry")
	}

	if err := store.FailOutbox(entries[0].ID, "forbidden", true); err != nil {
		t.Fatal(err)
	}
	if live, _ := store.DrainOutbox(5); len(live) != 0 {
		t.Fatalf("permanent entry still drains: %d", len(live))
	}

	n, err := store.ClearPermanentOutbox()
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if n != 1 {
		t.Fatalf("cleared: got %d, want 1", n)
	}
	if live, _ := store.DrainOutbox(5); len(live) != 1 {
		t.Fatalf("re-armed entry missing: %d", len(live))
	}
	got, _ := store.GetTask(task.ID)
	if got.SyncStatus != models.StatusPending {
		t.Errorf("status after clear: got %s, want pending", got.SyncStatus)
	}
}

func TestFailOutboxTransientCeiling(t *testing.T) {
	store := setupDB(t)
	mustCreateTask(t, store, "flaky")
	entries, _ := store.DrainOutbox(3)

	for i := 0; i < 3; i++ {
		if err := store.FailOutbox(entries[0].ID, "network", false); err != nil {
			t.Fatal(err)
		}
	}
	if live, _ := store.DrainOutbox(3); len(live) != 0 {
		t.Fatalf("exhausted entry still drains: %d", len(live))
	}
	// a manual retry resets the counter
	if err := store.ResetAttempts(); err != nil {
		t.Fatal(err)
	}
	if live, _ := store.DrainOutbox(3); len(live) != 1 {
		t.Fatalf("reset entry missing: %d", len(live))
	}
}

func TestDeviceStateAdvance(t *testing.T) {
	store := setupDB(t)

	tx, _ := store.Conn().Begin()
	if err := AdvanceDeviceStateTx(tx, vclock.Clock{"dev-B": 4}, 1700000000000); err != nil {
		t.Fatalf("advance: %v", err)
	}
	tx.Commit()

	state, err := store.GetDeviceState()
	if err != nil {
		t.Fatal(err)
	}
	if state.Cursor != 1700000000000 {
		t.Errorf("cursor: got %d", state.Cursor)
	}
	if state.Clock.Get("dev-B") != 4 {
		t.Errorf("merged clock: %v", state.Clock)
	}

	// cursor never moves backwards
	tx, _ = store.Conn().Begin()
	if err := AdvanceDeviceStateTx(tx, vclock.Clock{}, 5); err != nil {
		t.Fatal(err)
	}
	tx.Commit()
	state, _ = store.GetDeviceState()
	if state.Cursor != 1700000000000 {
		t.Errorf("cursor regressed: %d", state.Cursor)
	}
}
