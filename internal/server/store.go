// Package server is the reference remote authority for tasksync clients:
// it holds the canonical copy of every entity with its vector clock, accepts
// push batches, serves delta pulls, and owns tombstone creation and expiry.
package server

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/marcus/tasksync/internal/models"
	"github.com/marcus/tasksync/internal/syncclient"
	"github.com/marcus/tasksync/internal/vclock"
)

const storeSchema = `
CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    data TEXT NOT NULL,
    vector_clock TEXT NOT NULL DEFAULT '{}',
    version INTEGER NOT NULL DEFAULT 1,
    updated_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_updated ON tasks(updated_at_ms);

CREATE TABLE IF NOT EXISTS comments (
    id TEXT PRIMARY KEY,
    task_id TEXT NOT NULL,
    data TEXT NOT NULL,
    vector_clock TEXT NOT NULL DEFAULT '{}',
    version INTEGER NOT NULL DEFAULT 1,
    updated_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_comments_updated ON comments(updated_at_ms);
CREATE INDEX IF NOT EXISTS idx_comments_task ON comments(task_id);

CREATE TABLE IF NOT EXISTS tombstones (
    id TEXT PRIMARY KEY,
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    deleted_by TEXT NOT NULL DEFAULT '',
    deleted_from_device TEXT NOT NULL DEFAULT '',
    vector_clock TEXT NOT NULL DEFAULT '{}',
    created_at_ms INTEGER NOT NULL,
    expires_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tombstones_created ON tombstones(created_at_ms);

CREATE TABLE IF NOT EXISTS meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// Store is the server-side sqlite store.
type Store struct {
	conn *sql.DB
}

// OpenStore opens (or creates) the server database under dataDir.
func OpenStore(dataDir string) (*Store, error) {
	conn, err := sql.Open("sqlite", filepath.Join(dataDir, "tasksync-server.db"))
	if err != nil {
		return nil, fmt.Errorf("open server database: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	conn.Exec("PRAGMA busy_timeout=500")
	return newStore(conn)
}

// StoreFromConn wraps an open connection; used by tests.
func StoreFromConn(conn *sql.DB) (*Store, error) {
	return newStore(conn)
}

func newStore(conn *sql.DB) (*Store, error) {
	if _, err := conn.Exec(storeSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create server schema: %w", err)
	}
	return &Store{conn: conn}, nil
}

// Close closes the store.
func (s *Store) Close() error {
	return s.conn.Close()
}

// entityClock is the minimal shape the server needs out of pushed data.
type entityClock struct {
	TaskID      string       `json:"task_id"`
	Version     int64        `json:"version"`
	VectorClock vclock.Clock `json:"vector_clock"`
}

// ApplyResult is the outcome of applying one push batch.
type ApplyResult struct {
	Processed   int
	Conflicts   []syncclient.WireConflict
	ServerClock vclock.Clock
}

// ApplyChanges applies push items in submission order (tasks first, then
// comments) inside one transaction. Processing halts at the first item that
// does not apply cleanly, which keeps the reported processed count an honest
// prefix over submission order.
func (s *Store) ApplyChanges(deviceID string, clientClock vclock.Clock, changes syncclient.Changes) (*ApplyResult, error) {
	tx, err := s.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res := &ApplyResult{}
	now := time.Now().UTC()

	type ordered struct {
		entityType models.EntityType
		item       syncclient.ChangeItem
	}
	var items []ordered
	for _, it := range changes.Tasks {
		items = append(items, ordered{models.EntityTask, it})
	}
	for _, it := range changes.Comments {
		items = append(items, ordered{models.EntityComment, it})
	}

	for _, o := range items {
		conflict, err := s.applyItem(tx, o.entityType, o.item, deviceID, now)
		if err != nil {
			return nil, err
		}
		if conflict != nil {
			res.Conflicts = append(res.Conflicts, *conflict)
			break
		}
		res.Processed++
	}

	serverClock, err := s.mergeServerClockTx(tx, clientClock)
	if err != nil {
		return nil, err
	}
	res.ServerClock = serverClock

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

func (s *Store) applyItem(tx *sql.Tx, entityType models.EntityType, item syncclient.ChangeItem, deviceID string, now time.Time) (*syncclient.WireConflict, error) {
	table := "tasks"
	if entityType == models.EntityComment {
		table = "comments"
	}

	var incoming entityClock
	if err := json.Unmarshal(item.Data, &incoming); err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", entityType, item.ID, err)
	}

	var existingData, existingClockStr string
	err := tx.QueryRow(`SELECT data, vector_clock FROM `+table+` WHERE id = ?`, item.ID).
		Scan(&existingData, &existingClockStr)
	exists := err == nil
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("lookup %s %s: %w", entityType, item.ID, err)
	}

	if exists {
		existingClock, err := vclock.Decode(existingClockStr)
		if err != nil {
			return nil, err
		}
		switch vclock.Compare(incoming.VectorClock, existingClock) {
		case vclock.After:
			// clean causal successor, fall through and apply
		case vclock.Equal:
			// idempotent re-push of the state we already hold
			return nil, nil
		default:
			reason := "concurrent"
			if vclock.Compare(incoming.VectorClock, existingClock) == vclock.Before {
				reason = "stale"
			}
			slog.Debug("push conflict", "type", entityType, "id", item.ID, "reason", reason, "device", deviceID)
			return &syncclient.WireConflict{
				EntityType:        string(entityType),
				EntityID:          item.ID,
				ConflictReason:    reason,
				ServerVersion:     json.RawMessage(existingData),
				ServerVectorClock: existingClock,
			}, nil
		}
	}

	switch models.Operation(item.Operation) {
	case models.OpCreate, models.OpUpdate:
		return nil, s.upsertEntityTx(tx, table, item, incoming, now)
	case models.OpDelete:
		return nil, s.deleteEntityTx(tx, entityType, item, incoming, deviceID, now)
	default:
		return nil, fmt.Errorf("unknown operation %q", item.Operation)
	}
}

func (s *Store) upsertEntityTx(tx *sql.Tx, table string, item syncclient.ChangeItem, incoming entityClock, now time.Time) error {
	if table == "comments" {
		_, err := tx.Exec(`INSERT INTO comments (id, task_id, data, vector_clock, version, updated_at_ms) VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET task_id=excluded.task_id, data=excluded.data,
			vector_clock=excluded.vector_clock, version=excluded.version, updated_at_ms=excluded.updated_at_ms`,
			item.ID, incoming.TaskID, string(item.Data), incoming.VectorClock.Encode(), incoming.Version, now.UnixMilli())
		if err != nil {
			return fmt.Errorf("upsert comment %s: %w", item.ID, err)
		}
		return nil
	}
	_, err := tx.Exec(`INSERT INTO tasks (id, data, vector_clock, version, updated_at_ms) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data=excluded.data, vector_clock=excluded.vector_clock,
		version=excluded.version, updated_at_ms=excluded.updated_at_ms`,
		item.ID, string(item.Data), incoming.VectorClock.Encode(), incoming.Version, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert task %s: %w", item.ID, err)
	}
	return nil
}

// deleteEntityTx removes the entity, cascades to dependents, and writes a
// tombstone so every other device learns about the deletion. Cascaded
// comments ride on the parent task's tombstone; clients derive the child
// deletes themselves.
func (s *Store) deleteEntityTx(tx *sql.Tx, entityType models.EntityType, item syncclient.ChangeItem, incoming entityClock, deviceID string, now time.Time) error {
	switch entityType {
	case models.EntityTask:
		if _, err := tx.Exec(`DELETE FROM comments WHERE task_id = ?`, item.ID); err != nil {
			return fmt.Errorf("cascade comments of %s: %w", item.ID, err)
		}
		if _, err := tx.Exec(`DELETE FROM tasks WHERE id = ?`, item.ID); err != nil {
			return fmt.Errorf("delete task %s: %w", item.ID, err)
		}
	case models.EntityComment:
		if _, err := tx.Exec(`DELETE FROM comments WHERE id = ?`, item.ID); err != nil {
			return fmt.Errorf("delete comment %s: %w", item.ID, err)
		}
	}

	_, err := tx.Exec(`INSERT INTO tombstones (id, entity_type, entity_id, deleted_by, deleted_from_device, vector_clock, created_at_ms, expires_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), entityType, item.ID, deviceID, deviceID,
		incoming.VectorClock.Encode(), now.UnixMilli(), now.Add(models.TombstoneRetention).UnixMilli())
	if err != nil {
		return fmt.Errorf("insert tombstone for %s: %w", item.ID, err)
	}
	return nil
}

func (s *Store) mergeServerClockTx(tx *sql.Tx, incoming vclock.Clock) (vclock.Clock, error) {
	var stored string
	err := tx.QueryRow(`SELECT value FROM meta WHERE key = 'server_clock'`).Scan(&stored)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("read server clock: %w", err)
	}
	current, err := vclock.Decode(stored)
	if err != nil {
		return nil, err
	}
	merged := vclock.Merge(current, incoming)
	if _, err := tx.Exec(`INSERT INTO meta (key, value) VALUES ('server_clock', ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value`, merged.Encode()); err != nil {
		return nil, fmt.Errorf("store server clock: %w", err)
	}
	return merged, nil
}

// ServerClock returns the running join of all clocks the server has seen.
func (s *Store) ServerClock() (vclock.Clock, error) {
	var stored string
	err := s.conn.QueryRow(`SELECT value FROM meta WHERE key = 'server_clock'`).Scan(&stored)
	if err == sql.ErrNoRows {
		return vclock.New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read server clock: %w", err)
	}
	return vclock.Decode(stored)
}

// Page is one page of changes for a pulling device. NextCursor is the value
// the client stores once the page is fully applied; the server computes it so
// that re-pulling from it never skips rows.
type Page struct {
	Tasks      []json.RawMessage
	Comments   []json.RawMessage
	Tombstones []syncclient.WireTombstone
	HasMore    bool
	NextCursor int64
}

type changeRow struct {
	ts        int64
	data      json.RawMessage
	tombstone *syncclient.WireTombstone
	isComment bool
}

// ChangesSince returns entities and tombstones modified after the unix-ms
// cursor as one merged timeline, oldest first. When the page is truncated it
// is cut at a timestamp boundary, so the next pull from NextCursor sees every
// remaining row exactly once.
func (s *Store) ChangesSince(since int64, limit int) (*Page, error) {
	if limit <= 0 {
		limit = syncclient.DefaultPullLimit
	}

	var all []changeRow

	collect := func(query string, isComment bool) error {
		rows, err := s.conn.Query(query, since, limit+1)
		if err != nil {
			return fmt.Errorf("query changes since: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var data string
			var ts int64
			if err := rows.Scan(&data, &ts); err != nil {
				return err
			}
			all = append(all, changeRow{ts: ts, data: json.RawMessage(data), isComment: isComment})
		}
		return rows.Err()
	}
	if err := collect(`SELECT data, updated_at_ms FROM tasks WHERE updated_at_ms > ? ORDER BY updated_at_ms ASC, id ASC LIMIT ?`, false); err != nil {
		return nil, err
	}
	if err := collect(`SELECT data, updated_at_ms FROM comments WHERE updated_at_ms > ? ORDER BY updated_at_ms ASC, id ASC LIMIT ?`, true); err != nil {
		return nil, err
	}

	rows, err := s.conn.Query(`SELECT id, entity_type, entity_id, deleted_by, deleted_from_device, vector_clock, created_at_ms, expires_at_ms
		FROM tombstones WHERE created_at_ms > ? ORDER BY created_at_ms ASC, id ASC LIMIT ?`, since, limit+1)
	if err != nil {
		return nil, fmt.Errorf("query tombstones since: %w", err)
	}
	for rows.Next() {
		var w syncclient.WireTombstone
		var clockStr string
		if err := rows.Scan(&w.ID, &w.EntityType, &w.EntityID, &w.DeletedBy, &w.DeletedFromDevice, &clockStr, &w.CreatedAt, &w.ExpiresAt); err != nil {
			rows.Close()
			return nil, err
		}
		if w.VectorClock, err = vclock.Decode(clockStr); err != nil {
			rows.Close()
			return nil, err
		}
		ts := w
		all = append(all, changeRow{ts: w.CreatedAt, tombstone: &ts})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sortRows(all)

	// Without a server-assigned sequence, a write committing while this
	// query runs could carry a timestamp just under "now". Holding the
	// cursor a short skew behind wall time re-delivers that window on the
	// next pull instead of skipping it; re-application is clock-gated and
	// idempotent on the client.
	const cursorSkew = 2 * time.Second
	next := time.Now().Add(-cursorSkew).UnixMilli()
	if next < since {
		next = since
	}
	page := &Page{NextCursor: next}
	if len(all) > limit {
		// Cut at a timestamp boundary: every row sharing the boundary
		// timestamp must ride in this page, so "> cursor" on the next pull
		// cannot skip siblings. The per-table LIMIT windows above may have
		// clipped the tie group (one push batch stamps every item with the
		// same unix-ms), so re-fetch the whole group without a limit.
		boundary := all[limit-1].ts
		kept := all[:0]
		for _, r := range all {
			if r.ts < boundary {
				kept = append(kept, r)
			}
		}
		all = kept
		ties, err := s.rowsAtTimestamp(boundary)
		if err != nil {
			return nil, err
		}
		all = append(all, ties...)
		page.HasMore = true
		page.NextCursor = boundary
	}

	for _, r := range all {
		switch {
		case r.tombstone != nil:
			page.Tombstones = append(page.Tombstones, *r.tombstone)
		case r.isComment:
			page.Comments = append(page.Comments, r.data)
		default:
			page.Tasks = append(page.Tasks, r.data)
		}
	}
	return page, nil
}

// rowsAtTimestamp fetches every change stamped with exactly ts, unbounded.
// A tie group is at most one push batch per device committing in the same
// millisecond, so reading it whole is safe.
func (s *Store) rowsAtTimestamp(ts int64) ([]changeRow, error) {
	var out []changeRow

	collect := func(query string, isComment bool) error {
		rows, err := s.conn.Query(query, ts)
		if err != nil {
			return fmt.Errorf("query boundary changes: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var data string
			if err := rows.Scan(&data); err != nil {
				return err
			}
			out = append(out, changeRow{ts: ts, data: json.RawMessage(data), isComment: isComment})
		}
		return rows.Err()
	}
	if err := collect(`SELECT data FROM tasks WHERE updated_at_ms = ? ORDER BY id ASC`, false); err != nil {
		return nil, err
	}
	if err := collect(`SELECT data FROM comments WHERE updated_at_ms = ? ORDER BY id ASC`, true); err != nil {
		return nil, err
	}

	rows, err := s.conn.Query(`SELECT id, entity_type, entity_id, deleted_by, deleted_from_device, vector_clock, created_at_ms, expires_at_ms
		FROM tombstones WHERE created_at_ms = ? ORDER BY id ASC`, ts)
	if err != nil {
		return nil, fmt.Errorf("query boundary tombstones: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var w syncclient.WireTombstone
		var clockStr string
		if err := rows.Scan(&w.ID, &w.EntityType, &w.EntityID, &w.DeletedBy, &w.DeletedFromDevice, &clockStr, &w.CreatedAt, &w.ExpiresAt); err != nil {
			return nil, err
		}
		if w.VectorClock, err = vclock.Decode(clockStr); err != nil {
			return nil, err
		}
		tomb := w
		out = append(out, changeRow{ts: ts, tombstone: &tomb})
	}
	return out, rows.Err()
}

func sortRows(rows []changeRow) {
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].ts < rows[j].ts })
}

// SweepTombstones removes tombstones past their retention horizon and
// returns how many were dropped.
func (s *Store) SweepTombstones(now time.Time) (int64, error) {
	res, err := s.conn.Exec(`DELETE FROM tombstones WHERE expires_at_ms <= ?`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sweep tombstones: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
