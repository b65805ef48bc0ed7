// Package db is the local persistent store: versioned tasks and comments with
// their sync metadata, the outbox of pending mutations, the device record,
// and stored conflicts. Every mutating method commits the entity write and
// its outbox append in a single transaction; nothing here performs network
// I/O.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const dbFile = ".tasksync/tasks.db"

// ErrNotFound is returned when a referenced entity does not exist locally.
var ErrNotFound = errors.New("not found")

// ErrValidation is returned for mutations rejected at the call site.
// Validation failures never enter the outbox.
var ErrValidation = errors.New("validation failed")

// DB wraps the sqlite connection.
type DB struct {
	conn    *sql.DB
	baseDir string
}

// Open opens an existing database and applies any pending schema changes.
func Open(baseDir string) (*DB, error) {
	dbPath := filepath.Join(baseDir, dbFile)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("database not found: run 'tasksync init' first")
	}
	return open(dbPath, baseDir)
}

// Initialize creates the database directory and schema.
func Initialize(baseDir string) (*DB, error) {
	dbPath := filepath.Join(baseDir, dbFile)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	return open(dbPath, baseDir)
}

func open(dbPath, baseDir string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL allows concurrent reads while writes are serialized
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=500"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	conn.Exec("PRAGMA synchronous=NORMAL")
	conn.Exec("PRAGMA foreign_keys=ON")

	if err := InitSchema(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return &DB{conn: conn, baseDir: baseDir}, nil
}

// FromConn wraps an already-open connection and ensures the schema exists.
// Used by tests running against in-memory databases.
func FromConn(conn *sql.DB) (*DB, error) {
	if err := InitSchema(conn); err != nil {
		return nil, err
	}
	return &DB{conn: conn}, nil
}

// Conn returns the underlying connection for callers that need their own
// transactions (the sync engine).
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Close closes the database.
func (db *DB) Close() error {
	return db.conn.Close()
}

// timeFormat is the canonical timestamp encoding in the local store.
const timeFormat = time.RFC3339Nano

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func decodeTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		// fall back for rows written by older builds
		if t2, err2 := time.Parse(time.RFC3339, s); err2 == nil {
			return t2, nil
		}
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}
