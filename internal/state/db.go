// Package state provides durable storage for stepflow's scheduling state.
// The SQLite-backed DB is the default; MemStore is an in-process variant
// with the same contract.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sethvargo/go-retry"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a record is not in a state that permits the
// requested change.
var ErrConflict = errors.New("state conflict")

const (
	// DriverModernc selects the pure-Go SQLite driver.
	DriverModernc = "sqlite"
	// DriverCGO selects the cgo SQLite driver.
	DriverCGO = "sqlite3"
)

// DB wraps an SQLite database connection with queue store operations.
type DB struct {
	conn   *sql.DB
	path   string
	driver string
	mu     sync.RWMutex

	busyRetries uint64
}

// Option configures Open.
type Option func(*DB)

// WithDriver selects the database/sql driver name ("sqlite" or "sqlite3").
func WithDriver(name string) Option {
	return func(db *DB) {
		if name != "" {
			db.driver = name
		}
	}
}

// WithBusyRetries sets how many times a write is retried when another
// process holds the database lock.
func WithBusyRetries(n uint64) Option {
	return func(db *DB) {
		db.busyRetries = n
	}
}

// DefaultDBPath returns the default database location under XDG_DATA_HOME.
func DefaultDBPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "stepflow", "stepflow.db")
}

// Open opens an SQLite database at the given path.
// It creates the parent directories if they don't exist.
// WAL mode is enabled so readers in other processes don't block the writer.
func Open(path string, opts ...Option) (*DB, error) {
	db := &DB{
		path:        path,
		driver:      DriverModernc,
		busyRetries: 5,
	}
	for _, opt := range opts {
		opt(db)
	}

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	conn, err := sql.Open(db.driver, path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection so PRAGMAs apply to every statement and writes serialize
	// inside this process.
	conn.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%s: %w", strings.ToLower(p), err)
		}
	}

	db.conn = conn
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Close()
}

// Path returns the path to the database file.
func (db *DB) Path() string {
	return db.path
}

// Driver returns the database/sql driver name in use.
func (db *DB) Driver() string {
	return db.driver
}

// Migrate applies all pending schema migrations.
func (db *DB) Migrate() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var currentVersion int
	row := db.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Executions},
		{2, migrationV2QueueItems},
		{3, migrationV3Checkpoints},
		{4, migrationV4Events},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := db.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}

		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// Times are stored as unix nanoseconds so ordering by created_at is exact.
const migrationV1Executions = `
CREATE TABLE IF NOT EXISTS executions (
	id TEXT PRIMARY KEY,
	workflow_name TEXT NOT NULL,
	workflow_version TEXT NOT NULL DEFAULT '',
	definition TEXT NOT NULL,
	state TEXT NOT NULL DEFAULT 'idle',
	context TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL,
	started_at INTEGER,
	completed_at INTEGER,
	duration_ns INTEGER NOT NULL DEFAULT 0,
	triggered_by TEXT NOT NULL DEFAULT '',
	priority INTEGER NOT NULL DEFAULT 0,
	parent_id TEXT,
	resume_count INTEGER NOT NULL DEFAULT 0,
	checkpoint_count INTEGER NOT NULL DEFAULT 0,
	current_level INTEGER NOT NULL DEFAULT 0,
	pause_requested INTEGER NOT NULL DEFAULT 0,
	cancel_requested INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_executions_state ON executions(state);
CREATE INDEX IF NOT EXISTS idx_executions_parent_id ON executions(parent_id);
`

const migrationV2QueueItems = `
CREATE TABLE IF NOT EXISTS queue_items (
	id TEXT PRIMARY KEY,
	execution_id TEXT,
	step_key TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL,
	options TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'pending',
	created_at INTEGER NOT NULL,
	started_at INTEGER,
	completed_at INTEGER,
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	worker_id TEXT,
	last_error TEXT NOT NULL DEFAULT '',
	result TEXT
);

CREATE INDEX IF NOT EXISTS idx_queue_items_dequeue ON queue_items(status, priority DESC, created_at ASC);
CREATE INDEX IF NOT EXISTS idx_queue_items_worker_id ON queue_items(worker_id);
CREATE INDEX IF NOT EXISTS idx_queue_items_execution_id ON queue_items(execution_id);
`

const migrationV3Checkpoints = `
CREATE TABLE IF NOT EXISTS checkpoints (
	id TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
	type TEXT NOT NULL,
	state TEXT NOT NULL,
	level INTEGER NOT NULL,
	completed_steps TEXT NOT NULL,
	failed_steps TEXT NOT NULL,
	pending_steps TEXT NOT NULL,
	context BLOB NOT NULL,
	encoding TEXT NOT NULL,
	checksum TEXT NOT NULL,
	size INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_checkpoints_execution ON checkpoints(execution_id, created_at DESC);
`

const migrationV4Events = `
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
	item_id TEXT,
	type TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	payload TEXT
);

CREATE INDEX IF NOT EXISTS idx_events_execution ON events(execution_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
`

// exec executes a write statement, retrying while the database is locked
// by another process.
func (db *DB) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := db.withBusyRetry(ctx, func(ctx context.Context) error {
		db.mu.Lock()
		defer db.mu.Unlock()
		var err error
		res, err = db.conn.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}

// query executes a query that returns rows.
func (db *DB) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.conn.QueryContext(ctx, query, args...)
}

// queryRow executes a query that returns at most one row.
func (db *DB) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.conn.QueryRowContext(ctx, query, args...)
}

// Transaction runs the given function within a transaction.
// The whole transaction is retried if the database is locked.
func (db *DB) Transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return db.withBusyRetry(ctx, func(ctx context.Context) error {
		db.mu.Lock()
		defer db.mu.Unlock()

		tx, err := db.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}

		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}

		return tx.Commit()
	})
}

func (db *DB) withBusyRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(db.busyRetries,
		retry.WithCappedDuration(time.Second, retry.NewExponential(20*time.Millisecond)))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if isBusy(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database table is locked")
}

// formatTime converts a time.Time to its stored form.
func formatTime(t time.Time) int64 {
	return t.UTC().UnixNano()
}

// parseTime converts a stored value back to time.Time.
func parseTime(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// nullableTime converts an optional time to its stored form.
func nullableTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: formatTime(*t), Valid: true}
}

// parseNullableTime converts a nullable stored value to *time.Time.
func parseNullableTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := parseTime(n.Int64)
	return &t
}

// nullableString maps "" to NULL.
func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
