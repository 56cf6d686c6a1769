// Package persistence provides the durable store shared by all client
// instances: an embedded SQLite database opened in WAL mode, a
// transaction runner with a process-wide health flag, and a
// cross-process change notifier.
//
// The database file is shared between co-resident client processes.
// WAL mode gives concurrent readers during writes; the busy timeout
// covers short cross-process write contention. Every durable change in
// the sync subsystem goes through RunTransaction so that it is
// all-or-nothing and so that a store outage surfaces uniformly as
// ErrUnavailable.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrUnavailable indicates the durable store could not serve a
// transaction. The condition is transient: callers should go offline,
// keep their in-memory state unchanged, and retry later.
var ErrUnavailable = errors.New("persistence unavailable")

// IsUnavailable reports whether err is (or wraps) a persistence
// availability failure.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// DB wraps the shared SQLite database with the transaction runner and
// health state used by the sync subsystem.
type DB struct {
	conn *sql.DB
	path string

	// healthy is the process-wide fault state. When false every
	// transaction fails immediately with ErrUnavailable. Flipping it
	// back to true replays nothing; recovery is driven by retry
	// timers.
	healthy atomic.Bool
}

// Open creates or opens the shared database at path.
//
// The database is opened in WAL mode with a busy timeout and foreign
// keys enabled, and the schema is created if missing. The caller MUST
// call Close() when done.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}
	db.healthy.Store(true)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := db.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection after checkpointing the WAL.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	db.conn = nil
	return nil
}

// SetHealthy flips the process-wide fault state. While unhealthy,
// every call to RunTransaction fails with ErrUnavailable, including
// transactions already past their begin when the flag flips (the
// commit check catches those).
func (db *DB) SetHealthy(healthy bool) {
	db.healthy.Store(healthy)
}

// Healthy reports the current fault state.
func (db *DB) Healthy() bool {
	return db.healthy.Load()
}

// Txn is the handle passed to transaction bodies. All reads and writes
// inside RunTransaction must go through it.
type Txn struct {
	tx  *sql.Tx
	ctx context.Context
}

// Exec runs a statement inside the transaction.
func (t *Txn) Exec(query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(t.ctx, query, args...)
}

// Query runs a query inside the transaction.
func (t *Txn) Query(query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(t.ctx, query, args...)
}

// QueryRow runs a single-row query inside the transaction.
func (t *Txn) QueryRow(query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(t.ctx, query, args...)
}

// RunTransaction executes fn inside one durable transaction labeled
// for diagnostics.
//
// The health flag is checked before begin and again before commit, so
// a store marked unhealthy mid-transaction still fails atomically.
// Any failure is reported as ErrUnavailable wrapped with the label and
// leaves the durable state untouched.
func (db *DB) RunTransaction(ctx context.Context, label string, fn func(txn *Txn) error) error {
	if !db.healthy.Load() {
		return fmt.Errorf("%s: %w", label, ErrUnavailable)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: begin: %w: %v", label, ErrUnavailable, err)
	}
	defer tx.Rollback()

	if err := fn(&Txn{tx: tx, ctx: ctx}); err != nil {
		// Application-level errors pass through; they are not store
		// outages.
		if IsUnavailable(err) {
			return fmt.Errorf("%s: %w", label, err)
		}
		return err
	}

	if !db.healthy.Load() {
		return fmt.Errorf("%s: commit: %w", label, ErrUnavailable)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w: %v", label, ErrUnavailable, err)
	}
	return nil
}

// Query runs a non-transactional read against the store. Reads do not
// consult the health flag; serving cached data during an outage is the
// whole point of the local cache.
func (db *DB) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.conn.QueryContext(ctx, query, args...)
}

// QueryRow runs a non-transactional single-row read.
func (db *DB) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return db.conn.QueryRowContext(ctx, query, args...)
}

// initSchema creates the shared schema. Idempotent.
func (db *DB) initSchema(ctx context.Context) error {
	schema := `
	-- Server-confirmed document cache.
	CREATE TABLE IF NOT EXISTS documents (
		path TEXT PRIMARY KEY,
		version INTEGER NOT NULL DEFAULT 0,
		fields TEXT,            -- JSON object; NULL for tombstones
		deleted INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	-- Ordered durable log of pending local writes.
	CREATE TABLE IF NOT EXISTS mutation_batches (
		batch_id INTEGER PRIMARY KEY,
		state TEXT NOT NULL DEFAULT 'pending',
		mutations TEXT NOT NULL,        -- JSON array
		result_versions TEXT,           -- JSON array, set on ack
		rejection_reason TEXT,
		local_write_time TEXT NOT NULL
	);

	-- Durable counters (next batch id, next target id).
	CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);

	-- Registry of watched queries.
	CREATE TABLE IF NOT EXISTS targets (
		target_id INTEGER PRIMARY KEY,
		canonical_id TEXT NOT NULL UNIQUE,
		query TEXT NOT NULL,            -- JSON
		resume_token BLOB,
		listener_count INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	-- Primary lease, one row per shared store.
	CREATE TABLE IF NOT EXISTS client_leases (
		lease_key TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		lease_version INTEGER NOT NULL DEFAULT 0,
		expires_at TEXT NOT NULL
	);

	-- Append-only cross-process notification log.
	CREATE TABLE IF NOT EXISTS notify_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		client_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_documents_version ON documents(version);
	CREATE INDEX IF NOT EXISTS idx_batches_state ON mutation_batches(state);
	CREATE INDEX IF NOT EXISTS idx_notify_kind ON notify_log(kind);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}
