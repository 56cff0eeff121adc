// Package store provides the SQLite-backed local cache for offsync.
//
// The cache holds one row per remote record (live or tombstoned), the change
// cursor for each collection, and deltas whose application was deferred by
// conflict resolution. The outbound action queue lives in the same database
// (see package queue) so that a page of remote changes, the cursor and queue
// bookkeeping can commit in a single transaction.
//
// Two variants are available at construction time:
//   - Open: on-disk database with WAL so readers never block on the syncer
//   - OpenMemory: in-process database on the memdb VFS, used by tests and
//     by the "memory" store setting
//
// Every write transaction is started IMMEDIATE, so a reader sees either none
// or all of an applied page.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	_ "github.com/ncruces/go-sqlite3/vfs/memdb"

	"github.com/mschirtzinger/offsync/internal/record"
)

// ErrNotFound is returned when a record or cursor does not exist.
var ErrNotFound = errors.New("not found")

// CacheStore is the capability set the engine needs from the local cache.
// Both *DB and *Tx implement it.
type CacheStore interface {
	Get(ctx context.Context, collection, id string) (*record.CachedRecord, error)
	Upsert(ctx context.Context, rec *record.CachedRecord) error
	ListSince(ctx context.Context, collection, pageToken string, f record.Filter) (*record.Page, error)
	Tombstone(ctx context.Context, collection, id string, confirmed bool) error
	PurgeTombstones(ctx context.Context, collection string, olderThan time.Time) (int64, error)
	GetCursor(ctx context.Context, collection string) (*record.Cursor, error)
	SetCursor(ctx context.Context, c *record.Cursor) error
}

var (
	_ CacheStore = (*DB)(nil)
	_ CacheStore = (*Tx)(nil)
)

// DB wraps the SQLite connection pool.
type DB struct {
	queries
	conn   *sql.DB
	path   string
	memory bool
}

// Tx is a write transaction obtained through DB.Update.
type Tx struct {
	queries
	tx *sql.Tx
}

// SQL exposes the underlying transaction to packages sharing the database.
func (t *Tx) SQL() *sql.Tx { return t.tx }

// Open opens (creating if needed) the cache database at path and initializes
// the schema.
//
// The caller MUST call Close() when done.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	params := url.Values{}
	params.Add("_txlock", "immediate")
	params.Add("_pragma", "busy_timeout(10000)")
	params.Add("_pragma", "journal_mode(wal)")
	params.Add("_pragma", "synchronous(normal)")
	params.Add("_pragma", "foreign_keys(1)")

	db, err := open("file:"+path+"?"+params.Encode(), path, false)
	if err != nil {
		return nil, err
	}
	db.conn.SetMaxOpenConns(25)
	db.conn.SetMaxIdleConns(5)
	db.conn.SetConnMaxLifetime(5 * time.Minute)
	return db, nil
}

// OpenMemory opens an in-process database. Connections opened with the same
// name share contents; an empty name picks a fresh one.
func OpenMemory(name string) (*DB, error) {
	if name == "" {
		name = uuid.NewString()
	}
	params := url.Values{}
	params.Add("vfs", "memdb")
	params.Add("_txlock", "immediate")
	params.Add("_pragma", "busy_timeout(10000)")
	params.Add("_pragma", "foreign_keys(1)")

	return open("file:/"+name+".db?"+params.Encode(), name, true)
}

func open(dsn, path string, memory bool) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{queries: queries{q: conn}, conn: conn, path: path, memory: memory}
	if err := db.InitSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the database file path, or the memdb name.
func (db *DB) Path() string { return db.path }

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB { return db.conn }

// Close closes the database connection.
// For on-disk databases the WAL is checkpointed first.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	if !db.memory {
		if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
		}
	}
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	db.conn = nil
	return nil
}

// InitSchema creates the cache tables if they don't exist.
// This is idempotent - safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the cache tables with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		version_tag TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT '',
		sort_key INTEGER NOT NULL DEFAULT 0,  -- unix millis
		group_key TEXT NOT NULL DEFAULT '',
		flags INTEGER NOT NULL DEFAULT 0,
		deleted_locally INTEGER NOT NULL DEFAULT 0,
		deletion_confirmed INTEGER NOT NULL DEFAULT 0,
		deleted_at TEXT,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (collection, id)
	);

	CREATE TABLE IF NOT EXISTS cursors (
		collection TEXT PRIMARY KEY,
		change_token TEXT NOT NULL DEFAULT '',
		last_full_sync_at TEXT,
		updated_at TEXT NOT NULL
	);

	-- Remote deltas held back by conflict resolution, retried each cycle
	CREATE TABLE IF NOT EXISTS deferred_deltas (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		version_tag TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT '',
		is_deletion INTEGER NOT NULL DEFAULT 0,
		deferred_at TEXT NOT NULL,
		PRIMARY KEY (collection, id)
	);

	CREATE INDEX IF NOT EXISTS idx_records_sort
	    ON records(collection, sort_key DESC, id DESC);
	CREATE INDEX IF NOT EXISTS idx_records_group
	    ON records(collection, group_key);
	CREATE INDEX IF NOT EXISTS idx_records_tombstones
	    ON records(collection, deleted_at) WHERE deleted_locally = 1;
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Update runs fn inside a write transaction. The transaction commits when fn
// returns nil and rolls back otherwise.
func (db *DB) Update(ctx context.Context, fn func(*Tx) error) error {
	sqlTx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{queries: queries{q: sqlTx}, tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
