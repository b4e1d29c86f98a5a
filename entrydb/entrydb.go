// Package entrydb is the local document database backing the replication
// pipeline: it hydrates change-record payloads that are not inlined on the
// wire and keeps an applied-revision ledger so re-sent records are no-ops.
//
// It opens SQLite with production-safe pragmas applied via EXEC
// (driver-agnostic):
//
//	foreign_keys = ON
//	journal_mode = WAL
//	busy_timeout = 10000
//	synchronous  = NORMAL
//
// The caller must blank-import a driver:
//
//	import _ "modernc.org/sqlite"
//	db, err := entrydb.Open("entries.db")
package entrydb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vaultsync/vaultsync/docsync"
)

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	id      TEXT PRIMARY KEY,
	rev     TEXT NOT NULL,
	path    TEXT NOT NULL,
	kind    TEXT NOT NULL DEFAULT 'plain',
	deleted INTEGER NOT NULL DEFAULT 0,
	mtime   INTEGER NOT NULL DEFAULT 0,
	data    BLOB
);
CREATE INDEX IF NOT EXISTS idx_entries_path ON entries(path);

CREATE TABLE IF NOT EXISTS applied (
	id         TEXT PRIMARY KEY,
	rev        TEXT NOT NULL,
	applied_at INTEGER NOT NULL
);
`

type config struct {
	driver      string
	busyTimeout int
	synchronous string
	mkdirAll    bool
}

func defaults() config {
	return config{
		driver:      "sqlite",
		busyTimeout: 10_000,
		synchronous: "NORMAL",
	}
}

// Option customises Open behaviour.
type Option func(*config)

// WithDriver sets the database/sql driver name. Default: "sqlite".
func WithDriver(name string) Option { return func(c *config) { c.driver = name } }

// WithBusyTimeout sets PRAGMA busy_timeout in milliseconds. Default: 10000.
func WithBusyTimeout(ms int) Option { return func(c *config) { c.busyTimeout = ms } }

// WithSynchronous sets PRAGMA synchronous. Default: "NORMAL".
func WithSynchronous(mode string) Option { return func(c *config) { c.synchronous = mode } }

// WithMkdirAll creates parent directories of the database path before opening.
func WithMkdirAll() Option { return func(c *config) { c.mkdirAll = true } }

// DB wraps the entries database. It implements docsync.EntryStore.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the entries database at path.
func Open(path string, opts ...Option) (*DB, error) {
	cfg := defaults()
	for _, o := range opts {
		o(&cfg)
	}

	if cfg.mkdirAll {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("entrydb: create parent dir: %w", err)
		}
	}

	db, err := sql.Open(cfg.driver, path)
	if err != nil {
		return nil, fmt.Errorf("entrydb: open: %w", err)
	}
	// One writer connection avoids SQLITE_BUSY under concurrent applies.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.busyTimeout),
		fmt.Sprintf("PRAGMA synchronous = %s", cfg.synchronous),
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("entrydb: %s: %w", p, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("entrydb: apply schema: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("entrydb: ping: %w", err)
	}

	return &DB{db: db}, nil
}

// Close closes the underlying database.
func (d *DB) Close() error { return d.db.Close() }

// PutEntry inserts or replaces a hydrated entry.
func (d *DB) PutEntry(ctx context.Context, entry docsync.FullEntry) error {
	kind := "plain"
	if entry.Binary {
		kind = "binary"
	}
	deleted := 0
	if entry.Deleted {
		deleted = 1
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO entries (id, rev, path, kind, deleted, mtime, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		     rev = excluded.rev,
		     path = excluded.path,
		     kind = excluded.kind,
		     deleted = excluded.deleted,
		     mtime = excluded.mtime,
		     data = excluded.data`,
		entry.ID, entry.Rev, entry.Path, kind, deleted, entry.MTime, entry.Data)
	if err != nil {
		return fmt.Errorf("entrydb: put entry %s: %w", entry.ID, err)
	}
	return nil
}

// GetFullEntry hydrates the entry for a change record. Returns nil when the
// entry is unknown, or deleted and includeDeleted is false. wantData=false
// skips loading content.
func (d *DB) GetFullEntry(ctx context.Context, rec docsync.ChangeRecord, includeDeleted, wantData bool) (*docsync.FullEntry, error) {
	cols := "id, rev, path, kind, deleted, mtime"
	if wantData {
		cols += ", data"
	}

	row := d.db.QueryRowContext(ctx,
		"SELECT "+cols+" FROM entries WHERE id = ?", rec.ID)

	var entry docsync.FullEntry
	var kind string
	var deleted int
	dest := []any{&entry.ID, &entry.Rev, &entry.Path, &kind, &deleted, &entry.MTime}
	if wantData {
		dest = append(dest, &entry.Data)
	}
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("entrydb: get entry %s: %w", rec.ID, err)
	}

	entry.Binary = kind == "binary"
	entry.Deleted = deleted != 0
	if entry.Deleted && !includeDeleted {
		return nil, nil
	}
	return &entry, nil
}

// AppliedRev returns the last revision applied for an ID, or "".
func (d *DB) AppliedRev(ctx context.Context, id string) (string, error) {
	var rev string
	err := d.db.QueryRowContext(ctx,
		`SELECT rev FROM applied WHERE id = ?`, id).Scan(&rev)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("entrydb: applied rev %s: %w", id, err)
	}
	return rev, nil
}

// MarkApplied records that a revision was applied locally.
func (d *DB) MarkApplied(ctx context.Context, id, rev string) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO applied (id, rev, applied_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET rev = excluded.rev, applied_at = excluded.applied_at`,
		id, rev, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("entrydb: mark applied %s: %w", id, err)
	}
	return nil
}

// EntryCount returns how many entries are stored, for status reporting.
func (d *DB) EntryCount(ctx context.Context) (int64, error) {
	var n int64
	if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("entrydb: count: %w", err)
	}
	return n, nil
}
