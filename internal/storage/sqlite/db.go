// Package sqlite is the hybrid relational store: every node, edge, job, and
// aggregated insight the daemon produces lands in a single SQLite database
// at <data_dir>/pi-brain.db, alongside the JSON side-store written by
// json_store.go. The package owns connection setup, forward-only migration,
// and the busy-retry idiom every write transaction uses.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pi-brain/pi-brain/internal/logging"
)

// Store wraps the database handle shared by nodes, edges, jobs, and
// aggregation queries. A single *sql.DB is used for the whole daemon;
// SQLite serializes writers internally and the busy-retry helper in txn.go
// absorbs the resulting SQLITE_BUSY contention.
type Store struct {
	db  *sql.DB
	log logging.Logger
}

// Options controls how Open configures the underlying connection.
type Options struct {
	// BusyTimeoutMS is passed to SQLite's busy_timeout pragma via the DSN.
	// The busy-retry helper in txn.go is a second line of defense for the
	// IMMEDIATE-transaction case, where busy_timeout alone is not always
	// sufficient (see beginImmediateWithRetry).
	BusyTimeoutMS int
	// MaxOpenConns bounds the pool. SQLite only supports one writer at a
	// time; keeping this small avoids readers queuing behind a writer that
	// never gets scheduled.
	MaxOpenConns int
}

// DefaultOptions matches the pragmas spec.md §4.1 requires: WAL journaling,
// foreign keys on, and a 5s busy timeout.
func DefaultOptions() Options {
	return Options{BusyTimeoutMS: 5000, MaxOpenConns: 8}
}

// Open opens (creating if absent) the SQLite database at path, applies the
// daemon's pragmas, and runs every pending migration.
func Open(ctx context.Context, path string, opts Options, log logging.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_foreign_keys=on&_synchronous=NORMAL",
		path, opts.BusyTimeoutMS)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping %s: %w", path, err)
	}

	s := &Store{db: db, log: log}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: migrate %s: %w", path, err)
	}
	return s, nil
}

// OpenInMemory is used by tests that want a throwaway, fully migrated
// database with no file on disk.
func OpenInMemory(ctx context.Context, log logging.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", "file::memory:?cache=shared&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open in-memory: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, log: log}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: migrate in-memory: %w", err)
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for callers (the queue package in particular)
// that need to share the same database file without a second Open.
func (s *Store) DB() *sql.DB { return s.db }

// Ping verifies the connection is alive, used by pibrainctl status.
func (s *Store) Ping(ctx context.Context) error {
	c, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.db.PingContext(c)
}
