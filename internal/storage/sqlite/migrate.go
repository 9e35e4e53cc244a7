package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// migration is one forward-only schema step. Requires, if set, names a
// capability (currently only "fts5") that must be present for Apply to run;
// a migration whose capability is missing is recorded as skipped rather than
// failing the whole chain, per spec.md §4.1.
type migration struct {
	Version  int
	Name     string
	Requires string
	Apply    func(ctx context.Context, tx *sql.Tx) error
}

// migrations is the full forward-only chain, in order. Numbers are never
// reused or reordered once released; a new schema change is always the next
// number.
var migrations = []migration{
	{Version: 1, Name: "core_schema", Apply: migrateCoreSchema},
	{Version: 2, Name: "node_children", Apply: migrateNodeChildren},
	{Version: 3, Name: "edges", Apply: migrateEdges},
	{Version: 4, Name: "jobs", Apply: migrateJobs},
	{Version: 5, Name: "aggregates", Apply: migrateAggregates},
	{Version: 6, Name: "fts_index", Requires: "fts5", Apply: migrateFTSIndex},
	{Version: 7, Name: "metadata_kv", Apply: migrateMetadataKV},
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			name        TEXT NOT NULL,
			applied_at  TEXT NOT NULL,
			skipped     INTEGER NOT NULL DEFAULT 0,
			skip_reason TEXT
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[v] = true
	}
	if err := rows.Close(); err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}
		if m.Requires != "" && !s.hasCapability(ctx, m.Requires) {
			if _, err := s.db.ExecContext(ctx,
				`INSERT INTO schema_migrations (version, name, applied_at, skipped, skip_reason) VALUES (?, ?, datetime('now'), 1, ?)`,
				m.Version, m.Name, fmt.Sprintf("required capability %q unavailable", m.Requires)); err != nil {
				return fmt.Errorf("record skipped migration %d: %w", m.Version, err)
			}
			if s.log != nil {
				s.log.Warn("migration skipped: missing capability", "version", m.Version, "name", m.Name, "capability", m.Requires)
			}
			continue
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if err := m.Apply(ctx, tx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, name, applied_at, skipped) VALUES (?, ?, datetime('now'), 0)`,
			m.Version, m.Name); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// hasCapability probes for an optional SQLite build-time feature. fts5 is
// compiled into mattn/go-sqlite3 by default but a downstream build might
// disable it; probing beats failing migration 6 on such a build.
func (s *Store) hasCapability(ctx context.Context, name string) bool {
	switch name {
	case "fts5":
		rows, err := s.db.QueryContext(ctx, `PRAGMA compile_options`)
		if err != nil {
			return false
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var o string
			if err := rows.Scan(&o); err != nil {
				return false
			}
			if o == "ENABLE_FTS5" {
				return true
			}
		}
		return false
	default:
		return false
	}
}
