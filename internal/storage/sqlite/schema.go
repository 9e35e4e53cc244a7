package sqlite

import (
	"context"
	"database/sql"
)

// migrateCoreSchema creates the nodes table: one row per (id, version) pair,
// holding the scalar fields of internal/types.Node. Array/object fields
// (tags, topics, lessons, ...) live in child tables created by
// migrateNodeChildren so they stay queryable without JSON parsing.
func migrateCoreSchema(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS nodes (
			id               TEXT NOT NULL,
			version          INTEGER NOT NULL,
			session_file     TEXT NOT NULL,
			segment_start    TEXT NOT NULL,
			segment_end      TEXT NOT NULL,
			segment_start_at TEXT NOT NULL,
			analyzed_at      TEXT NOT NULL,
			project          TEXT NOT NULL,
			computer         TEXT NOT NULL,
			node_type        TEXT NOT NULL,
			outcome          TEXT NOT NULL,
			model            TEXT NOT NULL,
			summary          TEXT NOT NULL DEFAULT '',
			prompt_version   TEXT NOT NULL,
			prompt_text      TEXT NOT NULL DEFAULT '',
			input_tokens     INTEGER NOT NULL DEFAULT 0,
			output_tokens    INTEGER NOT NULL DEFAULT 0,
			cost_micros      INTEGER NOT NULL DEFAULT 0,
			duration_ms      INTEGER NOT NULL DEFAULT 0,
			json_path        TEXT NOT NULL,
			is_current       INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (id, version)
		);
		CREATE INDEX IF NOT EXISTS idx_nodes_current ON nodes(id) WHERE is_current = 1;
		CREATE INDEX IF NOT EXISTS idx_nodes_project ON nodes(project);
		CREATE INDEX IF NOT EXISTS idx_nodes_session_file ON nodes(session_file);
		CREATE INDEX IF NOT EXISTS idx_nodes_analyzed_at ON nodes(analyzed_at);
		CREATE INDEX IF NOT EXISTS idx_nodes_node_type ON nodes(node_type);
	`)
	return err
}

// migrateNodeChildren creates one table per repeated sub-object on Node
// (decisions, tags, topics, lessons, model_quirks, tool_errors,
// daemon_decisions), each keyed by (node_id, node_version) with no foreign
// key to nodes, so each stored version of a node keeps its own child rows.
func migrateNodeChildren(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS node_decisions (
			node_id      TEXT NOT NULL,
			node_version INTEGER NOT NULL,
			seq          INTEGER NOT NULL,
			decision     TEXT NOT NULL,
			PRIMARY KEY (node_id, node_version, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS node_tags (
			node_id      TEXT NOT NULL,
			node_version INTEGER NOT NULL,
			tag          TEXT NOT NULL,
			PRIMARY KEY (node_id, node_version, tag)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_node_tags_tag ON node_tags(tag)`,
		`CREATE TABLE IF NOT EXISTS node_topics (
			node_id      TEXT NOT NULL,
			node_version INTEGER NOT NULL,
			topic        TEXT NOT NULL,
			PRIMARY KEY (node_id, node_version, topic)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_node_topics_topic ON node_topics(topic)`,
		`CREATE TABLE IF NOT EXISTS node_lessons (
			id           TEXT NOT NULL,
			node_id      TEXT NOT NULL,
			node_version INTEGER NOT NULL,
			seq          INTEGER NOT NULL,
			level        TEXT NOT NULL,
			summary      TEXT NOT NULL,
			tags         TEXT NOT NULL DEFAULT '[]',
			created_at   TEXT NOT NULL,
			PRIMARY KEY (node_id, node_version, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS node_model_quirks (
			id           TEXT NOT NULL,
			node_id      TEXT NOT NULL,
			node_version INTEGER NOT NULL,
			seq          INTEGER NOT NULL,
			model        TEXT NOT NULL,
			summary      TEXT NOT NULL,
			frequency    INTEGER NOT NULL DEFAULT 0,
			severity     TEXT NOT NULL DEFAULT '',
			created_at   TEXT NOT NULL,
			PRIMARY KEY (node_id, node_version, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS node_tool_errors (
			id           TEXT NOT NULL,
			node_id      TEXT NOT NULL,
			node_version INTEGER NOT NULL,
			seq          INTEGER NOT NULL,
			tool         TEXT NOT NULL,
			error_type   TEXT NOT NULL,
			model        TEXT NOT NULL DEFAULT '',
			summary      TEXT NOT NULL,
			created_at   TEXT NOT NULL,
			PRIMARY KEY (node_id, node_version, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_errors_fingerprint ON node_tool_errors(tool, error_type, model)`,
		`CREATE TABLE IF NOT EXISTS node_daemon_decisions (
			id           TEXT NOT NULL,
			node_id      TEXT NOT NULL,
			node_version INTEGER NOT NULL,
			seq          INTEGER NOT NULL,
			component    TEXT NOT NULL,
			summary      TEXT NOT NULL,
			created_at   TEXT NOT NULL,
			PRIMARY KEY (node_id, node_version, seq)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// migrateEdges creates the edges table. Edges reference a node id only
// (never a specific version): spec.md's edge model is version-agnostic so a
// reanalysis doesn't orphan existing connections.
func migrateEdges(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS edges (
			id         TEXT PRIMARY KEY,
			source_id  TEXT NOT NULL,
			target_id  TEXT NOT NULL,
			edge_type  TEXT NOT NULL,
			created_by TEXT NOT NULL,
			metadata   TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_edges_source ON edges(source_id);
		CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(target_id);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_edges_unique ON edges(source_id, target_id, edge_type);
	`)
	return err
}

// migrateJobs creates the job queue table. availableAt gates claimNext so a
// backoff-delayed retry isn't picked up early; priority and queued_at together
// give claimNext's ORDER BY a stable tiebreak.
func migrateJobs(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS jobs (
			id             TEXT PRIMARY KEY,
			job_type       TEXT NOT NULL,
			status         TEXT NOT NULL,
			priority       INTEGER NOT NULL,
			context        TEXT NOT NULL,
			retry_count    INTEGER NOT NULL DEFAULT 0,
			max_retries    INTEGER NOT NULL DEFAULT 5,
			queued_at      TEXT NOT NULL,
			available_at   TEXT,
			claimed_at     TEXT,
			completed_at   TEXT,
			worker_id      TEXT NOT NULL DEFAULT '',
			last_error     TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, priority, queued_at);
		CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	`)
	return err
}

// migrateAggregates creates the aggregate tables: failure patterns, lesson
// patterns, prompt effectiveness, and embedding clusters. Rows are upserted
// by their own keys and carry no foreign keys into nodes.
func migrateAggregates(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS failure_patterns (
			id               TEXT PRIMARY KEY,
			fingerprint      TEXT NOT NULL UNIQUE,
			tool             TEXT NOT NULL,
			error_type       TEXT NOT NULL,
			model            TEXT NOT NULL,
			occurrences      INTEGER NOT NULL,
			contributing_ids TEXT NOT NULL DEFAULT '[]',
			first_seen       TEXT NOT NULL,
			last_seen        TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS lesson_patterns (
			id               TEXT PRIMARY KEY,
			fingerprint      TEXT NOT NULL UNIQUE,
			model            TEXT NOT NULL,
			summary          TEXT NOT NULL,
			occurrences      INTEGER NOT NULL,
			contributing_ids TEXT NOT NULL DEFAULT '[]',
			first_seen       TEXT NOT NULL,
			last_seen        TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS clusters (
			id           TEXT PRIMARY KEY,
			model        TEXT NOT NULL,
			insight_type TEXT NOT NULL,
			member_ids   TEXT NOT NULL DEFAULT '[]',
			centroid     TEXT NOT NULL DEFAULT '[]',
			is_noise     INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS aggregated_insights (
			id               TEXT PRIMARY KEY,
			model            TEXT NOT NULL,
			insight_type     TEXT NOT NULL,
			fingerprint      TEXT NOT NULL UNIQUE,
			summary          TEXT NOT NULL,
			contributing_ids TEXT NOT NULL DEFAULT '[]',
			confidence       REAL NOT NULL,
			prompt_included  INTEGER NOT NULL DEFAULT 0,
			prompt_version   TEXT NOT NULL DEFAULT '',
			created_at       TEXT NOT NULL,
			updated_at       TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_insights_type ON aggregated_insights(insight_type)`,
		`CREATE TABLE IF NOT EXISTS prompt_effectiveness (
			insight_id           TEXT NOT NULL,
			prompt_version       TEXT NOT NULL,
			before_count         INTEGER NOT NULL,
			after_count          INTEGER NOT NULL,
			before_success_count INTEGER NOT NULL,
			after_success_count  INTEGER NOT NULL,
			session_count        INTEGER NOT NULL,
			significant          INTEGER NOT NULL DEFAULT 0,
			improvement_percent  REAL NOT NULL,
			measured_at          TEXT NOT NULL,
			PRIMARY KEY (insight_id, prompt_version)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// migrateFTSIndex creates a contentless FTS5 index over node summaries,
// decisions, lessons, tags, and topics (spec.md §4.1's full searchable
// field list), kept in sync by upsertFTSRow/nodes.go's delete-then-insert on
// every current-version write, not database triggers, so search.go never
// has to rebuild it explicitly except after a bulk import (see RebuildIndex).
func migrateFTSIndex(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		CREATE VIRTUAL TABLE IF NOT EXISTS nodes_fts USING fts5(
			node_id UNINDEXED,
			summary,
			decisions,
			lessons,
			tags,
			topics,
			content=''
		);
	`)
	return err
}

// migrateMetadataKV creates a small key/value table for daemon-internal
// state that doesn't belong on any single node: last discovery scan
// timestamp, schema notes, and similar singleton facts.
func migrateMetadataKV(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`)
	return err
}
