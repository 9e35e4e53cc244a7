package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pi-brain/pi-brain/internal/idgen"
	"github.com/pi-brain/pi-brain/internal/types"
)

// CreateNode persists a brand-new node (version 1): the JSON file is written
// first, then the relational row and its children in a single IMMEDIATE
// transaction. If the transaction fails the JSON file is left behind rather
// than deleted — a dangling JSON file is harmless and recoverable by
// RebuildIndex, whereas losing the analyzer's output on a transient SQLite
// error is not.
func (s *Store) CreateNode(ctx context.Context, js *JSONStore, node *types.Node) error {
	if node.Version == 0 {
		node.Version = 1
	}
	relPath, err := js.Write(node)
	if err != nil {
		return fmt.Errorf("create node %s: %w", node.ID, err)
	}
	node.PreviousVersions = nil

	return s.withImmediateTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		return insertNodeRow(ctx, conn, node, relPath, true)
	})
}

// ReplaceNode writes a new version of an existing node (a reanalysis): the
// prior current row is demoted (is_current = 0) and kept for history, and
// the new version is inserted and marked current. Edges are left untouched
// because they key off node id, not version.
func (s *Store) ReplaceNode(ctx context.Context, js *JSONStore, node *types.Node) error {
	relPath, err := js.Write(node)
	if err != nil {
		return fmt.Errorf("replace node %s v%d: %w", node.ID, node.Version, err)
	}

	return s.withImmediateTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx,
			`UPDATE nodes SET is_current = 0 WHERE id = ? AND is_current = 1`, node.ID); err != nil {
			return wrapDBError("demote previous version", err)
		}
		return insertNodeRow(ctx, conn, node, relPath, true)
	})
}

func insertNodeRow(ctx context.Context, conn *sql.Conn, node *types.Node, relPath string, current bool) error {
	_, err := conn.ExecContext(ctx, `
		INSERT INTO nodes (
			id, version, session_file, segment_start, segment_end, segment_start_at,
			analyzed_at, project, computer, node_type, outcome, model, summary,
			prompt_version, prompt_text, input_tokens, output_tokens, cost_micros,
			duration_ms, json_path, is_current
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		node.ID, node.Version, node.SessionFile, node.SegmentStart, node.SegmentEnd,
		node.SegmentStartAt.Format(timeLayout), node.AnalyzedAt.Format(timeLayout),
		node.Project, node.Computer, string(node.Type), string(node.Outcome), node.Model,
		node.Summary, node.PromptVersion, node.PromptText, node.InputTokens, node.OutputTokens,
		node.CostMicros, node.DurationMs, relPath, boolToInt(current),
	)
	if err != nil {
		return wrapDBError("insert node", err)
	}

	if err := insertChildren(ctx, conn, node); err != nil {
		return err
	}
	return upsertFTSRow(ctx, conn, node)
}

func insertChildren(ctx context.Context, conn *sql.Conn, node *types.Node) error {
	for i, d := range node.Decisions {
		if _, err := conn.ExecContext(ctx,
			`INSERT INTO node_decisions (node_id, node_version, seq, decision) VALUES (?, ?, ?, ?)`,
			node.ID, node.Version, i, d); err != nil {
			return wrapDBError("insert decision", err)
		}
	}
	for _, tag := range node.Tags {
		if _, err := conn.ExecContext(ctx,
			`INSERT OR IGNORE INTO node_tags (node_id, node_version, tag) VALUES (?, ?, ?)`,
			node.ID, node.Version, tag); err != nil {
			return wrapDBError("insert tag", err)
		}
	}
	for _, topic := range node.Topics {
		if _, err := conn.ExecContext(ctx,
			`INSERT OR IGNORE INTO node_topics (node_id, node_version, topic) VALUES (?, ?, ?)`,
			node.ID, node.Version, topic); err != nil {
			return wrapDBError("insert topic", err)
		}
	}
	for i, l := range node.Lessons {
		tagsJSON, err := json.Marshal(l.Tags)
		if err != nil {
			return fmt.Errorf("marshal lesson tags: %w", err)
		}
		if _, err := conn.ExecContext(ctx,
			`INSERT INTO node_lessons (id, node_id, node_version, seq, level, summary, tags, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			nonEmptyID(l.ID), node.ID, node.Version, i, string(l.Level), l.Summary, string(tagsJSON),
			formatOrFallback(l.CreatedAt, node.AnalyzedAt)); err != nil {
			return wrapDBError("insert lesson", err)
		}
	}
	for i, q := range node.ModelQuirks {
		if _, err := conn.ExecContext(ctx,
			`INSERT INTO node_model_quirks (id, node_id, node_version, seq, model, summary, frequency, severity, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			nonEmptyID(q.ID), node.ID, node.Version, i, q.Model, q.Summary, q.Frequency, q.Severity,
			formatOrFallback(q.CreatedAt, node.AnalyzedAt)); err != nil {
			return wrapDBError("insert model quirk", err)
		}
	}
	for i, te := range node.ToolErrors {
		if _, err := conn.ExecContext(ctx,
			`INSERT INTO node_tool_errors (id, node_id, node_version, seq, tool, error_type, model, summary, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			nonEmptyID(te.ID), node.ID, node.Version, i, te.Tool, te.ErrorType, te.Model, te.Summary,
			formatOrFallback(te.CreatedAt, node.AnalyzedAt)); err != nil {
			return wrapDBError("insert tool error", err)
		}
	}
	for i, dd := range node.DaemonDecisions {
		if _, err := conn.ExecContext(ctx,
			`INSERT INTO node_daemon_decisions (id, node_id, node_version, seq, component, summary, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			nonEmptyID(dd.ID), node.ID, node.Version, i, dd.Component, dd.Summary,
			formatOrFallback(dd.CreatedAt, node.AnalyzedAt)); err != nil {
			return wrapDBError("insert daemon decision", err)
		}
	}
	return nil
}

// nonEmptyID fills in a random id for a child row the analyzer didn't
// already tag with one (the schema validator treats ids as optional on
// input since the LLM output rarely includes them).
func nonEmptyID(id string) string {
	if id != "" {
		return id
	}
	return idgen.MustGenerateRandomID()
}

func formatOrFallback(t, fallback time.Time) string {
	if t.IsZero() {
		t = fallback
	}
	return t.Format(timeLayout)
}

func upsertFTSRow(ctx context.Context, conn *sql.Conn, node *types.Node) error {
	if _, err := conn.ExecContext(ctx, `DELETE FROM nodes_fts WHERE node_id = ?`, node.ID); err != nil {
		// Missing FTS table means fts5 was unavailable at migration time;
		// search is degraded but node persistence must still succeed.
		if isNoSuchTable(err) {
			return nil
		}
		return wrapDBError("clear fts row", err)
	}
	decisions := ""
	for i, d := range node.Decisions {
		if i > 0 {
			decisions += "\n"
		}
		decisions += d
	}
	lessons := ""
	for i, l := range node.Lessons {
		if i > 0 {
			lessons += "\n"
		}
		lessons += l.Summary
	}
	tags := ""
	for i, t := range node.Tags {
		if i > 0 {
			tags += " "
		}
		tags += t
	}
	topics := ""
	for i, t := range node.Topics {
		if i > 0 {
			topics += " "
		}
		topics += t
	}
	_, err := conn.ExecContext(ctx,
		`INSERT INTO nodes_fts (node_id, summary, decisions, lessons, tags, topics) VALUES (?, ?, ?, ?, ?, ?)`,
		node.ID, node.Summary, decisions, lessons, tags, topics)
	if isNoSuchTable(err) {
		return nil
	}
	return wrapDBError("insert fts row", err)
}

func isNoSuchTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table: nodes_fts")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const timeLayout = "2006-01-02T15:04:05.999999999Z07:00"

// GetCurrentNode returns the current version of node id, fully hydrated from
// the relational row plus its child tables (not the JSON file — callers that
// need the exact JSON bytes should read via JSONStore using the json_path).
func (s *Store) GetCurrentNode(ctx context.Context, id string) (*types.Node, string, error) {
	return s.getNodeWhere(ctx, "id = ? AND is_current = 1", id)
}

// GetNodeVersion returns a specific version of a node, current or historical.
func (s *Store) GetNodeVersion(ctx context.Context, id string, version int) (*types.Node, string, error) {
	return s.getNodeWhere(ctx, "id = ? AND version = ?", id, version)
}

func (s *Store) getNodeWhere(ctx context.Context, where string, args ...any) (*types.Node, string, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, version, session_file, segment_start, segment_end, segment_start_at,
		       analyzed_at, project, computer, node_type, outcome, model, summary,
		       prompt_version, prompt_text, input_tokens, output_tokens, cost_micros,
		       duration_ms, json_path
		FROM nodes WHERE `+where, args...)

	var n types.Node
	var nodeType, outcome, jsonPath, segStartAt, analyzedAt string
	err := row.Scan(&n.ID, &n.Version, &n.SessionFile, &n.SegmentStart, &n.SegmentEnd, &segStartAt,
		&analyzedAt, &n.Project, &n.Computer, &nodeType, &outcome, &n.Model, &n.Summary,
		&n.PromptVersion, &n.PromptText, &n.InputTokens, &n.OutputTokens, &n.CostMicros,
		&n.DurationMs, &jsonPath)
	if err != nil {
		return nil, "", wrapDBError("get node", err)
	}
	n.Type = types.NodeType(nodeType)
	n.Outcome = types.Outcome(outcome)
	if n.SegmentStartAt, err = parseFlexibleTime(segStartAt); err != nil {
		return nil, "", fmt.Errorf("get node %s: parse segment_start_at: %w", n.ID, err)
	}
	if n.AnalyzedAt, err = parseFlexibleTime(analyzedAt); err != nil {
		return nil, "", fmt.Errorf("get node %s: parse analyzed_at: %w", n.ID, err)
	}

	if err := s.hydrateChildren(ctx, &n); err != nil {
		return nil, "", err
	}
	return &n, jsonPath, nil
}

func (s *Store) hydrateChildren(ctx context.Context, n *types.Node) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT decision FROM node_decisions WHERE node_id = ? AND node_version = ? ORDER BY seq`, n.ID, n.Version)
	if err != nil {
		return wrapDBError("load decisions", err)
	}
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			_ = rows.Close()
			return wrapDBError("scan decision", err)
		}
		n.Decisions = append(n.Decisions, d)
	}
	if err := rows.Close(); err != nil {
		return err
	}

	n.Tags, err = s.queryStrings(ctx, `SELECT tag FROM node_tags WHERE node_id = ? AND node_version = ? ORDER BY tag`, n.ID, n.Version)
	if err != nil {
		return err
	}
	n.Topics, err = s.queryStrings(ctx, `SELECT topic FROM node_topics WHERE node_id = ? AND node_version = ? ORDER BY topic`, n.ID, n.Version)
	if err != nil {
		return err
	}

	lrows, err := s.db.QueryContext(ctx,
		`SELECT id, level, summary, tags, created_at FROM node_lessons WHERE node_id = ? AND node_version = ? ORDER BY seq`, n.ID, n.Version)
	if err != nil {
		return wrapDBError("load lessons", err)
	}
	for lrows.Next() {
		var l types.Lesson
		var level, tagsJSON, createdAt string
		if err := lrows.Scan(&l.ID, &level, &l.Summary, &tagsJSON, &createdAt); err != nil {
			_ = lrows.Close()
			return wrapDBError("scan lesson", err)
		}
		l.NodeID = n.ID
		l.Level = types.LessonLevel(level)
		if tagsJSON != "" {
			if err := json.Unmarshal([]byte(tagsJSON), &l.Tags); err != nil {
				_ = lrows.Close()
				return fmt.Errorf("unmarshal lesson tags for %s: %w", n.ID, err)
			}
		}
		if l.CreatedAt, err = parseFlexibleTime(createdAt); err != nil {
			_ = lrows.Close()
			return fmt.Errorf("parse lesson created_at for %s: %w", n.ID, err)
		}
		n.Lessons = append(n.Lessons, l)
	}
	if err := lrows.Close(); err != nil {
		return err
	}

	qrows, err := s.db.QueryContext(ctx,
		`SELECT id, model, summary, frequency, severity, created_at FROM node_model_quirks WHERE node_id = ? AND node_version = ? ORDER BY seq`, n.ID, n.Version)
	if err != nil {
		return wrapDBError("load model quirks", err)
	}
	for qrows.Next() {
		var q types.ModelQuirk
		var createdAt string
		if err := qrows.Scan(&q.ID, &q.Model, &q.Summary, &q.Frequency, &q.Severity, &createdAt); err != nil {
			_ = qrows.Close()
			return wrapDBError("scan model quirk", err)
		}
		q.NodeID = n.ID
		if q.CreatedAt, err = parseFlexibleTime(createdAt); err != nil {
			_ = qrows.Close()
			return fmt.Errorf("parse model quirk created_at for %s: %w", n.ID, err)
		}
		n.ModelQuirks = append(n.ModelQuirks, q)
	}
	if err := qrows.Close(); err != nil {
		return err
	}

	terows, err := s.db.QueryContext(ctx,
		`SELECT id, tool, error_type, model, summary, created_at FROM node_tool_errors WHERE node_id = ? AND node_version = ? ORDER BY seq`, n.ID, n.Version)
	if err != nil {
		return wrapDBError("load tool errors", err)
	}
	for terows.Next() {
		var te types.ToolError
		var createdAt string
		if err := terows.Scan(&te.ID, &te.Tool, &te.ErrorType, &te.Model, &te.Summary, &createdAt); err != nil {
			_ = terows.Close()
			return wrapDBError("scan tool error", err)
		}
		te.NodeID = n.ID
		if te.CreatedAt, err = parseFlexibleTime(createdAt); err != nil {
			_ = terows.Close()
			return fmt.Errorf("parse tool error created_at for %s: %w", n.ID, err)
		}
		n.ToolErrors = append(n.ToolErrors, te)
	}
	if err := terows.Close(); err != nil {
		return err
	}

	ddrows, err := s.db.QueryContext(ctx,
		`SELECT id, component, summary, created_at FROM node_daemon_decisions WHERE node_id = ? AND node_version = ? ORDER BY seq`, n.ID, n.Version)
	if err != nil {
		return wrapDBError("load daemon decisions", err)
	}
	for ddrows.Next() {
		var dd types.DaemonDecision
		var createdAt string
		if err := ddrows.Scan(&dd.ID, &dd.Component, &dd.Summary, &createdAt); err != nil {
			_ = ddrows.Close()
			return wrapDBError("scan daemon decision", err)
		}
		dd.NodeID = n.ID
		if dd.CreatedAt, err = parseFlexibleTime(createdAt); err != nil {
			_ = ddrows.Close()
			return fmt.Errorf("parse daemon decision created_at for %s: %w", n.ID, err)
		}
		n.DaemonDecisions = append(n.DaemonDecisions, dd)
	}
	return wrapDBError("iterate daemon decisions", ddrows.Err())
}

func (s *Store) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("query strings", err)
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, wrapDBError("scan string", err)
		}
		out = append(out, v)
	}
	return out, wrapDBError("iterate strings", rows.Err())
}

// ListNodeVersions returns every version of id, newest first, as lightweight
// refs (no child rows hydrated) for the history endpoint.
func (s *Store) ListNodeVersions(ctx context.Context, id string) ([]types.NodeVersionRef, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT version, analyzed_at, is_current FROM nodes WHERE id = ? ORDER BY version DESC`, id)
	if err != nil {
		return nil, wrapDBError("list node versions", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.NodeVersionRef
	for rows.Next() {
		var ref types.NodeVersionRef
		var analyzedAt string
		var current int
		if err := rows.Scan(&ref.Version, &analyzedAt, &current); err != nil {
			return nil, wrapDBError("scan node version", err)
		}
		ref.AnalyzedAt, err = parseFlexibleTime(analyzedAt)
		if err != nil {
			return nil, fmt.Errorf("list node versions %s: %w", id, err)
		}
		ref.Current = current != 0
		out = append(out, ref)
	}
	return out, wrapDBError("iterate node versions", rows.Err())
}

// RebuildIndex drops and repopulates the FTS index from the current rows in
// nodes/node_decisions/node_lessons/node_tags. Used after a bulk import.
// When the FTS table does not exist (it was skipped at migration time
// because fts5 was unavailable) it returns ErrNotFound and does not create
// the table.
func (s *Store) RebuildIndex(ctx context.Context) error {
	return s.withImmediateTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, `DELETE FROM nodes_fts`); err != nil {
			if isNoSuchTable(err) {
				return fmt.Errorf("rebuild index: %w", ErrNotFound)
			}
			return wrapDBError("clear fts index", err)
		}
		rows, err := conn.QueryContext(ctx, `SELECT id, version FROM nodes WHERE is_current = 1`)
		if err != nil {
			return wrapDBError("list current nodes", err)
		}
		type idv struct {
			id string
			v  int
		}
		var pairs []idv
		for rows.Next() {
			var p idv
			if err := rows.Scan(&p.id, &p.v); err != nil {
				_ = rows.Close()
				return wrapDBError("scan id/version", err)
			}
			pairs = append(pairs, p)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		for _, p := range pairs {
			n, _, err := s.getNodeWhere(ctx, "id = ? AND version = ?", p.id, p.v)
			if err != nil {
				return err
			}
			if err := upsertFTSRow(ctx, conn, n); err != nil {
				return err
			}
		}
		return nil
	})
}

// NodeOverlapData returns the slim slice of fields the connection
// discoverer needs to score one node against another: its tags, topics, and
// the text of each lesson it recorded.
func (s *Store) NodeOverlapData(ctx context.Context, id string) (tags, topics, lessonTexts []string, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT version FROM nodes WHERE id = ? AND is_current = 1`, id)
	var version int
	if err := row.Scan(&version); err != nil {
		return nil, nil, nil, wrapDBError("node overlap data: find current version", err)
	}
	tags, err = s.queryStrings(ctx, `SELECT tag FROM node_tags WHERE node_id = ? AND node_version = ?`, id, version)
	if err != nil {
		return nil, nil, nil, err
	}
	topics, err = s.queryStrings(ctx, `SELECT topic FROM node_topics WHERE node_id = ? AND node_version = ?`, id, version)
	if err != nil {
		return nil, nil, nil, err
	}
	lessonTexts, err = s.queryStrings(ctx, `SELECT summary FROM node_lessons WHERE node_id = ? AND node_version = ?`, id, version)
	if err != nil {
		return nil, nil, nil, err
	}
	return tags, topics, lessonTexts, nil
}

// ResolveNodeIDPrefix returns every current node id starting with prefix,
// newest (by analyzed_at) first, equal analyzed_at ordered by greatest id.
// The discoverer uses the first result as the deterministic tie-break when
// an explicit in-text reference like "a1b2c3d4@v2" is a prefix shared by
// more than one node.
func (s *Store) ResolveNodeIDPrefix(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM nodes WHERE id LIKE ? AND is_current = 1 ORDER BY analyzed_at DESC, id DESC`, prefix+"%")
	if err != nil {
		return nil, wrapDBError("resolve node id prefix", err)
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrapDBError("scan resolved id", err)
		}
		out = append(out, id)
	}
	return out, wrapDBError("iterate resolved ids", rows.Err())
}

// ListNodesSince returns every current node analyzed at or after since, fully
// hydrated, for the pattern-aggregation and clustering scheduler passes to
// scan. Callers filtering to a narrow window should keep since close to now:
// this hydrates each node's full child rows, not just the aggregate fields.
func (s *Store) ListNodesSince(ctx context.Context, since time.Time) ([]types.Node, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, version FROM nodes WHERE is_current = 1 AND analyzed_at >= ? ORDER BY analyzed_at ASC`,
		since.UTC().Format(timeLayout))
	if err != nil {
		return nil, wrapDBError("list nodes since", err)
	}
	type idv struct {
		id string
		v  int
	}
	var pairs []idv
	for rows.Next() {
		var p idv
		if err := rows.Scan(&p.id, &p.v); err != nil {
			_ = rows.Close()
			return nil, wrapDBError("scan id/version", err)
		}
		pairs = append(pairs, p)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	out := make([]types.Node, 0, len(pairs))
	for _, p := range pairs {
		n, _, err := s.getNodeWhere(ctx, "id = ? AND version = ?", p.id, p.v)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, nil
}

// ListNodeIDsWithStalePromptVersion returns up to limit current node ids
// whose prompt_version differs from currentVersion, oldest-analyzed first, so
// the scheduler's reanalysis pass can enqueue the longest-stale nodes first
// and make bounded forward progress across many ticks.
func (s *Store) ListNodeIDsWithStalePromptVersion(ctx context.Context, currentVersion string, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM nodes WHERE is_current = 1 AND prompt_version != ? ORDER BY analyzed_at ASC LIMIT ?`,
		currentVersion, limit)
	if err != nil {
		return nil, wrapDBError("list stale prompt version nodes", err)
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrapDBError("scan stale node id", err)
		}
		out = append(out, id)
	}
	return out, wrapDBError("iterate stale prompt version nodes", rows.Err())
}

// ListAllCurrentNodeIDs returns every current node id, oldest first, so
// pibrainctl rescan can run connection discovery over the full graph when
// heuristic thresholds change rather than only newly analyzed nodes.
func (s *Store) ListAllCurrentNodeIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM nodes WHERE is_current = 1 ORDER BY analyzed_at ASC`)
	if err != nil {
		return nil, wrapDBError("list all current node ids", err)
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrapDBError("scan node id", err)
		}
		out = append(out, id)
	}
	return out, wrapDBError("iterate node ids", rows.Err())
}

// CountCurrentNodes returns the number of current (non-superseded) nodes,
// for pibrainctl status to report alongside the queue depth.
func (s *Store) CountCurrentNodes(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM nodes WHERE is_current = 1`).Scan(&n)
	return n, wrapDBError("count current nodes", err)
}
