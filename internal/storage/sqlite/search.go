package sqlite

import (
	"context"
	"strings"
	"time"
)

// SearchHit is one match from SearchNodesAdvanced: the node id plus an FTS5
// snippet with match terms wrapped in [[ ]] for the caller to re-highlight.
type SearchHit struct {
	NodeID  string
	Column  string
	Snippet string
	Rank    float64
}

// SearchOptions narrows SearchNodesAdvanced to a project/type/outcome/
// computer/date slice of the graph and paginates the result, per spec.md
// §4.1's "filter predicates on project/type/outcome/date/computer are
// composed into the same SQL." A zero-value SearchOptions applies no
// filters and returns the first page.
type SearchOptions struct {
	Project  string
	Type     string
	Outcome  string
	Computer string

	AnalyzedAfter  time.Time
	AnalyzedBefore time.Time

	Limit  int
	Offset int
}

// SearchNodesAdvanced runs an FTS5 MATCH query across summary, decisions,
// lessons, tags, and topics, joined against the current `nodes` row so
// opts's filter predicates can be composed into the same SQL rather than
// post-filtered in Go, then returns up to opts.Limit hits ordered by bm25
// rank. query is passed through to FTS5's own query syntax (AND/OR/NOT,
// phrase quotes, prefix*) rather than reinterpreted — the same
// contentless-FTS5-table shape as `other_examples`'s
// internal-db-migrations.go, generalized from a single-column external
// content table to the multi-column denormalized columns upsertFTSRow
// writes here.
func (s *Store) SearchNodesAdvanced(ctx context.Context, query string, opts SearchOptions) ([]SearchHit, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 25
	}

	conds := []string{"nodes_fts MATCH ?"}
	args := []any{quoteFTSQuery(query)}

	conds = append(conds, "n.is_current = 1")
	if opts.Project != "" {
		conds = append(conds, "n.project = ?")
		args = append(args, opts.Project)
	}
	if opts.Type != "" {
		conds = append(conds, "n.node_type = ?")
		args = append(args, opts.Type)
	}
	if opts.Outcome != "" {
		conds = append(conds, "n.outcome = ?")
		args = append(args, opts.Outcome)
	}
	if opts.Computer != "" {
		conds = append(conds, "n.computer = ?")
		args = append(args, opts.Computer)
	}
	if !opts.AnalyzedAfter.IsZero() {
		conds = append(conds, "n.analyzed_at >= ?")
		args = append(args, opts.AnalyzedAfter.Format(timeLayout))
	}
	if !opts.AnalyzedBefore.IsZero() {
		conds = append(conds, "n.analyzed_at <= ?")
		args = append(args, opts.AnalyzedBefore.Format(timeLayout))
	}

	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, `
		SELECT nodes_fts.node_id,
		       snippet(nodes_fts, 1, '[[', ']]', '...', 10) AS summary_snip,
		       snippet(nodes_fts, 2, '[[', ']]', '...', 10) AS decisions_snip,
		       snippet(nodes_fts, 3, '[[', ']]', '...', 10) AS lessons_snip,
		       bm25(nodes_fts) AS rank
		FROM nodes_fts
		JOIN nodes n ON n.id = nodes_fts.node_id
		WHERE `+strings.Join(conds, " AND ")+`
		ORDER BY rank
		LIMIT ? OFFSET ?
	`, args...)
	if err != nil {
		if isNoSuchTable(err) {
			return nil, nil
		}
		return nil, wrapDBError("search nodes", err)
	}
	defer func() { _ = rows.Close() }()

	var hits []SearchHit
	for rows.Next() {
		var nodeID, summarySnip, decisionsSnip, lessonsSnip string
		var rank float64
		if err := rows.Scan(&nodeID, &summarySnip, &decisionsSnip, &lessonsSnip, &rank); err != nil {
			return nil, wrapDBError("scan search hit", err)
		}
		column, snippet := bestSnippet(summarySnip, decisionsSnip, lessonsSnip)
		hits = append(hits, SearchHit{NodeID: nodeID, Column: column, Snippet: snippet, Rank: rank})
	}
	return hits, wrapDBError("iterate search hits", rows.Err())
}

// quoteFTSQuery wraps query in double quotes unless it already carries FTS5
// query syntax (a quote, a boolean operator, or a prefix `*`), so a plain
// search term containing punctuation (a path, a flag like "--verbose") is
// treated as a literal phrase instead of tripping FTS5's own tokenizer/
// operator parsing, per spec.md §4.1's "queries are quoted to tolerate
// punctuation."
func quoteFTSQuery(query string) string {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return trimmed
	}
	if strings.ContainsAny(trimmed, `"*`) {
		return trimmed
	}
	for _, op := range []string{" AND ", " OR ", " NOT "} {
		if strings.Contains(strings.ToUpper(trimmed), op) {
			return trimmed
		}
	}
	return `"` + strings.ReplaceAll(trimmed, `"`, `""`) + `"`
}

// bestSnippet picks the first non-empty, highlighted snippet among the
// three FTS columns queried, preferring summary over decisions over lessons
// since that's the order a human would scan a result list.
func bestSnippet(summary, decisions, lessons string) (column, snippet string) {
	if strings.Contains(summary, "[[") {
		return "summary", summary
	}
	if strings.Contains(decisions, "[[") {
		return "decisions", decisions
	}
	if strings.Contains(lessons, "[[") {
		return "lessons", lessons
	}
	return "summary", summary
}

// TagCandidates returns node ids sharing at least one tag with the given
// set, used by the connection discoverer before it computes the full
// Jaccard overlap (spec.md §4.6) so it never scores every node in the store.
func (s *Store) TagCandidates(ctx context.Context, tags []string, excludeID string) ([]string, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(tags))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(tags)+1)
	for _, t := range tags {
		args = append(args, t)
	}
	args = append(args, excludeID)

	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT node_id FROM node_tags
		WHERE tag IN (`+placeholders+`) AND node_id != ?
	`, args...)
	if err != nil {
		return nil, wrapDBError("tag candidates", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrapDBError("scan tag candidate", err)
		}
		out = append(out, id)
	}
	return out, wrapDBError("iterate tag candidates", rows.Err())
}
