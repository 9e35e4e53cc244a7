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

// EdgeExists reports whether an edge of the given type already connects
// source to target, the idempotency gate every discovery heuristic checks
// before inserting (spec.md §8 invariant: discovery never creates duplicate
// edges).
func (s *Store) EdgeExists(ctx context.Context, source, target string, edgeType types.EdgeType) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM edges WHERE source_id = ? AND target_id = ? AND edge_type = ?`,
		source, target, string(edgeType)).Scan(&n)
	if err != nil {
		return false, wrapDBError("check edge exists", err)
	}
	return n > 0, nil
}

// CreateEdge inserts a new edge, generating its id if unset. Returns the
// created edge's id. A unique index on (source, target, edge_type) makes a
// racing duplicate insert fail with ErrConflict rather than silently
// succeed twice.
func (s *Store) CreateEdge(ctx context.Context, edge *types.Edge) (string, error) {
	if edge.ID == "" {
		id, err := idgen.EdgeID()
		if err != nil {
			return "", fmt.Errorf("create edge: %w", err)
		}
		edge.ID = id
	}
	if edge.CreatedAt.IsZero() {
		edge.CreatedAt = time.Now().UTC()
	}
	meta, err := json.Marshal(edge.Metadata)
	if err != nil {
		return "", fmt.Errorf("create edge %s: marshal metadata: %w", edge.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO edges (id, source_id, target_id, edge_type, created_by, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, edge.ID, edge.Source, edge.Target, string(edge.Type), string(edge.CreatedBy), string(meta),
		edge.CreatedAt.Format(timeLayout))
	if err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("create edge %s->%s (%s): %w", edge.Source, edge.Target, edge.Type, ErrConflict)
		}
		return "", wrapDBError("insert edge", err)
	}
	return edge.ID, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// CountEdges returns the number of discovered edges, for pibrainctl status.
func (s *Store) CountEdges(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM edges`).Scan(&n)
	return n, wrapDBError("count edges", err)
}

// GetConnectedNodes returns the edges traversed while walking from id up to
// maxDepth hops, in the given direction, via breadth-first search. Edges of
// any type are followed; callers that want a single edge type filter the
// result.
func (s *Store) GetConnectedNodes(ctx context.Context, id string, direction types.Direction, maxDepth int) ([]types.Edge, error) {
	if maxDepth <= 0 {
		maxDepth = 1
	}
	visited := map[string]bool{id: true}
	frontier := []string{id}
	var out []types.Edge

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		next := make([]string, 0)
		for _, nodeID := range frontier {
			edges, err := s.edgesFrom(ctx, nodeID, direction)
			if err != nil {
				return nil, err
			}
			for _, e := range edges {
				out = append(out, e)
				other := e.Target
				if e.Target == nodeID {
					other = e.Source
				}
				if !visited[other] {
					visited[other] = true
					next = append(next, other)
				}
			}
		}
		frontier = next
	}
	return out, nil
}

func (s *Store) edgesFrom(ctx context.Context, nodeID string, direction types.Direction) ([]types.Edge, error) {
	var query string
	switch direction {
	case types.DirectionOutbound:
		query = `SELECT id, source_id, target_id, edge_type, created_by, metadata, created_at FROM edges WHERE source_id = ?`
	case types.DirectionInbound:
		query = `SELECT id, source_id, target_id, edge_type, created_by, metadata, created_at FROM edges WHERE target_id = ?`
	default:
		query = `SELECT id, source_id, target_id, edge_type, created_by, metadata, created_at FROM edges WHERE source_id = ? OR target_id = ?`
	}
	var rows *sql.Rows
	var err error
	if direction == types.DirectionBoth {
		rows, err = s.db.QueryContext(ctx, query, nodeID, nodeID)
	} else {
		rows, err = s.db.QueryContext(ctx, query, nodeID)
	}
	if err != nil {
		return nil, wrapDBError("query edges", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.Edge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, wrapDBError("iterate edges", rows.Err())
}

func scanEdge(rows *sql.Rows) (types.Edge, error) {
	var e types.Edge
	var edgeType, createdBy, metadata, createdAt string
	if err := rows.Scan(&e.ID, &e.Source, &e.Target, &edgeType, &createdBy, &metadata, &createdAt); err != nil {
		return e, wrapDBError("scan edge", err)
	}
	e.Type = types.EdgeType(edgeType)
	e.CreatedBy = types.EdgeCreator(createdBy)
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &e.Metadata); err != nil {
			return e, fmt.Errorf("scan edge %s: unmarshal metadata: %w", e.ID, err)
		}
	}
	t, err := parseFlexibleTime(createdAt)
	if err != nil {
		return e, fmt.Errorf("scan edge %s: %w", e.ID, err)
	}
	e.CreatedAt = t
	return e, nil
}

// FindPath returns the shortest undirected sequence of node ids from source
// to target, inclusive, or nil if no path exists within maxDepth hops.
func (s *Store) FindPath(ctx context.Context, source, target string, maxDepth int) ([]string, error) {
	if source == target {
		return []string{source}, nil
	}
	if maxDepth <= 0 {
		maxDepth = 6
	}
	type queued struct {
		id   string
		path []string
	}
	visited := map[string]bool{source: true}
	queue := []queued{{id: source, path: []string{source}}}

	for depth := 0; depth < maxDepth && len(queue) > 0; depth++ {
		var nextQueue []queued
		for _, q := range queue {
			edges, err := s.edgesFrom(ctx, q.id, types.DirectionBoth)
			if err != nil {
				return nil, err
			}
			for _, e := range edges {
				other := e.Target
				if e.Target == q.id {
					other = e.Source
				}
				if visited[other] {
					continue
				}
				path := append(append([]string{}, q.path...), other)
				if other == target {
					return path, nil
				}
				visited[other] = true
				nextQueue = append(nextQueue, queued{id: other, path: path})
			}
		}
		queue = nextQueue
	}
	return nil, nil
}
