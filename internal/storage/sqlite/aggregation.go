package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/pi-brain/pi-brain/internal/idgen"
	"github.com/pi-brain/pi-brain/internal/types"
)

// UpsertFailurePattern inserts or refreshes a failure pattern keyed by its
// fingerprint (tool, error type, model), the unit the aggregator groups
// tool_errors by (spec.md §4.7).
func (s *Store) UpsertFailurePattern(ctx context.Context, p *types.FailurePattern) error {
	if p.ID == "" {
		p.ID = idgen.MustGenerateRandomID()
	}
	ids, err := json.Marshal(p.ContributingIDs)
	if err != nil {
		return fmt.Errorf("marshal contributing ids: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO failure_patterns (id, fingerprint, tool, error_type, model, occurrences, contributing_ids, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (fingerprint) DO UPDATE SET
			occurrences = excluded.occurrences,
			contributing_ids = excluded.contributing_ids,
			last_seen = excluded.last_seen
	`, p.ID, p.Fingerprint, p.Tool, p.ErrorType, p.Model, p.Occurrences, string(ids),
		p.FirstSeen.Format(timeLayout), p.LastSeen.Format(timeLayout))
	if err != nil {
		return wrapDBError("upsert failure pattern", err)
	}
	return nil
}

// ListFailurePatterns returns every known failure pattern, most recently
// seen first.
func (s *Store) ListFailurePatterns(ctx context.Context) ([]types.FailurePattern, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, fingerprint, tool, error_type, model, occurrences, contributing_ids, first_seen, last_seen
		FROM failure_patterns ORDER BY last_seen DESC
	`)
	if err != nil {
		return nil, wrapDBError("list failure patterns", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.FailurePattern
	for rows.Next() {
		var p types.FailurePattern
		var idsJSON, firstSeen, lastSeen string
		if err := rows.Scan(&p.ID, &p.Fingerprint, &p.Tool, &p.ErrorType, &p.Model, &p.Occurrences, &idsJSON, &firstSeen, &lastSeen); err != nil {
			return nil, wrapDBError("scan failure pattern", err)
		}
		if err := json.Unmarshal([]byte(idsJSON), &p.ContributingIDs); err != nil {
			return nil, fmt.Errorf("unmarshal contributing ids for %s: %w", p.ID, err)
		}
		if p.FirstSeen, err = parseFlexibleTime(firstSeen); err != nil {
			return nil, err
		}
		if p.LastSeen, err = parseFlexibleTime(lastSeen); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, wrapDBError("iterate failure patterns", rows.Err())
}

// UpsertLessonPattern inserts or refreshes a lesson pattern keyed by its
// fingerprint (built by the pattern aggregator from model, level, length
// bucket and leading words).
func (s *Store) UpsertLessonPattern(ctx context.Context, p *types.LessonPattern) error {
	if p.ID == "" {
		p.ID = idgen.MustGenerateRandomID()
	}
	ids, err := json.Marshal(p.ContributingIDs)
	if err != nil {
		return fmt.Errorf("marshal contributing ids: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO lesson_patterns (id, fingerprint, model, summary, occurrences, contributing_ids, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (fingerprint) DO UPDATE SET
			occurrences = excluded.occurrences,
			contributing_ids = excluded.contributing_ids,
			last_seen = excluded.last_seen
	`, p.ID, p.Fingerprint, p.Model, p.Summary, p.Occurrences, string(ids),
		p.FirstSeen.Format(timeLayout), p.LastSeen.Format(timeLayout))
	if err != nil {
		return wrapDBError("upsert lesson pattern", err)
	}
	return nil
}

// ListLessonPatterns returns every known lesson pattern, most recently seen
// first.
func (s *Store) ListLessonPatterns(ctx context.Context) ([]types.LessonPattern, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, fingerprint, model, summary, occurrences, contributing_ids, first_seen, last_seen
		FROM lesson_patterns ORDER BY last_seen DESC
	`)
	if err != nil {
		return nil, wrapDBError("list lesson patterns", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.LessonPattern
	for rows.Next() {
		var p types.LessonPattern
		var idsJSON, firstSeen, lastSeen string
		if err := rows.Scan(&p.ID, &p.Fingerprint, &p.Model, &p.Summary, &p.Occurrences, &idsJSON, &firstSeen, &lastSeen); err != nil {
			return nil, wrapDBError("scan lesson pattern", err)
		}
		if err := json.Unmarshal([]byte(idsJSON), &p.ContributingIDs); err != nil {
			return nil, fmt.Errorf("unmarshal contributing ids for %s: %w", p.ID, err)
		}
		if p.FirstSeen, err = parseFlexibleTime(firstSeen); err != nil {
			return nil, err
		}
		if p.LastSeen, err = parseFlexibleTime(lastSeen); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, wrapDBError("iterate lesson patterns", rows.Err())
}

// UpsertCluster replaces a cluster's membership and centroid wholesale; the
// clustering pass recomputes every cluster each run rather than patching
// individual members in place.
func (s *Store) UpsertCluster(ctx context.Context, c *types.Cluster) error {
	if c.ID == "" {
		c.ID = idgen.MustGenerateRandomID()
	}
	members, err := json.Marshal(c.MemberIDs)
	if err != nil {
		return fmt.Errorf("marshal member ids: %w", err)
	}
	centroid, err := json.Marshal(c.Centroid)
	if err != nil {
		return fmt.Errorf("marshal centroid: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO clusters (id, model, insight_type, member_ids, centroid, is_noise)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			member_ids = excluded.member_ids,
			centroid = excluded.centroid,
			is_noise = excluded.is_noise
	`, c.ID, c.Model, c.InsightType, string(members), string(centroid), boolToInt(c.IsNoise))
	if err != nil {
		return wrapDBError("upsert cluster", err)
	}
	return nil
}

// ClearClusters deletes every cluster for model/insightType before a fresh
// clustering pass repopulates them, so a run that finds fewer clusters than
// last time doesn't leave stale rows behind.
func (s *Store) ClearClusters(ctx context.Context, model, insightType string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM clusters WHERE model = ? AND insight_type = ?`, model, insightType)
	return wrapDBError("clear clusters", err)
}

// UpsertInsight inserts or refreshes an aggregated insight keyed by its
// fingerprint.
func (s *Store) UpsertInsight(ctx context.Context, in *types.AggregatedInsight) error {
	if in.ID == "" {
		in.ID = idgen.MustGenerateRandomID()
	}
	ids, err := json.Marshal(in.ContributingIDs)
	if err != nil {
		return fmt.Errorf("marshal contributing ids: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO aggregated_insights (id, model, insight_type, fingerprint, summary, contributing_ids, confidence, prompt_included, prompt_version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (fingerprint) DO UPDATE SET
			summary = excluded.summary,
			contributing_ids = excluded.contributing_ids,
			confidence = excluded.confidence,
			prompt_included = excluded.prompt_included,
			prompt_version = excluded.prompt_version,
			updated_at = excluded.updated_at
	`, in.ID, in.Model, in.InsightType, in.Fingerprint, in.Summary, string(ids), in.Confidence,
		boolToInt(in.PromptIncluded), in.PromptVersion,
		in.CreatedAt.Format(timeLayout), in.UpdatedAt.Format(timeLayout))
	if err != nil {
		return wrapDBError("upsert insight", err)
	}
	return nil
}

// ListInsights returns every aggregated insight of the given type, or every
// insight if insightType is empty.
func (s *Store) ListInsights(ctx context.Context, insightType string) ([]types.AggregatedInsight, error) {
	var rows *sql.Rows
	var err error
	if insightType == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, model, insight_type, fingerprint, summary, contributing_ids, confidence, prompt_included, prompt_version, created_at, updated_at
			FROM aggregated_insights ORDER BY updated_at DESC
		`)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, model, insight_type, fingerprint, summary, contributing_ids, confidence, prompt_included, prompt_version, created_at, updated_at
			FROM aggregated_insights WHERE insight_type = ? ORDER BY updated_at DESC
		`, insightType)
	}
	if err != nil {
		return nil, wrapDBError("list insights", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.AggregatedInsight
	for rows.Next() {
		var in types.AggregatedInsight
		var idsJSON, createdAt, updatedAt string
		var promptIncluded int
		if err := rows.Scan(&in.ID, &in.Model, &in.InsightType, &in.Fingerprint, &in.Summary, &idsJSON,
			&in.Confidence, &promptIncluded, &in.PromptVersion, &createdAt, &updatedAt); err != nil {
			return nil, wrapDBError("scan insight", err)
		}
		in.PromptIncluded = promptIncluded != 0
		if err := json.Unmarshal([]byte(idsJSON), &in.ContributingIDs); err != nil {
			return nil, fmt.Errorf("unmarshal contributing ids for %s: %w", in.ID, err)
		}
		if in.CreatedAt, err = parseFlexibleTime(createdAt); err != nil {
			return nil, err
		}
		if in.UpdatedAt, err = parseFlexibleTime(updatedAt); err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, wrapDBError("iterate insights", rows.Err())
}

// RecordPromptEffectiveness upserts the before/after comparison for one
// insight's prompt version, keyed by (insight_id, prompt_version).
func (s *Store) RecordPromptEffectiveness(ctx context.Context, pe *types.PromptEffectiveness) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO prompt_effectiveness (insight_id, prompt_version, before_count, after_count, before_success_count, after_success_count, session_count, significant, improvement_percent, measured_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (insight_id, prompt_version) DO UPDATE SET
			before_count = excluded.before_count,
			after_count = excluded.after_count,
			before_success_count = excluded.before_success_count,
			after_success_count = excluded.after_success_count,
			session_count = excluded.session_count,
			significant = excluded.significant,
			improvement_percent = excluded.improvement_percent,
			measured_at = excluded.measured_at
	`, pe.InsightID, pe.PromptVersion, pe.BeforeCount, pe.AfterCount, pe.BeforeSuccessCount,
		pe.AfterSuccessCount, pe.SessionCount, boolToInt(pe.Significant), pe.ImprovementPercent,
		pe.MeasuredAt.Format(timeLayout))
	if err != nil {
		return wrapDBError("record prompt effectiveness", err)
	}
	return nil
}

// ModelStatsSince computes per-model node counts, success rates, and average
// cost for nodes analyzed at or after since.
func (s *Store) ModelStatsSince(ctx context.Context, since string) ([]types.ModelStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT model,
		       COUNT(1) AS node_count,
		       AVG(CASE WHEN outcome = 'success' THEN 1.0 ELSE 0.0 END) AS success_rate,
		       AVG(cost_micros) AS avg_cost_micros
		FROM nodes
		WHERE is_current = 1 AND analyzed_at >= ?
		GROUP BY model
	`, since)
	if err != nil {
		return nil, wrapDBError("model stats", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.ModelStats
	for rows.Next() {
		var m types.ModelStats
		var avgCost float64
		if err := rows.Scan(&m.Model, &m.NodeCount, &m.SuccessRate, &avgCost); err != nil {
			return nil, wrapDBError("scan model stats", err)
		}
		m.AvgCostMicros = int64(avgCost)
		out = append(out, m)
	}
	return out, wrapDBError("iterate model stats", rows.Err())
}
