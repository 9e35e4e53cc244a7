package aggregate

import (
	"context"
	"fmt"
	"time"

	"github.com/pi-brain/pi-brain/internal/analyzer"
	"github.com/pi-brain/pi-brain/internal/logging"
	"github.com/pi-brain/pi-brain/internal/types"
)

// PatternStore is the subset of *sqlite.Store the pattern aggregator needs.
type PatternStore interface {
	ListNodesSince(ctx context.Context, since time.Time) ([]types.Node, error)
	UpsertFailurePattern(ctx context.Context, p *types.FailurePattern) error
	UpsertLessonPattern(ctx context.Context, p *types.LessonPattern) error
}

// PatternAggregator implements spec.md §4.7's pattern-aggregation pass:
// group tool_errors by (tool, errorType, model) and lessons by a
// (model, level, length bucket, first words) fingerprint, upserting a row for every
// group whose occurrence count reaches minOccurrences.
type PatternAggregator struct {
	store          PatternStore
	minOccurrences int
	log            logging.Logger
}

func NewPatternAggregator(store PatternStore, minOccurrences int, log logging.Logger) *PatternAggregator {
	if minOccurrences < 1 {
		minOccurrences = 1
	}
	return &PatternAggregator{store: store, minOccurrences: minOccurrences, log: log.Named("pattern-aggregator")}
}

// Result summarizes one aggregation run for the scheduler's run-result log.
type Result struct {
	FailurePatterns int
	LessonPatterns  int
	NodesScanned    int
}

// Run scans every node analyzed since `since`, groups its tool errors and
// lessons by fingerprint, and upserts a pattern row per group meeting the
// occurrence floor. It is safe to call repeatedly with overlapping windows:
// UpsertFailurePattern/UpsertLessonPattern key on the fingerprint, so
// re-aggregating the same node twice just refreshes last_seen/occurrences.
func (a *PatternAggregator) Run(ctx context.Context, since time.Time) (Result, error) {
	nodes, err := a.store.ListNodesSince(ctx, since)
	if err != nil {
		return Result{}, fmt.Errorf("pattern aggregator: list nodes: %w", err)
	}

	failures := map[string]*types.FailurePattern{}
	lessons := map[string]*types.LessonPattern{}

	for _, n := range nodes {
		for _, te := range n.ToolErrors {
			fp := analyzer.FingerprintToolError(te)
			p, ok := failures[fp]
			if !ok {
				p = &types.FailurePattern{
					Fingerprint: fp, Tool: te.Tool, ErrorType: te.ErrorType, Model: te.Model,
					FirstSeen: n.AnalyzedAt, LastSeen: n.AnalyzedAt,
				}
				failures[fp] = p
			}
			p.Occurrences++
			p.ContributingIDs = appendUnique(p.ContributingIDs, n.ID)
			if n.AnalyzedAt.After(p.LastSeen) {
				p.LastSeen = n.AnalyzedAt
			}
			if n.AnalyzedAt.Before(p.FirstSeen) {
				p.FirstSeen = n.AnalyzedAt
			}
		}

		for _, l := range n.Lessons {
			fp := lessonFingerprint(l, n.Model)
			p, ok := lessons[fp]
			if !ok {
				p = &types.LessonPattern{
					Fingerprint: fp, Model: n.Model, Summary: l.Summary,
					FirstSeen: n.AnalyzedAt, LastSeen: n.AnalyzedAt,
				}
				lessons[fp] = p
			}
			p.Occurrences++
			p.ContributingIDs = appendUnique(p.ContributingIDs, n.ID)
			if n.AnalyzedAt.After(p.LastSeen) {
				p.LastSeen = n.AnalyzedAt
			}
			if n.AnalyzedAt.Before(p.FirstSeen) {
				p.FirstSeen = n.AnalyzedAt
			}
		}
	}

	res := Result{NodesScanned: len(nodes)}
	for _, p := range failures {
		if p.Occurrences < a.minOccurrences {
			continue
		}
		if err := a.store.UpsertFailurePattern(ctx, p); err != nil {
			return res, fmt.Errorf("pattern aggregator: upsert failure pattern %s: %w", p.Fingerprint, err)
		}
		res.FailurePatterns++
	}
	for _, p := range lessons {
		if p.Occurrences < a.minOccurrences {
			continue
		}
		if err := a.store.UpsertLessonPattern(ctx, p); err != nil {
			return res, fmt.Errorf("pattern aggregator: upsert lesson pattern %s: %w", p.Fingerprint, err)
		}
		res.LessonPatterns++
	}

	a.log.Info("pattern aggregation complete",
		"nodesScanned", res.NodesScanned, "failurePatterns", res.FailurePatterns, "lessonPatterns", res.LessonPatterns)
	return res, nil
}

// lessonFingerprint buckets a lesson by its model, level, summary length
// (in 20-byte buckets), and the summary's first four words, grounded on the same idea as
// discovery.lessonSimilarity's trigram scoring but reduced to a stable key
// cheap enough to group by rather than pairwise-compare.
func lessonFingerprint(l types.Lesson, model string) string {
	bucket := len(l.Summary) / 20
	return fmt.Sprintf("%s|%s|%d|%s", model, l.Level, bucket, firstWords(l.Summary, 4))
}

func firstWords(s string, n int) string {
	words := make([]byte, 0, len(s))
	count := 0
	inWord := false
	for i := 0; i < len(s) && count < n; i++ {
		c := s[i]
		isSpace := c == ' ' || c == '\t' || c == '\n'
		if !isSpace {
			words = append(words, c)
			inWord = true
		} else {
			if inWord {
				count++
			}
			inWord = false
			if count < n {
				words = append(words, ' ')
			}
		}
	}
	return string(words)
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
