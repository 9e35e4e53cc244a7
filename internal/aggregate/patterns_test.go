package aggregate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pi-brain/pi-brain/internal/logging"
	"github.com/pi-brain/pi-brain/internal/types"
)

type fakePatternStore struct {
	nodes     []types.Node
	failures  []types.FailurePattern
	lessons   []types.LessonPattern
}

func (f *fakePatternStore) ListNodesSince(ctx context.Context, since time.Time) ([]types.Node, error) {
	return f.nodes, nil
}

func (f *fakePatternStore) UpsertFailurePattern(ctx context.Context, p *types.FailurePattern) error {
	f.failures = append(f.failures, *p)
	return nil
}

func (f *fakePatternStore) UpsertLessonPattern(ctx context.Context, p *types.LessonPattern) error {
	f.lessons = append(f.lessons, *p)
	return nil
}

func TestPatternAggregator_GroupsByFingerprint(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := &fakePatternStore{
		nodes: []types.Node{
			{
				ID: "n1", Model: "claude-sonnet", AnalyzedAt: now,
				ToolErrors: []types.ToolError{{Tool: "bash", ErrorType: "timeout", Model: "claude-sonnet", Summary: "cmd timed out"}},
			},
			{
				ID: "n2", Model: "claude-sonnet", AnalyzedAt: now.Add(time.Hour),
				ToolErrors: []types.ToolError{{Tool: "bash", ErrorType: "timeout", Model: "claude-sonnet", Summary: "cmd timed out again"}},
			},
			{
				ID: "n3", Model: "claude-sonnet", AnalyzedAt: now.Add(2 * time.Hour),
				ToolErrors: []types.ToolError{{Tool: "edit", ErrorType: "conflict", Model: "claude-sonnet", Summary: "patch conflict"}},
			},
		},
	}

	agg := NewPatternAggregator(store, 2, logging.NewNop())
	res, err := agg.Run(context.Background(), now.Add(-time.Hour))
	require.NoError(t, err)

	assert.Equal(t, 3, res.NodesScanned)
	require.Len(t, store.failures, 1, "only the bash/timeout group reaches minOccurrences=2")
	assert.Equal(t, 2, store.failures[0].Occurrences)
	assert.ElementsMatch(t, []string{"n1", "n2"}, store.failures[0].ContributingIDs)
}

func TestPatternAggregator_BelowMinOccurrencesSkipped(t *testing.T) {
	now := time.Now()
	store := &fakePatternStore{
		nodes: []types.Node{
			{ID: "n1", Model: "m", AnalyzedAt: now, ToolErrors: []types.ToolError{{Tool: "bash", ErrorType: "timeout", Model: "m"}}},
		},
	}
	agg := NewPatternAggregator(store, 5, logging.NewNop())
	res, err := agg.Run(context.Background(), now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, res.FailurePatterns)
}
