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

type fakeInsightStore struct {
	nodes    []types.Node
	clusters []types.Cluster
	insights []types.AggregatedInsight
}

func (f *fakeInsightStore) ListNodesSince(ctx context.Context, since time.Time) ([]types.Node, error) {
	return f.nodes, nil
}

func (f *fakeInsightStore) ClearClusters(ctx context.Context, model, insightType string) error {
	return nil
}

func (f *fakeInsightStore) UpsertCluster(ctx context.Context, c *types.Cluster) error {
	f.clusters = append(f.clusters, *c)
	return nil
}

func (f *fakeInsightStore) UpsertInsight(ctx context.Context, in *types.AggregatedInsight) error {
	f.insights = append(f.insights, *in)
	return nil
}

func TestInsightAggregator_ClustersModelQuirks(t *testing.T) {
	now := time.Now()
	store := &fakeInsightStore{
		nodes: []types.Node{
			{ID: "n1", AnalyzedAt: now, ModelQuirks: []types.ModelQuirk{{Model: "claude-sonnet", Summary: "rewrites unrelated code", Severity: "high"}}},
			{ID: "n2", AnalyzedAt: now, ModelQuirks: []types.ModelQuirk{{Model: "claude-sonnet", Summary: "rewrites unrelated code", Severity: "high"}}},
			{ID: "n3", AnalyzedAt: now, ModelQuirks: []types.ModelQuirk{{Model: "claude-sonnet", Summary: "rewrites unrelated code", Severity: "high"}}},
		},
	}
	agg := NewInsightAggregator(store, &MockEmbeddingProvider{dims: 8}, 2, 2, time.Hour, logging.NewNop())
	count, err := agg.Run(context.Background(), now, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, count, 1)
	assert.NotEmpty(t, store.clusters)
}

func TestInsightAggregator_BelowMinSupportSkipsModel(t *testing.T) {
	now := time.Now()
	store := &fakeInsightStore{
		nodes: []types.Node{
			{ID: "n1", AnalyzedAt: now, ModelQuirks: []types.ModelQuirk{{Model: "claude-sonnet", Summary: "one off quirk", Severity: "low"}}},
		},
	}
	agg := NewInsightAggregator(store, &MockEmbeddingProvider{dims: 8}, 5, 2, time.Hour, logging.NewNop())
	count, err := agg.Run(context.Background(), now, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.Empty(t, store.clusters)
}

func TestRecencyDecay_HalvesAtHalfLife(t *testing.T) {
	now := time.Now()
	halfLife := time.Hour
	d := recencyDecay(now.Add(-halfLife), now, halfLife)
	assert.InDelta(t, 0.5, d, 0.01)
}

type fakeSummarizer struct {
	summary string
	err     error
	calls   int
}

func (f *fakeSummarizer) Summarize(ctx context.Context, model, insightType string, texts []string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.summary, nil
}

func TestInsightAggregator_UsesSummarizerWhenConfigured(t *testing.T) {
	now := time.Now()
	store := &fakeInsightStore{
		nodes: []types.Node{
			{ID: "n1", AnalyzedAt: now, ModelQuirks: []types.ModelQuirk{{Model: "claude-sonnet", Summary: "rewrites unrelated code", Severity: "high"}}},
			{ID: "n2", AnalyzedAt: now, ModelQuirks: []types.ModelQuirk{{Model: "claude-sonnet", Summary: "rewrites unrelated code", Severity: "high"}}},
		},
	}
	summarizer := &fakeSummarizer{summary: "claude-sonnet tends to rewrite unrelated code"}
	agg := NewInsightAggregator(store, &MockEmbeddingProvider{dims: 8}, 2, 2, time.Hour, logging.NewNop())
	agg.SetSummarizer(summarizer)

	count, err := agg.Run(context.Background(), now, now.Add(-time.Hour))
	require.NoError(t, err)
	require.GreaterOrEqual(t, count, 1)
	assert.Equal(t, 1, summarizer.calls)
	require.NotEmpty(t, store.insights)
	assert.Equal(t, "claude-sonnet tends to rewrite unrelated code", store.insights[0].Summary)
}

func TestInsightAggregator_FallsBackToRawTextWhenSummarizerErrors(t *testing.T) {
	now := time.Now()
	store := &fakeInsightStore{
		nodes: []types.Node{
			{ID: "n1", AnalyzedAt: now, ModelQuirks: []types.ModelQuirk{{Model: "claude-sonnet", Summary: "rewrites unrelated code", Severity: "high"}}},
			{ID: "n2", AnalyzedAt: now, ModelQuirks: []types.ModelQuirk{{Model: "claude-sonnet", Summary: "rewrites unrelated code", Severity: "high"}}},
		},
	}
	summarizer := &fakeSummarizer{err: assert.AnError}
	agg := NewInsightAggregator(store, &MockEmbeddingProvider{dims: 8}, 2, 2, time.Hour, logging.NewNop())
	agg.SetSummarizer(summarizer)

	count, err := agg.Run(context.Background(), now, now.Add(-time.Hour))
	require.NoError(t, err)
	require.GreaterOrEqual(t, count, 1)
	require.NotEmpty(t, store.insights)
	assert.Equal(t, "rewrites unrelated code", store.insights[0].Summary)
}

func TestMemberTexts_LimitsAndHandlesShortLists(t *testing.T) {
	obs := []observation{{text: "a"}, {text: "b"}, {text: "c"}}
	members := []int{0, 1, 2}

	assert.Equal(t, []string{"a", "b"}, memberTexts(obs, members, 2))
	assert.Equal(t, []string{"a", "b", "c"}, memberTexts(obs, members, 10))
	assert.Equal(t, []string{"a", "b", "c"}, memberTexts(obs, members, 0))
}

func TestKMeansPlusPlus_AssignsEveryPoint(t *testing.T) {
	vectors := [][]float64{{0, 0}, {0, 0.1}, {10, 10}, {10, 10.1}}
	assignments := kMeansPlusPlus(vectors, 2)
	require.Len(t, assignments, 4)
	assert.Equal(t, assignments[0], assignments[1])
	assert.Equal(t, assignments[2], assignments[3])
	assert.NotEqual(t, assignments[0], assignments[2])
}
