package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pi-brain/pi-brain/internal/aggregate"
	"github.com/pi-brain/pi-brain/internal/config"
	"github.com/pi-brain/pi-brain/internal/discovery"
	"github.com/pi-brain/pi-brain/internal/logging"
	"github.com/pi-brain/pi-brain/internal/queue"
	"github.com/pi-brain/pi-brain/internal/storage/sqlite"
	"github.com/pi-brain/pi-brain/internal/types"
)

type stubPrompts struct{ version string }

func (s stubPrompts) Load() (string, string, error) { return "prompt body", s.version, nil }

func newStoreWithNode(t *testing.T, promptVersion string) (*sqlite.Store, *sqlite.JSONStore, string) {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.OpenInMemory(ctx, logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	js := sqlite.NewJSONStore(t.TempDir())

	node := &types.Node{
		ID: "n1", Version: 1, SessionFile: "sessions/p/a.jsonl", SegmentStart: "e1", SegmentEnd: "e2",
		SegmentStartAt: time.Now(), AnalyzedAt: time.Now(), Project: "p", Model: "m",
		Type: types.NodeTypeCoding, Outcome: types.OutcomeSuccess, Summary: "did a thing",
		PromptVersion: promptVersion, Decisions: []string{}, Tags: []string{}, Topics: []string{},
		Lessons: []types.Lesson{}, ModelQuirks: []types.ModelQuirk{}, ToolErrors: []types.ToolError{},
	}
	require.NoError(t, store.CreateNode(ctx, js, node))
	return store, js, node.ID
}

func TestScheduler_RunReanalysis_EnqueuesStaleNodes(t *testing.T) {
	ctx := context.Background()
	store, _, nodeID := newStoreWithNode(t, "old-version")
	q := queue.New(store.DB(), logging.NewNop())

	cfg := config.SchedulerConfig{BatchSize: 10}
	s := New(cfg, store, q, nil, nil, nil, stubPrompts{version: "new-version"}, logging.NewNop())

	n, err := s.runReanalysis(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := q.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, types.JobTypeReanalysis, job.Type)
	assert.Equal(t, nodeID, job.Context.NodeID)
}

func TestScheduler_RunReanalysis_SkipsUpToDateNodes(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newStoreWithNode(t, "new-version")
	q := queue.New(store.DB(), logging.NewNop())

	cfg := config.SchedulerConfig{BatchSize: 10}
	s := New(cfg, store, q, nil, nil, nil, stubPrompts{version: "new-version"}, logging.NewNop())

	n, err := s.runReanalysis(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestScheduler_RunConnectionDiscovery_ProcessesRecentNodes(t *testing.T) {
	ctx := context.Background()
	store, _, nodeID := newStoreWithNode(t, "v1")
	disc := discovery.New(store, discovery.Thresholds{JaccardThreshold: 0.3, LessonSimilarityThreshold: 0.6}, logging.NewNop())

	cfg := config.SchedulerConfig{}
	s := New(cfg, store, nil, disc, nil, nil, stubPrompts{}, logging.NewNop())

	n, err := s.runConnectionDiscovery(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_ = nodeID
}

func TestScheduler_RunPatternAggregation_DelegatesToAggregator(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newStoreWithNode(t, "v1")
	patterns := aggregate.NewPatternAggregator(store, 1, logging.NewNop())

	cfg := config.SchedulerConfig{}
	s := New(cfg, store, nil, nil, patterns, nil, stubPrompts{}, logging.NewNop())

	_, err := s.runPatternAggregation(ctx)
	require.NoError(t, err)
}

func TestScheduler_LastResult_RecordsRun(t *testing.T) {
	store, _, _ := newStoreWithNode(t, "v1")
	cfg := config.SchedulerConfig{}
	s := New(cfg, store, nil, nil, nil, nil, stubPrompts{}, logging.NewNop())

	s.runJob("fake", func(ctx context.Context) (int, error) { return 3, nil })

	result, ok := s.LastResult("fake")
	require.True(t, ok)
	assert.Equal(t, 3, result.ItemsProcessed)
	assert.Empty(t, result.Errors)
}
