package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pi-brain/pi-brain/internal/analyzer"
	"github.com/pi-brain/pi-brain/internal/config"
	"github.com/pi-brain/pi-brain/internal/discovery"
	"github.com/pi-brain/pi-brain/internal/logging"
	"github.com/pi-brain/pi-brain/internal/queue"
	"github.com/pi-brain/pi-brain/internal/storage/sqlite"
	"github.com/pi-brain/pi-brain/internal/types"
)

type stubPromptLoader struct {
	text, version string
}

func (s stubPromptLoader) Load() (string, string, error) { return s.text, s.version, nil }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		SessionsDir: "sessions",
		Daemon:      config.DaemonConfig{WorkerCount: 1, PollInterval: 10 * time.Millisecond, ShutdownTimeout: time.Second},
		Analyzer:    config.AnalyzerConfig{Binary: "sh", Timeout: 5 * time.Second},
		Retry:       config.RetryConfig{BaseDelaySec: 1, MaxDelaySec: 10, JitterRatio: 0, MaxRetries: 3},
		Discovery:   config.DiscoveryConfig{JaccardThreshold: 0.3, LessonSimilarityThreshold: 0.6},
	}
}

func newTestWorker(t *testing.T, store *sqlite.Store, js *sqlite.JSONStore, stdout string, invokeErr error) *Worker {
	t.Helper()
	cfg := testConfig(t)
	disc := discovery.New(store, discovery.Thresholds{JaccardThreshold: cfg.Discovery.JaccardThreshold, LessonSimilarityThreshold: cfg.Discovery.LessonSimilarityThreshold}, logging.NewNop())
	q := queue.New(store.DB(), logging.NewNop())
	w := New("w1", q, store, js, disc, stubPromptLoader{text: "Analyze this.", version: "v1"}, cfg, logging.NewNop())
	w.invokeAnalyzer = func(ctx context.Context, acfg config.AnalyzerConfig, req analyzer.Request) (*analyzer.Output, error) {
		if invokeErr != nil {
			return &analyzer.Output{}, invokeErr
		}
		return &analyzer.Output{Stdout: stdout, DurationMs: 5}, nil
	}
	return w
}

const validAnalyzerJSON = `{"summary":"fixed a flaky test","type":"debugging","outcome":"success","model":"claude-sonnet","decisions":["retried with backoff"],"tags":["testing"],"topics":["ci"],"lessonsByLevel":{"tactical":["add jitter"]}}`

func TestWorker_ProcessInitialJob_Success(t *testing.T) {
	ctx := context.Background()
	store, err := sqlite.OpenInMemory(ctx, logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	js := sqlite.NewJSONStore(t.TempDir())

	w := newTestWorker(t, store, js, validAnalyzerJSON, nil)

	job := &types.Job{
		ID:   "job1",
		Type: types.JobTypeInitial,
		Context: types.JobContext{
			SessionFile:  "sessions/proj/a.jsonl",
			SegmentStart: "e1",
			SegmentEnd:   "e9",
		},
		MaxRetries: 3,
	}

	err = w.Process(ctx, job)
	require.NoError(t, err)

	node, _, err := store.GetCurrentNode(ctx, deterministicID(job))
	require.NoError(t, err)
	assert.Equal(t, "fixed a flaky test", node.Summary)
	assert.Equal(t, types.NodeTypeDebugging, node.Type)
	assert.Equal(t, "proj", node.Project)
	assert.Equal(t, 1, node.Version)
}

func TestWorker_ProcessReanalysisJob_CreatesV2(t *testing.T) {
	ctx := context.Background()
	store, err := sqlite.OpenInMemory(ctx, logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	js := sqlite.NewJSONStore(t.TempDir())

	w := newTestWorker(t, store, js, validAnalyzerJSON, nil)
	job := &types.Job{
		Type: types.JobTypeInitial,
		Context: types.JobContext{
			SessionFile: "sessions/proj/a.jsonl", SegmentStart: "e1", SegmentEnd: "e9",
		},
	}
	require.NoError(t, w.Process(ctx, job))
	id := deterministicID(job)

	reanalysisJob := &types.Job{
		Type: types.JobTypeReanalysis,
		Context: types.JobContext{
			SessionFile: "sessions/proj/a.jsonl", SegmentStart: "e1", SegmentEnd: "e9",
			NodeID: id, ReanalysisReason: "prompt version changed",
		},
	}
	require.NoError(t, w.Process(ctx, reanalysisJob))

	node, _, err := store.GetCurrentNode(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, node.Version)

	versions, err := store.ListNodeVersions(ctx, id)
	require.NoError(t, err)
	assert.Len(t, versions, 2)
}

func TestWorker_ProcessJob_UnparseableOutputIsPermanent(t *testing.T) {
	ctx := context.Background()
	store, err := sqlite.OpenInMemory(ctx, logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	js := sqlite.NewJSONStore(t.TempDir())

	w := newTestWorker(t, store, js, "not json at all", nil)
	job := &types.Job{Type: types.JobTypeInitial, Context: types.JobContext{
		SessionFile: "sessions/proj/a.jsonl", SegmentStart: "e1", SegmentEnd: "e9",
	}}

	err = w.Process(ctx, job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permanent")
}

func TestWorker_ProcessJob_SchemaViolationIsPermanent(t *testing.T) {
	ctx := context.Background()
	store, err := sqlite.OpenInMemory(ctx, logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	js := sqlite.NewJSONStore(t.TempDir())

	badJSON := `{"summary":"x","type":"not-a-real-type","outcome":"success","decisions":[],"lessonsByLevel":{}}`
	w := newTestWorker(t, store, js, badJSON, nil)
	job := &types.Job{Type: types.JobTypeInitial, Context: types.JobContext{
		SessionFile: "sessions/proj/a.jsonl", SegmentStart: "e1", SegmentEnd: "e9",
	}}

	err = w.Process(ctx, job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema")
}

func TestWorker_LinkPredecessors_Idempotent(t *testing.T) {
	ctx := context.Background()
	store, err := sqlite.OpenInMemory(ctx, logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	js := sqlite.NewJSONStore(t.TempDir())

	w := newTestWorker(t, store, js, validAnalyzerJSON, nil)

	priorJob := &types.Job{Type: types.JobTypeInitial, Context: types.JobContext{
		SessionFile: "sessions/proj/p.jsonl", SegmentStart: "e0", SegmentEnd: "e1",
	}}
	require.NoError(t, w.Process(ctx, priorJob))
	priorID := deterministicID(priorJob)

	job := &types.Job{Type: types.JobTypeInitial, Context: types.JobContext{
		SessionFile: "sessions/proj/p.jsonl", SegmentStart: "e1", SegmentEnd: "e2",
		PriorNodeIDs: []string{priorID},
	}}
	require.NoError(t, w.Process(ctx, job))

	id := deterministicID(job)
	exists, err := store.EdgeExists(ctx, priorID, id, types.EdgeTypePrevInSession)
	require.NoError(t, err)
	assert.True(t, exists)

	// Re-running linkPredecessors-equivalent work (a second identical job,
	// same segment) must not error on the unique edge constraint.
	require.NoError(t, w.linkPredecessors(ctx, &types.Node{ID: id}, job))
}

func TestWorker_ProcessConnectionDiscoveryJob_SkipsAnalyzer(t *testing.T) {
	ctx := context.Background()
	store, err := sqlite.OpenInMemory(ctx, logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	js := sqlite.NewJSONStore(t.TempDir())

	w := newTestWorker(t, store, js, validAnalyzerJSON, nil)
	initial := &types.Job{Type: types.JobTypeInitial, Context: types.JobContext{
		SessionFile: "sessions/proj/a.jsonl", SegmentStart: "e1", SegmentEnd: "e9",
	}}
	require.NoError(t, w.Process(ctx, initial))
	id := deterministicID(initial)

	// invokeAnalyzer would error if called; a connection_discovery job must
	// never reach it.
	w.invokeAnalyzer = func(ctx context.Context, acfg config.AnalyzerConfig, req analyzer.Request) (*analyzer.Output, error) {
		t.Fatal("analyzer should not be invoked for a connection_discovery job")
		return nil, nil
	}

	discoveryJob := &types.Job{Type: types.JobTypeConnectionDiscovery, Context: types.JobContext{NodeID: id}}
	require.NoError(t, w.Process(ctx, discoveryJob))
}

func TestWorker_ProcessConnectionDiscoveryJob_MissingNodeIDIsPermanent(t *testing.T) {
	ctx := context.Background()
	store, err := sqlite.OpenInMemory(ctx, logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	js := sqlite.NewJSONStore(t.TempDir())

	w := newTestWorker(t, store, js, validAnalyzerJSON, nil)
	err = w.Process(ctx, &types.Job{Type: types.JobTypeConnectionDiscovery})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permanent")
}

func deterministicID(job *types.Job) string {
	return analyzer.AgentOutputToNode(
		&analyzer.AgentOutput{Type: "coding", Outcome: "success", Summary: "x", Decisions: []string{}, LessonsByLevel: map[string][]string{}},
		analyzer.Context{SessionFile: job.Context.SessionFile, SegmentStart: job.Context.SegmentStart, SegmentEnd: job.Context.SegmentEnd},
	).ID
}
