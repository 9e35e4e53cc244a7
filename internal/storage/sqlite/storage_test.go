package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pi-brain/pi-brain/internal/logging"
	"github.com/pi-brain/pi-brain/internal/types"
)

func testStore(t *testing.T) (*Store, *JSONStore) {
	t.Helper()
	ctx := context.Background()
	store, err := OpenInMemory(ctx, logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, NewJSONStore(t.TempDir())
}

func sampleNode(id string) *types.Node {
	now := time.Now().UTC()
	return &types.Node{
		ID:             id,
		Version:        1,
		SessionFile:    "sessions/a.jsonl",
		SegmentStart:   "e1",
		SegmentEnd:     "e9",
		SegmentStartAt: now,
		AnalyzedAt:     now,
		Project:        "pi-brain",
		Computer:       "host-1",
		Type:           types.NodeTypeDebugging,
		Outcome:        types.OutcomeSuccess,
		Model:          "claude-sonnet",
		Summary:        "fixed a flaky test",
		Decisions:      []string{"retried with backoff"},
		Tags:           []string{"testing", "flaky"},
		Topics:         []string{"ci"},
		PromptVersion:  "v1",
		Lessons: []types.Lesson{
			{Level: types.LessonLevelTactical, Summary: "add jitter to retries", Tags: []string{"retry"}},
		},
		ToolErrors: []types.ToolError{
			{Tool: "pytest", ErrorType: "timeout", Model: "claude-sonnet", Summary: "test timed out"},
		},
	}
}

func TestCreateAndGetCurrentNode(t *testing.T) {
	store, js := testStore(t)
	ctx := context.Background()

	node := sampleNode("abc123")
	require.NoError(t, store.CreateNode(ctx, js, node))

	got, jsonPath, err := store.GetCurrentNode(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, node.Summary, got.Summary)
	assert.Equal(t, node.Tags, got.Tags)
	assert.Len(t, got.Lessons, 1)
	assert.Equal(t, "add jitter to retries", got.Lessons[0].Summary)
	assert.NotEmpty(t, jsonPath)

	fromDisk, err := js.Read(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, node.ID, fromDisk.ID)
}

func TestReplaceNode_DemotesPreviousVersion(t *testing.T) {
	store, js := testStore(t)
	ctx := context.Background()

	node := sampleNode("reanalyzed1")
	require.NoError(t, store.CreateNode(ctx, js, node))

	v2 := sampleNode("reanalyzed1")
	v2.Version = 2
	v2.Summary = "revised summary"
	require.NoError(t, store.ReplaceNode(ctx, js, v2))

	current, _, err := store.GetCurrentNode(ctx, "reanalyzed1")
	require.NoError(t, err)
	assert.Equal(t, 2, current.Version)
	assert.Equal(t, "revised summary", current.Summary)

	versions, err := store.ListNodeVersions(ctx, "reanalyzed1")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.True(t, versions[0].Current)
	assert.False(t, versions[1].Current)
}

func TestEdgeExistsAndCreateEdge(t *testing.T) {
	store, js := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateNode(ctx, js, sampleNode("n1")))
	require.NoError(t, store.CreateNode(ctx, js, sampleNode("n2")))

	exists, err := store.EdgeExists(ctx, "n1", "n2", types.EdgeTypePrevInSession)
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = store.CreateEdge(ctx, &types.Edge{
		Source: "n1", Target: "n2", Type: types.EdgeTypePrevInSession, CreatedBy: types.EdgeCreatedByBoundary,
	})
	require.NoError(t, err)

	exists, err = store.EdgeExists(ctx, "n1", "n2", types.EdgeTypePrevInSession)
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = store.CreateEdge(ctx, &types.Edge{
		Source: "n1", Target: "n2", Type: types.EdgeTypePrevInSession, CreatedBy: types.EdgeCreatedByBoundary,
	})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestGetConnectedNodesAndFindPath(t *testing.T) {
	store, js := testStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.CreateNode(ctx, js, sampleNode(id)))
	}
	_, err := store.CreateEdge(ctx, &types.Edge{Source: "a", Target: "b", Type: types.EdgeTypePrevInSession, CreatedBy: types.EdgeCreatedByBoundary})
	require.NoError(t, err)
	_, err = store.CreateEdge(ctx, &types.Edge{Source: "b", Target: "c", Type: types.EdgeTypeRelatedTo, CreatedBy: types.EdgeCreatedByDaemon})
	require.NoError(t, err)

	edges, err := store.GetConnectedNodes(ctx, "a", types.DirectionOutbound, 1)
	require.NoError(t, err)
	assert.Len(t, edges, 1)

	edges, err = store.GetConnectedNodes(ctx, "a", types.DirectionOutbound, 2)
	require.NoError(t, err)
	assert.Len(t, edges, 2)

	path, err := store.FindPath(ctx, "a", "c", 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, path)
}

func TestFailurePatternUpsert(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	p := &types.FailurePattern{
		Fingerprint:     "pytest|timeout|claude-sonnet",
		Tool:            "pytest",
		ErrorType:       "timeout",
		Model:           "claude-sonnet",
		Occurrences:     1,
		ContributingIDs: []string{"n1"},
		FirstSeen:       now,
		LastSeen:        now,
	}
	require.NoError(t, store.UpsertFailurePattern(ctx, p))

	p.Occurrences = 2
	p.ContributingIDs = append(p.ContributingIDs, "n2")
	p.LastSeen = now.Add(time.Minute)
	require.NoError(t, store.UpsertFailurePattern(ctx, p))

	patterns, err := store.ListFailurePatterns(ctx)
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, 2, patterns[0].Occurrences)
	assert.ElementsMatch(t, []string{"n1", "n2"}, patterns[0].ContributingIDs)
}
