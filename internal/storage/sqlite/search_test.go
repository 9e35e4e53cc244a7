package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearchNodesAdvanced_MatchesSummary(t *testing.T) {
	store, js := testStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateNode(ctx, js, sampleNode("n1")))

	hits, err := store.SearchNodesAdvanced(ctx, "flaky", SearchOptions{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "n1", hits[0].NodeID)
}

func TestSearchNodesAdvanced_MatchesTopics(t *testing.T) {
	store, js := testStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateNode(ctx, js, sampleNode("n1")))

	// "ci" only appears in sampleNode's Topics, not summary/decisions/lessons/tags.
	hits, err := store.SearchNodesAdvanced(ctx, "ci", SearchOptions{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "n1", hits[0].NodeID)
}

func TestSearchNodesAdvanced_FiltersByProject(t *testing.T) {
	store, js := testStore(t)
	ctx := context.Background()
	n1 := sampleNode("n1")
	n2 := sampleNode("n2")
	n2.Project = "other-project"
	require.NoError(t, store.CreateNode(ctx, js, n1))
	require.NoError(t, store.CreateNode(ctx, js, n2))

	hits, err := store.SearchNodesAdvanced(ctx, "flaky", SearchOptions{Project: "other-project"})
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = store.SearchNodesAdvanced(ctx, "flaky", SearchOptions{Project: "pi-brain"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "n1", hits[0].NodeID)
}

func TestSearchNodesAdvanced_RespectsLimitAndOffset(t *testing.T) {
	store, js := testStore(t)
	ctx := context.Background()
	for _, id := range []string{"n1", "n2", "n3"} {
		require.NoError(t, store.CreateNode(ctx, js, sampleNode(id)))
	}

	first, err := store.SearchNodesAdvanced(ctx, "flaky", SearchOptions{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, first, 2)

	rest, err := store.SearchNodesAdvanced(ctx, "flaky", SearchOptions{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, rest, 1)
}

func TestSearchNodesAdvanced_NoMatchReturnsEmpty(t *testing.T) {
	store, js := testStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateNode(ctx, js, sampleNode("n1")))

	hits, err := store.SearchNodesAdvanced(ctx, "nonexistentterm", SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestQuoteFTSQuery_QuotesPlainTerms(t *testing.T) {
	assert.Equal(t, `"flaky test"`, quoteFTSQuery("flaky test"))
}

func TestQuoteFTSQuery_LeavesOperatorsAndPrefixesAlone(t *testing.T) {
	assert.Equal(t, "flaky AND test", quoteFTSQuery("flaky AND test"))
	assert.Equal(t, "flak*", quoteFTSQuery("flak*"))
	assert.Equal(t, `"already quoted"`, quoteFTSQuery(`"already quoted"`))
}
