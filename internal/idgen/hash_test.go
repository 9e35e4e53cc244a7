package idgen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateDeterministicNodeID_Stable(t *testing.T) {
	id1 := GenerateDeterministicNodeID("sess/abc.jsonl", "e1", "e5")
	id2 := GenerateDeterministicNodeID("sess/abc.jsonl", "e1", "e5")
	assert.Equal(t, id1, id2)
	assert.Len(t, id1, NodeIDLength)
}

func TestGenerateDeterministicNodeID_DelimiterCollision(t *testing.T) {
	// "a:b" + "c" must not collide with "a" + "b:c" even though naive
	// concatenation with ":" as a separator would produce "a:b:c" both ways.
	id1 := GenerateDeterministicNodeID("session", "a:b", "c")
	id2 := GenerateDeterministicNodeID("session", "a", "b:c")
	assert.NotEqual(t, id1, id2)
}

func TestGenerateDeterministicNodeID_DistinctInputsDistinctIDs(t *testing.T) {
	ids := map[string]bool{}
	inputs := [][3]string{
		{"sess1.jsonl", "e1", "e2"},
		{"sess1.jsonl", "e1", "e3"},
		{"sess2.jsonl", "e1", "e2"},
		{"sess1.jsonl", "e2", "e3"},
	}
	for _, in := range inputs {
		id := GenerateDeterministicNodeID(in[0], in[1], in[2])
		assert.False(t, ids[id], "unexpected collision for %v", in)
		ids[id] = true
	}
}

func TestGenerateRandomID_Unique(t *testing.T) {
	id1, err := GenerateRandomID()
	require.NoError(t, err)
	id2, err := GenerateRandomID()
	require.NoError(t, err)
	assert.Len(t, id1, NodeIDLength)
	assert.NotEqual(t, id1, id2)
}

func TestEdgeID_HasPrefix(t *testing.T) {
	id, err := EdgeID()
	require.NoError(t, err)
	assert.Regexp(t, `^edg_[0-9a-f]{16}$`, id)
}
