package analyzer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pi-brain/pi-brain/internal/types"
)

func TestExtractJSON_Raw(t *testing.T) {
	raw, err := ExtractJSON(`{"summary":"did X","type":"coding"}`)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "did X")
}

func TestExtractJSON_Fenced(t *testing.T) {
	stdout := "Here is the result:\n```json\n{\"summary\":\"fixed it\",\"type\":\"debugging\"}\n```\nDone."
	raw, err := ExtractJSON(stdout)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "fixed it")
}

func TestExtractJSON_BracketBalancedScan(t *testing.T) {
	stdout := `Some preamble with a stray } brace. {"summary":"nested {curly} text","type":"coding"} trailing notes`
	raw, err := ExtractJSON(stdout)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "nested {curly} text")
}

func TestExtractJSON_Unparseable(t *testing.T) {
	_, err := ExtractJSON("no json here at all")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unparseable")
}

func TestValidateSchema(t *testing.T) {
	valid := &AgentOutput{
		Summary:        "did X",
		Type:           "coding",
		Outcome:        "success",
		Decisions:      []string{},
		LessonsByLevel: map[string][]string{"tactical": {"lesson"}},
	}
	require.NoError(t, ValidateSchema(valid))

	missingSummary := *valid
	missingSummary.Summary = ""
	assert.Error(t, ValidateSchema(&missingSummary))

	badType := *valid
	badType.Type = "not-a-type"
	assert.Error(t, ValidateSchema(&badType))

	badOutcome := *valid
	badOutcome.Outcome = "not-an-outcome"
	assert.Error(t, ValidateSchema(&badOutcome))

	noDecisions := *valid
	noDecisions.Decisions = nil
	assert.Error(t, ValidateSchema(&noDecisions))

	badLevel := *valid
	badLevel.LessonsByLevel = map[string][]string{"bogus": {"x"}}
	assert.Error(t, ValidateSchema(&badLevel))
}

func TestAgentOutputToNode(t *testing.T) {
	out := &AgentOutput{
		Summary:        "fixed a flaky test",
		Type:           "debugging",
		Outcome:        "success",
		Model:          "claude-sonnet",
		Decisions:      []string{"retried with backoff"},
		Tags:           []string{"testing"},
		LessonsByLevel: map[string][]string{"tactical": {"add jitter"}},
		ToolErrors: []AgentToolError{
			{Tool: "pytest", ErrorType: "timeout", Model: "claude-sonnet", Summary: "timed out"},
		},
	}
	ctx := Context{
		SessionFile:    "sessions/a.jsonl",
		SegmentStart:   "e1",
		SegmentEnd:     "e9",
		SegmentStartAt: time.Now().UTC(),
		Project:        "pi-brain",
		Computer:       "host-1",
		PromptVersion:  "v1",
	}

	node := AgentOutputToNode(out, ctx)
	assert.NotEmpty(t, node.ID)
	assert.Equal(t, 1, node.Version)
	assert.Equal(t, types.NodeTypeDebugging, node.Type)
	assert.Len(t, node.Lessons, 1)
	assert.Equal(t, "add jitter", node.Lessons[0].Summary)
	assert.Len(t, node.ToolErrors, 1)

	// Deterministic id: same segment boundaries always produce the same id,
	// which is what makes reanalysis an idempotent upsert rather than a dup.
	again := AgentOutputToNode(out, ctx)
	assert.Equal(t, node.ID, again.ID)
}

func TestAgentOutputToNode_CarriesPreviousVersions(t *testing.T) {
	out := &AgentOutput{
		Summary: "revised", Type: "coding", Outcome: "success",
		Decisions: []string{}, LessonsByLevel: map[string][]string{},
	}
	ctx := Context{
		SessionFile: "s.jsonl", SegmentStart: "e1", SegmentEnd: "e2",
		PriorVersion: 1,
		PreviousVersions: []types.NodeVersionRef{
			{Version: 1, JSONPath: "nodes/2026/01/abc-v1.json"},
		},
	}
	node := AgentOutputToNode(out, ctx)
	assert.Equal(t, 2, node.Version)
	require.Len(t, node.PreviousVersions, 1)
	assert.Equal(t, 1, node.PreviousVersions[0].Version)
}
