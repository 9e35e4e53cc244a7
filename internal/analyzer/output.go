package analyzer

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/pi-brain/pi-brain/internal/errs"
	"github.com/pi-brain/pi-brain/internal/idgen"
	"github.com/pi-brain/pi-brain/internal/types"
)

// AgentOutput is the analyzer's stdout schema (spec.md §4.5 step 5, §6).
type AgentOutput struct {
	Summary        string              `json:"summary"`
	Type           string              `json:"type"`
	Outcome        string              `json:"outcome"`
	Model          string              `json:"model"`
	Decisions      []string            `json:"decisions"`
	Tags           []string            `json:"tags"`
	Topics         []string            `json:"topics"`
	LessonsByLevel map[string][]string `json:"lessonsByLevel"`
	ModelQuirks    []AgentModelQuirk   `json:"modelQuirks"`
	ToolErrors     []AgentToolError    `json:"toolErrors"`
}

type AgentModelQuirk struct {
	Model     string `json:"model"`
	Summary   string `json:"summary"`
	Frequency int    `json:"frequency"`
	Severity  string `json:"severity"`
}

type AgentToolError struct {
	Tool      string `json:"tool"`
	ErrorType string `json:"errorType"`
	Model     string `json:"model"`
	Summary   string `json:"summary"`
}

var fencedBlock = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// ExtractJSON implements spec.md §4.5 step 4's three-tier parse: raw JSON,
// JSON inside a fenced code block, then the first syntactically valid JSON
// object found by a bracket-balanced scan. Returns PermanentError
// ("validation: unparseable") when none of the three tiers produce valid
// JSON, since retrying an unparseable response never helps.
func ExtractJSON(stdout string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(stdout)

	if json.Valid([]byte(trimmed)) && strings.HasPrefix(trimmed, "{") {
		return json.RawMessage(trimmed), nil
	}

	if m := fencedBlock.FindStringSubmatch(stdout); m != nil {
		if json.Valid([]byte(m[1])) {
			return json.RawMessage(m[1]), nil
		}
	}

	if obj, ok := bracketBalancedScan(stdout); ok {
		return json.RawMessage(obj), nil
	}

	return nil, errs.PermanentError(errs.ReasonValidation, "validation: unparseable: no JSON object found in analyzer stdout")
}

// bracketBalancedScan returns the first substring starting at a '{' that is
// balanced (every '{' matched by a later '}', respecting quoted strings) and
// is itself valid JSON. It tries every '{' in order, since the first one
// need not be the start of the valid object (stray braces can appear in
// surrounding prose).
func bracketBalancedScan(s string) (string, bool) {
	starts := make([]int, 0)
	for i, c := range s {
		if c == '{' {
			starts = append(starts, i)
		}
	}

	for _, start := range starts {
		depth := 0
		inString := false
		escaped := false
		for i := start; i < len(s); i++ {
			c := s[i]
			switch {
			case escaped:
				escaped = false
			case c == '\\' && inString:
				escaped = true
			case c == '"':
				inString = !inString
			case inString:
				// structural characters inside a quoted string don't count
			case c == '{':
				depth++
			case c == '}':
				depth--
				if depth == 0 {
					candidate := s[start : i+1]
					if json.Valid([]byte(candidate)) {
						return candidate, true
					}
					i = len(s) // unbalanced-from-here candidate failed, try next start
				}
			}
		}
	}
	return "", false
}

// ParseOutput unmarshals the extracted JSON into AgentOutput. A malformed
// shape that is nonetheless valid JSON (e.g. an array, or fields of the
// wrong type) fails here rather than in ExtractJSON.
func ParseOutput(raw json.RawMessage) (*AgentOutput, error) {
	var out AgentOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errs.PermanentError(errs.ReasonValidation, "validation: unparseable: %v", err)
	}
	return &out, nil
}

// ValidateSchema implements spec.md §4.5 step 5's structural validation:
// required fields present, type/outcome drawn from the closed enum, arrays
// type-correct. A mismatch is always PermanentError("validation: schema")
// since the analyzer output itself must change, not the daemon's retry.
func ValidateSchema(out *AgentOutput) error {
	if strings.TrimSpace(out.Summary) == "" {
		return errs.PermanentError(errs.ReasonSchema, "validation: schema: summary is required")
	}
	if !types.ValidNodeTypes[types.NodeType(out.Type)] {
		return errs.PermanentError(errs.ReasonSchema, "validation: schema: type %q is not a recognized node type", out.Type)
	}
	if !types.ValidOutcomes[types.Outcome(out.Outcome)] {
		return errs.PermanentError(errs.ReasonSchema, "validation: schema: outcome %q is not a recognized outcome", out.Outcome)
	}
	if out.Decisions == nil {
		return errs.PermanentError(errs.ReasonSchema, "validation: schema: decisions[] is required (may be empty)")
	}
	if out.LessonsByLevel == nil {
		return errs.PermanentError(errs.ReasonSchema, "validation: schema: lessonsByLevel is required (may be empty)")
	}
	for level := range out.LessonsByLevel {
		l := types.LessonLevel(level)
		if l != types.LessonLevelTactical && l != types.LessonLevelStrategic && l != types.LessonLevelSystemic {
			return errs.PermanentError(errs.ReasonSchema, "validation: schema: lessonsByLevel key %q is not a recognized level", level)
		}
	}
	return nil
}

// Context carries everything from the job and the daemon's environment that
// AgentOutputToNode needs but that isn't part of the analyzer's own output.
type Context struct {
	SessionFile      string
	SegmentStart     string
	SegmentEnd       string
	SegmentStartAt   time.Time
	Project          string
	Computer         string
	PromptVersion    string
	PromptText       string
	InputTokens      int
	OutputTokens     int
	CostMicros       int64
	DurationMs       int64
	PreviousVersions []types.NodeVersionRef
	PriorVersion     int // 0 for a brand-new node
}

// AgentOutputToNode implements spec.md §4.5 step 6: fold analyzer output,
// job context, and environment metadata into a full Node with a
// deterministic id, carrying forward any previous versions.
func AgentOutputToNode(out *AgentOutput, ctx Context) *types.Node {
	id := idgen.GenerateDeterministicNodeID(ctx.SessionFile, ctx.SegmentStart, ctx.SegmentEnd)
	now := time.Now().UTC()

	node := &types.Node{
		ID:               id,
		Version:          ctx.PriorVersion + 1,
		SessionFile:      ctx.SessionFile,
		SegmentStart:     ctx.SegmentStart,
		SegmentEnd:       ctx.SegmentEnd,
		SegmentStartAt:   ctx.SegmentStartAt,
		AnalyzedAt:       now,
		Project:          ctx.Project,
		Computer:         ctx.Computer,
		Type:             types.NodeType(out.Type),
		Outcome:          types.Outcome(out.Outcome),
		Model:            out.Model,
		Summary:          out.Summary,
		Decisions:        out.Decisions,
		Tags:             out.Tags,
		Topics:           out.Topics,
		PromptVersion:    ctx.PromptVersion,
		PromptText:       ctx.PromptText,
		InputTokens:      ctx.InputTokens,
		OutputTokens:     ctx.OutputTokens,
		CostMicros:       ctx.CostMicros,
		DurationMs:       ctx.DurationMs,
		PreviousVersions: ctx.PreviousVersions,
	}

	for level, summaries := range out.LessonsByLevel {
		for _, s := range summaries {
			node.Lessons = append(node.Lessons, types.Lesson{
				NodeID:    id,
				Level:     types.LessonLevel(level),
				Summary:   s,
				CreatedAt: now,
			})
		}
	}
	for _, q := range out.ModelQuirks {
		node.ModelQuirks = append(node.ModelQuirks, types.ModelQuirk{
			NodeID: id, Model: q.Model, Summary: q.Summary, Frequency: q.Frequency, Severity: q.Severity, CreatedAt: now,
		})
	}
	for _, te := range out.ToolErrors {
		node.ToolErrors = append(node.ToolErrors, types.ToolError{
			NodeID: id, Tool: te.Tool, ErrorType: te.ErrorType, Model: te.Model, Summary: te.Summary, CreatedAt: now,
		})
	}

	return node
}

// FingerprintToolError matches the stable (tool, errorType, model) key the
// pattern aggregator groups failures by (spec.md §4.7).
func FingerprintToolError(te types.ToolError) string {
	return fmt.Sprintf("%s|%s|%s", te.Tool, te.ErrorType, te.Model)
}
