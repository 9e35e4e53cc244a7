// Package types defines the domain entities shared across storage, the
// worker pipeline, the connection discoverer, and the aggregators. Entities
// are referenced by id string rather than by object graph: a Node never
// holds a pointer to its Edges or to other Nodes, so the storage engine
// remains the single owner of the graph and callers materialize only the
// slice they asked for.
package types

import (
	"path/filepath"
	"strconv"
	"time"
)

// NodeType enumerates the kind of coding-agent activity a segment records.
type NodeType string

const (
	NodeTypeCoding       NodeType = "coding"
	NodeTypeDebugging    NodeType = "debugging"
	NodeTypeReview       NodeType = "review"
	NodeTypePlanning     NodeType = "planning"
	NodeTypeResearch     NodeType = "research"
	NodeTypeRefactor     NodeType = "refactor"
	NodeTypeOther        NodeType = "other"
)

// ValidNodeTypes is used by schema validation in the worker pipeline.
var ValidNodeTypes = map[NodeType]bool{
	NodeTypeCoding:    true,
	NodeTypeDebugging: true,
	NodeTypeReview:    true,
	NodeTypePlanning:  true,
	NodeTypeResearch:  true,
	NodeTypeRefactor:  true,
	NodeTypeOther:     true,
}

// Outcome enumerates how a segment concluded.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomePartial  Outcome = "partial"
	OutcomeFailed   Outcome = "failed"
	OutcomeAbandoned Outcome = "abandoned"
)

// ValidOutcomes is used by schema validation in the worker pipeline.
var ValidOutcomes = map[Outcome]bool{
	OutcomeSuccess:   true,
	OutcomePartial:   true,
	OutcomeFailed:    true,
	OutcomeAbandoned: true,
}

// NodeVersionRef is a pointer to a historical version of a node, recorded
// inside the current version's JSON blob so the full lineage is
// reconstructable without a relational history table.
type NodeVersionRef struct {
	Version       int       `json:"version"`
	AnalyzedAt    time.Time `json:"analyzedAt"`
	JSONPath      string    `json:"jsonPath"`
	PromptVersion string    `json:"promptVersion,omitempty"`
	Current       bool      `json:"current"`
}

// Node is one analyzed semantic segment of a session log. The relational
// table keeps a row per version, with is_current marking the latest; the
// latest version's JSON also lists earlier versions in PreviousVersions.
type Node struct {
	ID             string    `json:"id"`
	Version        int       `json:"version"`
	SessionFile    string    `json:"sessionFile"`
	SegmentStart   string    `json:"segmentStart"`
	SegmentEnd     string    `json:"segmentEnd"`
	SegmentStartAt time.Time `json:"segmentStartAt"`
	AnalyzedAt     time.Time `json:"analyzedAt"`
	Project        string    `json:"project"`
	Computer       string    `json:"computer"`
	Type           NodeType  `json:"type"`
	Outcome        Outcome   `json:"outcome"`
	Model          string    `json:"model"`

	Summary   string   `json:"summary"`
	Decisions []string `json:"decisions"`
	Tags      []string `json:"tags"`
	Topics    []string `json:"topics"`

	PromptVersion string `json:"promptVersion"`
	PromptText    string `json:"promptText,omitempty"`

	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
	CostMicros   int64 `json:"costMicros"`
	DurationMs   int64 `json:"durationMs"`

	Lessons         []Lesson         `json:"lessons"`
	ModelQuirks     []ModelQuirk     `json:"modelQuirks"`
	ToolErrors      []ToolError      `json:"toolErrors"`
	DaemonDecisions []DaemonDecision `json:"daemonDecisions,omitempty"`

	PreviousVersions []NodeVersionRef `json:"previousVersions,omitempty"`
}

// JSONPath computes the authoritative on-disk path for this node's current
// version, relative to the store's data directory:
// nodes/YYYY/MM/<id>-v<version>.json
func (n *Node) JSONPath() string {
	return NodeJSONPath(n.ID, n.Version, n.AnalyzedAt)
}

// NodeJSONPath computes the path independent of a materialized Node, for
// callers (e.g. JSONStore.Write) that only have the identity triple.
func NodeJSONPath(id string, version int, analyzedAt time.Time) string {
	return filepath.Join("nodes",
		analyzedAt.UTC().Format("2006"),
		analyzedAt.UTC().Format("01"),
		id+"-v"+strconv.Itoa(version)+".json",
	)
}

// LessonLevel is the severity/scope tier of a Lesson.
type LessonLevel string

const (
	LessonLevelTactical  LessonLevel = "tactical"
	LessonLevelStrategic LessonLevel = "strategic"
	LessonLevelSystemic  LessonLevel = "systemic"
)

// Lesson is a free-form structured observation attached to a node.
type Lesson struct {
	ID        string      `json:"id"`
	NodeID    string      `json:"nodeId"`
	Level     LessonLevel `json:"level"`
	Summary   string      `json:"summary"`
	Tags      []string    `json:"tags"`
	CreatedAt time.Time   `json:"createdAt"`
}

// ModelQuirk records a model-specific behavioral observation.
type ModelQuirk struct {
	ID        string    `json:"id"`
	NodeID    string    `json:"nodeId"`
	Model     string    `json:"model"`
	Summary   string    `json:"summary"`
	Frequency int       `json:"frequency"`
	Severity  string    `json:"severity"`
	CreatedAt time.Time `json:"createdAt"`
}

// ToolError records a tool invocation failure observed during the session.
type ToolError struct {
	ID        string    `json:"id"`
	NodeID    string    `json:"nodeId"`
	Tool      string    `json:"tool"`
	ErrorType string    `json:"errorType"`
	Model     string    `json:"model"`
	Summary   string    `json:"summary"`
	CreatedAt time.Time `json:"createdAt"`
}

// DaemonDecision records an operational decision the daemon itself made
// while processing a node (e.g. which predecessor edges it linked).
type DaemonDecision struct {
	ID        string    `json:"id"`
	NodeID    string    `json:"nodeId"`
	Component string    `json:"component"` // watcher|worker|scheduler|discoverer|aggregator
	Summary   string    `json:"summary"`
	CreatedAt time.Time `json:"createdAt"`
}
