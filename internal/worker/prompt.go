package worker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/pi-brain/pi-brain/internal/types"
)

// promptData is the template context RenderPrompt exposes to the analyzer
// prompt file, mirroring the teacher's tier1Data pattern in
// internal/compact/haiku.go.
type promptData struct {
	SessionFile      string
	SegmentStart     string
	SegmentEnd       string
	ReanalysisReason string
	HasPriorNode     bool
	PriorSummary     string
	PriorDecisions   []string
	PriorTags        []string
}

var promptTemplate = template.Must(template.New("analyzer").Parse(`Analyze the coding-agent session segment below and respond with exactly one JSON object.

Session file: {{.SessionFile}}
Segment: {{.SegmentStart}} to {{.SegmentEnd}}
{{if .ReanalysisReason}}Reanalysis reason: {{.ReanalysisReason}}
{{end}}
{{if .HasPriorNode}}Prior analysis of this segment:
Summary: {{.PriorSummary}}
Decisions: {{range .PriorDecisions}}- {{.}}
{{end}}Tags: {{range .PriorTags}}{{.}} {{end}}
{{end}}
Respond with a JSON object containing: summary, type, outcome, model, decisions[], tags[], topics[], lessonsByLevel (tactical/strategic/systemic arrays), modelQuirks[], toolErrors[].`))

// RenderPrompt composes the analyzer prompt from the job context and, on
// reanalysis, the prior node's summary/decisions/tags — per spec.md §4.5
// step 2, prior-node context is optional hint material, not structural
// input the analyzer must echo back.
func RenderPrompt(promptBody string, job *types.Job, priorNode *types.Node) string {
	data := promptData{
		SessionFile:      job.Context.SessionFile,
		SegmentStart:     job.Context.SegmentStart,
		SegmentEnd:       job.Context.SegmentEnd,
		ReanalysisReason: job.Context.ReanalysisReason,
	}
	if priorNode != nil {
		data.HasPriorNode = true
		data.PriorSummary = priorNode.Summary
		data.PriorDecisions = priorNode.Decisions
		data.PriorTags = priorNode.Tags
	}

	var sb strings.Builder
	sb.WriteString(promptBody)
	sb.WriteString("\n\n")
	_ = promptTemplate.Execute(&sb, data)
	return sb.String()
}

// FilePromptLoader reads the analyzer prompt from cfg.Prompt.Path and
// derives its version as the first 12 hex characters of the file's SHA-256,
// archiving each distinct version under HistoryDir once so spec.md §4.8's
// reanalysis scan can always recover the prompt text a node was produced
// against.
type FilePromptLoader struct {
	Path       string
	HistoryDir string
}

func (l *FilePromptLoader) Load() (text, version string, err error) {
	raw, err := os.ReadFile(l.Path)
	if err != nil {
		return "", "", fmt.Errorf("load prompt %s: %w", l.Path, err)
	}
	sum := sha256.Sum256(raw)
	version = hex.EncodeToString(sum[:6])
	text = string(raw)

	if l.HistoryDir != "" {
		if err := l.archive(version, text); err != nil {
			return "", "", err
		}
	}
	return text, version, nil
}

func (l *FilePromptLoader) archive(version, text string) error {
	path := filepath.Join(l.HistoryDir, version+".md")
	if _, err := os.Stat(path); err == nil {
		return nil // already archived, content-addressed so no need to rewrite
	}
	if err := os.MkdirAll(l.HistoryDir, 0o755); err != nil {
		return fmt.Errorf("create prompt history dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(text), 0o644); err != nil {
		return fmt.Errorf("write prompt archive: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("finalize prompt archive: %w", err)
	}
	return nil
}
