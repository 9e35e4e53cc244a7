package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pi-brain/pi-brain/internal/config"
)

func TestRequestValidate(t *testing.T) {
	assert.Error(t, (Request{}).Validate())
	assert.Error(t, (Request{Prompt: "p"}).Validate())
	assert.NoError(t, (Request{Prompt: "p", SessionFile: "s.jsonl"}).Validate())
}

func TestFirstLine(t *testing.T) {
	assert.Equal(t, "rate limit exceeded", firstLine("rate limit exceeded\nretry after 30s\n"))
	assert.Equal(t, "(no stderr output)", firstLine("   \n  "))
}

func TestCheckEnvironment_MissingBinary(t *testing.T) {
	cfg := config.AnalyzerConfig{Binary: "pi-brain-analyzer-definitely-not-on-path"}
	err := CheckEnvironment(cfg, nil)
	assert.Error(t, err)
}

func TestCheckEnvironment_MissingRequiredSkill(t *testing.T) {
	cfg := config.AnalyzerConfig{Binary: "sh", RequiredSkills: []string{"needed-skill"}}
	err := CheckEnvironment(cfg, map[string]bool{"other-skill": true})
	assert.Error(t, err)
}
