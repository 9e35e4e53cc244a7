package aggregate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildSummarizePrompt_IncludesModelAndTexts(t *testing.T) {
	prompt := buildSummarizePrompt("claude-sonnet", "model_quirk", []string{"rewrites unrelated code", "ignores lint errors"})
	assert.Contains(t, prompt, "claude-sonnet")
	assert.Contains(t, prompt, "model_quirk")
	assert.Contains(t, prompt, "1. rewrites unrelated code")
	assert.Contains(t, prompt, "2. ignores lint errors")
}

func TestIsRetryableAnthropicError_ContextErrorsAreNotRetryable(t *testing.T) {
	assert.False(t, isRetryableAnthropicError(context.Canceled))
	assert.False(t, isRetryableAnthropicError(context.DeadlineExceeded))
}

func TestIsRetryableAnthropicError_UnknownErrorsAreRetryable(t *testing.T) {
	assert.True(t, isRetryableAnthropicError(errors.New("connection reset")))
}

func TestNewAnthropicSummarizer_RequiresAPIKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	_, err := NewAnthropicSummarizer("", "claude-haiku-4-5")
	assert.Error(t, err)
}
