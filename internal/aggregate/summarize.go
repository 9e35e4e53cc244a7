package aggregate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"
)

// Summarizer turns a set of related observation texts into a single
// higher-level insight summary. It is optional: an InsightAggregator with no
// Summarizer configured falls back to the first member's raw text, which is
// always correct, just less readable.
type Summarizer interface {
	Summarize(ctx context.Context, model, insightType string, texts []string) (string, error)
}

// AnthropicSummarizer synthesizes an insight summary via the Anthropic
// Messages API. Grounded on the teacher's internal/compact/haiku.go client
// (same single-user-message, bounded-max-tokens call shape), with the
// teacher's OpenTelemetry span/metric instrumentation and audit-log dropped:
// pi-brain's own instrumentation is internal/metrics, not otel, and there is
// no issue-tracker audit trail in this domain for an LLM call to attach to.
// Retry uses cenkalti/backoff/v4, the same library internal/aggregate's
// embedding providers already use, rather than
// the teacher's own hand-rolled exponential-backoff loop.
type AnthropicSummarizer struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropicSummarizer builds a summarizer against modelName (e.g.
// "claude-haiku-4-5"), taking the API key from the ANTHROPIC_API_KEY
// environment variable when it is set and from apiKey otherwise, matching the
// teacher's own env-var-overrides-config precedence for this credential.
func NewAnthropicSummarizer(apiKey, modelName string) (*AnthropicSummarizer, error) {
	if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" {
		apiKey = envKey
	}
	if apiKey == "" {
		return nil, fmt.Errorf("aggregate: anthropic summarizer requires an API key")
	}
	if modelName == "" {
		modelName = "claude-haiku-4-5"
	}
	return &AnthropicSummarizer{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(modelName),
	}, nil
}

func (s *AnthropicSummarizer) Summarize(ctx context.Context, model, insightType string, texts []string) (string, error) {
	prompt := buildSummarizePrompt(model, insightType, texts)

	var out string
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	err := backoff.Retry(func() error {
		msg, err := s.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     s.model,
			MaxTokens: 256,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if err != nil {
			if isRetryableAnthropicError(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if len(msg.Content) == 0 || msg.Content[0].Type != "text" {
			return backoff.Permanent(fmt.Errorf("aggregate: summarize %s/%s: unexpected response shape", model, insightType))
		}
		out = strings.TrimSpace(msg.Content[0].Text)
		return nil
	}, policy)
	if err != nil {
		return "", fmt.Errorf("aggregate: summarize %s/%s: %w", model, insightType, err)
	}
	return out, nil
}

func buildSummarizePrompt(model, insightType string, texts []string) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("These are %d related observations about model %q (category: %s), pulled from separate coding sessions:\n\n", len(texts), model, insightType))
	for i, t := range texts {
		b.WriteString(fmt.Sprintf("%d. %s\n", i+1, t))
	}
	b.WriteString("\nWrite one sentence summarizing the recurring pattern these observations share. No preamble.")
	return b.String()
}

// isRetryableAnthropicError treats timeouts and the API's own retryable
// status codes as transient; everything else (bad request, auth failure) is
// permanent, mirroring internal/errs.classify's retryable/terminal split.
func isRetryableAnthropicError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return true
}

// memberTexts collects the first n texts from a cluster's observations, the
// input Summarize needs; kept here rather than in clustering.go since it's
// purely a Summarizer-call convenience, not clustering logic.
func memberTexts(obs []observation, members []int, limit int) []string {
	if limit <= 0 || limit > len(members) {
		limit = len(members)
	}
	out := make([]string, 0, limit)
	for _, idx := range members[:limit] {
		out = append(out, obs[idx].text)
	}
	return out
}
