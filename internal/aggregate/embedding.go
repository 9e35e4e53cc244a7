// Package aggregate implements spec.md §4.7's pattern and insight
// aggregators: fingerprint-keyed grouping of recurring tool failures and
// lessons, and confidence-scored clustering of per-model quirk and tool-error
// observations into higher-order insights. The clustering pass needs a text embedding; its
// client is grounded on the teacher's internal/compact/haiku.go Anthropic
// client idiom (a thin HTTP wrapper with bounded retry), generalized from one
// fixed provider into a pluggable EmbeddingProvider interface since spec.md
// explicitly leaves the embedding backend a swappable implementation detail.
package aggregate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/pi-brain/pi-brain/internal/config"
)

// EmbeddingProvider turns text into a fixed-dimension vector for clustering.
// Implementations must be safe for concurrent use.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	Dimensions() int
}

// NewEmbeddingProvider constructs the provider named by cfg.Provider. An
// unrecognized or empty provider name falls back to the mock provider rather
// than failing boot, since clustering is a best-effort enrichment pass, not a
// load-bearing one; with no provider configured the clustering job still
// runs, on mock embeddings.
func NewEmbeddingProvider(cfg config.EmbeddingConfig) EmbeddingProvider {
	dims := cfg.Dimensions
	if dims <= 0 {
		dims = 256
	}
	switch cfg.Provider {
	case "ollama":
		return &OllamaEmbeddingProvider{baseURL: cfg.BaseURL, model: cfg.Model, dims: dims, client: &http.Client{Timeout: 30 * time.Second}}
	case "openai_compatible":
		return &OpenAICompatibleEmbeddingProvider{baseURL: cfg.BaseURL, apiKey: cfg.APIKey, model: cfg.Model, dims: dims, client: &http.Client{Timeout: 30 * time.Second}}
	default:
		return &MockEmbeddingProvider{dims: dims}
	}
}

func retryHTTP(ctx context.Context, do func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	return backoff.Retry(func() error {
		err := do()
		if err == nil {
			return nil
		}
		var perm *backoff.PermanentError
		if asPermanent(err, &perm) {
			return perm
		}
		return err
	}, policy)
}

func asPermanent(err error, target **backoff.PermanentError) bool {
	p, ok := err.(*backoff.PermanentError)
	if ok {
		*target = p
	}
	return ok
}

// OllamaEmbeddingProvider calls a local Ollama server's /api/embeddings
// endpoint, the teacher's ecosystem default for self-hosted embeddings.
type OllamaEmbeddingProvider struct {
	baseURL string
	model   string
	dims    int
	client  *http.Client
}

func (p *OllamaEmbeddingProvider) Dimensions() int { return p.dims }

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float64 `json:"embedding"`
}

func (p *OllamaEmbeddingProvider) Embed(ctx context.Context, text string) ([]float64, error) {
	var out []float64
	err := retryHTTP(ctx, func() error {
		body, err := json.Marshal(ollamaEmbedRequest{Model: p.model, Prompt: text})
		if err != nil {
			return backoff.Permanent(fmt.Errorf("marshal ollama request: %w", err))
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embeddings", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build ollama request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := p.client.Do(req)
		if err != nil {
			return fmt.Errorf("ollama request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read ollama response: %w", err)
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("ollama embed: status %d: %s", resp.StatusCode, string(raw))
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("ollama embed: status %d: %s", resp.StatusCode, string(raw)))
		}

		var parsed ollamaEmbedResponse
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return backoff.Permanent(fmt.Errorf("unmarshal ollama response: %w", err))
		}
		out = parsed.Embedding
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// OpenAICompatibleEmbeddingProvider calls any OpenAI-compatible
// /v1/embeddings endpoint, the teacher's ecosystem pattern for
// cloud-hosted models reached through a bearer token.
type OpenAICompatibleEmbeddingProvider struct {
	baseURL string
	apiKey  string
	model   string
	dims    int
	client  *http.Client
}

func (p *OpenAICompatibleEmbeddingProvider) Dimensions() int { return p.dims }

type openAIEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

func (p *OpenAICompatibleEmbeddingProvider) Embed(ctx context.Context, text string) ([]float64, error) {
	var out []float64
	err := retryHTTP(ctx, func() error {
		body, err := json.Marshal(openAIEmbedRequest{Model: p.model, Input: text})
		if err != nil {
			return backoff.Permanent(fmt.Errorf("marshal openai request: %w", err))
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/embeddings", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build openai request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		if p.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+p.apiKey)
		}

		resp, err := p.client.Do(req)
		if err != nil {
			return fmt.Errorf("openai request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read openai response: %w", err)
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("openai embed: status %d: %s", resp.StatusCode, string(raw))
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("openai embed: status %d: %s", resp.StatusCode, string(raw)))
		}

		var parsed openAIEmbedResponse
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return backoff.Permanent(fmt.Errorf("unmarshal openai response: %w", err))
		}
		if len(parsed.Data) == 0 {
			return backoff.Permanent(fmt.Errorf("openai embed: empty data"))
		}
		out = parsed.Data[0].Embedding
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MockEmbeddingProvider produces a deterministic pseudo-embedding from a
// text's FNV hash, with no network dependency. It is the default provider so
// clustering exercises its full code path in tests and in environments
// without an embedding backend configured, at the cost of vectors carrying
// no real semantic signal.
type MockEmbeddingProvider struct {
	dims int
}

func (p *MockEmbeddingProvider) Dimensions() int { return p.dims }

func (p *MockEmbeddingProvider) Embed(_ context.Context, text string) ([]float64, error) {
	out := make([]float64, p.dims)
	h := fnv.New64a()
	for i := range out {
		h.Reset()
		_, _ = h.Write([]byte(text))
		_, _ = h.Write([]byte{byte(i), byte(i >> 8)})
		sum := h.Sum64()
		out[i] = (float64(sum%10000) / 10000.0) - 0.5
	}
	return out, nil
}
