// Package embedding implements the Embedding Provider (C3): turning a
// transaction into a fixed-length vector via an external embedding API.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fraudcore/engine/internal/model"
)

// maxResponseBody caps how much of an embedding API response we'll read.
const maxResponseBody = 10 * 1024 * 1024

// Provider implements the C3 public contract: embed(text) -> vec[d],
// where d is a fixed, advertised dimension. Implementations must be
// deterministic w.r.t. input text (at least within a cache window) and
// idempotent; failures are classified into model.KindUpstreamTransient
// (the caller gives it one bounded retry — see stage2.retryOnceTransient,
// which is independent of the Postgres-specific storage.WithRetry) or
// model.KindUpstreamPermanent (surface, proceed with zero neighbors).
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

const openAIEmbeddingsURL = "https://api.openai.com/v1/embeddings"

// OpenAIProvider calls the OpenAI embeddings endpoint.
type OpenAIProvider struct {
	apiKey     string
	model      string
	httpClient *http.Client
	dimensions int
	baseURL    string
}

// NewOpenAIProvider constructs an OpenAIProvider. dimensions must match
// the model's advertised output size (e.g. 1536 for text-embedding-3-small).
func NewOpenAIProvider(apiKey, model string, dimensions int) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("embedding: OpenAI API key is required")
	}
	if dimensions <= 0 {
		dimensions = 1536
	}
	return &OpenAIProvider{
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		dimensions: dimensions,
		baseURL:    openAIEmbeddingsURL,
	}, nil
}

func (p *OpenAIProvider) Dimensions() int { return p.dimensions }

type openAIRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type openAIResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Embed calls the OpenAI embeddings endpoint for a single text.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	reqBody, err := json.Marshal(openAIRequest{Input: []string{text}, Model: p.model, Dimensions: p.dimensions})
	if err != nil {
		return nil, model.NewError(model.KindInternal, "embedding: marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, model.NewError(model.KindInternal, "embedding: create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, model.NewError(model.KindUpstreamTransient, "embedding: send request", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, model.NewError(model.KindUpstreamTransient, "embedding: read response", err)
	}

	if resp.StatusCode >= 500 {
		return nil, model.NewError(model.KindUpstreamTransient, "embedding: server error",
			fmt.Errorf("status %d: %s", resp.StatusCode, string(body)))
	}
	if resp.StatusCode != http.StatusOK {
		var errResp openAIResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != nil {
			return nil, model.NewError(model.KindUpstreamPermanent, "embedding: openai error",
				fmt.Errorf("%s: %s", errResp.Error.Type, errResp.Error.Message))
		}
		return nil, model.NewError(model.KindUpstreamPermanent, "embedding: unexpected status",
			fmt.Errorf("status %d: %s", resp.StatusCode, string(body)))
	}

	var result openAIResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, model.NewError(model.KindUpstreamPermanent, "embedding: unmarshal response", err)
	}
	if len(result.Data) != 1 {
		return nil, model.NewError(model.KindUpstreamPermanent, "embedding: unexpected result count",
			fmt.Errorf("expected 1 embedding, got %d", len(result.Data)))
	}
	return result.Data[0].Embedding, nil
}

// NoopProvider returns an error unconditionally. It is the zero-dependency
// fallback used in tests and when no embedding API key is configured —
// Stage-2 then proceeds with zero retrieved neighbors and relies on the
// LLM only, per spec §8's vector-index-empty boundary behavior.
type NoopProvider struct {
	dims int
}

func NewNoopProvider(dims int) *NoopProvider { return &NoopProvider{dims: dims} }

func (p *NoopProvider) Dimensions() int { return p.dims }

func (p *NoopProvider) Embed(_ context.Context, _ string) ([]float32, error) {
	return nil, model.NewError(model.KindUpstreamPermanent, "embedding: noop provider", errNoProvider)
}

var errNoProvider = fmt.Errorf("no embedding provider configured")
