package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fraudcore/engine/internal/model"
)

func TestOpenAIProvider_EmbedSingle(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, []string{"amount=10.00 currency=USD"}, req.Input)

		vec := make([]float32, req.Dimensions)
		for i := range vec {
			vec[i] = float32(i) * 0.01
		}
		_ = json.NewEncoder(w).Encode(openAIResponse{
			Data: []struct {
				Embedding []float32 `json:"embedding"`
				Index     int       `json:"index"`
			}{{Embedding: vec, Index: 0}},
		})
	}))
	defer server.Close()

	p, err := NewOpenAIProvider("test-key", "text-embedding-3-small", 8)
	require.NoError(t, err)
	p.baseURL = server.URL

	vec, err := p.Embed(context.Background(), "amount=10.00 currency=USD")
	require.NoError(t, err)
	require.Len(t, vec, 8)
}

func TestOpenAIProvider_ServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	p, err := NewOpenAIProvider("test-key", "text-embedding-3-small", 8)
	require.NoError(t, err)
	p.baseURL = server.URL

	_, err = p.Embed(context.Background(), "text")
	require.Error(t, err)
	require.Equal(t, model.KindUpstreamTransient, model.KindOf(err))
}

func TestOpenAIProvider_ClientErrorIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"type": "invalid_api_key", "message": "bad key"},
		})
	}))
	defer server.Close()

	p, err := NewOpenAIProvider("test-key", "text-embedding-3-small", 8)
	require.NoError(t, err)
	p.baseURL = server.URL

	_, err = p.Embed(context.Background(), "text")
	require.Error(t, err)
	require.Equal(t, model.KindUpstreamPermanent, model.KindOf(err))
}

func TestNewOpenAIProvider_RequiresAPIKey(t *testing.T) {
	_, err := NewOpenAIProvider("", "model", 8)
	require.Error(t, err)
}

func TestNoopProvider_AlwaysErrors(t *testing.T) {
	p := NewNoopProvider(16)
	require.Equal(t, 16, p.Dimensions())
	_, err := p.Embed(context.Background(), "text")
	require.Error(t, err)
}
