package memory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/opsclaw/internal/config"
)

func embeddingServer(t *testing.T, status int, vec []float32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/embeddings", r.URL.Path)

		var body embeddingRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "embed-test", body.Model)
		assert.Equal(t, "hello embedder", body.Input)

		if status != http.StatusOK {
			http.Error(w, "upstream down", status)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"index": 0, "embedding": vec}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPEmbedderAPI(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"index": 0, "embedding": []float32{0.1, 0.2, 0.3}}},
		})
	}))
	defer srv.Close()

	e, err := NewEmbedder(context.Background(), config.EmbeddingConfig{
		Provider: "api", BaseURL: srv.URL + "/", APIKey: "k-1", Model: "embed-test", Dimension: 3,
	})
	require.NoError(t, err)

	vec, err := e.Embed(context.Background(), "  hello embedder ")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
	assert.Equal(t, "Bearer k-1", gotAuth)
}

func TestHTTPEmbedderOllamaNoAuth(t *testing.T) {
	srv := embeddingServer(t, http.StatusOK, []float32{1, 0})
	e, err := NewEmbedder(context.Background(), config.EmbeddingConfig{
		Provider: "ollama", BaseURL: srv.URL, Model: "embed-test",
	})
	require.NoError(t, err)

	vec, err := e.Embed(context.Background(), "hello embedder")
	require.NoError(t, err)
	assert.Len(t, vec, 2)
}

func TestHTTPEmbedderFailuresAreUnavailable(t *testing.T) {
	cases := map[string]struct {
		status int
		vec    []float32
		dim    int
	}{
		"http error":         {status: http.StatusBadGateway},
		"dimension mismatch": {status: http.StatusOK, vec: []float32{1, 2}, dim: 3},
		"empty vector":       {status: http.StatusOK, vec: []float32{}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			srv := embeddingServer(t, tc.status, tc.vec)
			e, err := NewEmbedder(context.Background(), config.EmbeddingConfig{
				Provider: "api", BaseURL: srv.URL, APIKey: "k", Model: "embed-test", Dimension: tc.dim,
			})
			require.NoError(t, err)
			_, err = e.Embed(context.Background(), "hello embedder")
			require.ErrorIs(t, err, ErrEmbeddingUnavailable)
		})
	}
}

func TestHTTPEmbedderTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	e, err := NewEmbedder(context.Background(), config.EmbeddingConfig{
		Provider: "api", BaseURL: srv.URL, APIKey: "k", Model: "m", TimeoutMs: 50,
	})
	require.NoError(t, err)

	start := time.Now()
	_, err = e.Embed(context.Background(), "slow")
	require.ErrorIs(t, err, ErrEmbeddingUnavailable)
	assert.Less(t, time.Since(start), time.Second)
}

func TestHTTPEmbedderMissingSettings(t *testing.T) {
	e, err := NewEmbedder(context.Background(), config.EmbeddingConfig{Provider: "api", Model: "m"})
	require.NoError(t, err)
	_, err = e.Embed(context.Background(), "x")
	require.ErrorIs(t, err, ErrEmbeddingUnavailable)
	assert.Contains(t, err.Error(), "base url")

	_, err = e.Embed(context.Background(), "   ")
	require.ErrorIs(t, err, ErrEmbeddingUnavailable)
}

func TestNewEmbedderUnknownProvider(t *testing.T) {
	_, err := NewEmbedder(context.Background(), config.EmbeddingConfig{Provider: "word2vec"})
	require.Error(t, err)
}

func TestNewGeminiEmbedderRequiresKey(t *testing.T) {
	_, err := NewEmbedder(context.Background(), config.EmbeddingConfig{Provider: "gemini"})
	require.Error(t, err)
}

func TestHashEmbedderDeterministic(t *testing.T) {
	e := NewHashEmbedder(16)
	a, err := e.Embed(context.Background(), "same text")
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), "same text")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 16)

	score, err := CosineSimilarity(a, b)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, score, 1e-6)

	_, err = e.Embed(context.Background(), "")
	require.ErrorIs(t, err, ErrEmbeddingUnavailable)
}
