package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/stellarlinkco/opsclaw/internal/config"
)

const (
	EmbeddingProviderAPI    = "api"
	EmbeddingProviderOllama = "ollama"
	EmbeddingProviderGemini = "gemini"
	EmbeddingProviderHash   = "hash"

	defaultOllamaBaseURL = "http://127.0.0.1:11434"
)

// ErrEmbeddingUnavailable wraps every embedding failure. Callers treat it as
// routine and skip semantic recall.
var ErrEmbeddingUnavailable = errors.New("embedding unavailable")

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// NewEmbedder picks the client for cfg.Provider.
func NewEmbedder(ctx context.Context, cfg config.EmbeddingConfig) (Embedder, error) {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Duration(config.DefaultEmbeddingTimeoutMs) * time.Millisecond
	}

	switch provider := strings.ToLower(strings.TrimSpace(cfg.Provider)); provider {
	case "", EmbeddingProviderGemini:
		e, err := NewGeminiEmbedder(ctx, cfg.APIKey, cfg.Model, cfg.Dimension, timeout)
		if err != nil {
			return nil, err
		}
		return e, nil
	case EmbeddingProviderAPI, EmbeddingProviderOllama:
		return newHTTPEmbedder(provider, cfg, timeout), nil
	case EmbeddingProviderHash:
		return NewHashEmbedder(cfg.Dimension), nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", provider)
	}
}

// httpEmbedder talks to an OpenAI-compatible /v1/embeddings endpoint.
type httpEmbedder struct {
	provider    string
	baseURL     string
	apiKey      string
	model       string
	expectedDim int
	timeout     time.Duration
	httpClient  *http.Client
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func newHTTPEmbedder(provider string, cfg config.EmbeddingConfig, timeout time.Duration) *httpEmbedder {
	e := &httpEmbedder{
		provider:    provider,
		baseURL:     strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:      strings.TrimSpace(cfg.APIKey),
		model:       strings.TrimSpace(cfg.Model),
		expectedDim: cfg.Dimension,
		timeout:     timeout,
		httpClient:  &http.Client{},
	}
	if provider == EmbeddingProviderOllama && e.baseURL == "" {
		e.baseURL = defaultOllamaBaseURL
	}
	return e
}

func (e *httpEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrEmbeddingUnavailable, e.provider, err)
	}
	return vec, nil
}

func (e *httpEmbedder) embed(ctx context.Context, text string) ([]float32, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("empty text")
	}
	if e.model == "" {
		return nil, errors.New("missing embedding model")
	}
	if e.baseURL == "" {
		return nil, errors.New("missing embedding base url")
	}
	if e.provider == EmbeddingProviderAPI && e.apiKey == "" {
		return nil, errors.New("missing embedding api key")
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	payload, err := json.Marshal(embeddingRequest{Model: e.model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("embedding http %d: %s", resp.StatusCode, truncate(strings.TrimSpace(string(body)), 200))
	}

	var decoded embeddingResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Data) == 0 || len(decoded.Data[0].Embedding) == 0 {
		return nil, errors.New("empty embeddings data")
	}
	return checkDimension(decoded.Data[0].Embedding, e.expectedDim)
}

func checkDimension(vec []float32, want int) ([]float32, error) {
	if want > 0 && len(vec) != want {
		return nil, fmt.Errorf("embedding dimension: got %d want %d", len(vec), want)
	}
	out := make([]float32, len(vec))
	copy(out, vec)
	return out, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
