package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"
)

const defaultGeminiEmbeddingModel = "text-embedding-004"

// GeminiEmbedder produces embeddings through the Gemini API.
type GeminiEmbedder struct {
	models      *genai.Models
	model       string
	expectedDim int
	timeout     time.Duration
}

func NewGeminiEmbedder(ctx context.Context, apiKey, model string, dim int, timeout time.Duration) (*GeminiEmbedder, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("gemini embedder: api key is required")
	}
	if model == "" {
		model = defaultGeminiEmbeddingModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini embedder: create client: %w", err)
	}
	return &GeminiEmbedder{models: client.Models, model: model, expectedDim: dim, timeout: timeout}, nil
}

func (g *GeminiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: gemini: empty text", ErrEmbeddingUnavailable)
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	res, err := g.models.EmbedContent(ctx, g.model,
		[]*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: gemini: %v", ErrEmbeddingUnavailable, err)
	}
	if res == nil || len(res.Embeddings) == 0 || res.Embeddings[0] == nil || len(res.Embeddings[0].Values) == 0 {
		return nil, fmt.Errorf("%w: gemini: no embeddings returned", ErrEmbeddingUnavailable)
	}
	vec, err := checkDimension(res.Embeddings[0].Values, g.expectedDim)
	if err != nil {
		return nil, fmt.Errorf("%w: gemini: %v", ErrEmbeddingUnavailable, err)
	}
	return vec, nil
}
