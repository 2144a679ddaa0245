package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/stellarlinkco/opsclaw/internal/config"
)

type GeminiBackend struct {
	name      string
	model     string
	maxTokens int32
	models    *genai.Models
}

func NewGeminiBackend(ctx context.Context, cfg config.ProviderConfig) (*GeminiBackend, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("gemini backend: api key is required")
	}
	cc := &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini backend: create client: %w", err)
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = config.DefaultMaxTokens
	}
	return &GeminiBackend{
		name:      labelOr(cfg, "gemini"),
		model:     cfg.Model,
		maxTokens: int32(maxTokens),
		models:    client.Models,
	}, nil
}

func (b *GeminiBackend) Name() string     { return b.name }
func (b *GeminiBackend) Provider() string { return config.ProviderGemini }
func (b *GeminiBackend) Model() string    { return b.model }

func (b *GeminiBackend) Complete(ctx context.Context, req Request) (string, error) {
	turns := req.Conversation()
	contents := make([]*genai.Content, 0, len(turns))
	for _, t := range turns {
		role := genai.Role(genai.RoleUser)
		if t.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(t.Text, role))
	}

	cfg := &genai.GenerateContentConfig{MaxOutputTokens: b.maxTokens}
	if strings.TrimSpace(req.System) != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}

	resp, err := b.models.GenerateContent(ctx, b.model, contents, cfg)
	if err != nil {
		return "", backendError(b.name, err)
	}

	var sb strings.Builder
	if resp != nil && len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if part != nil {
				sb.WriteString(part.Text)
			}
		}
	}
	reply := strings.TrimSpace(sb.String())
	if reply == "" {
		return "", backendError(b.name, ErrEmptyReply)
	}
	return reply, nil
}
