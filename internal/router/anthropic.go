package router

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/stellarlinkco/opsclaw/internal/config"
)

type AnthropicBackend struct {
	name      string
	model     string
	maxTokens int64
	client    anthropic.Client
}

func NewAnthropicBackend(cfg config.ProviderConfig) *AnthropicBackend {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = config.DefaultMaxTokens
	}
	return &AnthropicBackend{
		name:      labelOr(cfg, "anthropic"),
		model:     cfg.Model,
		maxTokens: int64(maxTokens),
		client:    anthropic.NewClient(opts...),
	}
}

func (b *AnthropicBackend) Name() string     { return b.name }
func (b *AnthropicBackend) Provider() string { return config.ProviderAnthropic }
func (b *AnthropicBackend) Model() string    { return b.model }

func (b *AnthropicBackend) Complete(ctx context.Context, req Request) (string, error) {
	turns := req.Conversation()
	msgs := make([]anthropic.MessageParam, 0, len(turns))
	for _, t := range turns {
		block := anthropic.NewTextBlock(t.Text)
		if t.Role == RoleAssistant {
			msgs = append(msgs, anthropic.NewAssistantMessage(block))
		} else {
			msgs = append(msgs, anthropic.NewUserMessage(block))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(b.model),
		MaxTokens: b.maxTokens,
		Messages:  msgs,
	}
	if strings.TrimSpace(req.System) != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	resp, err := b.client.Messages.New(ctx, params)
	if err != nil {
		return "", backendError(b.name, err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	reply := strings.TrimSpace(sb.String())
	if reply == "" {
		return "", backendError(b.name, ErrEmptyReply)
	}
	return reply, nil
}
