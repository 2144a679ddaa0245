package router

import (
	"context"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/stellarlinkco/opsclaw/internal/config"
)

type OpenAIBackend struct {
	name      string
	model     string
	maxTokens int64
	client    openai.Client
}

func NewOpenAIBackend(cfg config.ProviderConfig) *OpenAIBackend {
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
	return &OpenAIBackend{
		name:      labelOr(cfg, "openai"),
		model:     cfg.Model,
		maxTokens: int64(maxTokens),
		client:    openai.NewClient(opts...),
	}
}

func (b *OpenAIBackend) Name() string     { return b.name }
func (b *OpenAIBackend) Provider() string { return config.ProviderOpenAI }
func (b *OpenAIBackend) Model() string    { return b.model }

func (b *OpenAIBackend) Complete(ctx context.Context, req Request) (string, error) {
	turns := req.Conversation()
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns)+1)
	if strings.TrimSpace(req.System) != "" {
		msgs = append(msgs, openai.SystemMessage(req.System))
	}
	for _, t := range turns {
		if t.Role == RoleAssistant {
			msgs = append(msgs, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					Content: openai.ChatCompletionAssistantMessageParamContentUnion{
						OfString: openai.String(t.Text),
					},
				},
			})
			continue
		}
		msgs = append(msgs, openai.UserMessage(t.Text))
	}

	completion, err := b.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(b.model),
		Messages:            msgs,
		MaxCompletionTokens: openai.Int(b.maxTokens),
	})
	if err != nil {
		return "", backendError(b.name, err)
	}
	if len(completion.Choices) == 0 {
		return "", backendError(b.name, ErrEmptyReply)
	}
	reply := strings.TrimSpace(completion.Choices[0].Message.Content)
	if reply == "" {
		return "", backendError(b.name, ErrEmptyReply)
	}
	return reply, nil
}
