package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stellarlinkco/opsclaw/internal/config"
)

// ErrBackend wraps every failed backend call.
var ErrBackend = errors.New("backend failure")

// ErrEmptyReply is reported when a backend answers with no text.
var ErrEmptyReply = errors.New("empty reply")

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Turn struct {
	Role Role
	Text string
}

// Request is one model call: system prompt, prior turns and the new message.
type Request struct {
	System  string
	History []Turn
	Message string
}

// Backend is one language-model provider.
type Backend interface {
	Name() string
	Complete(ctx context.Context, req Request) (string, error)
}

// Describer is implemented by backends that can report provider and model.
type Describer interface {
	Provider() string
	Model() string
}

// NewBackend builds the backend for one configured role.
func NewBackend(ctx context.Context, cfg config.ProviderConfig) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case config.ProviderAnthropic:
		return NewAnthropicBackend(cfg), nil
	case config.ProviderOpenAI:
		return NewOpenAIBackend(cfg), nil
	case config.ProviderGemini:
		b, err := NewGeminiBackend(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unsupported backend type %q", cfg.Type)
	}
}

// Conversation returns History followed by Message as alternating turns that
// start with a user turn. Consecutive same-role turns are merged and leading
// assistant turns dropped.
func (r Request) Conversation() []Turn {
	out := make([]Turn, 0, len(r.History)+1)
	add := func(t Turn) {
		text := strings.TrimSpace(t.Text)
		if text == "" {
			return
		}
		if len(out) == 0 && t.Role != RoleUser {
			return
		}
		if n := len(out); n > 0 && out[n-1].Role == t.Role {
			out[n-1].Text += "\n\n" + text
			return
		}
		out = append(out, Turn{Role: t.Role, Text: text})
	}
	for _, t := range r.History {
		add(t)
	}
	add(Turn{Role: RoleUser, Text: r.Message})
	return out
}

func backendError(name string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrBackend, name, err)
}

func labelOr(cfg config.ProviderConfig, fallback string) string {
	if cfg.Name != "" {
		return cfg.Name
	}
	if cfg.Model != "" {
		return cfg.Model
	}
	return fallback
}
