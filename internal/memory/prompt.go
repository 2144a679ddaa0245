package memory

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/stellarlinkco/opsclaw/internal/config"
)

// DefaultBasePrompt is used when neither the config nor the workspace
// provides one.
const DefaultBasePrompt = `You are the operations assistant for the directory website. You answer the site operator over Telegram.
Be direct and concrete. Prefer short answers unless the operator asks for depth.
When you are unsure about site state, say so instead of guessing.`

// BasePrompt assembles the fixed part of the system prompt: the configured
// prompt, else the workspace AGENTS.md and SOUL.md, else DefaultBasePrompt.
func BasePrompt(cfg config.AgentConfig) string {
	if p := strings.TrimSpace(cfg.SystemPrompt); p != "" {
		return p
	}

	var parts []string
	for _, name := range []string{"AGENTS.md", "SOUL.md"} {
		data, err := os.ReadFile(filepath.Join(cfg.Workspace, name))
		if err != nil {
			continue
		}
		if s := strings.TrimSpace(string(data)); s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return DefaultBasePrompt
	}
	return strings.Join(parts, "\n\n")
}
