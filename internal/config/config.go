package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	DefaultHighCapabilityProvider = "anthropic"
	DefaultHighCapabilityModel    = "claude-sonnet-4-5-20250929"
	DefaultHighCapabilityName     = "Claude"
	DefaultFastProvider           = "gemini"
	DefaultFastModel              = "gemini-2.0-flash"
	DefaultFastName               = "Gemini"
	DefaultMaxTokens              = 4096
	DefaultBackendTimeoutMs       = 60000
	DefaultHost                   = "0.0.0.0"
	DefaultPort                   = 18790
	DefaultWebhookPath            = "/telegram/webhook"
	DefaultHistoryLimit           = 20
	DefaultSimilarityThreshold    = 0.65
	DefaultTopK                   = 2
	DefaultIndexBackend           = "sqlite"
	DefaultEmbeddingProvider      = "gemini"
	DefaultEmbeddingModel         = "text-embedding-004"
	DefaultEmbeddingDimension     = 768
	DefaultEmbeddingTimeoutMs     = 10000
	DefaultSearchTimeoutMs        = 5000
	DefaultDocumentTimeoutMs      = 2000
	DefaultChunkSize              = 4000
	DefaultSendTimeoutMs          = 15000
	DefaultHeartbeatSchedule      = "0 */15 * * * *"
	DefaultCompactionSchedule     = "0 0 3 * * *"
	DefaultLogLevel               = "info"
	DefaultParseMode              = "Markdown"
)

// Provider types accepted for a backend role.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGemini    = "gemini"
)

type Config struct {
	Agent        AgentConfig        `json:"agent"`
	Telegram     TelegramConfig     `json:"telegram"`
	Backends     BackendsConfig     `json:"backends"`
	Memory       MemoryConfig       `json:"memory"`
	Conversation ConversationConfig `json:"conversation"`
	Dispatch     DispatchConfig     `json:"dispatch"`
	Gateway      GatewayConfig      `json:"gateway"`
	Heartbeat    HeartbeatConfig    `json:"heartbeat"`
	Compaction   CompactionConfig   `json:"compaction"`
	Logging      LoggingConfig      `json:"logging"`
}

type AgentConfig struct {
	Workspace    string `json:"workspace"`
	SystemPrompt string `json:"systemPrompt,omitempty"`
}

type TelegramConfig struct {
	Token         string `json:"token"`
	ChatID        int64  `json:"chatId"`
	WebhookSecret string `json:"webhookSecret,omitempty"`
	Proxy         string `json:"proxy,omitempty"`
	APIEndpoint   string `json:"apiEndpoint,omitempty"`
	ParseMode     string `json:"parseMode,omitempty"` // "Markdown", "HTML" or "none"
}

type BackendsConfig struct {
	HighCapability ProviderConfig `json:"highCapability"`
	Fast           ProviderConfig `json:"fast"`
	TimeoutMs      int            `json:"timeoutMs"`
}

type ProviderConfig struct {
	Type      string `json:"type"` // "anthropic", "openai" or "gemini"
	Name      string `json:"name"`
	APIKey    string `json:"apiKey"`
	BaseURL   string `json:"baseUrl,omitempty"`
	Model     string `json:"model"`
	MaxTokens int    `json:"maxTokens,omitempty"`
}

type MemoryConfig struct {
	ActiveDocPath       string          `json:"activeDocPath"`
	Index               string          `json:"index"` // "sqlite" or "chromem"
	IndexPath           string          `json:"indexPath,omitempty"`
	SimilarityThreshold float64         `json:"similarityThreshold"`
	TopK                int             `json:"topK"`
	SearchTimeoutMs     int             `json:"searchTimeoutMs"`
	DocumentTimeoutMs   int             `json:"documentTimeoutMs"`
	Embedding           EmbeddingConfig `json:"embedding"`
}

type EmbeddingConfig struct {
	Provider  string `json:"provider"` // "api", "ollama" or "gemini"
	APIKey    string `json:"apiKey,omitempty"`
	BaseURL   string `json:"baseUrl,omitempty"`
	Model     string `json:"model"`
	Dimension int    `json:"dimension"`
	TimeoutMs int    `json:"timeoutMs"`
}

type ConversationConfig struct {
	DBPath       string `json:"dbPath"`
	HistoryLimit int    `json:"historyLimit"`
}

type DispatchConfig struct {
	ChunkSize     int `json:"chunkSize"`
	SendTimeoutMs int `json:"sendTimeoutMs"`
}

type GatewayConfig struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	WebhookPath string `json:"webhookPath"`
}

type HeartbeatConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule"`
}

type CompactionConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule"`
	LogDir   string `json:"logDir"`
}

type LoggingConfig struct {
	Level string `json:"level"`
	JSON  bool   `json:"json"`
}

func DefaultConfig() *Config {
	dir := ConfigDir()
	workspace := filepath.Join(dir, "workspace")
	return &Config{
		Agent: AgentConfig{
			Workspace: workspace,
		},
		Telegram: TelegramConfig{
			ParseMode: DefaultParseMode,
		},
		Backends: BackendsConfig{
			HighCapability: ProviderConfig{
				Type:      DefaultHighCapabilityProvider,
				Name:      DefaultHighCapabilityName,
				Model:     DefaultHighCapabilityModel,
				MaxTokens: DefaultMaxTokens,
			},
			Fast: ProviderConfig{
				Type:      DefaultFastProvider,
				Name:      DefaultFastName,
				Model:     DefaultFastModel,
				MaxTokens: DefaultMaxTokens,
			},
			TimeoutMs: DefaultBackendTimeoutMs,
		},
		Memory: MemoryConfig{
			ActiveDocPath:       filepath.Join(workspace, "memory", "ACTIVE.md"),
			Index:               DefaultIndexBackend,
			IndexPath:           filepath.Join(dir, "data", "memory.db"),
			SimilarityThreshold: DefaultSimilarityThreshold,
			TopK:                DefaultTopK,
			SearchTimeoutMs:     DefaultSearchTimeoutMs,
			DocumentTimeoutMs:   DefaultDocumentTimeoutMs,
			Embedding: EmbeddingConfig{
				Provider:  DefaultEmbeddingProvider,
				Model:     DefaultEmbeddingModel,
				Dimension: DefaultEmbeddingDimension,
				TimeoutMs: DefaultEmbeddingTimeoutMs,
			},
		},
		Conversation: ConversationConfig{
			DBPath:       filepath.Join(dir, "data", "conversation.db"),
			HistoryLimit: DefaultHistoryLimit,
		},
		Dispatch: DispatchConfig{
			ChunkSize:     DefaultChunkSize,
			SendTimeoutMs: DefaultSendTimeoutMs,
		},
		Gateway: GatewayConfig{
			Host:        DefaultHost,
			Port:        DefaultPort,
			WebhookPath: DefaultWebhookPath,
		},
		Heartbeat: HeartbeatConfig{
			Schedule: DefaultHeartbeatSchedule,
		},
		Compaction: CompactionConfig{
			Schedule: DefaultCompactionSchedule,
			LogDir:   filepath.Join(workspace, "memory", "daily"),
		},
		Logging: LoggingConfig{
			Level: DefaultLogLevel,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".opsclaw")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if token := firstEnv("OPSCLAW_TELEGRAM_TOKEN", "TELEGRAM_BOT_TOKEN"); token != "" {
		cfg.Telegram.Token = token
	}
	if raw := firstEnv("OPSCLAW_TELEGRAM_CHAT_ID", "TELEGRAM_CHAT_ID"); raw != "" {
		if parsed, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64); err == nil {
			cfg.Telegram.ChatID = parsed
		}
	}
	if secret := os.Getenv("OPSCLAW_WEBHOOK_SECRET"); secret != "" {
		cfg.Telegram.WebhookSecret = secret
	}
	if proxy := os.Getenv("OPSCLAW_TELEGRAM_PROXY"); proxy != "" {
		cfg.Telegram.Proxy = proxy
	}

	for _, p := range []*ProviderConfig{&cfg.Backends.HighCapability, &cfg.Backends.Fast} {
		if p.APIKey != "" {
			continue
		}
		switch p.Type {
		case ProviderAnthropic:
			p.APIKey = firstEnv("ANTHROPIC_API_KEY", "ANTHROPIC_AUTH_TOKEN")
		case ProviderOpenAI:
			p.APIKey = os.Getenv("OPENAI_API_KEY")
		case ProviderGemini:
			p.APIKey = firstEnv("GEMINI_API_KEY", "GOOGLE_API_KEY")
		}
	}
	if cfg.Memory.Embedding.APIKey == "" {
		switch cfg.Memory.Embedding.Provider {
		case "gemini":
			cfg.Memory.Embedding.APIKey = firstEnv("GEMINI_API_KEY", "GOOGLE_API_KEY")
		case "api":
			cfg.Memory.Embedding.APIKey = firstEnv("OPSCLAW_EMBEDDING_API_KEY", "OPENAI_API_KEY")
		}
	}

	if raw := os.Getenv("OPSCLAW_SIMILARITY_THRESHOLD"); raw != "" {
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil {
			cfg.Memory.SimilarityThreshold = parsed
		}
	}
	if raw := os.Getenv("OPSCLAW_TOP_K"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			cfg.Memory.TopK = parsed
		}
	}
	if raw := os.Getenv("OPSCLAW_HISTORY_LIMIT"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			cfg.Conversation.HistoryLimit = parsed
		}
	}
	if raw := os.Getenv("OPSCLAW_CHUNK_SIZE"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			cfg.Dispatch.ChunkSize = parsed
		}
	}
	if dbPath := os.Getenv("OPSCLAW_DB_PATH"); dbPath != "" {
		cfg.Conversation.DBPath = dbPath
	}
	if level := os.Getenv("OPSCLAW_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Agent.Workspace == "" {
		cfg.Agent.Workspace = def.Agent.Workspace
	}
	if cfg.Telegram.ParseMode == "" {
		cfg.Telegram.ParseMode = DefaultParseMode
	}
	if cfg.Backends.TimeoutMs <= 0 {
		cfg.Backends.TimeoutMs = DefaultBackendTimeoutMs
	}
	for _, p := range []*ProviderConfig{&cfg.Backends.HighCapability, &cfg.Backends.Fast} {
		if p.MaxTokens <= 0 {
			p.MaxTokens = DefaultMaxTokens
		}
		if p.Name == "" {
			p.Name = p.Model
		}
	}
	if cfg.Memory.SimilarityThreshold <= 0 {
		cfg.Memory.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if cfg.Memory.TopK <= 0 {
		cfg.Memory.TopK = DefaultTopK
	}
	if cfg.Memory.Index == "" {
		cfg.Memory.Index = DefaultIndexBackend
	}
	if cfg.Memory.SearchTimeoutMs <= 0 {
		cfg.Memory.SearchTimeoutMs = DefaultSearchTimeoutMs
	}
	if cfg.Memory.DocumentTimeoutMs <= 0 {
		cfg.Memory.DocumentTimeoutMs = DefaultDocumentTimeoutMs
	}
	if cfg.Memory.Embedding.TimeoutMs <= 0 {
		cfg.Memory.Embedding.TimeoutMs = DefaultEmbeddingTimeoutMs
	}
	if cfg.Conversation.HistoryLimit <= 0 {
		cfg.Conversation.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.Dispatch.ChunkSize <= 0 {
		cfg.Dispatch.ChunkSize = DefaultChunkSize
	}
	if cfg.Dispatch.SendTimeoutMs <= 0 {
		cfg.Dispatch.SendTimeoutMs = DefaultSendTimeoutMs
	}
	if cfg.Gateway.WebhookPath == "" {
		cfg.Gateway.WebhookPath = DefaultWebhookPath
	}
	if cfg.Heartbeat.Schedule == "" {
		cfg.Heartbeat.Schedule = DefaultHeartbeatSchedule
	}
	if cfg.Compaction.Schedule == "" {
		cfg.Compaction.Schedule = DefaultCompactionSchedule
	}
	if cfg.Compaction.LogDir == "" {
		cfg.Compaction.LogDir = filepath.Join(cfg.Agent.Workspace, "memory", "daily")
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLogLevel
	}
}

// Validate reports settings the serve command cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if c.Telegram.Token == "" {
		errs = append(errs, errors.New("telegram token is required"))
	}
	if c.Telegram.ChatID == 0 {
		errs = append(errs, errors.New("telegram chatId is required"))
	}
	for role, p := range map[string]ProviderConfig{
		"highCapability": c.Backends.HighCapability,
		"fast":           c.Backends.Fast,
	} {
		switch p.Type {
		case ProviderAnthropic, ProviderOpenAI, ProviderGemini:
		default:
			errs = append(errs, fmt.Errorf("backends.%s: unknown provider type %q", role, p.Type))
		}
		if p.APIKey == "" {
			errs = append(errs, fmt.Errorf("backends.%s: api key is required", role))
		}
		if p.Model == "" {
			errs = append(errs, fmt.Errorf("backends.%s: model is required", role))
		}
	}
	return errors.Join(errs...)
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return ""
}
