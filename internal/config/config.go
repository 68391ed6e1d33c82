package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"NewsPipeline/internal/domain"
)

const (
	configPathEnv     = "NEWS_PIPELINE_CONFIG"
	databaseDriverEnv = "DATABASE_DRIVER"
	databaseDSNEnv    = "DATABASE_DSN"
	chatGPTAPIKeyEnv  = "CHATGPT_API_KEY"
	chatGPTModelEnv   = "CHATGPT_MODEL"
	geminiAPIKeyEnv   = "GEMINI_API_KEY"
	geminiModelEnv    = "GEMINI_MODEL"
	telegramTokenEnv  = "TELEGRAM_BOT_TOKEN"
	telegramChatIDEnv = "TELEGRAM_CHAT_ID"
	logLevelEnv       = "LOG_LEVEL"

	// ProviderGemini and ProviderChatGPT select the generation backend.
	ProviderGemini  = "gemini"
	ProviderChatGPT = "chatgpt"
)

// Config holds high-level settings required across the application.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Generator  GeneratorConfig  `yaml:"generator"`
	ChatGPT    ChatGPTConfig    `yaml:"chatgpt"`
	Gemini     GeminiConfig     `yaml:"gemini"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Logging    LoggingConfig    `yaml:"logging"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Filter     FilterConfig     `yaml:"filter"`
	Sources    []SourceConfig   `yaml:"sources"`
	Keywords   []string         `yaml:"keywords"`
}

// DatabaseConfig selects the SQL driver and connection string.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// PipelineConfig tunes the orchestrator, queue and background loops.
type PipelineConfig struct {
	Workers             int           `yaml:"workers"`
	ClaimInterval       time.Duration `yaml:"claimInterval"`
	TickInterval        time.Duration `yaml:"tickInterval"`
	DefaultPollInterval time.Duration `yaml:"defaultPollInterval"`
	FetchLimit          int           `yaml:"fetchLimit"`
	FetchTimeout        time.Duration `yaml:"fetchTimeout"`
	GenerateTimeout     time.Duration `yaml:"generateTimeout"`
	PublishTimeout      time.Duration `yaml:"publishTimeout"`
	VisibilityTimeout   time.Duration `yaml:"visibilityTimeout"`
	MaxDeliveries       int           `yaml:"maxDeliveries"`
	LeaseTTL            time.Duration `yaml:"leaseTtl"`
	DedupeWindow        time.Duration `yaml:"dedupeWindow"`
	NewItemGrace        time.Duration `yaml:"newItemGrace"`
	StaleAfter          time.Duration `yaml:"staleAfter"`
	UnhealthyThreshold  int           `yaml:"unhealthyThreshold"`
	AutoPublish         bool          `yaml:"autoPublish"`
	PublishDelay        time.Duration `yaml:"publishDelay"`
	PublishBatch        int           `yaml:"publishBatch"`
	Generate            RetryConfig   `yaml:"generateRetry"`
	Publish             RetryConfig   `yaml:"publishRetry"`
}

// RetryConfig is an exponential backoff policy with an attempt budget.
type RetryConfig struct {
	MaxAttempts int           `yaml:"maxAttempts"`
	Base        time.Duration `yaml:"base"`
	Multiplier  float64       `yaml:"multiplier"`
	Cap         time.Duration `yaml:"cap"`
}

// GeneratorConfig picks the provider and its shared limits.
type GeneratorConfig struct {
	// Provider is gemini or chatgpt; empty picks the first one with a key.
	Provider     string        `yaml:"provider"`
	MinInterval  time.Duration `yaml:"minInterval"`
	SystemPrompt string        `yaml:"systemPrompt"`
}

// ChatGPTConfig defines how to contact an OpenAI-compatible API.
type ChatGPTConfig struct {
	Endpoint string `yaml:"endpoint"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"apiKey"`
}

// GeminiConfig holds Gemini credentials.
type GeminiConfig struct {
	APIKey string `yaml:"apiKey"`
	Model  string `yaml:"model"`
}

// TelegramConfig wires all data required to send messages.
type TelegramConfig struct {
	BotToken    string        `yaml:"botToken"`
	ChatID      string        `yaml:"chatId"`
	APIBase     string        `yaml:"apiBase"`
	PreviewBase string        `yaml:"previewBase"`
	MinInterval time.Duration `yaml:"minInterval"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// FilterConfig narrows screening beyond keywords. Sources are referenced by id or name.
type FilterConfig struct {
	Language       string   `yaml:"language"`
	IncludeSources []string `yaml:"includeSources"`
	ExcludeSources []string `yaml:"excludeSources"`
}

// MonitoringConfig exposes /health and /metrics; an empty address disables it.
type MonitoringConfig struct {
	Addr string `yaml:"addr"`
}

// SourceConfig seeds one source into the registry.
type SourceConfig struct {
	Name         string            `yaml:"name"`
	Type         string            `yaml:"type"`
	Address      string            `yaml:"address"`
	Enabled      *bool             `yaml:"enabled"`
	PollInterval time.Duration     `yaml:"pollInterval"`
	Options      map[string]string `yaml:"options"`
}

// IsEnabled defaults missing flags to true.
func (s SourceConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Load reads YAML configuration (if present) over defaults and applies environment overrides.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv(configPathEnv); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := Parse(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, cfg.Validate()
}

// Parse decodes YAML on top of the values already in cfg.
func Parse(raw []byte, cfg *Config) error {
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return domain.Configuration("decode yaml", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(databaseDriverEnv); v != "" {
		c.Database.Driver = v
	}

	if v := os.Getenv(databaseDSNEnv); v != "" {
		c.Database.DSN = v
	}

	if v := os.Getenv(telegramTokenEnv); v != "" {
		c.Telegram.BotToken = v
	}

	if v := os.Getenv(telegramChatIDEnv); v != "" {
		c.Telegram.ChatID = v
	}

	if v := os.Getenv(chatGPTAPIKeyEnv); v != "" {
		c.ChatGPT.APIKey = v
	}

	if v := os.Getenv(chatGPTModelEnv); v != "" {
		c.ChatGPT.Model = v
	}

	if v := os.Getenv(geminiAPIKeyEnv); v != "" {
		c.Gemini.APIKey = v
	}

	if v := os.Getenv(geminiModelEnv); v != "" {
		c.Gemini.Model = v
	}

	if v := os.Getenv(logLevelEnv); v != "" {
		c.Logging.Level = v
	}
}

// Validate reports every inconsistency at once as configuration errors.
func (c Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch strings.ToLower(c.Database.Driver) {
	case "postgres", "sqlite":
	default:
		fail("database.driver %q must be postgres or sqlite", c.Database.Driver)
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		fail("database.dsn is required")
	}

	p := c.Pipeline
	if p.Workers < 1 {
		fail("pipeline.workers must be at least 1")
	}
	if p.MaxDeliveries < 1 {
		fail("pipeline.maxDeliveries must be at least 1")
	}
	for name, d := range map[string]time.Duration{
		"claimInterval": p.ClaimInterval,
		"tickInterval":  p.TickInterval,
		"leaseTtl":      p.LeaseTTL,
		"dedupeWindow":  p.DedupeWindow,
		"staleAfter":    p.StaleAfter,
	} {
		if d <= 0 {
			fail("pipeline.%s must be positive", name)
		}
	}
	for name, d := range map[string]time.Duration{
		"fetchTimeout":    p.FetchTimeout,
		"generateTimeout": p.GenerateTimeout,
		"publishTimeout":  p.PublishTimeout,
	} {
		if d <= 0 || d >= p.VisibilityTimeout {
			fail("pipeline.%s (%s) must be positive and shorter than visibilityTimeout (%s)", name, d, p.VisibilityTimeout)
		}
	}
	if p.StaleAfter > 0 && p.StaleAfter <= max(p.GenerateTimeout, p.PublishTimeout) {
		fail("pipeline.staleAfter must exceed the generate and publish timeouts")
	}
	for name, r := range map[string]RetryConfig{"generateRetry": p.Generate, "publishRetry": p.Publish} {
		if r.MaxAttempts < 1 || r.Base <= 0 || r.Multiplier < 1 || r.Cap < r.Base {
			fail("pipeline.%s needs maxAttempts >= 1, base > 0, multiplier >= 1 and cap >= base", name)
		}
	}

	if lang := strings.ToLower(strings.TrimSpace(c.Filter.Language)); lang != "" && !isLanguageCode(lang) {
		fail("filter.language %q must be a two-letter ISO 639-1 code", c.Filter.Language)
	}
	for _, ref := range c.Filter.IncludeSources {
		for _, excluded := range c.Filter.ExcludeSources {
			if strings.EqualFold(strings.TrimSpace(ref), strings.TrimSpace(excluded)) {
				fail("filter source %q is both included and excluded", ref)
			}
		}
	}

	switch c.Generator.Provider {
	case "", ProviderGemini, ProviderChatGPT:
	default:
		fail("generator.provider %q must be gemini or chatgpt", c.Generator.Provider)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		fail("logging.format %q must be text or json", c.Logging.Format)
	}

	if len(errs) == 0 {
		return nil
	}
	return domain.Configuration("validate config", errors.Join(errs...))
}

func isLanguageCode(code string) bool {
	if len(code) != 2 {
		return false
	}
	for _, r := range code {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return true
}

// Default returns a configuration that runs locally against SQLite.
func Default() Config {
	return Config{
		Database: DatabaseConfig{Driver: "sqlite", DSN: "news.db"},
		Pipeline: PipelineConfig{
			Workers:             4,
			ClaimInterval:       time.Second,
			TickInterval:        time.Minute,
			DefaultPollInterval: 30 * time.Minute,
			FetchLimit:          100,
			FetchTimeout:        30 * time.Second,
			GenerateTimeout:     60 * time.Second,
			PublishTimeout:      30 * time.Second,
			VisibilityTimeout:   5 * time.Minute,
			MaxDeliveries:       5,
			LeaseTTL:            5 * time.Minute,
			DedupeWindow:        72 * time.Hour,
			NewItemGrace:        2 * time.Minute,
			StaleAfter:          10 * time.Minute,
			UnhealthyThreshold:  3,
			AutoPublish:         true,
			PublishDelay:        time.Minute,
			PublishBatch:        10,
			Generate:            RetryConfig{MaxAttempts: 3, Base: time.Minute, Multiplier: 2, Cap: 30 * time.Minute},
			Publish:             RetryConfig{MaxAttempts: 3, Base: 2 * time.Minute, Multiplier: 2, Cap: 30 * time.Minute},
		},
		Generator: GeneratorConfig{MinInterval: time.Second},
		ChatGPT: ChatGPTConfig{
			Endpoint: "https://api.openai.com/v1/chat/completions",
			Model:    "gpt-4o-mini",
		},
		Gemini: GeminiConfig{Model: "gemini-1.5-flash"},
		Telegram: TelegramConfig{
			APIBase:     "https://api.telegram.org",
			PreviewBase: "https://t.me",
			MinInterval: 3 * time.Second,
		},
		Logging:    LoggingConfig{Level: "info", Format: "text"},
		Monitoring: MonitoringConfig{Addr: ":8080"},
	}
}
