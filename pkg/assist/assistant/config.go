// Package assistant wires the conversation pipeline: inbound events from
// the channel layer, thread resolution, context selection, completion and
// the rolling summary scheduler.
package assistant

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/GTFB/forlifely-sub005/pkg/assist/channels/discord"
	"github.com/GTFB/forlifely-sub005/pkg/assist/channels/telegram"
	"github.com/GTFB/forlifely-sub005/pkg/assist/channels/whatsapp"
	"github.com/GTFB/forlifely-sub005/pkg/assist/store"
)

// ProviderKeyNames maps provider IDs to their standard API key variable
// names.
var ProviderKeyNames = map[string]string{
	"openai":     "OPENAI_API_KEY",
	"anthropic":  "ANTHROPIC_API_KEY",
	"groq":       "GROQ_API_KEY",
	"mistral":    "MISTRAL_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
	"deepseek":   "DEEPSEEK_API_KEY",
}

// GetProviderKeyName returns the standard API key variable name for a
// provider. Falls back to "API_KEY" for unknown providers.
func GetProviderKeyName(provider string) string {
	if name, ok := ProviderKeyNames[strings.ToLower(provider)]; ok {
		return name
	}
	return "API_KEY"
}

// Config holds all serving configuration.
type Config struct {
	// Name is the assistant name shown in responses and health output.
	Name string `yaml:"name"`

	// ParticipantID identifies this assistant instance inside message
	// threads. Several instances can share one message store.
	ParticipantID string `yaml:"participant_id"`

	// API configures the LLM provider endpoint.
	API APIConfig `yaml:"api"`

	// Channels configures the messaging channels.
	Channels ChannelsConfig `yaml:"channels"`

	// Database configures the SQLite store.
	Database store.SQLiteConfig `yaml:"database"`

	// Summarizer configures the rolling summary scheduler.
	Summarizer SummarizerConfig `yaml:"summarizer"`

	// Media configures audio transcription.
	Media MediaConfig `yaml:"media"`

	// Retry configures completion retry behavior.
	Retry RetryConfig `yaml:"retry"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// APIConfig configures the LLM provider endpoint and credentials.
type APIConfig struct {
	// BaseURL is the API base URL (OpenAI-compatible endpoint).
	BaseURL string `yaml:"base_url"`

	// APIKey is the authentication key for the provider.
	// Resolved from the OS keyring or environment when empty.
	APIKey string `yaml:"api_key"`

	// Provider hints the provider ("openai", "groq", ...).
	// Auto-detected from base_url if omitted.
	Provider string `yaml:"provider"`
}

// ChannelsConfig holds configuration for all channels.
type ChannelsConfig struct {
	WhatsApp whatsapp.Config `yaml:"whatsapp"`
	Telegram telegram.Config `yaml:"telegram"`
	Discord  discord.Config  `yaml:"discord"`
}

// SummarizerConfig configures the rolling summary scheduler. The cadence
// itself comes from each thread's context length, not from config.
type SummarizerConfig struct {
	// MaxBatch caps how many turns feed a single summarization call.
	// Per-thread settings may override it.
	MaxBatch int `yaml:"max_batch"`

	// Model overrides the completion model for summarization calls.
	// Empty means the thread's own model.
	Model string `yaml:"model"`

	// SweepSchedule is a cron expression for the background pass that
	// retries summaries missed by the inline post-response trigger.
	// Empty disables the sweep.
	SweepSchedule string `yaml:"sweep_schedule"`
}

// MediaConfig configures audio transcription.
type MediaConfig struct {
	// TranscriptionEnabled activates voice message handling.
	TranscriptionEnabled bool `yaml:"transcription_enabled"`

	// TranscriptionModel is the Whisper-compatible model (default
	// "whisper-1").
	TranscriptionModel string `yaml:"transcription_model"`

	// TranscriptionBaseURL overrides the transcription endpoint for
	// providers without a Whisper API.
	TranscriptionBaseURL string `yaml:"transcription_base_url"`

	// TranscriptionAPIKey is a separate key for the transcription
	// endpoint.
	TranscriptionAPIKey string `yaml:"transcription_api_key"`

	// TranscriptionLanguage is an optional language hint (e.g. "pt").
	TranscriptionLanguage string `yaml:"transcription_language"`
}

// RetryConfig configures retry for completion and summarization calls.
type RetryConfig struct {
	// MaxRetries per call (default: 2).
	MaxRetries int `yaml:"max_retries"`

	// InitialBackoffMs is the initial retry delay in ms (default: 1000).
	InitialBackoffMs int `yaml:"initial_backoff_ms"`

	// MaxBackoffMs caps the backoff (default: 30000).
	MaxBackoffMs int `yaml:"max_backoff_ms"`

	// RetryOnStatusCodes lists HTTP codes that trigger retry.
	RetryOnStatusCodes []int `yaml:"retry_on_status_codes"`
}

// Effective returns a copy with default values filled in for zero fields.
func (r RetryConfig) Effective() RetryConfig {
	out := r
	if out.MaxRetries == 0 {
		out.MaxRetries = 2
	}
	if out.InitialBackoffMs == 0 {
		out.InitialBackoffMs = 1000
	}
	if out.MaxBackoffMs == 0 {
		out.MaxBackoffMs = 30000
	}
	if len(out.RetryOnStatusCodes) == 0 {
		out.RetryOnStatusCodes = []int{429, 500, 502, 503, 529}
	}
	return out
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is "debug", "info", "warn" or "error".
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:          "assist",
		ParticipantID: "assistant",
		API: APIConfig{
			BaseURL: "https://api.openai.com/v1",
		},
		Database: store.SQLiteConfig{
			Path:        "./data/assist.db",
			JournalMode: "WAL",
			BusyTimeout: 5000,
		},
		Summarizer: SummarizerConfig{
			MaxBatch:      10,
			SweepSchedule: "*/5 * * * *",
		},
		Media: MediaConfig{
			TranscriptionEnabled: true,
			TranscriptionModel:   "whisper-1",
		},
		Retry:   RetryConfig{}.Effective(),
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// envVarPattern matches ${VAR} and ${VAR:-default} references in config
// values.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// LoadConfigFromFile reads and parses a YAML configuration file.
// .env files are loaded first and ${VAR} references expanded before
// parsing.
func LoadConfigFromFile(path string) (*Config, error) {
	for _, f := range []string{".env", ".env.local"} {
		// godotenv.Load does not overwrite existing env vars.
		_ = godotenv.Load(f)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := ParseConfig([]byte(expandEnvVars(string(data))))
	if err != nil {
		return nil, err
	}

	if cfg.Database.Path != "" && !filepath.IsAbs(cfg.Database.Path) {
		cfg.Database.Path = filepath.Join(filepath.Dir(path), cfg.Database.Path)
	}

	return cfg, nil
}

// ParseConfig parses YAML bytes into a Config, overlaying defaults.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	if cfg.Summarizer.MaxBatch < 1 {
		return nil, fmt.Errorf("summarizer.max_batch must be >= 1, got %d", cfg.Summarizer.MaxBatch)
	}
	return cfg, nil
}

// SaveConfigToFile writes a Config as YAML with restricted permissions.
// The API key is replaced with an env var reference when one matches.
func SaveConfigToFile(cfg *Config, path string) error {
	sanitized := *cfg
	sanitized.API.APIKey = sanitizeSecret(cfg.API.APIKey, GetProviderKeyName(cfg.API.Provider))
	sanitized.Media.TranscriptionAPIKey = sanitizeSecret(cfg.Media.TranscriptionAPIKey, "OPENAI_API_KEY")

	data, err := yaml.Marshal(&sanitized)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// FindConfigFile searches for config files in standard locations.
func FindConfigFile() string {
	candidates := []string{
		"config.yaml",
		"config.yml",
		"assist.yaml",
		"configs/config.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} references with their
// environment values. Unset variables without a default keep the
// placeholder.
func expandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		if val, ok := os.LookupEnv(sub[1]); ok {
			return val
		}
		if sub[2] != "" {
			return sub[2]
		}
		return match
	})
}

// sanitizeSecret replaces a real secret with an env var reference for
// safe storage in config files.
func sanitizeSecret(value, envVar string) string {
	if value == "" || strings.HasPrefix(value, "${") {
		return value
	}
	if os.Getenv(envVar) == value {
		return "${" + envVar + "}"
	}
	return value
}
