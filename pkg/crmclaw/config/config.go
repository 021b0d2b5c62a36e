// Package config defines all configuration structures for the crmclaw
// service and loads them from config.yaml plus the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all service configuration.
type Config struct {
	// Name is the assistant name shown in replies.
	Name string `yaml:"name"`

	// AccountID is the workspace account this instance serves.
	AccountID string `yaml:"account_id"`

	// Database configures the SQLite database.
	Database DatabaseConfig `yaml:"database"`

	// HTTP configures the webhook/API listener.
	HTTP HTTPConfig `yaml:"http"`

	// Slack configures the chat workspace integration.
	Slack SlackConfig `yaml:"slack"`

	// API configures the LLM provider endpoint.
	API APIConfig `yaml:"api"`

	// Model is the LLM model to use (e.g. "gpt-4o-mini").
	Model string `yaml:"model"`

	// Agent configures the reasoning/tool loop.
	Agent AgentConfig `yaml:"agent"`

	// Queue configures job dispatch and retry.
	Queue QueueConfig `yaml:"queue"`

	// Cache configures the org data caches.
	Cache CacheConfig `yaml:"cache"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	// Level is "debug", "info", "warn", or "error".
	Level string `yaml:"level"`

	// Format is "json" or "text".
	Format string `yaml:"format"`
}

// DatabaseConfig configures the SQLite database location.
type DatabaseConfig struct {
	// Path is the crmclaw.db file path.
	Path string `yaml:"path"`
}

// HTTPConfig configures the HTTP listener.
type HTTPConfig struct {
	// Addr is the listen address (e.g. ":8090").
	Addr string `yaml:"addr"`
}

// SlackConfig configures the Slack integration.
type SlackConfig struct {
	// SigningSecret verifies inbound webhook signatures.
	// Resolved via vault/keyring/env when empty here.
	SigningSecret string `yaml:"signing_secret"`

	// BotToken is the Bot User OAuth Token (xoxb-...) for posting replies.
	BotToken string `yaml:"bot_token"`

	// ReplayWindowSeconds rejects webhook timestamps older than this.
	ReplayWindowSeconds int `yaml:"replay_window_seconds"`

	// DedupResetMinutes clears the event de-duplication set on this interval.
	DedupResetMinutes int `yaml:"dedup_reset_minutes"`
}

// APIConfig configures the LLM provider.
type APIConfig struct {
	// BaseURL is the OpenAI-compatible endpoint base URL.
	BaseURL string `yaml:"base_url"`

	// APIKey authenticates against the provider.
	// Resolved via vault/keyring/env when empty here.
	APIKey string `yaml:"api_key"`
}

// AgentConfig holds reasoning loop parameters.
type AgentConfig struct {
	// MaxTurns caps the number of model/tool rounds per job.
	MaxTurns int `yaml:"max_turns"`

	// LLMCallTimeoutSeconds is the safety-net timeout per model call.
	LLMCallTimeoutSeconds int `yaml:"llm_call_timeout_seconds"`
}

// QueueConfig holds dispatch queue parameters.
type QueueConfig struct {
	// Workers is the number of concurrent job workers.
	Workers int `yaml:"workers"`

	// MaxAttempts is the delivery attempt cap before a job stays failed.
	MaxAttempts int `yaml:"max_attempts"`

	// BackoffBaseSeconds is the base delay for exponential retry backoff.
	BackoffBaseSeconds int `yaml:"backoff_base_seconds"`

	// Retention is how many terminal queue entries to keep before pruning.
	Retention int `yaml:"retention"`

	// InflightTimeoutMinutes is how long a claimed dispatch may stay
	// inflight before maintenance requeues it as orphaned.
	InflightTimeoutMinutes int `yaml:"inflight_timeout_minutes"`

	// PollIntervalSeconds is how often an idle worker polls for work.
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
}

// CacheConfig holds TTLs for the two cache tiers.
type CacheConfig struct {
	// InventoryTTLSeconds is the TTL for org inventory listings.
	InventoryTTLSeconds int `yaml:"inventory_ttl_seconds"`

	// ComponentTTLSeconds is the TTL for full component sources.
	ComponentTTLSeconds int `yaml:"component_ttl_seconds"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:     "crmclaw",
		Database: DatabaseConfig{Path: "./data/crmclaw.db"},
		HTTP:     HTTPConfig{Addr: ":8090"},
		Slack: SlackConfig{
			ReplayWindowSeconds: 300,
			DedupResetMinutes:   10,
		},
		API:   APIConfig{BaseURL: "https://api.openai.com/v1"},
		Model: "gpt-4o-mini",
		Agent: AgentConfig{
			MaxTurns:              10,
			LLMCallTimeoutSeconds: 300,
		},
		Queue: QueueConfig{
			Workers:                3,
			MaxAttempts:            3,
			BackoffBaseSeconds:     30,
			Retention:              100,
			InflightTimeoutMinutes: 15,
			PollIntervalSeconds:    2,
		},
		Cache: CacheConfig{
			InventoryTTLSeconds: 6 * 60 * 60,
			ComponentTTLSeconds: 15 * 60,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads the config file at path, merging over defaults.
// A .env file next to the config is loaded first so ${ENV} style secrets
// resolve without shell setup.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	// Best effort: a missing .env is not an error.
	_ = godotenv.Load(filepath.Join(filepath.Dir(path), ".env"))

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// Save writes the config back to disk as YAML.
func Save(cfg *Config, path string) error {
	if path == "" {
		path = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config %q: %w", path, err)
	}
	return nil
}

// DefaultPath returns the default config file location (~/.crmclaw/config.yaml).
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.yaml"
	}
	return filepath.Join(home, ".crmclaw", "config.yaml")
}

// applyEnvOverrides fills empty secret fields from the environment.
// Vault and keyring resolution happen later in the secrets package;
// env vars are the lowest tier that still beats plaintext YAML being absent.
func applyEnvOverrides(cfg *Config) {
	if cfg.API.APIKey == "" {
		cfg.API.APIKey = os.Getenv("CRMCLAW_API_KEY")
	}
	if cfg.Slack.SigningSecret == "" {
		cfg.Slack.SigningSecret = os.Getenv("SLACK_SIGNING_SECRET")
	}
	if cfg.Slack.BotToken == "" {
		cfg.Slack.BotToken = os.Getenv("SLACK_BOT_TOKEN")
	}
}
