package server

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full inboxd configuration.
type Config struct {
	Listen              string          `yaml:"listen"`
	DBPath              string          `yaml:"db_path"`
	Log                 LogConfig       `yaml:"log"`
	Anthropic           AnthropicConfig `yaml:"anthropic"`
	ConfidenceThreshold float64         `yaml:"confidence_threshold"`
	SSE                 SSEConfig       `yaml:"sse"`
	EventRetentionDays  int             `yaml:"event_retention_days"`
	Tokens              []TokenEntry    `yaml:"tokens"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | text
}

// AnthropicConfig configures the LLM classifier. An empty API key falls
// back to the keyword classifier.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// SSEConfig configures the progress stream manager.
type SSEConfig struct {
	MaxAgeMinutes int    `yaml:"max_age_minutes"`
	SweepSpec     string `yaml:"sweep_spec"` // cron spec for the stale-connection sweep
}

// TokenEntry maps a bearer token to a user.
type TokenEntry struct {
	UserID string `yaml:"user_id"`
	Token  string `yaml:"token"`
}

// DefaultConfig returns sane defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen: ":8084",
		DBPath: "inboxd.db",
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		ConfidenceThreshold: 0.5,
		SSE: SSEConfig{
			MaxAgeMinutes: 30,
			SweepSpec:     "*/5 * * * *",
		},
		EventRetentionDays: 30,
	}
}

// LoadConfig reads and parses a YAML config file. Returns DefaultConfig merged with the file.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold must be in [0,1]")
	}
	if c.SSE.MaxAgeMinutes <= 0 {
		return fmt.Errorf("sse.max_age_minutes must be > 0")
	}
	switch c.Log.Format {
	case "json", "text", "":
	default:
		return fmt.Errorf("log.format must be json or text, got %q", c.Log.Format)
	}
	seen := make(map[string]bool, len(c.Tokens))
	for i, t := range c.Tokens {
		if t.UserID == "" {
			return fmt.Errorf("tokens[%d]: user_id is required", i)
		}
		if t.Token == "" {
			return fmt.Errorf("tokens[%d]: token is required", i)
		}
		if seen[t.Token] {
			return fmt.Errorf("tokens[%d]: duplicate token", i)
		}
		seen[t.Token] = true
	}
	return nil
}

// SSEMaxAge returns the maximum progress connection lifetime.
func (c *Config) SSEMaxAge() time.Duration {
	return time.Duration(c.SSE.MaxAgeMinutes) * time.Minute
}
