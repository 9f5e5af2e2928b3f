package common

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Queue      QueueConfig                `toml:"queue"`
	Retry      RetryConfig                `toml:"retry"`
	Pool       PoolConfig                 `toml:"pool"`
	Debug      DebugConfig                `toml:"debug"`
	Logging    LoggingConfig              `toml:"logging"`
	LLM        LLMConfig                  `toml:"llm"`
	RateLimits map[string]RateLimitConfig `toml:"rate_limits"` // keyed by provider name
}

// QueueConfig tunes request admission and dispatch
type QueueConfig struct {
	Concurrency int `toml:"concurrency" validate:"min=1"` // Max simultaneously dispatched tasks
}

// RetryConfig holds the defaults applied to retried provider calls
type RetryConfig struct {
	MaxRetries   int    `toml:"max_retries" validate:"min=1"`
	Backoff      string `toml:"backoff" validate:"oneof=exponential linear fixed"`
	InitialDelay string `toml:"initial_delay"` // e.g. "1s"
	MaxDelay     string `toml:"max_delay"`     // e.g. "30s"
	Jitter       bool   `toml:"jitter"`
}

// PoolConfig tunes the per-provider connection pool
type PoolConfig struct {
	MaxConnectionsPerProvider int    `toml:"max_connections_per_provider" validate:"min=1"`
	IdleTimeout               string `toml:"idle_timeout"`          // e.g. "30s"
	HealthCheckInterval       string `toml:"health_check_interval"` // e.g. "60s"
	AcquireTimeout            string `toml:"acquire_timeout"`       // e.g. "10s"
}

// DebugConfig controls the debug event recorder
type DebugConfig struct {
	Enabled bool     `toml:"enabled"`
	Filters []string `toml:"filters"` // Event types to record. Empty records everything.
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs (default: "15:04:05")
}

// LLMConfig holds the active provider/model selection
type LLMConfig struct {
	DefaultProvider string `toml:"default_provider"`
	DefaultModel    string `toml:"default_model"`
}

// RateLimitConfig is a caller-enforced budget for one provider.
// The queue itself does not throttle; the orchestrator consults these
// budgets ahead of dispatch.
type RateLimitConfig struct {
	RequestsPerMinute int `toml:"requests_per_minute" validate:"min=0"`
	TokensPerMinute   int `toml:"tokens_per_minute" validate:"min=0"`
}

// DefaultConfig returns a configuration with all defaults applied
func DefaultConfig() *Config {
	return &Config{
		Queue: QueueConfig{
			Concurrency: 3,
		},
		Retry: RetryConfig{
			MaxRetries:   3,
			Backoff:      "exponential",
			InitialDelay: "1s",
			MaxDelay:     "30s",
			Jitter:       true,
		},
		Pool: PoolConfig{
			MaxConnectionsPerProvider: 5,
			IdleTimeout:               "30s",
			HealthCheckInterval:       "60s",
			AcquireTimeout:            "10s",
		},
		Debug: DebugConfig{
			Enabled: false,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout"},
			TimeFormat: "15:04:05",
		},
		LLM: LLMConfig{
			DefaultProvider: "claude",
			DefaultModel:    "claude-sonnet-4",
		},
		RateLimits: map[string]RateLimitConfig{},
	}
}

// LoadFromFiles loads configuration starting from defaults, then applying
// each file in order. Later files override earlier ones. An empty path list
// returns validated defaults.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := DefaultConfig()

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks field constraints and duration formats
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Duration fields are strings in TOML; verify they parse
	durations := map[string]string{
		"retry.initial_delay":        c.Retry.InitialDelay,
		"retry.max_delay":            c.Retry.MaxDelay,
		"pool.idle_timeout":          c.Pool.IdleTimeout,
		"pool.health_check_interval": c.Pool.HealthCheckInterval,
		"pool.acquire_timeout":       c.Pool.AcquireTimeout,
	}
	for field, value := range durations {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration for %s: %w", field, err)
		}
	}

	return nil
}

// ParseDurationOr parses a duration string, returning the fallback when the
// string is empty or malformed.
func ParseDurationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
