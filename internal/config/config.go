// Package config loads broker configuration from environment variables
// (and an optional .env file), mirroring the teacher's config.go:
// struct tags drive defaults and parsing, with a Validate pass and a
// structured LogConfig for startup diagnostics.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds broker-wide settings not passed as CLI flags. CLI flags
// (see cmd/dimed) take precedence over these when both are supplied.
type Config struct {
	// Logging
	LogLevel  string `env:"DIME_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"DIME_LOG_FORMAT" envDefault:"json"`

	// Mailbox backpressure (spec.md §5): 0 disables the corresponding cap.
	MailboxMaxItems int `env:"DIME_MAILBOX_MAX_ITEMS" envDefault:"10000"`
	MailboxMaxBytes int `env:"DIME_MAILBOX_MAX_BYTES" envDefault:"268435456"` // 256MiB

	// Per-client inbound command rate limiting.
	CommandRateBurst    int     `env:"DIME_COMMAND_RATE_BURST" envDefault:"200"`
	CommandRatePerSec   float64 `env:"DIME_COMMAND_RATE_PER_SEC" envDefault:"50"`

	// Framing limits (spec.md §4.1).
	MaxFrameBodyBytes uint32 `env:"DIME_MAX_FRAME_BODY_BYTES" envDefault:"536870912"` // 512MiB

	// Process memory sampling (ambient health observability).
	MemoryLimitBytes int64         `env:"DIME_MEMORY_LIMIT_BYTES" envDefault:"0"`
	MemorySampleEvery time.Duration `env:"DIME_MEMORY_SAMPLE_INTERVAL" envDefault:"30s"`

	// Prometheus /metrics endpoint; empty disables it.
	MetricsAddr string `env:"DIME_METRICS_ADDR" envDefault:":9090"`
}

// Load reads configuration from an optional .env file and the process
// environment. Priority: ENV vars > .env file > struct defaults.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// Absence of a .env file is fine. The error is discarded
		// here, so parse or permission failures are not reported
		// either.
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("dime: parse configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("dime: invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks range and enum constraints that struct tags can't.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("DIME_LOG_LEVEL must be one of debug, info, warn, error (got %q)", c.LogLevel)
	}

	validFormats := map[string]bool{"json": true, "console": true, "pretty": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("DIME_LOG_FORMAT must be one of json, console, pretty (got %q)", c.LogFormat)
	}

	if c.CommandRateBurst < 1 {
		return fmt.Errorf("DIME_COMMAND_RATE_BURST must be > 0, got %d", c.CommandRateBurst)
	}
	if c.CommandRatePerSec <= 0 {
		return fmt.Errorf("DIME_COMMAND_RATE_PER_SEC must be > 0, got %f", c.CommandRatePerSec)
	}

	return nil
}

// LogConfig emits the loaded configuration as a single structured log
// line, for startup diagnostics.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Int("mailbox_max_items", c.MailboxMaxItems).
		Int("mailbox_max_bytes", c.MailboxMaxBytes).
		Int("command_rate_burst", c.CommandRateBurst).
		Float64("command_rate_per_sec", c.CommandRatePerSec).
		Uint32("max_frame_body_bytes", c.MaxFrameBodyBytes).
		Str("metrics_addr", c.MetricsAddr).
		Msg("configuration loaded")
}
