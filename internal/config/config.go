// Package config loads server configuration from the environment, with
// an optional .env file for development. Priority: env vars > .env file
// > struct defaults.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all recognised server options.
type Config struct {
	// Server basics
	Host string `env:"HELENE_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"HELENE_PORT" envDefault:"3000"`

	// CORS origin allowlist. Empty means same-origin only; "*" admits
	// every origin.
	Origins []string `env:"HELENE_ORIGINS" envSeparator:","`

	// Rate limiting (per remote address sliding window)
	RateLimitMax    int           `env:"HELENE_RATE_LIMIT_MAX" envDefault:"120"`
	RateLimitWindow time.Duration `env:"HELENE_RATE_LIMIT_WINDOW" envDefault:"60s"`

	// Heartbeat and idleness
	HeartbeatInterval time.Duration `env:"HELENE_HEARTBEAT_INTERVAL" envDefault:"10s"`
	TerminationFactor int           `env:"HELENE_TERMINATION_FACTOR" envDefault:"2"`

	// Deadlines
	CallTimeout time.Duration `env:"HELENE_CALL_TIMEOUT" envDefault:"15s"`
	SSEGrace    time.Duration `env:"HELENE_SSE_GRACE" envDefault:"5s"`

	// Cluster bus
	BusURL       string `env:"HELENE_BUS_URL"`
	BusNamespace string `env:"HELENE_BUS_NAMESPACE" envDefault:"helene"`

	// Auth
	TokenSecret string `env:"HELENE_TOKEN_SECRET"`

	// Register the server as the process-wide reachable instance.
	GlobalInstance bool `env:"HELENE_GLOBAL_INSTANCE" envDefault:"false"`

	// Debug attaches stacks to INTERNAL_ERROR frames.
	Debug bool `env:"HELENE_DEBUG" envDefault:"false"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from a .env file (optional) and environment
// variables, then validates.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("HELENE_PORT must be 1-65535, got %d", c.Port)
	}
	if c.RateLimitMax < 1 {
		return fmt.Errorf("HELENE_RATE_LIMIT_MAX must be > 0, got %d", c.RateLimitMax)
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("HELENE_RATE_LIMIT_WINDOW must be > 0, got %s", c.RateLimitWindow)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HELENE_HEARTBEAT_INTERVAL must be > 0, got %s", c.HeartbeatInterval)
	}
	if c.TerminationFactor < 1 {
		return fmt.Errorf("HELENE_TERMINATION_FACTOR must be >= 1, got %d", c.TerminationFactor)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LogConfig dumps the effective configuration with structured fields.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr()).
		Strs("origins", c.Origins).
		Int("rate_limit_max", c.RateLimitMax).
		Dur("rate_limit_window", c.RateLimitWindow).
		Dur("heartbeat_interval", c.HeartbeatInterval).
		Int("termination_factor", c.TerminationFactor).
		Dur("call_timeout", c.CallTimeout).
		Dur("sse_grace", c.SSEGrace).
		Str("bus_url", c.BusURL).
		Str("bus_namespace", c.BusNamespace).
		Bool("global_instance", c.GlobalInstance).
		Bool("debug", c.Debug).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("server configuration loaded")
}
