package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all hub configuration.
//
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr string `env:"EMBERHUB_ADDR" envDefault:":3210"`

	// HTTP limits
	MaxBodyBytes int64 `env:"MAX_BODY_BYTES" envDefault:"1000000"`

	// WebSocket capacity (0 = unlimited)
	MaxWSConnections int `env:"MAX_WS_CONNECTIONS" envDefault:"0"`
	MaxWSPerAddress  int `env:"MAX_WS_PER_ADDRESS" envDefault:"0"`

	// Inbound WS message rate limiting, per client address
	MessageRatePerSec float64 `env:"WS_MESSAGE_RATE" envDefault:"50"`
	MessageBurst      int     `env:"WS_MESSAGE_BURST" envDefault:"200"`

	// CORS: comma list of origins, or "*" for permissive
	CORSOrigins string `env:"CORS_ORIGINS" envDefault:"*"`

	// Friend API shared secret. Empty disables the friend API (503).
	FriendAPISecret string `env:"FRIEND_API_SECRET"`

	// Optional backends
	SQLURL            string `env:"SQL_URL"`
	KVURL             string `env:"KV_URL"`
	KVPresenceTTLSecs int    `env:"KV_PRESENCE_TTL_SECS" envDefault:"90"`

	// Timeouts
	HTTPReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
	HTTPWriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
	ShutdownGrace    time.Duration `env:"SHUTDOWN_GRACE" envDefault:"30s"`

	// Garbage collection cadence for events and invite tokens
	GCInterval time.Duration `env:"GC_INTERVAL" envDefault:"1h"`

	// Monitoring
	StatusSampleInterval time.Duration `env:"STATUS_SAMPLE_INTERVAL" envDefault:"5s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; production supplies real env vars.
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
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
	if c.Addr == "" {
		return fmt.Errorf("EMBERHUB_ADDR is required")
	}
	if c.MaxBodyBytes < 1 {
		return fmt.Errorf("MAX_BODY_BYTES must be > 0, got %d", c.MaxBodyBytes)
	}
	if c.MaxWSConnections < 0 {
		return fmt.Errorf("MAX_WS_CONNECTIONS must be >= 0, got %d", c.MaxWSConnections)
	}
	if c.MaxWSPerAddress < 0 {
		return fmt.Errorf("MAX_WS_PER_ADDRESS must be >= 0, got %d", c.MaxWSPerAddress)
	}
	if c.MessageRatePerSec <= 0 {
		return fmt.Errorf("WS_MESSAGE_RATE must be > 0, got %f", c.MessageRatePerSec)
	}
	if c.MessageBurst < 1 {
		return fmt.Errorf("WS_MESSAGE_BURST must be > 0, got %d", c.MessageBurst)
	}
	if c.KVPresenceTTLSecs < 1 {
		return fmt.Errorf("KV_PRESENCE_TTL_SECS must be > 0, got %d", c.KVPresenceTTLSecs)
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

// CORSOriginList splits CORS_ORIGINS into trimmed entries.
// A single "*" entry means permissive.
func (c *Config) CORSOriginList() []string {
	out := []string{}
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if trimmed := strings.TrimSpace(o); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// KVPresenceTTL returns the presence TTL as a duration.
func (c *Config) KVPresenceTTL() time.Duration {
	return time.Duration(c.KVPresenceTTLSecs) * time.Second
}

// LogConfig logs configuration using structured logging.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr).
		Int64("max_body_bytes", c.MaxBodyBytes).
		Int("max_ws_connections", c.MaxWSConnections).
		Int("max_ws_per_address", c.MaxWSPerAddress).
		Float64("message_rate", c.MessageRatePerSec).
		Int("message_burst", c.MessageBurst).
		Str("cors_origins", c.CORSOrigins).
		Bool("friend_api_enabled", c.FriendAPISecret != "").
		Bool("sql_enabled", c.SQLURL != "").
		Bool("kv_enabled", c.KVURL != "").
		Int("kv_presence_ttl_secs", c.KVPresenceTTLSecs).
		Dur("gc_interval", c.GCInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Hub configuration loaded")
}
