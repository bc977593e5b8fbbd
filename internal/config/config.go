// Package config loads todo-maistro configuration from MAISTRO_ prefixed
// environment variables.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
)

// Prefix is the environment variable prefix used by Load.
const Prefix = "MAISTRO"

// Stream strategies.
const (
	TransportSSE  = "sse"
	TransportWS   = "ws"
	TransportBody = "body"
)

// Job brokers of the development backend.
const (
	BrokerMemory = "memory"
	BrokerRedis  = "redis"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Chat client
	BaseURL        string        `envconfig:"BASE_URL" default:"http://localhost:8000"`
	WSURL          string        `envconfig:"WS_URL"` // defaults to BaseURL with a ws scheme
	UserID         string        `envconfig:"USER_ID" default:"demo-user"`
	Transport      string        `envconfig:"TRANSPORT" default:"sse"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`
	ChunkSize      int           `envconfig:"CHUNK_SIZE" default:"4096"`
	MaxRecord      int           `envconfig:"MAX_RECORD" default:"1048576"`
	TodoTimeout    time.Duration `envconfig:"TODO_TIMEOUT" default:"10s"`
	Width          int           `envconfig:"WIDTH" default:"100"`
	MetricsAddr    string        `envconfig:"METRICS_ADDR"` // serves client /metrics when set

	// Development backend
	ListenAddr        string        `envconfig:"LISTEN_ADDR" default:":8000"`
	WSListenAddr      string        `envconfig:"WS_LISTEN_ADDR" default:":8001"`
	CORSOrigins       string        `envconfig:"CORS_ORIGINS" default:"*"`
	Broker            string        `envconfig:"BROKER" default:"memory"`
	RedisAddr         string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword     string        `envconfig:"REDIS_PASSWORD"`
	RedisDB           int           `envconfig:"REDIS_DB" default:"0"`
	DBPath            string        `envconfig:"DB_PATH" default:"maistro.db"`
	JobTTL            time.Duration `envconfig:"JOB_TTL" default:"1h"`
	Workers           int           `envconfig:"WORKERS" default:"4"`
	QueueSize         int           `envconfig:"QUEUE_SIZE" default:"100"`
	KeepaliveInterval time.Duration `envconfig:"KEEPALIVE_INTERVAL" default:"15s"`
	ChunkDelay        time.Duration `envconfig:"CHUNK_DELAY" default:"40ms"`
	ScriptPath        string        `envconfig:"SCRIPT_PATH"`
}

// IsDevelopment reports whether human-readable console logging is wanted.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, "development")
}

// Level parses LogLevel, falling back to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Validate checks values envconfig cannot.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportSSE, TransportWS, TransportBody:
	default:
		return fmt.Errorf("invalid transport %q, expected sse, ws or body", c.Transport)
	}
	switch c.Broker {
	case BrokerMemory, BrokerRedis:
	default:
		return fmt.Errorf("invalid broker %q, expected memory or redis", c.Broker)
	}
	if _, err := url.ParseRequestURI(c.BaseURL); err != nil {
		return fmt.Errorf("invalid base url: %w", err)
	}
	if c.WSURL != "" {
		if _, err := url.ParseRequestURI(c.WSURL); err != nil {
			return fmt.Errorf("invalid ws url: %w", err)
		}
	}
	if c.UserID == "" {
		return fmt.Errorf("user id must not be empty")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	return nil
}

// Load reads configuration from MAISTRO_ environment variables.
func Load() (*Config, error) {
	return LoadWithPrefix(Prefix)
}

// LoadWithPrefix reads configuration with a prefix.
func LoadWithPrefix(prefix string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config with prefix %s: %w", prefix, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &cfg, nil
}
