// Package config provides configuration management with hot-reload support.
// It uses fsnotify to watch for file changes and atomic pointer swaps for zero-downtime updates.
package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/recallgate/recallgate/internal/cache/store"
	"github.com/recallgate/recallgate/internal/eligibility"
	"github.com/recallgate/recallgate/internal/observability"
)

// Config represents the complete gateway configuration.
type Config struct {
	Server      ServerConfig                `yaml:"server"`
	Origin      OriginConfig                `yaml:"origin"`
	Proxy       ProxyConfig                 `yaml:"proxy"`
	Store       store.Config                `yaml:"store"`
	Semantic    SemanticConfig              `yaml:"semantic"`
	Eligibility eligibility.Config          `yaml:"eligibility"`
	RateLimit   RateLimitConfig             `yaml:"rate_limit"`
	Logging     LoggingConfig               `yaml:"logging"`
	Metrics     MetricsConfig               `yaml:"metrics"`
	Tracing     observability.TracingConfig `yaml:"tracing"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port                int           `yaml:"port"`
	ReadTimeout         time.Duration `yaml:"read_timeout"`
	WriteTimeout        time.Duration `yaml:"write_timeout"`
	IdleTimeout         time.Duration `yaml:"idle_timeout"`
	MaxRequestBodyBytes int64         `yaml:"max_request_body_bytes"`
}

// OriginConfig describes the upstream generation backend the gateway
// sits in front of.
type OriginConfig struct {
	BaseURL string `yaml:"base_url"`

	// ResponseHeaderTimeout bounds the wait for origin response headers.
	// The overall request is unbounded so streamed responses can run long.
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout"`
	MaxIdleConns          int           `yaml:"max_idle_conns"`
}

// ProxyConfig tunes cache bypass behavior.
type ProxyConfig struct {
	// DenyPaths are never cacheable and always forwarded directly
	// (listings, live feeds). Empty selects the built-in default list.
	DenyPaths []string `yaml:"deny_paths"`
}

// SemanticConfig contains semantic cache settings.
type SemanticConfig struct {
	Enabled bool `yaml:"enabled"`

	// Threshold is the minimum cosine similarity for a semantic hit.
	Threshold float64 `yaml:"threshold"`

	// RecentTurns is the number of trailing conversation turns repeated
	// in the embedded text to weight recent context. Zero disables it.
	RecentTurns int `yaml:"recent_turns"`

	OpTimeout time.Duration `yaml:"op_timeout"`

	Embedding EmbeddingConfig `yaml:"embedding"`
	Qdrant    QdrantConfig    `yaml:"qdrant"`
}

// EmbeddingConfig contains embedding provider settings.
type EmbeddingConfig struct {
	APIKey    string        `yaml:"api_key"`
	APIBase   string        `yaml:"api_base"`
	Model     string        `yaml:"model"`
	Dimension int           `yaml:"dimension"`
	Timeout   time.Duration `yaml:"timeout"`
}

// QdrantConfig contains vector index settings.
type QdrantConfig struct {
	APIBase    string        `yaml:"api_base"`
	APIKey     string        `yaml:"api_key"`
	Collection string        `yaml:"collection"`
	Dimension  int           `yaml:"dimension"`
	Timeout    time.Duration `yaml:"timeout"`
}

// RateLimitConfig defines rate limiting parameters.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:                8080,
			ReadTimeout:         30 * time.Second,
			WriteTimeout:        0, // streamed responses can outlive any fixed deadline
			IdleTimeout:         60 * time.Second,
			MaxRequestBodyBytes: 10 * 1024 * 1024,
		},
		Origin: OriginConfig{
			ResponseHeaderTimeout: 120 * time.Second,
			MaxIdleConns:          100,
		},
		Store: store.DefaultConfig(),
		Semantic: SemanticConfig{
			Enabled:     false,
			Threshold:   0.93,
			RecentTurns: 3,
			OpTimeout:   5 * time.Second,
			Embedding: EmbeddingConfig{
				APIBase:   "https://api.openai.com/v1",
				Model:     "text-embedding-3-small",
				Dimension: 1536,
				Timeout:   10 * time.Second,
			},
			Qdrant: QdrantConfig{
				APIBase:    "http://localhost:6333",
				Collection: "recallgate",
				Dimension:  1536,
				Timeout:    5 * time.Second,
			},
		},
		Eligibility: eligibility.Config{
			AllowAll: false,
		},
		RateLimit: RateLimitConfig{
			Enabled:           false,
			RequestsPerMinute: 600,
			BurstSize:         100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: observability.DefaultTracingConfig(),
	}
}

// LoadFromFile reads and parses a YAML configuration file.
// Environment variables in the format ${VAR_NAME} are expanded.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.MaxRequestBodyBytes < 0 {
		return fmt.Errorf("server.max_request_body_bytes cannot be negative")
	}

	if c.Origin.BaseURL == "" {
		return fmt.Errorf("origin.base_url is required")
	}
	u, err := url.Parse(c.Origin.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("origin.base_url %q is not an absolute URL", c.Origin.BaseURL)
	}

	switch c.Store.Backend {
	case store.BackendLocal, store.BackendRedis, store.BackendS3, "":
	default:
		return fmt.Errorf("unsupported store backend: %s", c.Store.Backend)
	}

	if c.Semantic.Enabled {
		if c.Semantic.Threshold <= 0 || c.Semantic.Threshold > 1 {
			return fmt.Errorf("semantic.threshold must be in (0, 1], got %v", c.Semantic.Threshold)
		}
		if c.Semantic.RecentTurns < 0 {
			return fmt.Errorf("semantic.recent_turns cannot be negative")
		}
		if c.Semantic.Embedding.APIKey == "" {
			return fmt.Errorf("semantic.embedding.api_key is required when semantic cache is enabled")
		}
		if c.Semantic.Qdrant.APIBase == "" {
			return fmt.Errorf("semantic.qdrant.api_base is required when semantic cache is enabled")
		}
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerMinute <= 0 {
			return fmt.Errorf("rate_limit.requests_per_minute must be positive")
		}
		if c.RateLimit.BurstSize <= 0 {
			return fmt.Errorf("rate_limit.burst_size must be positive")
		}
	}

	return nil
}
