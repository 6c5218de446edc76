package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// BackendType selects the object storage backend.
type BackendType string

const (
	BackendLocal BackendType = "local" // in-process memory
	BackendRedis BackendType = "redis"
	BackendS3    BackendType = "s3"
)

// Config holds the complete exact-cache configuration.
type Config struct {
	Backend BackendType `yaml:"backend"`

	// FrontCache layers an in-process cache in front of a durable
	// backend. Latency optimization only; the backend stays the source
	// of truth.
	FrontCache    bool          `yaml:"front_cache"`
	FrontCacheTTL time.Duration `yaml:"front_cache_ttl"`

	Redis RedisConfig `yaml:"redis"`
	S3    S3Config    `yaml:"s3"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Backend:       BackendLocal,
		FrontCache:    false,
		FrontCacheTTL: 5 * time.Minute,
		Redis:         DefaultRedisConfig(),
	}
}

// NewFromConfig builds the exact cache store for the configured backend.
func NewFromConfig(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	objects, err := newObjectStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if cfg.FrontCache && cfg.Backend != BackendLocal {
		objects = NewLayered(NewMemoryStore(cfg.FrontCacheTTL), objects)
	}

	return New(objects, logger)
}

func newObjectStore(ctx context.Context, cfg Config) (ObjectStore, error) {
	switch cfg.Backend {
	case BackendLocal, "":
		return NewMemoryStore(0), nil

	case BackendRedis:
		return NewRedisStore(cfg.Redis)

	case BackendS3:
		return NewS3Store(ctx, cfg.S3)

	default:
		return nil, fmt.Errorf("unsupported store backend: %s", cfg.Backend)
	}
}
