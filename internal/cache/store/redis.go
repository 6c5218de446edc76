package store

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	goredis "github.com/redis/go-redis/v9"
)

// RedisStore implements ObjectStore on Redis. Each cache key maps to a single
// JSON envelope holding body and metadata, written with one SET so readers
// never observe a partial entry.
type RedisStore struct {
	client    goredis.UniversalClient
	namespace string
}

// RedisConfig holds configuration for the Redis object store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	ClusterAddrs []string `yaml:"cluster_addrs"`

	Namespace     string        `yaml:"namespace"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	PoolSize      int           `yaml:"pool_size"`
	TLSEnabled    bool          `yaml:"tls_enabled"`
	TLSSkipVerify bool          `yaml:"tls_skip_verify"`
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Namespace:    "recallgate",
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	}
}

// NewRedisStore creates a new Redis-backed object store.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Namespace == "" {
		cfg.Namespace = "recallgate"
	}

	var tlsConfig *tls.Config
	if cfg.TLSEnabled {
		tlsConfig = &tls.Config{InsecureSkipVerify: cfg.TLSSkipVerify}
	}

	var client goredis.UniversalClient
	if len(cfg.ClusterAddrs) > 0 {
		client = goredis.NewClusterClient(&goredis.ClusterOptions{
			Addrs:        cfg.ClusterAddrs,
			Password:     cfg.Password,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			PoolSize:     cfg.PoolSize,
			TLSConfig:    tlsConfig,
		})
	} else {
		client = goredis.NewClient(&goredis.Options{
			Addr:         cfg.Addr,
			Password:     cfg.Password,
			DB:           cfg.DB,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			PoolSize:     cfg.PoolSize,
			TLSConfig:    tlsConfig,
		})
	}

	return &RedisStore{client: client, namespace: cfg.Namespace}, nil
}

// redisEnvelope is the stored representation of one object.
type redisEnvelope struct {
	Body        []byte            `json:"body"`
	ContentType string            `json:"content_type"`
	Meta        map[string]string `json:"meta"`
}

// Get fetches an object. A missing key is a miss, not an error.
func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, map[string]string, error) {
	raw, err := r.client.Get(ctx, r.namespaced(key)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("redis get: %w", err)
	}

	var env redisEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		// A corrupt envelope behaves like a miss; the next write
		// replaces it.
		return nil, nil, nil
	}

	return env.Body, env.Meta, nil
}

// Put stores an object. Entries do not expire; eviction is the deployment's
// maxmemory policy, not this layer's concern.
func (r *RedisStore) Put(ctx context.Context, key string, body []byte, contentType string, meta map[string]string) error {
	raw, err := json.Marshal(redisEnvelope{
		Body:        body,
		ContentType: contentType,
		Meta:        meta,
	})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	if err := r.client.Set(ctx, r.namespaced(key), raw, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Ping checks if Redis is reachable.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) namespaced(key string) string {
	return r.namespace + ":entry:" + key
}
