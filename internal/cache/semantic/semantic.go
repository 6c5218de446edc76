// Package semantic provides similarity-based cache lookups over text
// embeddings. It never answers with content of its own: a lookup resolves to
// the exact-cache key of the closest previously-seen prompt, and every
// failure in the embedding model or vector index degrades to "no match" so
// the exact cache and origin path stay unaffected.
package semantic

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/recallgate/recallgate/internal/cache/embedding"
	"github.com/recallgate/recallgate/internal/cache/vector"
)

// DefaultThreshold is the similarity at or above which a candidate counts as
// a hit. The comparison is inclusive.
const DefaultThreshold = 0.93

// Config holds semantic cache tuning.
type Config struct {
	// Threshold is the inclusive similarity cutoff in (0, 1].
	Threshold float64 `yaml:"threshold"`

	// OpTimeout bounds each embedding call and each index operation
	// individually so a slow auxiliary backend cannot delay the request
	// path.
	OpTimeout time.Duration `yaml:"op_timeout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Threshold: DefaultThreshold,
		OpTimeout: 5 * time.Second,
	}
}

// Stats holds semantic cache counters.
type Stats struct {
	Hits       int64 `json:"hits"`
	NearMisses int64 `json:"near_misses"`
	Misses     int64 `json:"misses"`
	Upserts    int64 `json:"upserts"`
	Errors     int64 `json:"errors"`
	EmbedCalls int64 `json:"embed_calls"`
}

// Cache performs semantic lookups and writes against a vector index.
type Cache struct {
	embedder  embedding.Embedder
	index     vector.Index
	threshold float64
	opTimeout time.Duration
	logger    *slog.Logger

	hits       atomic.Int64
	nearMisses atomic.Int64
	misses     atomic.Int64
	upserts    atomic.Int64
	errors     atomic.Int64
	embedCalls atomic.Int64
}

// New creates a semantic cache with the given embedder and index.
func New(embedder embedding.Embedder, index vector.Index, cfg Config, logger *slog.Logger) (*Cache, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if index == nil {
		return nil, fmt.Errorf("vector index is required")
	}
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Cache{
		embedder:  embedder,
		index:     index,
		threshold: cfg.Threshold,
		opTimeout: cfg.OpTimeout,
		logger:    logger,
	}, nil
}

// Lookup returns the exact-cache key of the closest same-model prompt when
// its similarity reaches the threshold. Any failure along the way is logged
// and reported as a miss.
func (c *Cache) Lookup(ctx context.Context, text, model string) *vector.Match {
	if text == "" || model == "" {
		return nil
	}

	vec, ok := c.embed(ctx, text)
	if !ok {
		return nil
	}

	queryCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	match, err := c.index.Query(queryCtx, vec, vector.Filter{Model: model})
	if err != nil {
		c.errors.Add(1)
		c.logger.Warn("semantic index query failed, treating as miss", "model", model, "error", err)
		return nil
	}
	if match == nil {
		c.misses.Add(1)
		return nil
	}

	if match.Similarity < c.threshold {
		c.nearMisses.Add(1)
		c.logger.Debug("semantic near miss",
			"model", model,
			"similarity", match.Similarity,
			"threshold", c.threshold,
		)
		return nil
	}

	c.hits.Add(1)
	return match
}

// Store embeds text and upserts it under the given exact-cache key. Failures
// are logged and swallowed; a missing semantic record only costs a future
// origin call.
func (c *Cache) Store(ctx context.Context, key, text, model string) {
	if key == "" || text == "" || model == "" {
		return
	}

	vec, ok := c.embed(ctx, text)
	if !ok {
		return
	}

	upsertCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	err := c.index.Upsert(upsertCtx, key, vec, vector.Metadata{
		Model:    model,
		CachedAt: time.Now().Unix(),
	})
	if err != nil {
		c.errors.Add(1)
		c.logger.Warn("semantic index upsert failed", "key", key, "model", model, "error", err)
		return
	}

	c.upserts.Add(1)
}

func (c *Cache) embed(ctx context.Context, text string) ([]float64, bool) {
	embedCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	vec, err := c.embedder.Embed(embedCtx, text)
	if err != nil {
		c.errors.Add(1)
		c.logger.Warn("embedding failed, semantic cache unavailable", "error", err)
		return nil, false
	}

	c.embedCalls.Add(1)
	return vec, true
}

// Threshold returns the configured similarity threshold.
func (c *Cache) Threshold() float64 {
	return c.threshold
}

// Ping checks the backing index.
func (c *Cache) Ping(ctx context.Context) error {
	return c.index.Ping(ctx)
}

// Close releases the backing index.
func (c *Cache) Close() error {
	return c.index.Close()
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:       c.hits.Load(),
		NearMisses: c.nearMisses.Load(),
		Misses:     c.misses.Load(),
		Upserts:    c.upserts.Load(),
		Errors:     c.errors.Load(),
		EmbedCalls: c.embedCalls.Load(),
	}
}
