// Package vector provides the similarity index behind the semantic cache.
// Each record points at an exact-cache key; a lookup returns the closest
// same-model candidate plus its score, leaving the hit threshold to callers
// so near-misses can still be observed.
package vector

import "context"

// Metadata is stored alongside each vector.
type Metadata struct {
	// Model partitions the index. Similarity across models is meaningless
	// and is never returned by Query.
	Model string

	// CachedAt is the unix timestamp the record was written.
	CachedAt int64
}

// Filter scopes a query. Model is required.
type Filter struct {
	Model string
}

// Match is the best candidate for a query.
type Match struct {
	// Key is the exact-cache key the matched vector points at.
	Key string

	// Similarity is cosine similarity in [0, 1].
	Similarity float64
}

// Index is a key-addressed vector similarity index.
type Index interface {
	// Upsert writes or replaces the vector for a cache key.
	Upsert(ctx context.Context, key string, vec []float64, meta Metadata) error

	// Query returns the single nearest same-model candidate, or nil when
	// the partition is empty. It never applies a similarity threshold.
	Query(ctx context.Context, vec []float64, filter Filter) (*Match, error)

	// Ping checks if the index is reachable.
	Ping(ctx context.Context) error

	// Close releases resources held by the index.
	Close() error
}
