// Package embedding adapts remote embedding models to a single
// text-to-vector call used by the semantic cache.
package embedding

import "context"

// Embedder turns text into a fixed-dimension vector. Implementations make a
// single blocking call per request; retries and batching belong to callers.
// An Embed failure means the semantic cache is unavailable, never that the
// request itself failed.
type Embedder interface {
	// Embed generates an embedding vector for the given text.
	Embed(ctx context.Context, text string) ([]float64, error)

	// Model returns the name of the embedding model being used.
	Model() string

	// Dimension returns the dimension of the embedding vectors.
	Dimension() int
}
