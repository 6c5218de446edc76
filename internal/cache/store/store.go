// Package store persists full origin responses addressed by canonical cache
// key. Bodies and their metadata live in an object storage backend (S3,
// Redis, or in-process memory); entries are written once per key and replaced
// wholesale on rewrite, with last-writer-wins semantics.
package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// MaxMetadataValueLen caps every stored metadata value. Object stores bound
// user metadata size, so values are truncated before the write.
const MaxMetadataValueLen = 512

// Metadata field names used in the backing object store.
const (
	metaContentType      = "content-type"
	metaStreamed         = "streamed"
	metaCachedAt         = "cached-at"
	metaSizeBytes        = "size-bytes"
	metaClientIP         = "client-ip"
	metaUserAgent        = "user-agent"
	metaReferer          = "referer"
	metaProviderMetadata = "provider-metadata"
	metaHeaderPrefix     = "hdr-"
)

// preservedHeaders are the origin response headers recorded with an entry.
var preservedHeaders = []string{"Content-Encoding", "Vary", "Cache-Control"}

// ObjectStore is the key-addressed blob layer beneath the exact cache.
// Get returns nil body with nil error on a miss. Implementations must
// support concurrent, independent reads and writes without external locking.
type ObjectStore interface {
	Get(ctx context.Context, key string) (body []byte, meta map[string]string, err error)
	Put(ctx context.Context, key string, body []byte, contentType string, meta map[string]string) error
	Ping(ctx context.Context) error
	Close() error
}

// ResponseMeta describes the origin response being persisted.
type ResponseMeta struct {
	ContentType string
	Streamed    bool
	Header      http.Header
}

// RequestContext is the request snapshot retained for observability.
type RequestContext struct {
	ClientIP         string
	UserAgent        string
	Referer          string
	ProviderMetadata string
}

// Entry is one cached response as read back from the store.
type Entry struct {
	Key         string
	Body        []byte
	ContentType string
	Streamed    bool
	Size        int64
	CachedAt    time.Time

	// Header holds the preserved origin headers (content-encoding, vary,
	// cache-control with no-cache directives already stripped at write
	// time).
	Header http.Header
}

// Stats holds exact-cache counters.
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Puts   int64 `json:"puts"`
	Errors int64 `json:"errors"`
}

// Store is the exact cache over an ObjectStore backend.
type Store struct {
	objects ObjectStore
	logger  *slog.Logger

	hits   atomic.Int64
	misses atomic.Int64
	puts   atomic.Int64
	errors atomic.Int64
}

// New creates a Store over the given backend.
func New(objects ObjectStore, logger *slog.Logger) (*Store, error) {
	if objects == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{objects: objects, logger: logger}, nil
}

// Get retrieves the entry for a key. Returns nil, nil on a miss. A Get racing
// a Put for the same key may miss; callers re-derive the entry from origin,
// which is always correct.
func (s *Store) Get(ctx context.Context, key string) (*Entry, error) {
	body, meta, err := s.objects.Get(ctx, key)
	if err != nil {
		s.errors.Add(1)
		return nil, fmt.Errorf("object get: %w", err)
	}
	if body == nil {
		s.misses.Add(1)
		return nil, nil
	}

	s.hits.Add(1)
	return entryFromObject(key, body, meta), nil
}

// Put persists a buffered response body and its metadata as one atomic
// object.
func (s *Store) Put(ctx context.Context, key string, body []byte, meta ResponseMeta, reqCtx RequestContext) error {
	object := buildMetadata(meta, reqCtx, int64(len(body)), time.Now().UTC())

	contentType := meta.ContentType
	if contentType == "" {
		contentType = "application/json"
	}

	if err := s.objects.Put(ctx, key, body, contentType, object); err != nil {
		s.errors.Add(1)
		return fmt.Errorf("object put: %w", err)
	}

	s.puts.Add(1)
	return nil
}

// PutStreaming drains r to completion and persists the reassembled bytes.
// The reader must be the cache's own copy of the stream; the client-facing
// copy is never touched here.
func (s *Store) PutStreaming(ctx context.Context, r io.Reader, key string, meta ResponseMeta, reqCtx RequestContext) error {
	body, err := io.ReadAll(r)
	if err != nil {
		s.errors.Add(1)
		return fmt.Errorf("drain stream: %w", err)
	}

	meta.Streamed = true
	return s.Put(ctx, key, body, meta, reqCtx)
}

// Ping checks the backing object store.
func (s *Store) Ping(ctx context.Context) error {
	return s.objects.Ping(ctx)
}

// Close releases the backing object store.
func (s *Store) Close() error {
	return s.objects.Close()
}

// Stats returns a snapshot of the store counters.
func (s *Store) Stats() Stats {
	return Stats{
		Hits:   s.hits.Load(),
		Misses: s.misses.Load(),
		Puts:   s.puts.Load(),
		Errors: s.errors.Load(),
	}
}

func entryFromObject(key string, body []byte, meta map[string]string) *Entry {
	entry := &Entry{
		Key:    key,
		Body:   body,
		Size:   int64(len(body)),
		Header: http.Header{},
	}

	entry.Streamed = meta[metaStreamed] == "true"
	if entry.Streamed {
		entry.ContentType = "text/event-stream"
	} else if ct := meta[metaContentType]; ct != "" {
		entry.ContentType = ct
	} else {
		entry.ContentType = "application/json"
	}

	if ts := meta[metaCachedAt]; ts != "" {
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			entry.CachedAt = parsed
		}
	}
	if size := meta[metaSizeBytes]; size != "" {
		if parsed, err := strconv.ParseInt(size, 10, 64); err == nil {
			entry.Size = parsed
		}
	}

	for _, name := range preservedHeaders {
		if v := meta[metaHeaderPrefix+strings.ToLower(name)]; v != "" {
			entry.Header.Set(name, v)
		}
	}

	return entry
}

func buildMetadata(meta ResponseMeta, reqCtx RequestContext, size int64, now time.Time) map[string]string {
	object := map[string]string{
		metaContentType: meta.ContentType,
		metaStreamed:    strconv.FormatBool(meta.Streamed),
		metaCachedAt:    now.Format(time.RFC3339),
		metaSizeBytes:   strconv.FormatInt(size, 10),
	}

	if reqCtx.ClientIP != "" {
		object[metaClientIP] = reqCtx.ClientIP
	}
	if reqCtx.UserAgent != "" {
		object[metaUserAgent] = reqCtx.UserAgent
	}
	if reqCtx.Referer != "" {
		object[metaReferer] = reqCtx.Referer
	}
	if reqCtx.ProviderMetadata != "" {
		object[metaProviderMetadata] = reqCtx.ProviderMetadata
	}

	for _, name := range preservedHeaders {
		value := meta.Header.Get(name)
		if value == "" {
			continue
		}
		if name == "Cache-Control" {
			// Cache admission has already been decided; an origin
			// no-cache directive must not survive into replays.
			value = stripDirectives(value, "no-cache", "no-store")
			if value == "" {
				continue
			}
		}
		object[metaHeaderPrefix+strings.ToLower(name)] = value
	}

	for k, v := range object {
		object[k] = truncate(v, MaxMetadataValueLen)
	}
	return object
}

// stripDirectives removes the named directives from a Cache-Control value.
func stripDirectives(value string, names ...string) string {
	parts := strings.Split(value, ",")
	kept := parts[:0]

	for _, part := range parts {
		directive := strings.ToLower(strings.TrimSpace(part))
		skip := false
		for _, name := range names {
			if directive == name || strings.HasPrefix(directive, name+"=") {
				skip = true
				break
			}
		}
		if !skip && directive != "" {
			kept = append(kept, strings.TrimSpace(part))
		}
	}
	return strings.Join(kept, ", ")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
