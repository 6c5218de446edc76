package store

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryStore implements ObjectStore in process memory. It backs local
// development and tests, and doubles as the optional latency layer in front
// of a durable backend (see Layered).
type MemoryStore struct {
	cache *gocache.Cache
}

// memoryObject is a stored body plus metadata.
type memoryObject struct {
	body        []byte
	contentType string
	meta        map[string]string
}

// NewMemoryStore creates an in-process object store. ttl <= 0 keeps entries
// until process exit.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	return &MemoryStore{
		cache: gocache.New(ttl, 10*time.Minute),
	}
}

// Get fetches an object.
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, map[string]string, error) {
	val, found := m.cache.Get(key)
	if !found {
		return nil, nil, nil
	}
	obj, ok := val.(memoryObject)
	if !ok {
		return nil, nil, nil
	}
	return obj.body, obj.meta, nil
}

// Put stores an object.
func (m *MemoryStore) Put(_ context.Context, key string, body []byte, contentType string, meta map[string]string) error {
	m.cache.Set(key, memoryObject{body: body, contentType: contentType, meta: meta}, gocache.DefaultExpiration)
	return nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error {
	return nil
}

// Close releases the cache contents.
func (m *MemoryStore) Close() error {
	m.cache.Flush()
	return nil
}

// Layered decorates a durable ObjectStore with an in-process front. The
// front is a latency optimization only: misses and errors there always fall
// through, and the durable store remains the source of truth.
type Layered struct {
	front *MemoryStore
	back  ObjectStore
}

// NewLayered wraps back with an in-process front cache.
func NewLayered(front *MemoryStore, back ObjectStore) *Layered {
	return &Layered{front: front, back: back}
}

// Get checks the front first and backfills it after a durable hit.
func (l *Layered) Get(ctx context.Context, key string) ([]byte, map[string]string, error) {
	if body, meta, err := l.front.Get(ctx, key); err == nil && body != nil {
		return body, meta, nil
	}

	body, meta, err := l.back.Get(ctx, key)
	if err != nil || body == nil {
		return body, meta, err
	}

	_ = l.front.Put(ctx, key, body, meta[metaContentType], meta)
	return body, meta, nil
}

// Put writes through to the durable store first.
func (l *Layered) Put(ctx context.Context, key string, body []byte, contentType string, meta map[string]string) error {
	if err := l.back.Put(ctx, key, body, contentType, meta); err != nil {
		return err
	}
	_ = l.front.Put(ctx, key, body, contentType, meta)
	return nil
}

// Ping checks the durable store.
func (l *Layered) Ping(ctx context.Context) error {
	return l.back.Ping(ctx)
}

// Close releases both layers.
func (l *Layered) Close() error {
	_ = l.front.Close()
	return l.back.Close()
}
