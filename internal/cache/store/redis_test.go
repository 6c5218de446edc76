package store

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()

	mr := miniredis.RunT(t)
	cfg := DefaultRedisConfig()
	cfg.Addr = mr.Addr()

	rs, err := NewRedisStore(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { rs.Close() })
	return rs
}

func TestRedisStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	rs := newRedisStore(t)

	meta := map[string]string{"content-type": "application/json", "streamed": "false"}
	require.NoError(t, rs.Put(ctx, "abc", []byte(`{"x":1}`), "application/json", meta))

	body, gotMeta, err := rs.Get(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"x":1}`), body)
	assert.Equal(t, meta, gotMeta)
}

func TestRedisStore_Miss(t *testing.T) {
	rs := newRedisStore(t)

	body, meta, err := rs.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, body)
	assert.Nil(t, meta)
}

func TestRedisStore_KeysAreNamespaced(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	cfg := DefaultRedisConfig()
	cfg.Addr = mr.Addr()
	cfg.Namespace = "gate"

	rs, err := NewRedisStore(cfg)
	require.NoError(t, err)
	defer rs.Close()

	require.NoError(t, rs.Put(ctx, "abc", []byte("body"), "text/plain", nil))
	assert.True(t, mr.Exists("gate:entry:abc"))
}

func TestLayered_FrontIsNotSourceOfTruth(t *testing.T) {
	ctx := context.Background()
	back := NewMemoryStore(0)
	layered := NewLayered(NewMemoryStore(0), back)

	// A write through the layered store is visible from the back alone.
	require.NoError(t, layered.Put(ctx, "k", []byte("v"), "text/plain", nil))
	body, _, err := back.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), body)

	// A value only in the back is still served and backfilled.
	require.NoError(t, back.Put(ctx, "k2", []byte("v2"), "text/plain", nil))
	body, _, err = layered.Get(ctx, "k2")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), body)
}

func TestLayered_BackfillKeepsContentType(t *testing.T) {
	ctx := context.Background()
	front := NewMemoryStore(0)
	layered := NewLayered(front, NewMemoryStore(0))

	meta := map[string]string{metaContentType: "text/event-stream"}
	require.NoError(t, layered.back.Put(ctx, "k", []byte("v"), "text/event-stream", meta))

	// The durable hit backfills the front with the same content type.
	_, _, err := layered.Get(ctx, "k")
	require.NoError(t, err)

	val, found := front.cache.Get("k")
	require.True(t, found)
	obj, ok := val.(memoryObject)
	require.True(t, ok)
	assert.Equal(t, "text/event-stream", obj.contentType)
}
