package proxy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recallgate/recallgate/internal/background"
	"github.com/recallgate/recallgate/internal/cache/semantic"
	"github.com/recallgate/recallgate/internal/cache/store"
	"github.com/recallgate/recallgate/internal/cache/vector"
	"github.com/recallgate/recallgate/internal/eligibility"
)

// fakeEmbedder maps known phrases to fixed vectors so similarity between
// "hello" and "hello there" lands above the default threshold.
type fakeEmbedder struct {
	calls atomic.Int64
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	f.calls.Add(1)
	switch {
	case strings.Contains(text, "hello there"):
		return []float64{0.96, 0.28, 0}, nil
	case strings.Contains(text, "hello"):
		return []float64{1, 0, 0}, nil
	default:
		return []float64{0, 0, 1}, nil
	}
}

func (f *fakeEmbedder) Model() string  { return "fake-embed" }
func (f *fakeEmbedder) Dimension() int { return 3 }

type indexPoint struct {
	key   string
	vec   []float64
	model string
}

// fakeIndex is an in-memory cosine-similarity index with a model filter.
type fakeIndex struct {
	mu      sync.Mutex
	points  []indexPoint
	upserts atomic.Int64
}

func (f *fakeIndex) Upsert(_ context.Context, key string, vec []float64, meta vector.Metadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.points = append(f.points, indexPoint{key: key, vec: vec, model: meta.Model})
	f.upserts.Add(1)
	return nil
}

func (f *fakeIndex) Query(_ context.Context, vec []float64, filter vector.Filter) (*vector.Match, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var best *vector.Match
	for _, p := range f.points {
		if p.model != filter.Model {
			continue
		}
		sim := cosine(vec, p.vec)
		if best == nil || sim > best.Similarity {
			best = &vector.Match{Key: p.key, Similarity: sim}
		}
	}
	return best, nil
}

func (f *fakeIndex) Ping(context.Context) error { return nil }
func (f *fakeIndex) Close() error               { return nil }

func cosine(a, b []float64) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

type testEnv struct {
	proxy    *Proxy
	store    *store.Store
	runner   *background.Runner
	embedder *fakeEmbedder
	index    *fakeIndex
}

func newEnv(t *testing.T, originURL string, gateCfg eligibility.Config, objects store.ObjectStore) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	if objects == nil {
		objects = store.NewMemoryStore(0)
	}
	st, err := store.New(objects, logger)
	require.NoError(t, err)

	embedder := &fakeEmbedder{}
	index := &fakeIndex{}
	sem, err := semantic.New(embedder, index, semantic.DefaultConfig(), logger)
	require.NoError(t, err)

	runner := background.NewRunner(logger, 10*time.Second)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = runner.Shutdown(ctx)
	})

	p, err := New(Config{OriginBaseURL: originURL}, st, sem, eligibility.New(gateCfg), runner, nil, logger)
	require.NoError(t, err)

	return &testEnv{proxy: p, store: st, runner: runner, embedder: embedder, index: index}
}

func postGenerate(t *testing.T, env *testEnv, content, token string) *httptest.ResponseRecorder {
	t.Helper()
	body := fmt.Sprintf(`{"model":"openai","messages":[{"role":"user","content":%q}]}`, content)
	r := httptest.NewRequest(http.MethodPost, "/generate", strings.NewReader(body))
	r.RemoteAddr = "10.0.0.1:40000"
	r.Header.Set("Content-Type", "application/json")
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	env.proxy.ServeHTTP(w, r)
	return w
}

func waitForEntry(t *testing.T, env *testEnv, key string) {
	t.Helper()
	require.Eventually(t, func() bool {
		entry, err := env.store.Get(context.Background(), key)
		return err == nil && entry != nil
	}, 2*time.Second, 10*time.Millisecond, "entry %s never persisted", key)
}

func TestMissThenHitThenSemanticHit(t *testing.T) {
	var originCalls atomic.Int64
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		originCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"reply":"hi there"}`)
	}))
	defer origin.Close()

	env := newEnv(t, origin.URL, eligibility.Config{AllowedTokens: []string{"team-a"}}, nil)

	// First request: miss, forwarded, persisted in the background.
	w := postGenerate(t, env, "hello", "team-a")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, StatusMiss, w.Header().Get(HeaderCacheStatus))
	assert.Equal(t, `{"reply":"hi there"}`, w.Body.String())

	key := w.Header().Get(HeaderCacheKey)
	require.NotEmpty(t, key)
	waitForEntry(t, env, key)
	require.Eventually(t, func() bool { return env.index.upserts.Load() == 1 },
		2*time.Second, 10*time.Millisecond, "embedding never upserted")

	// Identical request: exact hit, no origin call.
	w = postGenerate(t, env, "hello", "team-a")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, StatusHit, w.Header().Get(HeaderCacheStatus))
	assert.Equal(t, key, w.Header().Get(HeaderCacheKey))
	assert.Equal(t, hitCacheControl, w.Header().Get("Cache-Control"))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, `{"reply":"hi there"}`, w.Body.String())
	assert.Equal(t, int64(1), originCalls.Load())

	// Paraphrase from an eligible caller: semantic hit via the matched key.
	w = postGenerate(t, env, "hello there", "team-a")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, StatusSemanticHit, w.Header().Get(HeaderCacheStatus))
	assert.Equal(t, key, w.Header().Get(HeaderMatchedKey))
	assert.Equal(t, `{"reply":"hi there"}`, w.Body.String())
	assert.Equal(t, int64(1), originCalls.Load())
}

func TestIneligibleCallerNeverEmbeds(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"reply":"ok"}`)
	}))
	defer origin.Close()

	env := newEnv(t, origin.URL, eligibility.Config{AllowedTokens: []string{"team-a"}}, nil)

	w := postGenerate(t, env, "hello", "someone-else")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, StatusMiss, w.Header().Get(HeaderCacheStatus))

	key := w.Header().Get(HeaderCacheKey)
	require.NotEmpty(t, key)
	waitForEntry(t, env, key)

	// Exact caching happened, semantic caching did not.
	assert.Equal(t, int64(0), env.embedder.calls.Load())
	assert.Equal(t, int64(0), env.index.upserts.Load())

	// The identical request still gets an exact hit.
	w = postGenerate(t, env, "hello", "someone-else")
	assert.Equal(t, StatusHit, w.Header().Get(HeaderCacheStatus))
}

func TestStreamingResponsePersistedFully(t *testing.T) {
	chunks := []string{"data: a\n\n", "data: b\n\n", "data: [DONE]\n\n"}
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, c := range chunks {
			fmt.Fprint(w, c)
			flusher.Flush()
		}
	}))
	defer origin.Close()

	env := newEnv(t, origin.URL, eligibility.Config{AllowAll: true}, nil)

	w := postGenerate(t, env, "stream me", "anyone")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, strings.Join(chunks, ""), w.Body.String())

	key := w.Header().Get(HeaderCacheKey)
	require.NotEmpty(t, key)
	waitForEntry(t, env, key)

	entry, err := env.store.Get(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, entry.Streamed)
	assert.Equal(t, "text/event-stream", entry.ContentType)
	assert.Equal(t, strings.Join(chunks, ""), string(entry.Body))

	// A replay serves the reassembled bytes as an exact hit.
	w = postGenerate(t, env, "stream me", "anyone")
	assert.Equal(t, StatusHit, w.Header().Get(HeaderCacheStatus))
	assert.Equal(t, strings.Join(chunks, ""), w.Body.String())
}

func TestOptionsAnsweredDirectly(t *testing.T) {
	env := newEnv(t, "http://origin.invalid", eligibility.Config{}, nil)

	r := httptest.NewRequest(http.MethodOptions, "/generate", nil)
	w := httptest.NewRecorder()
	env.proxy.ServeHTTP(w, r)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, int64(0), env.runner.Spawned())
}

func TestBypassPaths(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"reply":"fresh"}`)
	}))
	defer origin.Close()

	tests := []struct {
		name   string
		target string
	}{
		{name: "no-cache query param", target: "/generate?no-cache=1"},
		{name: "denylisted path", target: "/v1/models"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newEnv(t, origin.URL, eligibility.Config{AllowAll: true}, nil)

			r := httptest.NewRequest(http.MethodGet, tt.target, nil)
			w := httptest.NewRecorder()
			env.proxy.ServeHTTP(w, r)

			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, StatusBypass, w.Header().Get(HeaderCacheStatus))
			assert.Empty(t, w.Header().Get(HeaderCacheKey))
			assert.Equal(t, int64(0), env.runner.Spawned(), "bypassed request must not persist")
		})
	}
}

func TestConfiguredDenyPathsReplaceDefaults(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"reply":"ok"}`)
	}))
	defer origin.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.New(store.NewMemoryStore(0), logger)
	require.NoError(t, err)
	runner := background.NewRunner(logger, 0)
	gate := eligibility.New(eligibility.Config{AllowAll: true})

	p, err := New(Config{
		OriginBaseURL: origin.URL,
		DenyPaths:     []string{"/v1/feeds"},
	}, st, nil, gate, runner, nil, logger)
	require.NoError(t, err)

	// The configured path bypasses cache logic entirely.
	w := httptest.NewRecorder()
	p.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/feeds", nil))
	assert.Equal(t, StatusBypass, w.Header().Get(HeaderCacheStatus))
	assert.Equal(t, int64(0), runner.Spawned())

	// A default-list path not in the configured list is cacheable again.
	w = httptest.NewRecorder()
	p.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	assert.Equal(t, StatusMiss, w.Header().Get(HeaderCacheStatus))
}

func TestMalformedBodyForwardedUncached(t *testing.T) {
	var received string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		received = string(raw)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"reply":"ok"}`)
	}))
	defer origin.Close()

	env := newEnv(t, origin.URL, eligibility.Config{AllowAll: true}, nil)

	r := httptest.NewRequest(http.MethodPost, "/generate", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	env.proxy.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, StatusBypass, w.Header().Get(HeaderCacheStatus))
	assert.Equal(t, "{not json", received, "origin must see the body verbatim")
	assert.Equal(t, int64(0), env.runner.Spawned())
}

func TestNonOKResponseNotCached(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":"boom"}`)
	}))
	defer origin.Close()

	env := newEnv(t, origin.URL, eligibility.Config{AllowAll: true}, nil)

	w := postGenerate(t, env, "hello", "anyone")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, StatusMiss, w.Header().Get(HeaderCacheStatus))
	assert.Equal(t, `{"error":"boom"}`, w.Body.String())
	assert.Equal(t, int64(0), env.runner.Spawned())
}

func TestNonTextResponseNotCached(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte{0x89, 0x50, 0x4e, 0x47})
	}))
	defer origin.Close()

	env := newEnv(t, origin.URL, eligibility.Config{AllowAll: true}, nil)

	w := postGenerate(t, env, "hello", "anyone")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, StatusMiss, w.Header().Get(HeaderCacheStatus))
	assert.Empty(t, w.Header().Get(HeaderCacheKey))
	assert.Equal(t, int64(0), env.runner.Spawned())
}

func TestOriginUnreachableReturns502(t *testing.T) {
	env := newEnv(t, "http://127.0.0.1:1", eligibility.Config{AllowAll: true}, nil)

	w := postGenerate(t, env, "hello", "anyone")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Stack   string `json:"stack"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "bad_gateway", body.Error)
	assert.NotEmpty(t, body.Message)
	assert.NotEmpty(t, body.Stack)
}

// failingObjects errors on every operation.
type failingObjects struct{}

func (failingObjects) Get(context.Context, string) ([]byte, map[string]string, error) {
	return nil, nil, fmt.Errorf("store down")
}

func (failingObjects) Put(context.Context, string, []byte, string, map[string]string) error {
	return fmt.Errorf("store down")
}

func (failingObjects) Ping(context.Context) error { return fmt.Errorf("store down") }
func (failingObjects) Close() error               { return nil }

func TestStoreFailureFailsOpen(t *testing.T) {
	var originCalls atomic.Int64
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		originCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"reply":"served anyway"}`)
	}))
	defer origin.Close()

	env := newEnv(t, origin.URL, eligibility.Config{AllowAll: true}, failingObjects{})

	w := postGenerate(t, env, "hello", "anyone")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `{"reply":"served anyway"}`, w.Body.String())
	assert.Equal(t, int64(1), originCalls.Load())
}

func TestQueryAndBodyRequestsShareNoKeySpace(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"reply":"ok"}`)
	}))
	defer origin.Close()

	env := newEnv(t, origin.URL, eligibility.Config{AllowAll: true}, nil)

	r := httptest.NewRequest(http.MethodGet, "/generate?prompt=hello&model=openai", nil)
	w := httptest.NewRecorder()
	env.proxy.ServeHTTP(w, r)
	getKey := w.Header().Get(HeaderCacheKey)
	require.NotEmpty(t, getKey)

	w = postGenerate(t, env, "hello", "anyone")
	postKey := w.Header().Get(HeaderCacheKey)
	require.NotEmpty(t, postKey)

	assert.NotEqual(t, getKey, postKey)
}
