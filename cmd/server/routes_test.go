package main

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recallgate/recallgate/internal/background"
	"github.com/recallgate/recallgate/internal/cache/store"
	"github.com/recallgate/recallgate/internal/config"
	"github.com/recallgate/recallgate/internal/eligibility"
	"github.com/recallgate/recallgate/internal/proxy"
)

func testApp(t *testing.T, originURL string) *app {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.New(store.NewMemoryStore(0), logger)
	require.NoError(t, err)

	runner := background.NewRunner(logger, 0)
	gate := eligibility.New(eligibility.Config{AllowAll: true})

	p, err := proxy.New(proxy.Config{OriginBaseURL: originURL}, st, nil, gate, runner, nil, logger)
	require.NoError(t, err)

	return &app{proxy: p, store: st, gate: gate, runner: runner, logger: logger}
}

func TestHealthAndStatsRoutes(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Origin.BaseURL = "http://origin.invalid"

	a := testApp(t, cfg.Origin.BaseURL)
	mux := buildMux(cfg, a)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var ready struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ready))
	assert.Equal(t, "ok", ready.Status)
	assert.Equal(t, "ok", ready.Components["store"])

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/cache/stats", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "exact")
}

func TestMetricsRouteGatedByConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Origin.BaseURL = "http://origin.invalid"
	cfg.Metrics.Enabled = false

	a := testApp(t, cfg.Origin.BaseURL)
	mux := buildMux(cfg, a)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	// Falls through to the proxy, which cannot reach the fake origin.
	assert.Equal(t, http.StatusBadGateway, w.Code)
}
