package main

import (
	"context"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/recallgate/recallgate/internal/config"
)

func buildMux(cfg *config.Config, a *app) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health/live", a.handleLive)
	mux.HandleFunc("GET /health/ready", a.handleReady)
	mux.HandleFunc("GET /cache/stats", a.handleStats)

	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.Handler())
	}

	// Everything else goes through the caching proxy.
	mux.Handle("/", a.proxy)

	return mux
}

func (a *app) handleLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady pings the cache backends. Degraded components are reported
// but never fail readiness: the proxy keeps forwarding without them.
func (a *app) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	components := map[string]string{"store": "ok"}
	if err := a.store.Ping(ctx); err != nil {
		components["store"] = err.Error()
	}
	if a.semantic != nil {
		components["semantic"] = "ok"
		if err := a.semantic.Ping(ctx); err != nil {
			components["semantic"] = err.Error()
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"components": components,
	})
}

func (a *app) handleStats(w http.ResponseWriter, _ *http.Request) {
	stats := map[string]any{
		"exact":            a.store.Stats(),
		"background_tasks": a.runner.Spawned(),
	}
	if a.semantic != nil {
		stats["semantic"] = a.semantic.Stats()
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
