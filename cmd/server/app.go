package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/recallgate/recallgate/internal/background"
	"github.com/recallgate/recallgate/internal/cache/embedding"
	"github.com/recallgate/recallgate/internal/cache/semantic"
	"github.com/recallgate/recallgate/internal/cache/store"
	"github.com/recallgate/recallgate/internal/cache/vector"
	"github.com/recallgate/recallgate/internal/config"
	"github.com/recallgate/recallgate/internal/eligibility"
	"github.com/recallgate/recallgate/internal/proxy"
)

// backgroundTaskTimeout bounds each detached persistence task so a stuck
// backend cannot pin the runner forever.
const backgroundTaskTimeout = 5 * time.Minute

// app holds the wired components.
type app struct {
	proxy    *proxy.Proxy
	store    *store.Store
	semantic *semantic.Cache // nil when disabled
	gate     *eligibility.Gate
	runner   *background.Runner
	logger   *slog.Logger
}

func buildApp(ctx context.Context, cfg *config.Config, cfgManager *config.Manager, tracer trace.Tracer, logger *slog.Logger) (*app, error) {
	st, err := store.NewFromConfig(ctx, cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("build store: %w", err)
	}

	var sem *semantic.Cache
	if cfg.Semantic.Enabled {
		embedder, err := embedding.NewOpenAIEmbedder(embedding.OpenAIConfig{
			APIKey:    cfg.Semantic.Embedding.APIKey,
			APIBase:   cfg.Semantic.Embedding.APIBase,
			Model:     cfg.Semantic.Embedding.Model,
			Dimension: cfg.Semantic.Embedding.Dimension,
			Timeout:   cfg.Semantic.Embedding.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("build embedder: %w", err)
		}

		index, err := vector.NewQdrantIndex(vector.QdrantConfig{
			APIBase:    cfg.Semantic.Qdrant.APIBase,
			APIKey:     cfg.Semantic.Qdrant.APIKey,
			Collection: cfg.Semantic.Qdrant.Collection,
			Dimension:  cfg.Semantic.Qdrant.Dimension,
			Timeout:    cfg.Semantic.Qdrant.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("build vector index: %w", err)
		}
		if err := index.EnsureCollection(ctx); err != nil {
			// Fail open: exact caching works without the index.
			logger.Warn("vector collection bootstrap failed", "error", err)
		}

		sem, err = semantic.New(embedder, index, semantic.Config{
			Threshold: cfg.Semantic.Threshold,
			OpTimeout: cfg.Semantic.OpTimeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("build semantic cache: %w", err)
		}
		logger.Info("semantic cache enabled",
			"threshold", cfg.Semantic.Threshold,
			"embedding_model", embedder.Model(),
		)
	}

	gate := eligibility.New(cfg.Eligibility)
	cfgManager.OnChange(func(newCfg *config.Config) {
		gate.Update(newCfg.Eligibility)
	})

	runner := background.NewRunner(logger, backgroundTaskTimeout)

	p, err := proxy.New(proxy.Config{
		OriginBaseURL:         cfg.Origin.BaseURL,
		ResponseHeaderTimeout: cfg.Origin.ResponseHeaderTimeout,
		MaxIdleConns:          cfg.Origin.MaxIdleConns,
		MaxRequestBodyBytes:   cfg.Server.MaxRequestBodyBytes,
		RecentTurns:           cfg.Semantic.RecentTurns,
		DenyPaths:             cfg.Proxy.DenyPaths,
	}, st, sem, gate, runner, tracer, logger)
	if err != nil {
		return nil, fmt.Errorf("build proxy: %w", err)
	}

	return &app{
		proxy:    p,
		store:    st,
		semantic: sem,
		gate:     gate,
		runner:   runner,
		logger:   logger,
	}, nil
}

// Close releases backend connections. The background runner must already
// be drained.
func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("store close error", "error", err)
	}
	if a.semantic != nil {
		if err := a.semantic.Close(); err != nil {
			a.logger.Error("semantic cache close error", "error", err)
		}
	}
}
