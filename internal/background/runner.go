// Package background runs work detached from the request lifecycle. Cache
// persistence continues after the client-facing handler returns; the runner
// tracks every task so shutdown waits for in-flight writes instead of
// dropping them mid-way.
package background

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Runner spawns and tracks detached tasks.
type Runner struct {
	logger      *slog.Logger
	taskTimeout time.Duration

	wg       sync.WaitGroup
	mu       sync.Mutex
	closed   bool
	spawned  atomic.Int64
	panicked atomic.Int64
}

// NewRunner creates a runner. taskTimeout bounds each task's context;
// <= 0 means no per-task deadline.
func NewRunner(logger *slog.Logger, taskTimeout time.Duration) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{logger: logger, taskTimeout: taskTimeout}
}

// Go runs fn on its own goroutine with a context detached from any request.
// After Shutdown has begun, new tasks are rejected and the call is a no-op.
func (r *Runner) Go(name string, fn func(ctx context.Context)) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.logger.Warn("background task rejected during shutdown", "task", name)
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	r.spawned.Add(1)

	go func() {
		defer r.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				r.panicked.Add(1)
				r.logger.Error("background task panicked", "task", name, "panic", rec)
			}
		}()

		ctx := context.Background()
		if r.taskTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.taskTimeout)
			defer cancel()
		}

		fn(ctx)
	}()
}

// Shutdown stops accepting new tasks and waits for in-flight ones until ctx
// expires.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Spawned returns the number of tasks started over the runner's lifetime.
func (r *Runner) Spawned() int64 {
	return r.spawned.Load()
}
