// Package ratelimit provides per-caller request rate limiting.
package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter provides per-caller token-bucket rate limiting. Callers are
// keyed by bearer token when present, client IP otherwise.
type Limiter struct {
	mu         sync.Mutex
	limiters   map[string]*rate.Limiter
	lastAccess map[string]time.Time

	perSecond rate.Limit
	burst     int

	cleanupTTL time.Duration
}

// Config contains rate limiter settings.
type Config struct {
	RequestsPerMinute int
	BurstSize         int
	CleanupTTL        time.Duration
}

// New creates a per-caller rate limiter and starts its cleanup loop.
func New(cfg Config) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 60
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 10
	}
	if cfg.CleanupTTL <= 0 {
		cfg.CleanupTTL = 10 * time.Minute
	}

	l := &Limiter{
		limiters:   make(map[string]*rate.Limiter),
		lastAccess: make(map[string]time.Time),
		perSecond:  rate.Limit(float64(cfg.RequestsPerMinute) / 60.0),
		burst:      cfg.BurstSize,
		cleanupTTL: cfg.CleanupTTL,
	}

	go l.cleanupLoop()

	return l
}

// Allow reports whether the caller may proceed.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.perSecond, l.burst)
		l.limiters[key] = lim
	}
	l.lastAccess[key] = time.Now()

	return lim.Allow()
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanupTTL)
	defer ticker.Stop()

	for range ticker.C {
		cutoff := time.Now().Add(-l.cleanupTTL)
		l.mu.Lock()
		for key, last := range l.lastAccess {
			if last.Before(cutoff) {
				delete(l.limiters, key)
				delete(l.lastAccess, key)
			}
		}
		l.mu.Unlock()
	}
}

// CallerKey derives the limiter key for a request: the bearer token when
// one is present, the client IP otherwise.
func CallerKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok && token != "" {
			return "token:" + token
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// Middleware rejects requests over the limit with 429.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(CallerKey(r)) {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
