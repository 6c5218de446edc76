// Package eligibility decides, per caller, whether semantic caching is
// permitted. Exact-match caching is always active for everyone: it only ever
// replays a byte-identical response to a byte-identical request. Similarity
// matching can cross request boundaries, so it stays behind an allow-list.
package eligibility

import "sync"

// Decision is the outcome of an eligibility check. Reason is for logs only
// and is never surfaced to end users.
type Decision struct {
	Eligible bool
	Reason   string
}

// Config holds the gate configuration.
type Config struct {
	// AllowAll enables semantic caching for every caller.
	AllowAll bool `yaml:"allow_all"`

	// AllowedTokens lists the caller identity tokens permitted to use
	// semantic caching.
	AllowedTokens []string `yaml:"allowed_tokens"`
}

// Gate checks caller identities against the configured allow-list.
type Gate struct {
	mu       sync.RWMutex
	allowAll bool
	allowed  map[string]struct{}
}

// New creates a gate from config.
func New(cfg Config) *Gate {
	g := &Gate{}
	g.Update(cfg)
	return g
}

// Update swaps in a new allow-list; used on config hot reload.
func (g *Gate) Update(cfg Config) {
	allowed := make(map[string]struct{}, len(cfg.AllowedTokens))
	for _, token := range cfg.AllowedTokens {
		if token != "" {
			allowed[token] = struct{}{}
		}
	}

	g.mu.Lock()
	g.allowAll = cfg.AllowAll
	g.allowed = allowed
	g.mu.Unlock()
}

// Check evaluates a caller identity token. Pure and synchronous.
func (g *Gate) Check(token string) Decision {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.allowAll {
		return Decision{Eligible: true, Reason: "allow_all enabled"}
	}
	if token == "" {
		return Decision{Eligible: false, Reason: "no caller identity"}
	}
	if _, ok := g.allowed[token]; ok {
		return Decision{Eligible: true, Reason: "caller on allow-list"}
	}
	return Decision{Eligible: false, Reason: "caller not on allow-list"}
}
