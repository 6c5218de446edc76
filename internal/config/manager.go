package config

import (
	"context"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the event bursts editors and config mounts
// produce into a single reload.
const reloadDebounce = 500 * time.Millisecond

// Manager loads the configuration file and hot-reloads it on change.
// Readers always see a complete, validated config through an atomic
// pointer; a reload that fails to parse or validate leaves the running
// config untouched.
type Manager struct {
	current atomic.Pointer[Config]
	reloads atomic.Int64

	path   string
	logger *slog.Logger

	mu        sync.Mutex
	listeners []func(*Config)
	watcher   *fsnotify.Watcher
}

// NewManager loads the file at path and returns a manager serving it.
func NewManager(path string, logger *slog.Logger) (*Manager, error) {
	cfg, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		path:   path,
		logger: logger,
	}
	m.current.Store(cfg)

	return m, nil
}

// Get returns the current configuration. Safe for concurrent use.
func (m *Manager) Get() *Config {
	return m.current.Load()
}

// Reloads reports how many successful hot reloads have been applied.
func (m *Manager) Reloads() int64 {
	return m.reloads.Load()
}

// OnChange registers a listener invoked with the new config after every
// successful reload. The eligibility gate subscribes here so allow-list
// edits take effect without a restart.
func (m *Manager) OnChange(fn func(*Config)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Watch starts watching the configuration file until ctx is cancelled.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := watcher.Add(m.path); err != nil {
		_ = watcher.Close()
		return err
	}

	m.mu.Lock()
	m.watcher = watcher
	m.mu.Unlock()

	go m.watch(ctx, watcher)
	return nil
}

func (m *Manager) watch(ctx context.Context, watcher *fsnotify.Watcher) {
	debounce := time.NewTimer(reloadDebounce)
	if !debounce.Stop() {
		<-debounce.C
	}

	for {
		select {
		case <-ctx.Done():
			debounce.Stop()
			_ = watcher.Close()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Restart the quiet period on every event in the burst.
			if !debounce.Stop() {
				select {
				case <-debounce.C:
				default:
				}
			}
			debounce.Reset(reloadDebounce)

		case <-debounce.C:
			m.reload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("config watcher error", "path", m.path, "error", err)
		}
	}
}

// reload swaps in the rewritten file. The previous config stays active
// when the new one does not load.
func (m *Manager) reload() {
	next, err := LoadFromFile(m.path)
	if err != nil {
		m.logger.Error("config reload rejected, keeping last good config",
			"path", m.path,
			"error", err,
		)
		return
	}

	prev := m.current.Swap(next)
	m.reloads.Add(1)

	sections := changedSections(prev, next)
	if len(sections) == 0 {
		m.logger.Info("configuration reloaded, no effective changes", "path", m.path)
		return
	}
	m.logger.Info("configuration reloaded",
		"path", m.path,
		"changed", sections,
	)

	m.mu.Lock()
	listeners := make([]func(*Config), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(next)
	}
}

// changedSections names the top-level config sections that differ, for
// reload logging.
func changedSections(prev, next *Config) []string {
	if prev == nil {
		return []string{"all"}
	}

	sections := []struct {
		name       string
		prev, next any
	}{
		{"server", prev.Server, next.Server},
		{"origin", prev.Origin, next.Origin},
		{"proxy", prev.Proxy, next.Proxy},
		{"store", prev.Store, next.Store},
		{"semantic", prev.Semantic, next.Semantic},
		{"eligibility", prev.Eligibility, next.Eligibility},
		{"rate_limit", prev.RateLimit, next.RateLimit},
		{"logging", prev.Logging, next.Logging},
		{"metrics", prev.Metrics, next.Metrics},
		{"tracing", prev.Tracing, next.Tracing},
	}

	var changed []string
	for _, s := range sections {
		if !reflect.DeepEqual(s.prev, s.next) {
			changed = append(changed, s.name)
		}
	}
	return changed
}

// Close stops the file watcher.
func (m *Manager) Close() error {
	m.mu.Lock()
	watcher := m.watcher
	m.watcher = nil
	m.mu.Unlock()

	if watcher != nil {
		return watcher.Close()
	}
	return nil
}
