package config

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/respcache/respcache/pkg/cache"
)

// Manager loads a cache.Config from disk and, when Watch is started, reloads
// it whenever the file changes. The cache subsystem's own Config is
// immutable once a Manager (internal/cache.Manager) is constructed from it,
// so a reload here never mutates a live cache.Manager in place: callers
// register an OnChange callback and are expected to construct a replacement
// internal/cache.Manager from the new value, swapping it in atomically at
// their own boundary.
type Manager struct {
	current atomic.Pointer[cache.Config]
	path    string
	logger  *slog.Logger

	checksum    atomic.Value // string
	reloadCount atomic.Uint64

	watcher  *fsnotify.Watcher
	onChange []func(cache.Config)
}

// NewManager loads path once and returns a Manager wrapping the result.
func NewManager(path string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}

	m := &Manager{path: path, logger: logger}
	if err := m.store(cfg); err != nil {
		return nil, err
	}
	return m, nil
}

// Get returns the currently loaded configuration. Safe for concurrent use.
func (m *Manager) Get() cache.Config {
	return *m.current.Load()
}

// OnChange registers fn to be invoked, with the newly loaded configuration,
// after every successful reload triggered by Watch.
func (m *Manager) OnChange(fn func(cache.Config)) {
	m.onChange = append(m.onChange, fn)
}

// ReloadCount reports how many times the configuration has been
// (re)loaded, including the initial load performed by NewManager.
func (m *Manager) ReloadCount() uint64 { return m.reloadCount.Load() }

// Watch starts an fsnotify watch on the configuration file; on every write
// or create event it debounces briefly, then reloads and notifies
// OnChange subscribers. Watch returns once the watcher is established; the
// watch loop itself runs in a background goroutine until ctx is canceled.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(m.path); err != nil {
		_ = watcher.Close()
		return err
	}
	m.watcher = watcher

	go m.watchLoop(ctx)
	return nil
}

func (m *Manager) watchLoop(ctx context.Context) {
	const debounce = 500 * time.Millisecond
	var timer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			_ = m.watcher.Close()
			return

		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, m.reload)

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("config watcher error", "error", err)
		}
	}
}

func (m *Manager) reload() {
	cfg, err := LoadFromFile(m.path)
	if err != nil {
		m.logger.Error("config reload failed, keeping current configuration", "error", err)
		return
	}

	before, _ := m.checksum.Load().(string)
	if err := m.store(cfg); err != nil {
		m.logger.Error("config reload checksum failed", "error", err)
		return
	}
	after, _ := m.checksum.Load().(string)
	if before == after {
		return
	}

	m.logger.Info("configuration reloaded", "path", m.path)
	for _, fn := range m.onChange {
		fn(cfg)
	}
}

// Close stops the file watcher, if one was started.
func (m *Manager) Close() error {
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

func (m *Manager) store(cfg cache.Config) error {
	sum, err := checksum(cfg)
	if err != nil {
		return err
	}
	m.current.Store(&cfg)
	m.checksum.Store(sum)
	m.reloadCount.Add(1)
	return nil
}
