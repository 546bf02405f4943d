// Package disk implements the filesystem Backend: one file per entry under
// a configured directory, with per-read metadata persistence and
// quota-driven periodic cleanup.
package disk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/goccy/go-json"

	"github.com/respcache/respcache/pkg/cache"
)

const (
	entrySuffix = ".json"
	sentinelKey = "__health_check__"
)

// Config configures a Backend.
type Config struct {
	Dir               string
	CleanupInterval   time.Duration
	MaxDiskUsageBytes int64
	Logger            *slog.Logger
	OnEvent           func(cache.Event)
}

// Backend is the one-file-per-key filesystem cache store.
type Backend struct {
	dir      string
	maxUsage int64
	logger   *slog.Logger
	onEvent  func(cache.Event)

	// indexMu guards the lightweight keys-listing cache kept warm between
	// cleanup sweeps. It is an optimization only: a full directory listing
	// is always correct and is the fallback whenever the cache is invalid.
	indexMu    sync.Mutex
	indexValid bool
	cachedKeys []string

	watcher *fsnotify.Watcher
	ticker  *time.Ticker
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates the cache directory if necessary, starts an fsnotify watch
// over it, and launches the quota-driven cleanup loop.
func New(cfg Config) (*Backend, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("%w: disk backend requires a cache directory", cache.ErrConfiguration)
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.MaxDiskUsageBytes <= 0 {
		cfg.MaxDiskUsageBytes = 1 << 30 // 1GB
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create cache dir: %v", cache.ErrBackendIO, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: create fsnotify watcher: %v", cache.ErrBackendIO, err)
	}
	if err := watcher.Add(cfg.Dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("%w: watch cache dir: %v", cache.ErrBackendIO, err)
	}

	b := &Backend{
		dir:      cfg.Dir,
		maxUsage: cfg.MaxDiskUsageBytes,
		logger:   logger,
		onEvent:  cfg.OnEvent,
		watcher:  watcher,
		ticker:   time.NewTicker(cfg.CleanupInterval),
		stopCh:   make(chan struct{}),
	}

	b.wg.Add(2)
	go b.watchLoop()
	go b.cleanupLoop()

	return b, nil
}

func (b *Backend) watchLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stopCh:
			return
		case _, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			b.invalidateIndex()
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			b.logger.Warn("disk cache watch error", "error", err)
		}
	}
}

func (b *Backend) cleanupLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stopCh:
			return
		case <-b.ticker.C:
			if _, err := b.Cleanup(context.Background()); err != nil {
				b.logger.Warn("disk cache cleanup failed", "error", err)
			}
		}
	}
}

func (b *Backend) invalidateIndex() {
	b.indexMu.Lock()
	b.indexValid = false
	b.indexMu.Unlock()
}

func (b *Backend) emit(ev cache.Event) {
	if b.onEvent != nil {
		b.onEvent(ev)
	}
}

func (b *Backend) path(key string) string {
	return filepath.Join(b.dir, key+entrySuffix)
}

func nowMs() int64 { return time.Now().UnixNano() / int64(time.Millisecond) }

func (b *Backend) readEntry(key string) (*cache.Entry, error) {
	data, err := os.ReadFile(b.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read %s: %v", cache.ErrBackendIO, key, err)
	}
	var entry cache.Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		// Malformed entry: best-effort delete, treat as not-found.
		_ = os.Remove(b.path(key))
		b.invalidateIndex()
		return nil, nil
	}
	return &entry, nil
}

// writeEntry persists entry atomically: write to a sibling .tmp file, then
// rename over the target so a concurrent reader never observes a partial
// write.
func (b *Backend) writeEntry(key string, entry *cache.Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("%w: marshal %s: %v", cache.ErrDeserialization, key, err)
	}
	target := b.path(key)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: write %s: %v", cache.ErrBackendIO, key, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: rename %s: %v", cache.ErrBackendIO, key, err)
	}
	return nil
}

// Get reads, parses, and checks expiration; on success it bumps
// AccessCount/LastAccessedAt and persists the update before returning a
// copy.
func (b *Backend) Get(ctx context.Context, key string) (*cache.Entry, bool, error) {
	entry, err := b.readEntry(key)
	if err != nil {
		return nil, false, err
	}
	if entry == nil {
		return nil, false, nil
	}

	now := nowMs()
	if entry.IsExpired(now) {
		if err := b.removeFile(key); err != nil {
			return nil, false, err
		}
		b.emit(cache.Event{Type: cache.EventEvict, Key: key, Reason: cache.EvictReasonTTL, AtMs: now})
		return nil, false, nil
	}

	entry.LastAccessedAt = now
	entry.AccessCount++
	if err := b.writeEntry(key, entry); err != nil {
		return nil, false, err
	}

	return entry.Clone(), true, nil
}

// Set serializes and writes the file, overwriting any prior content. There
// is no quota pre-check; quota is enforced by the periodic cleanup.
func (b *Backend) Set(ctx context.Context, key string, entry *cache.Entry) error {
	if err := b.writeEntry(key, entry); err != nil {
		return err
	}
	b.invalidateIndex()
	return nil
}

func (b *Backend) removeFile(key string) error {
	if err := os.Remove(b.path(key)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("%w: remove %s: %v", cache.ErrBackendIO, key, err)
	}
	b.invalidateIndex()
	return nil
}

// Delete unlinks the entry's file. A missing file is not an error.
func (b *Backend) Delete(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(b.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("%w: stat %s: %v", cache.ErrBackendIO, key, err)
	}
	if err := b.removeFile(key); err != nil {
		return false, err
	}
	return true, nil
}

// Clear removes every entry file in the directory.
func (b *Backend) Clear(ctx context.Context) error {
	keys, err := b.listKeys()
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := b.removeFile(k); err != nil {
			return err
		}
	}
	return nil
}

// listKeys performs a full, always-correct directory listing.
func (b *Backend) listKeys() ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", cache.ErrBackendIO, b.dir, err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, entrySuffix) {
			continue
		}
		key := strings.TrimSuffix(name, entrySuffix)
		if key == sentinelKey {
			continue
		}
		out = append(out, key)
	}
	sort.Strings(out)
	return out, nil
}

// Keys lists all keys, serving from the fsnotify-invalidated cache when
// valid and falling back to a full listing otherwise.
func (b *Backend) Keys(ctx context.Context) ([]string, error) {
	b.indexMu.Lock()
	if b.indexValid {
		keys := append([]string(nil), b.cachedKeys...)
		b.indexMu.Unlock()
		return keys, nil
	}
	b.indexMu.Unlock()

	keys, err := b.listKeys()
	if err != nil {
		return nil, err
	}

	b.indexMu.Lock()
	b.cachedKeys = keys
	b.indexValid = true
	b.indexMu.Unlock()

	return append([]string(nil), keys...), nil
}

// Size returns the current entry count.
func (b *Backend) Size(ctx context.Context) (int, error) {
	keys, err := b.Keys(ctx)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Has reports liveness of key, honoring TTL, without mutating access
// metadata.
func (b *Backend) Has(ctx context.Context, key string) (bool, error) {
	entry, err := b.readEntry(key)
	if err != nil {
		return false, err
	}
	if entry == nil {
		return false, nil
	}
	now := nowMs()
	if entry.IsExpired(now) {
		if err := b.removeFile(key); err != nil {
			return false, err
		}
		b.emit(cache.Event{Type: cache.EventEvict, Key: key, Reason: cache.EvictReasonTTL, AtMs: now})
		return false, nil
	}
	return true, nil
}

// Cleanup loads every entry (dropping lazily-expired ones via readEntry's
// sibling logic in Get), then, if the directory's aggregate byte usage
// exceeds the configured quota, deletes entries in the order observed
// until within quota. This is "evict opportunistically when over quota",
// not a strict cross-filesystem LRU.
func (b *Backend) Cleanup(ctx context.Context) (int, error) {
	keys, err := b.listKeys()
	if err != nil {
		return 0, err
	}

	expired := 0
	var live []string
	var liveSizes []int64
	var total int64
	for _, key := range keys {
		entry, err := b.readEntry(key)
		if err != nil {
			return expired, err
		}
		if entry == nil {
			continue
		}
		now := nowMs()
		if entry.IsExpired(now) {
			if err := b.removeFile(key); err != nil {
				return expired, err
			}
			b.emit(cache.Event{Type: cache.EventEvict, Key: key, Reason: cache.EvictReasonTTL, AtMs: now})
			expired++
			continue
		}
		live = append(live, key)
		liveSizes = append(liveSizes, entry.SizeBytes)
		total += entry.SizeBytes
	}

	for i := 0; i < len(live) && total > b.maxUsage; i++ {
		if err := b.removeFile(live[i]); err != nil {
			return expired, err
		}
		total -= liveSizes[i]
		b.emit(cache.Event{Type: cache.EventEvict, Key: live[i], Reason: cache.EvictReasonLRU, AtMs: nowMs()})
	}

	return expired, nil
}

// HealthCheck writes, reads, and deletes a sentinel entry.
func (b *Backend) HealthCheck(ctx context.Context) error {
	probe := &cache.Entry{
		Key:            sentinelKey,
		Response:       cache.Response{Data: []byte("ok")},
		CreatedAt:      nowMs(),
		LastAccessedAt: nowMs(),
	}
	if err := b.writeEntry(sentinelKey, probe); err != nil {
		return err
	}
	got, err := b.readEntry(sentinelKey)
	if err != nil {
		return err
	}
	if got == nil {
		return fmt.Errorf("%w: sentinel entry missing after write", cache.ErrBackendIO)
	}
	return b.removeFile(sentinelKey)
}

// Close stops the watch and cleanup loops and releases the fsnotify handle.
func (b *Backend) Close() error {
	close(b.stopCh)
	b.ticker.Stop()
	err := b.watcher.Close()
	b.wg.Wait()
	return err
}

var _ cache.Backend = (*Backend)(nil)
