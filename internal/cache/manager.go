// Package cache orchestrates key generation and backend dispatch: the
// Manager is the single entry point callers use instead of talking to a
// Backend directly, and the only place in the module allowed to construct
// one from configuration.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/respcache/respcache/backends/disk"
	"github.com/respcache/respcache/backends/memory"
	"github.com/respcache/respcache/backends/network"
	"github.com/respcache/respcache/internal/pricing"
	"github.com/respcache/respcache/internal/secret"
	"github.com/respcache/respcache/internal/tracing"
	"github.com/respcache/respcache/pkg/cache"
)

const sweepInterval = 5 * time.Minute

// GetResult is the outcome of Manager.Get.
type GetResult struct {
	Hit       bool
	Data      []byte
	Entry     *cache.Entry
	LatencyMs float64
}

// Manager validates configuration, constructs the key generator and the
// configured Backend, owns statistics, and runs the periodic sweeper.
type Manager struct {
	cfg          cache.Config
	keygen       *cache.KeyGenerator
	backend      cache.Backend
	backendLabel string
	bus          *cache.EventBus
	prices       *pricing.Estimator
	logger       *slog.Logger
	tracer       trace.Tracer

	statsMu sync.Mutex
	stats   cache.Stats
	// running sums backing the accumulators in stats; kept separately so
	// the reported averages are exact means, not averages-of-averages.
	hitLatencySumMs   float64
	missOverheadSumMs float64
	// entrySizes tracks the size last recorded for each live key, so a
	// removal event (evict or manual delete) can adjust Entries/SizeBytes
	// without a second backend round-trip.
	entrySizes map[string]int64

	stopSweep chan struct{}
	sweepDone chan struct{}
	closeOnce sync.Once
}

// Options bundles the collaborators a Manager needs beyond its Config.
type Options struct {
	Logger  *slog.Logger
	Secrets *secret.Manager
	Rates   []pricing.ModelRate
	// Tracer, when set, wraps every backend get/set/cleanup in a span.
	Tracer trace.Tracer
}

// New validates cfg, constructs the configured backend, and starts the
// periodic sweeper. Returns ErrConfiguration (the only error the manager
// ever raises to a caller) when cfg names an unsupported backend or omits
// backend-specific required fields.
func New(ctx context.Context, cfg cache.Config, opts Options) (*Manager, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.MaxEntries <= 0 {
		return nil, fmt.Errorf("%w: max_entries must be positive", cache.ErrConfiguration)
	}
	if cfg.MaxSizeBytes <= 0 {
		return nil, fmt.Errorf("%w: max_size_bytes must be positive", cache.ErrConfiguration)
	}

	bus := cache.NewEventBus()

	var backend cache.Backend
	var err error
	switch cfg.Backend {
	case cache.BackendMemory, "":
		backend = memory.New(memory.Config{
			MaxEntries:   cfg.MaxEntries,
			MaxSizeBytes: cfg.MaxSizeBytes,
			Logger:       logger,
			OnEvent:      bus.Emit,
		})
	case cache.BackendDisk:
		if cfg.DiskBackend.CachePath == "" {
			return nil, fmt.Errorf("%w: disk backend requires disk_backend.cache_path", cache.ErrConfiguration)
		}
		backend, err = disk.New(disk.Config{
			Dir:               cfg.DiskBackend.CachePath,
			CleanupInterval:   time.Duration(cfg.DiskBackend.CleanupIntervalS) * time.Second,
			MaxDiskUsageBytes: cfg.DiskBackend.MaxDiskUsageBytes,
			Logger:            logger,
			OnEvent:           bus.Emit,
		})
	case cache.BackendNetwork:
		if cfg.NetworkBackend.Host == "" {
			return nil, fmt.Errorf("%w: network backend requires network_backend.host", cache.ErrConfiguration)
		}
		backend, err = network.New(ctx, network.Config{
			Addr:        fmt.Sprintf("%s:%d", cfg.NetworkBackend.Host, cfg.NetworkBackend.Port),
			Password:    cfg.NetworkBackend.Password,
			PasswordRef: cfg.NetworkBackend.VaultPath,
			DB:          cfg.NetworkBackend.DB,
			Namespace:   cfg.NetworkBackend.KeyPrefix,
			DialTimeout: time.Duration(cfg.NetworkBackend.ConnectionTimeoutS) * time.Second,
			Secrets:     opts.Secrets,
			Logger:      logger,
			OnEvent:     bus.Emit,
		})
	default:
		return nil, fmt.Errorf("%w: unsupported backend kind %q", cache.ErrConfiguration, cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: construct %s backend: %v", cache.ErrConfiguration, cfg.Backend, err)
	}

	backendLabel := string(cfg.Backend)
	if backendLabel == "" {
		backendLabel = string(cache.BackendMemory)
	}

	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("respcache")
	}

	m := &Manager{
		cfg:          cfg,
		keygen:       cache.NewKeyGenerator(cfg.KeyNormalization),
		backend:      backend,
		backendLabel: backendLabel,
		bus:          bus,
		prices:       pricing.NewEstimator(opts.Rates),
		logger:       logger,
		tracer:       tracer,
		entrySizes:   make(map[string]int64),
		stopSweep:    make(chan struct{}),
		sweepDone:    make(chan struct{}),
	}
	m.stats.LastResetAt = nowMs()

	bus.On(cache.EventEvict, m.onRemoved)

	go m.sweepLoop()

	return m, nil
}

// Events returns the manager's event bus for subscribers (metrics,
// tracing, logging sinks).
func (m *Manager) Events() *cache.EventBus { return m.bus }

func nowMs() int64 { return time.Now().UnixNano() / int64(time.Millisecond) }

func (m *Manager) sweepLoop() {
	defer close(m.sweepDone)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopSweep:
			return
		case <-ticker.C:
			m.Cleanup(context.Background())
		}
	}
}

// Get derives the cache key and consults the backend. Disabled caching or
// an explicit bypass short-circuits to a miss without touching the
// backend. Backend errors are silenced into a miss plus a backend:error
// event, per the failure-semantics policy.
func (m *Manager) Get(ctx context.Context, messages []cache.Message, model, provider string, params *cache.GenerationParams, bypass bool) GetResult {
	start := time.Now()

	if !m.cfg.Enabled || bypass {
		return GetResult{Hit: false, LatencyMs: msSince(start)}
	}

	key, err := m.keygen.Generate(messages, model, provider, params)
	if err != nil {
		return GetResult{Hit: false, LatencyMs: msSince(start)}
	}

	bctx, span := m.startSpan(ctx, "get", key)
	entry, ok, err := m.backend.Get(bctx, key)
	span.End()
	latency := msSince(start)
	if err != nil {
		m.bus.Emit(cache.Event{Type: cache.EventBackendError, Key: key, Err: err, AtMs: nowMs()})
		m.recordMiss(latency)
		return GetResult{Hit: false, LatencyMs: latency}
	}
	if !ok {
		m.bus.Emit(cache.Event{Type: cache.EventMiss, Key: key, AtMs: nowMs()})
		m.recordMiss(latency)
		return GetResult{Hit: false, LatencyMs: latency}
	}

	m.bus.Emit(cache.Event{Type: cache.EventHit, Key: key, LatencyMs: latency, AtMs: nowMs()})
	m.recordHit(latency, entry)

	return GetResult{Hit: true, Data: entry.Response.Data, Entry: entry, LatencyMs: latency}
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}

// startSpan wraps a single backend operation in a span. With no tracer
// configured this is a no-op span, so call sites never branch.
func (m *Manager) startSpan(ctx context.Context, op, key string) (context.Context, trace.Span) {
	return tracing.StartBackendSpan(ctx, m.tracer, m.backendLabel, op, key)
}

// Set derives the key, stamps timestamps/TTL/size/metadata, and writes
// through the backend. A no-op when caching is disabled.
func (m *Manager) Set(ctx context.Context, messages []cache.Message, model, provider string, resp cache.Response, params *cache.GenerationParams, ttl *int64) {
	if !m.cfg.Enabled {
		return
	}

	key, err := m.keygen.Generate(messages, model, provider, params)
	if err != nil {
		return
	}
	promptHash := m.keygen.PromptHash(messages)

	effectiveTTL := m.cfg.DefaultTTL
	if ttl != nil {
		effectiveTTL = *ttl
	}

	now := nowMs()
	var expiresAt int64
	if effectiveTTL > 0 {
		expiresAt = now + effectiveTTL*1000
	}

	var p cache.GenerationParams
	if params != nil {
		p = *params
	}

	entry := &cache.Entry{
		Key:            key,
		Response:       resp,
		PromptHash:     promptHash,
		Model:          model,
		Provider:       provider,
		Parameters:     p,
		CreatedAt:      now,
		LastAccessedAt: now,
		AccessCount:    0,
		TTL:            effectiveTTL,
		ExpiresAt:      expiresAt,
		SizeBytes:      estimateSize(resp),
		Metadata: cache.EntryMetadata{
			PromptTokens:     resp.PromptTokens,
			CompletionTokens: resp.CompletionTokens,
			EstimatedCostUSD: m.prices.Estimate(model, resp.PromptTokens, resp.CompletionTokens),
			Tags:             resp.Tags,
		},
	}

	bctx, span := m.startSpan(ctx, "set", key)
	err = m.backend.Set(bctx, key, entry)
	span.End()
	if err != nil {
		m.bus.Emit(cache.Event{Type: cache.EventBackendError, Key: key, Err: err, AtMs: now})
		return
	}

	m.recordSet(key, entry.SizeBytes)
	m.bus.Emit(cache.Event{Type: cache.EventSet, Key: key, SizeBytes: entry.SizeBytes, AtMs: now})
}

func estimateSize(resp cache.Response) int64 {
	return int64(len(resp.Data))
}

// Delete removes key, emitting a manual eviction when one was present.
func (m *Manager) Delete(ctx context.Context, key string) bool {
	removed, err := m.backend.Delete(ctx, key)
	if err != nil {
		m.bus.Emit(cache.Event{Type: cache.EventBackendError, Key: key, Err: err, AtMs: nowMs()})
		return false
	}
	if removed {
		m.bus.Emit(cache.Event{Type: cache.EventEvict, Key: key, Reason: cache.EvictReasonManual, AtMs: nowMs()})
	}
	return removed
}

// Clear empties the backend and resets all statistics.
func (m *Manager) Clear(ctx context.Context) {
	if err := m.backend.Clear(ctx); err != nil {
		m.bus.Emit(cache.Event{Type: cache.EventBackendError, Err: err, AtMs: nowMs()})
		return
	}
	m.statsMu.Lock()
	m.stats = cache.Stats{LastResetAt: nowMs()}
	m.hitLatencySumMs = 0
	m.missOverheadSumMs = 0
	m.entrySizes = make(map[string]int64)
	m.statsMu.Unlock()
	m.bus.Emit(cache.Event{Type: cache.EventClear, AtMs: nowMs()})
}

// GetKeys lists all keys in the backend.
func (m *Manager) GetKeys(ctx context.Context) []string {
	keys, err := m.backend.Keys(ctx)
	if err != nil {
		m.bus.Emit(cache.Event{Type: cache.EventBackendError, Err: err, AtMs: nowMs()})
		return nil
	}
	return keys
}

// Entries lists the live entries currently stored, for snapshot export. A
// key that disappears between listing and fetch (a concurrent delete or
// expiration) is silently omitted.
func (m *Manager) Entries(ctx context.Context) []*cache.Entry {
	keys := m.GetKeys(ctx)
	entries := make([]*cache.Entry, 0, len(keys))
	for _, key := range keys {
		entry, ok, err := m.backend.Get(ctx, key)
		if err != nil || !ok {
			continue
		}
		entries = append(entries, entry)
	}
	return entries
}

// SetEntry writes entry through the backend under its own Key, without
// re-deriving the key from prompt inputs. Snapshot import uses this to
// reproduce the exact stored key, since a snapshot carries PromptHash
// rather than the original messages.
func (m *Manager) SetEntry(ctx context.Context, entry *cache.Entry) {
	if !m.cfg.Enabled {
		return
	}
	if err := m.backend.Set(ctx, entry.Key, entry); err != nil {
		m.bus.Emit(cache.Event{Type: cache.EventBackendError, Key: entry.Key, Err: err, AtMs: nowMs()})
		return
	}
	m.recordSet(entry.Key, entry.SizeBytes)
	m.bus.Emit(cache.Event{Type: cache.EventSet, Key: entry.Key, SizeBytes: entry.SizeBytes, AtMs: nowMs()})
}

// GetSize reports the current entry count.
func (m *Manager) GetSize(ctx context.Context) int {
	size, err := m.backend.Size(ctx)
	if err != nil {
		m.bus.Emit(cache.Event{Type: cache.EventBackendError, Err: err, AtMs: nowMs()})
		return 0
	}
	return size
}

// HealthCheck probes the backend.
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.backend.HealthCheck(ctx); err != nil {
		m.bus.Emit(cache.Event{Type: cache.EventBackendError, Err: err, AtMs: nowMs()})
		return err
	}
	return nil
}

// Cleanup sweeps expired (and, for quota-bound backends, over-quota)
// entries and returns the backend's count of expired entries removed.
func (m *Manager) Cleanup(ctx context.Context) int {
	// Expiration accounting happens in onRemoved, driven by the EventEvict
	// the backend emits for each entry it drops; Cleanup itself only
	// forwards the backend's count.
	bctx, span := m.startSpan(ctx, "cleanup", "")
	removed, err := m.backend.Cleanup(bctx)
	span.End()
	if err != nil {
		m.bus.Emit(cache.Event{Type: cache.EventBackendError, Err: err, AtMs: nowMs()})
		return 0
	}
	return removed
}

// GetStats returns a snapshot with recomputed hit rate and running means.
func (m *Manager) GetStats() cache.Stats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()

	s := m.stats
	total := s.Hits + s.Misses
	if total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	} else {
		s.HitRate = 0
	}
	if s.Hits > 0 {
		s.AvgHitLatencyMs = m.hitLatencySumMs / float64(s.Hits)
	}
	if s.Misses > 0 {
		s.AvgMissOverheadMs = m.missOverheadSumMs / float64(s.Misses)
	}
	return s
}

// ResetStats reinitializes all counters and accumulators.
func (m *Manager) ResetStats() {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	m.stats = cache.Stats{LastResetAt: nowMs()}
	m.hitLatencySumMs = 0
	m.missOverheadSumMs = 0
}

// GetConfig returns a read-only copy of the manager's configuration.
func (m *Manager) GetConfig() cache.Config {
	return m.cfg
}

func (m *Manager) recordHit(latencyMs float64, entry *cache.Entry) {
	if !m.cfg.EnableMetrics {
		return
	}
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	m.stats.Hits++
	m.hitLatencySumMs += latencyMs
	if entry != nil {
		m.stats.TokensSaved += int64(entry.Metadata.PromptTokens + entry.Metadata.CompletionTokens)
		m.stats.CostSavedUSD += entry.Metadata.EstimatedCostUSD
	}
}

func (m *Manager) recordMiss(latencyMs float64) {
	if !m.cfg.EnableMetrics {
		return
	}
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	m.stats.Misses++
	m.missOverheadSumMs += latencyMs
}

// recordSet folds a successful write into the entry/size totals, treating
// an existing key as an in-place replacement (no entry-count change, only
// a size delta) rather than a new insertion.
func (m *Manager) recordSet(key string, sizeBytes int64) {
	if !m.cfg.EnableMetrics {
		return
	}
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	if old, replacing := m.entrySizes[key]; replacing {
		m.stats.SizeBytes += sizeBytes - old
	} else {
		m.stats.Entries++
		m.stats.SizeBytes += sizeBytes
	}
	m.entrySizes[key] = sizeBytes
}

// onRemoved is the event-bus subscriber for every removal path (manual
// delete, LRU eviction, TTL expiration), wherever it originates: the
// manager's own Delete, or a backend's autonomous eviction/cleanup. It is
// the single place Entries/SizeBytes are decremented and
// Evictions/Expirations are incremented.
func (m *Manager) onRemoved(ev cache.Event) {
	if !m.cfg.EnableMetrics {
		return
	}
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	size, ok := m.entrySizes[ev.Key]
	if !ok {
		return
	}
	delete(m.entrySizes, ev.Key)
	m.stats.Entries--
	m.stats.SizeBytes -= size
	switch ev.Reason {
	case cache.EvictReasonLRU:
		m.stats.Evictions++
	case cache.EvictReasonTTL:
		m.stats.Expirations++
	}
}

// Close stops the sweeper and releases the backend.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.stopSweep)
		<-m.sweepDone
		err = m.backend.Close()
	})
	return err
}
