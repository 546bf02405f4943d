// Package warmer prepopulates a cache Manager from a declarative list of
// warmup queries, fetching misses from an upstream collaborator.
package warmer

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	internalcache "github.com/respcache/respcache/internal/cache"
	"github.com/respcache/respcache/pkg/cache"
)

// WarmupQuery describes a single response to prime in the cache.
type WarmupQuery struct {
	Prompt     string
	Model      string
	Provider   string
	Parameters *cache.GenerationParams
	Priority   int
}

// Fetcher is the upstream collaborator invoked on a warmup miss. The warmer
// treats it as an opaque asynchronous function and is indifferent to how it
// produces a response.
type Fetcher interface {
	Fetch(ctx context.Context, q WarmupQuery) (cache.Response, error)
}

// Config controls batching and throttling of warmup runs.
type Config struct {
	BatchSize int
	// RatePerSecond throttles fetcher invocations across a batch; zero
	// disables throttling.
	RatePerSecond float64
	Logger        *slog.Logger
}

// Warmer drives a Manager's Get/Set path from a query list and a Fetcher.
type Warmer struct {
	manager   *internalcache.Manager
	fetcher   Fetcher
	batchSize int
	limiter   *rate.Limiter
	logger    *slog.Logger

	stopBackground chan struct{}
	backgroundDone chan struct{}
	backgroundOnce sync.Once
}

// RunStats summarizes one warm() invocation.
type RunStats struct {
	RunID     string
	Total     int
	Hits      int
	Fetched   int
	Errors    int
	StartedAt time.Time
	Elapsed   time.Duration
}

// New constructs a Warmer. A BatchSize <= 0 defaults to 10.
func New(manager *internalcache.Manager, fetcher Fetcher, cfg Config) *Warmer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 10
	}

	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), batchSize)
	}

	return &Warmer{
		manager:   manager,
		fetcher:   fetcher,
		batchSize: batchSize,
		limiter:   limiter,
		logger:    logger,
	}
}

// Warm sorts queries by descending priority (stable, ties broken by input
// order) and processes them in sequential batches of BatchSize, each batch
// fanning out concurrently. A query already satisfied by the cache is
// skipped without invoking the fetcher; a fetcher error is logged and does
// not abort the batch.
func (w *Warmer) Warm(ctx context.Context, queries []WarmupQuery) RunStats {
	runID := uuid.New().String()
	start := time.Now()

	sorted := make([]WarmupQuery, len(queries))
	copy(sorted, queries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})

	stats := RunStats{RunID: runID, Total: len(sorted), StartedAt: start}

	for start := 0; start < len(sorted); start += w.batchSize {
		end := start + w.batchSize
		if end > len(sorted) {
			end = len(sorted)
		}
		w.runBatch(ctx, runID, sorted[start:end], &stats)
	}

	stats.Elapsed = time.Since(start)
	w.logger.Info("warmer run complete",
		"run_id", runID,
		"total", stats.Total,
		"hits", stats.Hits,
		"fetched", stats.Fetched,
		"errors", stats.Errors,
		"elapsed", stats.Elapsed,
	)
	return stats
}

// runBatch processes one batch concurrently; it never holds a lock across
// the fetcher call.
func (w *Warmer) runBatch(ctx context.Context, runID string, batch []WarmupQuery, stats *RunStats) {
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, q := range batch {
		q := q
		wg.Add(1)
		go func() {
			defer wg.Done()

			if w.limiter != nil {
				if err := w.limiter.Wait(ctx); err != nil {
					return
				}
			}

			hit, err := w.warmOne(ctx, q)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				stats.Errors++
				w.logger.Warn("warmup query failed",
					"run_id", runID, "model", q.Model, "provider", q.Provider, "error", err)
				return
			}
			if hit {
				stats.Hits++
			} else {
				stats.Fetched++
			}
		}()
	}

	wg.Wait()
}

func (w *Warmer) warmOne(ctx context.Context, q WarmupQuery) (hit bool, err error) {
	content, err := json.Marshal(q.Prompt)
	if err != nil {
		return false, err
	}
	messages := []cache.Message{{Role: cache.RoleUser, Content: content}}

	result := w.manager.Get(ctx, messages, q.Model, q.Provider, q.Parameters, false)
	if result.Hit {
		return true, nil
	}

	resp, err := w.fetcher.Fetch(ctx, q)
	if err != nil {
		return false, err
	}

	w.manager.Set(ctx, messages, q.Model, q.Provider, resp, q.Parameters, nil)
	return false, nil
}

// RunBackground re-invokes Warm at a fixed interval until Stop is called or
// ctx is canceled.
func (w *Warmer) RunBackground(ctx context.Context, queries []WarmupQuery, interval time.Duration) {
	w.stopBackground = make(chan struct{})
	w.backgroundDone = make(chan struct{})

	go func() {
		defer close(w.backgroundDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stopBackground:
				return
			case <-ticker.C:
				w.Warm(ctx, queries)
			}
		}
	}()
}

// Stop halts a background warmup loop started by RunBackground. A no-op if
// RunBackground was never called.
func (w *Warmer) Stop() {
	w.backgroundOnce.Do(func() {
		if w.stopBackground == nil {
			return
		}
		close(w.stopBackground)
		<-w.backgroundDone
	})
}
