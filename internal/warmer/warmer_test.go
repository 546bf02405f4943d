package warmer

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internalcache "github.com/respcache/respcache/internal/cache"
	"github.com/respcache/respcache/pkg/cache"
)

type stubFetcher struct {
	calls   int32
	failFor string
}

func (f *stubFetcher) Fetch(ctx context.Context, q WarmupQuery) (cache.Response, error) {
	atomic.AddInt32(&f.calls, 1)
	if q.Prompt == f.failFor {
		return cache.Response{}, fmt.Errorf("upstream unavailable for %s", q.Prompt)
	}
	return cache.Response{Data: []byte("resp:" + q.Prompt)}, nil
}

func newManager(t *testing.T) *internalcache.Manager {
	t.Helper()
	cfg := cache.DefaultConfig()
	cfg.MaxEntries = 1000
	cfg.MaxSizeBytes = 1 << 20
	m, err := internalcache.New(context.Background(), cfg, internalcache.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestWarmer_FetchesMissesAndSkipsHits(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	m.Set(ctx, []cache.Message{{Role: cache.RoleUser, Content: []byte(`"already cached"`)}}, "gpt-4o", "openai", cache.Response{Data: []byte("cached")}, nil, nil)

	fetcher := &stubFetcher{}
	w := New(m, fetcher, Config{BatchSize: 2})

	stats := w.Warm(ctx, []WarmupQuery{
		{Prompt: "already cached", Model: "gpt-4o", Provider: "openai", Priority: 1},
		{Prompt: "new prompt", Model: "gpt-4o", Provider: "openai", Priority: 5},
	})

	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Hits)
	assert.Equal(t, 1, stats.Fetched)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fetcher.calls))

	result := m.Get(ctx, []cache.Message{{Role: cache.RoleUser, Content: []byte(`"new prompt"`)}}, "gpt-4o", "openai", nil, false)
	require.True(t, result.Hit)
	assert.Equal(t, []byte("resp:new prompt"), result.Data)
}

func TestWarmer_ErrorsDoNotAbortBatch(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	fetcher := &stubFetcher{failFor: "broken"}
	w := New(m, fetcher, Config{BatchSize: 3})

	stats := w.Warm(ctx, []WarmupQuery{
		{Prompt: "broken", Model: "gpt-4o", Provider: "openai", Priority: 1},
		{Prompt: "fine-a", Model: "gpt-4o", Provider: "openai", Priority: 1},
		{Prompt: "fine-b", Model: "gpt-4o", Provider: "openai", Priority: 1},
	})

	assert.Equal(t, 1, stats.Errors)
	assert.Equal(t, 2, stats.Fetched)

	result := m.Get(ctx, []cache.Message{{Role: cache.RoleUser, Content: []byte(`"fine-a"`)}}, "gpt-4o", "openai", nil, false)
	assert.True(t, result.Hit)
}

func TestWarmer_ProcessesInDescendingPriorityOrder(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	var order []string
	fetcher := fetchOrderRecorder{record: &order}
	w := New(m, fetcher, Config{BatchSize: 1})

	w.Warm(ctx, []WarmupQuery{
		{Prompt: "low", Model: "gpt-4o", Provider: "openai", Priority: 1},
		{Prompt: "high", Model: "gpt-4o", Provider: "openai", Priority: 10},
		{Prompt: "mid", Model: "gpt-4o", Provider: "openai", Priority: 5},
	})

	require.Equal(t, []string{"high", "mid", "low"}, order)
}

type fetchOrderRecorder struct {
	record *[]string
}

func (f fetchOrderRecorder) Fetch(ctx context.Context, q WarmupQuery) (cache.Response, error) {
	*f.record = append(*f.record, q.Prompt)
	return cache.Response{Data: []byte("ok")}, nil
}

func TestWarmer_BackgroundRunsUntilStopped(t *testing.T) {
	m := newManager(t)
	// The fetch for "x" always fails, so the query never becomes a cache hit
	// and every background run reaches the fetcher again.
	fetcher := &stubFetcher{failFor: "x"}
	w := New(m, fetcher, Config{BatchSize: 1})

	w.RunBackground(context.Background(), []WarmupQuery{
		{Prompt: "x", Model: "gpt-4o", Provider: "openai", Priority: 1},
	}, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&fetcher.calls) >= 2
	}, time.Second, 5*time.Millisecond)

	w.Stop()
	callsAtStop := atomic.LoadInt32(&fetcher.calls)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, callsAtStop, atomic.LoadInt32(&fetcher.calls))
}
