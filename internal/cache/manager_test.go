package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/respcache/respcache/pkg/cache"
)

func newManager(t *testing.T, mutate func(*cache.Config)) *Manager {
	t.Helper()
	cfg := cache.DefaultConfig()
	cfg.MaxEntries = 100
	cfg.MaxSizeBytes = 1 << 20
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := New(context.Background(), cfg, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func msgs(text string) []cache.Message {
	return []cache.Message{{Role: cache.RoleUser, Content: []byte(`"` + text + `"`)}}
}

func TestNew_RejectsBadConfig(t *testing.T) {
	cfg := cache.DefaultConfig()
	cfg.MaxEntries = 0
	_, err := New(context.Background(), cfg, Options{})
	require.ErrorIs(t, err, cache.ErrConfiguration)
}

func TestNew_RejectsUnsupportedBackend(t *testing.T) {
	cfg := cache.DefaultConfig()
	cfg.MaxEntries, cfg.MaxSizeBytes = 10, 1024
	cfg.Backend = cache.BackendKind("bogus")
	_, err := New(context.Background(), cfg, Options{})
	require.ErrorIs(t, err, cache.ErrConfiguration)
}

func TestNew_DiskBackendRequiresCachePath(t *testing.T) {
	cfg := cache.DefaultConfig()
	cfg.MaxEntries, cfg.MaxSizeBytes = 10, 1024
	cfg.Backend = cache.BackendDisk
	_, err := New(context.Background(), cfg, Options{})
	require.ErrorIs(t, err, cache.ErrConfiguration)
}

func TestManager_GetSetRoundTrip(t *testing.T) {
	m := newManager(t, nil)
	ctx := context.Background()

	miss := m.Get(ctx, msgs("hello"), "gpt-4o", "openai", nil, false)
	assert.False(t, miss.Hit)

	m.Set(ctx, msgs("hello"), "gpt-4o", "openai", cache.Response{Data: []byte("world")}, nil, nil)

	hit := m.Get(ctx, msgs("hello"), "gpt-4o", "openai", nil, false)
	require.True(t, hit.Hit)
	assert.Equal(t, []byte("world"), hit.Data)
}

func TestManager_Determinism_SamePromptSameKey(t *testing.T) {
	m := newManager(t, nil)
	ctx := context.Background()
	m.Set(ctx, msgs("Hello World"), "gpt-4o", "openai", cache.Response{Data: []byte("a")}, nil, nil)
	hit := m.Get(ctx, msgs("hello   world"), "gpt-4o", "openai", nil, false)
	require.True(t, hit.Hit)
	assert.Equal(t, []byte("a"), hit.Data)
}

func TestManager_ModelSensitivity(t *testing.T) {
	m := newManager(t, nil)
	ctx := context.Background()
	m.Set(ctx, msgs("hi"), "gpt-4o", "openai", cache.Response{Data: []byte("a")}, nil, nil)
	miss := m.Get(ctx, msgs("hi"), "gpt-4o-mini", "openai", nil, false)
	assert.False(t, miss.Hit)
}

func TestManager_ProviderSensitivity(t *testing.T) {
	m := newManager(t, nil)
	ctx := context.Background()
	m.Set(ctx, msgs("hi"), "gpt-4o", "openai", cache.Response{Data: []byte("a")}, nil, nil)
	miss := m.Get(ctx, msgs("hi"), "gpt-4o", "azure", nil, false)
	assert.False(t, miss.Hit)
}

func TestManager_ParameterSensitivity(t *testing.T) {
	m := newManager(t, nil)
	ctx := context.Background()
	temp1, temp2 := 0.2, 0.9
	m.Set(ctx, msgs("hi"), "gpt-4o", "openai", cache.Response{Data: []byte("a")}, &cache.GenerationParams{Temperature: &temp1}, nil)
	miss := m.Get(ctx, msgs("hi"), "gpt-4o", "openai", &cache.GenerationParams{Temperature: &temp2}, false)
	assert.False(t, miss.Hit)
	hit := m.Get(ctx, msgs("hi"), "gpt-4o", "openai", &cache.GenerationParams{Temperature: &temp1}, false)
	assert.True(t, hit.Hit)
}

func TestManager_BypassSkipsBackend(t *testing.T) {
	m := newManager(t, nil)
	ctx := context.Background()
	m.Set(ctx, msgs("hi"), "gpt-4o", "openai", cache.Response{Data: []byte("a")}, nil, nil)
	result := m.Get(ctx, msgs("hi"), "gpt-4o", "openai", nil, true)
	assert.False(t, result.Hit)
}

func TestManager_DisabledCacheNeverHits(t *testing.T) {
	m := newManager(t, func(c *cache.Config) { c.Enabled = false })
	ctx := context.Background()
	m.Set(ctx, msgs("hi"), "gpt-4o", "openai", cache.Response{Data: []byte("a")}, nil, nil)
	result := m.Get(ctx, msgs("hi"), "gpt-4o", "openai", nil, false)
	assert.False(t, result.Hit)
	assert.Zero(t, m.GetSize(ctx))
}

func TestManager_NeverExpireWhenTTLZero(t *testing.T) {
	m := newManager(t, func(c *cache.Config) { c.DefaultTTL = 0 })
	ctx := context.Background()
	m.Set(ctx, msgs("hi"), "gpt-4o", "openai", cache.Response{Data: []byte("a")}, nil, nil)
	hit := m.Get(ctx, msgs("hi"), "gpt-4o", "openai", nil, false)
	require.True(t, hit.Hit)
	assert.Zero(t, hit.Entry.TTL)
	assert.Zero(t, hit.Entry.ExpiresAt)
}

func TestManager_ExplicitTTLOverridesDefault(t *testing.T) {
	m := newManager(t, nil)
	ctx := context.Background()
	ttl := int64(30)
	m.Set(ctx, msgs("hi"), "gpt-4o", "openai", cache.Response{Data: []byte("a")}, nil, &ttl)
	hit := m.Get(ctx, msgs("hi"), "gpt-4o", "openai", nil, false)
	require.True(t, hit.Hit)
	assert.Equal(t, int64(30), hit.Entry.TTL)
}

func TestManager_DeleteRemovesEntry(t *testing.T) {
	m := newManager(t, nil)
	ctx := context.Background()
	m.Set(ctx, msgs("hi"), "gpt-4o", "openai", cache.Response{Data: []byte("a")}, nil, nil)
	assert.Equal(t, 1, m.GetSize(ctx))

	key := m.GetKeys(ctx)[0]
	removed := m.Delete(ctx, key)
	assert.True(t, removed)
	assert.False(t, m.Delete(ctx, key))
	assert.Zero(t, m.GetSize(ctx))
}

func TestManager_ClearResetsEntriesAndSize(t *testing.T) {
	m := newManager(t, nil)
	ctx := context.Background()
	m.Set(ctx, msgs("a"), "gpt-4o", "openai", cache.Response{Data: []byte("1")}, nil, nil)
	m.Set(ctx, msgs("b"), "gpt-4o", "openai", cache.Response{Data: []byte("2")}, nil, nil)
	require.Equal(t, int64(2), m.GetStats().Entries)

	m.Clear(ctx)
	assert.Zero(t, m.GetSize(ctx))
	stats := m.GetStats()
	assert.Zero(t, stats.Entries)
	assert.Zero(t, stats.SizeBytes)
}

func TestManager_LRUEvictionBound(t *testing.T) {
	m := newManager(t, func(c *cache.Config) { c.MaxEntries = 2 })
	ctx := context.Background()
	m.Set(ctx, msgs("a"), "gpt-4o", "openai", cache.Response{Data: []byte("1")}, nil, nil)
	m.Set(ctx, msgs("b"), "gpt-4o", "openai", cache.Response{Data: []byte("2")}, nil, nil)
	m.Set(ctx, msgs("c"), "gpt-4o", "openai", cache.Response{Data: []byte("3")}, nil, nil)

	assert.LessOrEqual(t, m.GetSize(ctx), 2)
	assert.False(t, m.Get(ctx, msgs("a"), "gpt-4o", "openai", nil, false).Hit)

	stats := m.GetStats()
	assert.Equal(t, int64(1), stats.Evictions)
	assert.Equal(t, int64(2), stats.Entries)
}

func TestManager_InPlaceReplacementDoesNotDoubleCountEntries(t *testing.T) {
	m := newManager(t, nil)
	ctx := context.Background()
	m.Set(ctx, msgs("hi"), "gpt-4o", "openai", cache.Response{Data: []byte("short")}, nil, nil)
	m.Set(ctx, msgs("hi"), "gpt-4o", "openai", cache.Response{Data: []byte("a much longer payload")}, nil, nil)

	stats := m.GetStats()
	assert.Equal(t, int64(1), stats.Entries)
	assert.Equal(t, int64(len("a much longer payload")), stats.SizeBytes)
}

func TestManager_TTLExpirationTracksAsExpirationNotEviction(t *testing.T) {
	m := newManager(t, nil)
	ctx := context.Background()
	ttl := int64(1)
	m.Set(ctx, msgs("hi"), "gpt-4o", "openai", cache.Response{Data: []byte("a")}, nil, &ttl)

	require.Eventually(t, func() bool {
		return !m.Get(ctx, msgs("hi"), "gpt-4o", "openai", nil, false).Hit
	}, 3*time.Second, 10*time.Millisecond)

	stats := m.GetStats()
	assert.Equal(t, int64(1), stats.Expirations)
	assert.Zero(t, stats.Evictions)
	assert.Zero(t, stats.Entries)
}

func TestManager_StatsHitRateAndLatencyAverages(t *testing.T) {
	m := newManager(t, nil)
	ctx := context.Background()
	m.Set(ctx, msgs("hi"), "gpt-4o", "openai", cache.Response{Data: []byte("a"), PromptTokens: 10, CompletionTokens: 5}, nil, nil)

	m.Get(ctx, msgs("hi"), "gpt-4o", "openai", nil, false)
	m.Get(ctx, msgs("miss"), "gpt-4o", "openai", nil, false)

	stats := m.GetStats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate, 1e-9)
	assert.Equal(t, int64(15), stats.TokensSaved)
	assert.GreaterOrEqual(t, stats.AvgHitLatencyMs, 0.0)
	assert.GreaterOrEqual(t, stats.AvgMissOverheadMs, 0.0)
}

func TestManager_MetricsDisabledStillServesButSkipsStats(t *testing.T) {
	m := newManager(t, func(c *cache.Config) { c.EnableMetrics = false })
	ctx := context.Background()
	m.Set(ctx, msgs("hi"), "gpt-4o", "openai", cache.Response{Data: []byte("a")}, nil, nil)

	hit := m.Get(ctx, msgs("hi"), "gpt-4o", "openai", nil, false)
	require.True(t, hit.Hit)

	stats := m.GetStats()
	assert.Zero(t, stats.Hits)
	assert.Zero(t, stats.Entries)
	assert.Zero(t, stats.SizeBytes)
}

func TestManager_ResetStats(t *testing.T) {
	m := newManager(t, nil)
	ctx := context.Background()
	m.Set(ctx, msgs("hi"), "gpt-4o", "openai", cache.Response{Data: []byte("a")}, nil, nil)
	m.Get(ctx, msgs("hi"), "gpt-4o", "openai", nil, false)

	m.ResetStats()
	stats := m.GetStats()
	assert.Zero(t, stats.Hits)
	assert.Zero(t, stats.Misses)
}

func TestManager_EventsEmittedExactlyOnce(t *testing.T) {
	m := newManager(t, nil)
	ctx := context.Background()

	var hits, sets int
	m.Events().On(cache.EventHit, func(cache.Event) { hits++ })
	m.Events().On(cache.EventSet, func(cache.Event) { sets++ })

	m.Set(ctx, msgs("hi"), "gpt-4o", "openai", cache.Response{Data: []byte("a")}, nil, nil)
	m.Get(ctx, msgs("hi"), "gpt-4o", "openai", nil, false)

	assert.Equal(t, 1, sets)
	assert.Equal(t, 1, hits)
}

func TestManager_HealthCheck(t *testing.T) {
	m := newManager(t, nil)
	assert.NoError(t, m.HealthCheck(context.Background()))
}

func TestManager_CleanupRemovesExpiredAndReturnsCount(t *testing.T) {
	m := newManager(t, nil)
	ctx := context.Background()
	ttl := int64(1)
	m.Set(ctx, msgs("a"), "gpt-4o", "openai", cache.Response{Data: []byte("1")}, nil, &ttl)
	m.Set(ctx, msgs("b"), "gpt-4o", "openai", cache.Response{Data: []byte("2")}, nil, nil)

	time.Sleep(1200 * time.Millisecond)

	removed := m.Cleanup(ctx)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, m.GetSize(ctx))
}

func TestManager_Close_StopsSweeperIdempotently(t *testing.T) {
	m := newManager(t, nil)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}
