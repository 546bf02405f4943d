package disk

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/respcache/respcache/pkg/cache"
)

func newTestBackend(t *testing.T, cfg Config) *Backend {
	t.Helper()
	cfg.Dir = t.TempDir()
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = time.Hour // disable the autonomous loop for deterministic tests
	}
	b, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func entry(key string, size int64, ttlSeconds int64) *cache.Entry {
	now := nowMs()
	e := &cache.Entry{
		Key:            key,
		Response:       cache.Response{Data: []byte(key)},
		CreatedAt:      now,
		LastAccessedAt: now,
		SizeBytes:      size,
		TTL:            ttlSeconds,
	}
	if ttlSeconds > 0 {
		e.ExpiresAt = now + ttlSeconds*1000
	}
	return e
}

func TestBackend_GetSetRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t, Config{MaxDiskUsageBytes: 1 << 20})

	require.NoError(t, b.Set(ctx, "k1", entry("k1", 10, 0)))

	got, ok, err := b.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("k1"), got.Response.Data)
	assert.Equal(t, int64(1), got.AccessCount)
}

func TestBackend_GetMissing(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t, Config{})

	_, ok, err := b.Get(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBackend_TTLExpiration(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t, Config{})

	e := entry("k", 10, 1)
	now := time.Now().UnixNano() / int64(time.Millisecond)
	e.CreatedAt = now - 1500
	e.ExpiresAt = e.CreatedAt + 1000
	require.NoError(t, b.Set(ctx, "k", e))

	_, ok, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBackend_DeleteAndClear(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t, Config{})

	require.NoError(t, b.Set(ctx, "a", entry("a", 10, 0)))

	removed, err := b.Delete(ctx, "a")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = b.Delete(ctx, "a")
	require.NoError(t, err)
	assert.False(t, removed)

	require.NoError(t, b.Set(ctx, "b", entry("b", 10, 0)))
	require.NoError(t, b.Set(ctx, "c", entry("c", 10, 0)))
	require.NoError(t, b.Clear(ctx))

	size, err := b.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, size)
}

func TestBackend_KeysExcludesSentinelAndTmp(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t, Config{})

	require.NoError(t, b.Set(ctx, "a", entry("a", 10, 0)))
	require.NoError(t, b.Set(ctx, "b", entry("b", 10, 0)))
	require.NoError(t, b.HealthCheck(ctx))
	require.NoError(t, os.WriteFile(filepath.Join(b.dir, "c"+entrySuffix+".tmp"), []byte("partial"), 0o644))

	keys, err := b.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, keys)
}

func TestBackend_Cleanup_RemovesExpired(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t, Config{})

	now := time.Now().UnixNano() / int64(time.Millisecond)
	expired := entry("expired", 10, 1)
	expired.CreatedAt = now - 5000
	expired.ExpiresAt = expired.CreatedAt + 1000
	require.NoError(t, b.Set(ctx, "expired", expired))
	require.NoError(t, b.Set(ctx, "fresh", entry("fresh", 10, 0)))

	removed, err := b.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	size, err := b.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

func TestBackend_Cleanup_EnforcesQuota(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t, Config{MaxDiskUsageBytes: 25})

	require.NoError(t, b.Set(ctx, "a", entry("a", 10, 0)))
	require.NoError(t, b.Set(ctx, "b", entry("b", 10, 0)))
	require.NoError(t, b.Set(ctx, "c", entry("c", 10, 0)))

	_, err := b.Cleanup(ctx)
	require.NoError(t, err)

	size, err := b.Size(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, size, 2)
}

func TestBackend_HealthCheck(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t, Config{})

	require.NoError(t, b.HealthCheck(ctx))

	keys, err := b.Keys(ctx)
	require.NoError(t, err)
	assert.NotContains(t, keys, sentinelKey)
}

func TestBackend_MalformedFileTreatedAsMiss(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t, Config{})

	require.NoError(t, os.WriteFile(filepath.Join(b.dir, "broken"+entrySuffix), []byte("not json"), 0o644))

	_, ok, err := b.Get(ctx, "broken")
	require.NoError(t, err)
	assert.False(t, ok)
}
