package secret

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingProvider struct {
	calls int
	value string
}

func (p *countingProvider) Get(ctx context.Context, path string) (string, error) {
	p.calls++
	return p.value, nil
}

func (p *countingProvider) Close() error { return nil }

func TestCachedProvider_ServesRepeatedCallsFromCache(t *testing.T) {
	inner := &countingProvider{value: "s3cr3t"}
	cp := NewCachedProvider(inner, time.Minute)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		got, err := cp.Get(ctx, "vault://secret/data/redis#password")
		require.NoError(t, err)
		assert.Equal(t, "s3cr3t", got)
	}

	assert.Equal(t, 1, inner.calls, "repeated Get calls within the TTL should hit the cache, not the inner provider")
}

func TestCachedProvider_RefetchesAfterExpiry(t *testing.T) {
	inner := &countingProvider{value: "s3cr3t"}
	cp := NewCachedProvider(inner, 10*time.Millisecond)

	ctx := context.Background()
	_, err := cp.Get(ctx, "env://REDIS_PASSWORD")
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	_, err = cp.Get(ctx, "env://REDIS_PASSWORD")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)
}

func TestCachedProvider_CloseDelegatesToInner(t *testing.T) {
	inner := &stubProvider{}
	cp := NewCachedProvider(inner, time.Minute)
	require.NoError(t, cp.Close())
	assert.True(t, inner.closed)
}
