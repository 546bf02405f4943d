// Package network implements the distributed Backend: a Redis-backed store
// supporting single-node, cluster, and sentinel topologies, with
// server-side TTL and an optional Vault-resolved password.
package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	goredis "github.com/redis/go-redis/v9"

	"github.com/respcache/respcache/internal/secret"
	"github.com/respcache/respcache/pkg/cache"
)

const healthCheckKey = "__health_check__"

// Config holds connection settings for the distributed backend. Exactly one
// of Addr, ClusterAddrs, or SentinelAddrs selects the client topology.
type Config struct {
	Addr     string
	Password string
	// PasswordRef, if set, is resolved through secret.Manager (e.g.
	// "vault://secret/data/respcache#redis_password") instead of using
	// Password directly. Resolution happens once, at New.
	PasswordRef string
	DB          int

	ClusterAddrs []string

	SentinelAddrs  []string
	SentinelMaster string

	Namespace    string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	MinIdleConns int
	MaxRetries   int

	Secrets *secret.Manager
	Logger  *slog.Logger
	OnEvent func(cache.Event)
}

// Backend is the Redis-backed cache store.
type Backend struct {
	client    goredis.UniversalClient
	namespace string
	logger    *slog.Logger
	onEvent   func(cache.Event)
}

// New resolves credentials, builds the appropriate go-redis client for the
// configured topology, and verifies connectivity with a PING.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 3 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 3 * time.Second
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 10
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	password := cfg.Password
	if cfg.PasswordRef != "" {
		if cfg.Secrets == nil {
			return nil, fmt.Errorf("%w: password_ref set without a secret manager", cache.ErrConfiguration)
		}
		resolved, err := cfg.Secrets.Get(ctx, cfg.PasswordRef)
		if err != nil {
			return nil, fmt.Errorf("%w: resolve redis password: %v", cache.ErrConfiguration, err)
		}
		password = resolved
	}

	var client goredis.UniversalClient
	switch {
	case len(cfg.ClusterAddrs) > 0:
		client = goredis.NewClusterClient(&goredis.ClusterOptions{
			Addrs:        cfg.ClusterAddrs,
			Password:     password,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			PoolSize:     cfg.PoolSize,
			MinIdleConns: cfg.MinIdleConns,
			MaxRetries:   cfg.MaxRetries,
		})
	case len(cfg.SentinelAddrs) > 0:
		client = goredis.NewFailoverClient(&goredis.FailoverOptions{
			MasterName:    cfg.SentinelMaster,
			SentinelAddrs: cfg.SentinelAddrs,
			Password:      password,
			DB:            cfg.DB,
			DialTimeout:   cfg.DialTimeout,
			ReadTimeout:   cfg.ReadTimeout,
			WriteTimeout:  cfg.WriteTimeout,
			PoolSize:      cfg.PoolSize,
			MinIdleConns:  cfg.MinIdleConns,
			MaxRetries:    cfg.MaxRetries,
		})
	default:
		if cfg.Addr == "" {
			return nil, fmt.Errorf("%w: network backend requires addr, cluster_addrs, or sentinel_addrs", cache.ErrConfiguration)
		}
		client = goredis.NewClient(&goredis.Options{
			Addr:         cfg.Addr,
			Password:     password,
			DB:           cfg.DB,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			PoolSize:     cfg.PoolSize,
			MinIdleConns: cfg.MinIdleConns,
			MaxRetries:   cfg.MaxRetries,
		})
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("%w: redis ping: %v", cache.ErrBackendUnavailable, err)
	}

	return &Backend{
		client:    client,
		namespace: cfg.Namespace,
		logger:    logger,
		onEvent:   cfg.OnEvent,
	}, nil
}

// NewFromClient wraps an already-constructed go-redis client, primarily so
// tests can point the backend at a miniredis instance without going through
// topology selection.
func NewFromClient(client goredis.UniversalClient, namespace string) *Backend {
	return &Backend{client: client, namespace: namespace, logger: slog.Default()}
}

func (b *Backend) emit(ev cache.Event) {
	if b.onEvent != nil {
		b.onEvent(ev)
	}
}

func (b *Backend) prefixKey(key string) string {
	if b.namespace == "" {
		return key
	}
	return b.namespace + ":" + key
}

// Get fetches and deserializes the entry at key, checking local expiry as a
// belt-and-braces measure even though Redis's own TTL is authoritative.
func (b *Backend) Get(ctx context.Context, key string) (*cache.Entry, bool, error) {
	data, err := b.client.Get(ctx, b.prefixKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: redis get: %v", cache.ErrBackendIO, err)
	}

	var entry cache.Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		// A corrupted value is indistinguishable from a miss to the caller;
		// drop it so it doesn't keep failing to deserialize.
		_ = b.client.Del(ctx, b.prefixKey(key)).Err()
		return nil, false, nil
	}

	now := time.Now().UnixNano() / int64(time.Millisecond)
	if entry.IsExpired(now) {
		_ = b.client.Del(ctx, b.prefixKey(key)).Err()
		b.emit(cache.Event{Type: cache.EventEvict, Key: key, Reason: cache.EvictReasonTTL, AtMs: now})
		return nil, false, nil
	}

	entry.LastAccessedAt = now
	entry.AccessCount++
	data, err = json.Marshal(&entry)
	if err == nil {
		ttl := remainingTTL(&entry, now)
		if err := b.client.Set(ctx, b.prefixKey(key), data, ttl).Err(); err != nil {
			b.logger.Warn("redis access-metadata refresh failed", "key", key, "error", err)
		}
	}

	return entry.Clone(), true, nil
}

// remainingTTL returns the go-redis duration to apply to key: 0 (no
// expiration) when the entry never expires, else the remaining time until
// ExpiresAt, floored at one second so a nearly-expired entry is not written
// back with a zero or negative TTL (which go-redis treats as "no expiry").
func remainingTTL(entry *cache.Entry, nowMs int64) time.Duration {
	if entry.ExpiresAt == 0 {
		return 0
	}
	remaining := time.Duration(entry.ExpiresAt-nowMs) * time.Millisecond
	if remaining < time.Second {
		return time.Second
	}
	return remaining
}

// Set serializes entry and writes it with server-side TTL via SET ... EX.
func (b *Backend) Set(ctx context.Context, key string, entry *cache.Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("%w: marshal entry: %v", cache.ErrDeserialization, err)
	}

	ttl := time.Duration(0)
	if entry.ExpiresAt != 0 {
		now := time.Now().UnixNano() / int64(time.Millisecond)
		ttl = remainingTTL(entry, now)
	}

	if err := b.client.Set(ctx, b.prefixKey(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: redis set: %v", cache.ErrBackendIO, err)
	}
	return nil
}

// Delete removes key, reporting whether it previously existed.
func (b *Backend) Delete(ctx context.Context, key string) (bool, error) {
	n, err := b.client.Del(ctx, b.prefixKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: redis del: %v", cache.ErrBackendIO, err)
	}
	return n > 0, nil
}

// Clear removes every key under this backend's namespace using a cursor
// scan plus pipelined deletes, so it never blocks the server with KEYS.
func (b *Backend) Clear(ctx context.Context) error {
	keys, err := b.scanKeys(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = b.prefixKey(k)
	}
	if err := b.client.Del(ctx, prefixed...).Err(); err != nil {
		return fmt.Errorf("%w: redis del: %v", cache.ErrBackendIO, err)
	}
	return nil
}

func (b *Backend) scanPattern() string {
	if b.namespace == "" {
		return "*"
	}
	return b.namespace + ":*"
}

func (b *Backend) scanKeys(ctx context.Context) ([]string, error) {
	var out []string
	iter := b.client.Scan(ctx, 0, b.scanPattern(), 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if b.namespace != "" {
			key = key[len(b.namespace)+1:]
		}
		if key == healthCheckKey {
			continue
		}
		out = append(out, key)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: redis scan: %v", cache.ErrBackendIO, err)
	}
	return out, nil
}

// Keys lists all keys visible under this backend's namespace via SCAN.
func (b *Backend) Keys(ctx context.Context) ([]string, error) {
	return b.scanKeys(ctx)
}

// Size reports the current key count within the namespace.
func (b *Backend) Size(ctx context.Context) (int, error) {
	keys, err := b.scanKeys(ctx)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Has reports existence without deserializing the value.
func (b *Backend) Has(ctx context.Context, key string) (bool, error) {
	n, err := b.client.Exists(ctx, b.prefixKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: redis exists: %v", cache.ErrBackendIO, err)
	}
	return n > 0, nil
}

// Cleanup is a near no-op: Redis enforces TTL server-side, so there is
// nothing for the caller to sweep. How many namespaced keys expired since
// the last call is not tracked, so Cleanup always returns 0 here and exists
// only to satisfy the Backend contract uniformly across implementations.
func (b *Backend) Cleanup(ctx context.Context) (int, error) {
	return 0, nil
}

// HealthCheck performs a PING against the server.
func (b *Backend) HealthCheck(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: redis ping: %v", cache.ErrBackendUnavailable, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (b *Backend) Close() error {
	return b.client.Close()
}

var _ cache.Backend = (*Backend)(nil)
