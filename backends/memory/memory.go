// Package memory implements the in-memory Backend: a hash map over an
// arena-indexed doubly linked list giving expected O(1) get/set/delete with
// LRU eviction bounded by both entry count and byte size.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/respcache/respcache/pkg/cache"
)

const sentinel = int32(-1)

// node is one slot in the arena. A node is either live (referenced from
// index and the prev/next chain) or sitting on the free list awaiting
// reuse; reused slots are re-linked rather than reallocated.
type node struct {
	key        string
	entry      *cache.Entry
	prev, next int32
}

// Config configures a Backend.
type Config struct {
	MaxEntries   int
	MaxSizeBytes int64
	Logger       *slog.Logger
	OnEvent      func(cache.Event)
}

// Backend is the memory-resident LRU cache. Its hash map, linked list, and
// running byte counter form a single critical section guarded by one
// mutex; splitting them would let the list order drift from the map.
type Backend struct {
	mu sync.Mutex

	nodes []node
	index map[string]int32
	free  []int32
	head  int32 // most-recently-used
	tail  int32 // least-recently-used

	maxEntries   int
	maxSizeBytes int64
	currentSize  int64

	logger  *slog.Logger
	onEvent func(cache.Event)
}

// New constructs a memory Backend with the given bounds.
func New(cfg Config) *Backend {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.MaxSizeBytes <= 0 {
		cfg.MaxSizeBytes = 256 * 1024 * 1024
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		index:        make(map[string]int32),
		head:         sentinel,
		tail:         sentinel,
		maxEntries:   cfg.MaxEntries,
		maxSizeBytes: cfg.MaxSizeBytes,
		logger:       logger,
		onEvent:      cfg.OnEvent,
	}
}

func nowMs() int64 { return time.Now().UnixNano() / int64(time.Millisecond) }

// --- doubly linked list splice helpers (caller holds mu) ---

func (b *Backend) unlink(idx int32) {
	n := &b.nodes[idx]
	if n.prev != sentinel {
		b.nodes[n.prev].next = n.next
	} else {
		b.head = n.next
	}
	if n.next != sentinel {
		b.nodes[n.next].prev = n.prev
	} else {
		b.tail = n.prev
	}
	n.prev, n.next = sentinel, sentinel
}

func (b *Backend) pushFront(idx int32) {
	n := &b.nodes[idx]
	n.prev = sentinel
	n.next = b.head
	if b.head != sentinel {
		b.nodes[b.head].prev = idx
	}
	b.head = idx
	if b.tail == sentinel {
		b.tail = idx
	}
}

func (b *Backend) moveToFront(idx int32) {
	if b.head == idx {
		return
	}
	b.unlink(idx)
	b.pushFront(idx)
}

func (b *Backend) allocate(key string, entry *cache.Entry) int32 {
	var idx int32
	if n := len(b.free); n > 0 {
		idx = b.free[n-1]
		b.free = b.free[:n-1]
		b.nodes[idx] = node{key: key, entry: entry}
	} else {
		idx = int32(len(b.nodes))
		b.nodes = append(b.nodes, node{key: key, entry: entry})
	}
	b.index[key] = idx
	return idx
}

func (b *Backend) removeIdx(idx int32) {
	key := b.nodes[idx].key
	b.unlink(idx)
	delete(b.index, key)
	b.nodes[idx] = node{}
	b.free = append(b.free, idx)
}

// evictTail removes the LRU (tail) entry for capacity reasons and reports
// whether one was removed.
func (b *Backend) evictTail() bool {
	if b.tail == sentinel {
		return false
	}
	idx := b.tail
	size := b.nodes[idx].entry.SizeBytes
	key := b.nodes[idx].key
	b.removeIdx(idx)
	b.currentSize -= size
	b.emit(cache.Event{Type: cache.EventEvict, Key: key, Reason: cache.EvictReasonLRU, AtMs: nowMs()})
	return true
}

func (b *Backend) emit(ev cache.Event) {
	if b.onEvent != nil {
		b.onEvent(ev)
	}
}

// Get returns the entry for key, promoting it to MRU, or ok=false on a
// clean (or lazily-expired) miss.
func (b *Backend) Get(ctx context.Context, key string) (*cache.Entry, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx, ok := b.index[key]
	if !ok {
		return nil, false, nil
	}
	entry := b.nodes[idx].entry
	now := nowMs()
	if entry.IsExpired(now) {
		size := entry.SizeBytes
		b.removeIdx(idx)
		b.currentSize -= size
		b.emit(cache.Event{Type: cache.EventEvict, Key: key, Reason: cache.EvictReasonTTL, AtMs: now})
		return nil, false, nil
	}

	entry.LastAccessedAt = now
	entry.AccessCount++
	b.moveToFront(idx)

	return entry.Clone(), true, nil
}

// Set inserts or in-place replaces the entry at key. Capacity eviction
// runs before inserting a brand-new entry; replacement never evicts.
func (b *Backend) Set(ctx context.Context, key string, entry *cache.Entry) error {
	stored := entry.Clone()

	b.mu.Lock()
	defer b.mu.Unlock()

	if idx, ok := b.index[key]; ok {
		oldSize := b.nodes[idx].entry.SizeBytes
		b.nodes[idx].entry = stored
		b.currentSize += stored.SizeBytes - oldSize
		b.moveToFront(idx)
		return nil
	}

	for len(b.index) >= b.maxEntries || b.currentSize+stored.SizeBytes > b.maxSizeBytes {
		if !b.evictTail() {
			// Nothing left to evict (or a single oversized entry): admit
			// anyway. Best-effort byte bound for one oversized entry is the
			// chosen policy, not a rejection.
			break
		}
	}

	idx := b.allocate(key, stored)
	b.pushFront(idx)
	b.currentSize += stored.SizeBytes

	return nil
}

// Delete removes key, reporting whether an entry was actually removed.
func (b *Backend) Delete(ctx context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx, ok := b.index[key]
	if !ok {
		return false, nil
	}
	size := b.nodes[idx].entry.SizeBytes
	b.removeIdx(idx)
	b.currentSize -= size
	return true, nil
}

// Clear removes every entry and resets internal bookkeeping.
func (b *Backend) Clear(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nodes = nil
	b.index = make(map[string]int32)
	b.free = nil
	b.head, b.tail = sentinel, sentinel
	b.currentSize = 0
	return nil
}

// Keys lists all keys currently stored.
func (b *Backend) Keys(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.index))
	for k := range b.index {
		out = append(out, k)
	}
	return out, nil
}

// Size returns the current entry count.
func (b *Backend) Size(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.index), nil
}

// Has reports liveness of key, honoring TTL, without promoting it to MRU.
func (b *Backend) Has(ctx context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx, ok := b.index[key]
	if !ok {
		return false, nil
	}
	entry := b.nodes[idx].entry
	now := nowMs()
	if entry.IsExpired(now) {
		size := entry.SizeBytes
		b.removeIdx(idx)
		b.currentSize -= size
		b.emit(cache.Event{Type: cache.EventEvict, Key: key, Reason: cache.EvictReasonTTL, AtMs: now})
		return false, nil
	}
	return true, nil
}

// Cleanup scans every entry once and removes those that are expired,
// returning the number removed.
func (b *Backend) Cleanup(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := nowMs()
	var expired []int32
	for idx := range b.nodes {
		n := &b.nodes[idx]
		if n.entry == nil {
			continue // free-listed slot
		}
		if n.entry.IsExpired(now) {
			expired = append(expired, int32(idx))
		}
	}
	for _, idx := range expired {
		size := b.nodes[idx].entry.SizeBytes
		key := b.nodes[idx].key
		b.removeIdx(idx)
		b.currentSize -= size
		b.emit(cache.Event{Type: cache.EventEvict, Key: key, Reason: cache.EvictReasonTTL, AtMs: now})
	}
	return len(expired), nil
}

// HealthCheck always succeeds: the memory backend has no external
// dependency to probe.
func (b *Backend) HealthCheck(ctx context.Context) error {
	return nil
}

// Close clears the store. The memory backend holds no other resources.
func (b *Backend) Close() error {
	return b.Clear(context.Background())
}

var _ cache.Backend = (*Backend)(nil)
