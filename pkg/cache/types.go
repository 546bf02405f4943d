// Package cache defines the data model and backend contract for the
// response-cache subsystem: the wire types exchanged with callers (messages,
// generation parameters, responses), the stored Entry and its statistics,
// and the Backend interface every storage implementation must satisfy.
package cache

import (
	"context"

	"github.com/goccy/go-json"
)

// Role is the closed set of chat-message roles the key generator flattens.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleFunction  Role = "function"
)

// ContentPart is one typed segment of a multi-part message content array,
// e.g. {"type":"text","text":"..."} or {"type":"image_url",...}. Only "text"
// (or untyped) parts contribute to the flattened prompt; other part types
// contribute empty text.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Message is a single entry in the ordered conversation the key generator
// flattens. Content may unmarshal as a plain JSON string or as a
// []ContentPart; FlattenText handles both.
type Message struct {
	Role    Role            `json:"role"`
	Content json.RawMessage `json:"content"`
	Name    string          `json:"name,omitempty"`
}

// FlattenText extracts the plain-text content of a message, mirroring the
// "text or typed parts" shape generation APIs use. A non-string,
// non-content-part payload is treated as empty text rather than an error.
func (m Message) FlattenText() string {
	if len(m.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}
	var parts []ContentPart
	if err := json.Unmarshal(m.Content, &parts); err == nil {
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p.Type == "" || p.Type == "text" {
				out = append(out, p.Text)
			}
		}
		return joinSpace(out)
	}
	return ""
}

func joinSpace(parts []string) string {
	if len(parts) == 0 {
		return ""
	}
	n := len(parts) - 1
	for _, p := range parts {
		n += len(p)
	}
	b := make([]byte, 0, n)
	for i, p := range parts {
		if i > 0 {
			b = append(b, ' ')
		}
		b = append(b, p...)
	}
	return string(b)
}

// StopSequence is a union of a single stop string or an ordered list of
// stop strings, preserved exactly in the form the caller supplied it.
type StopSequence struct {
	single *string
	list   []string
}

// NewStopString builds a single-string StopSequence.
func NewStopString(s string) *StopSequence { return &StopSequence{single: &s} }

// NewStopList builds an ordered-list StopSequence.
func NewStopList(list []string) *StopSequence { return &StopSequence{list: list} }

// MarshalJSON preserves the original shape: a bare string or a JSON array.
func (s StopSequence) MarshalJSON() ([]byte, error) {
	if s.single != nil {
		return json.Marshal(*s.single)
	}
	if s.list != nil {
		return json.Marshal(s.list)
	}
	return []byte("null"), nil
}

// UnmarshalJSON accepts either a bare string or a JSON array of strings.
func (s *StopSequence) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		s.single = &str
		s.list = nil
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		s.list = list
		s.single = nil
		return nil
	}
	return ErrDeserialization
}

// Equal reports whether two stop sequences are the same value in the same
// shape (a list and an equal single-element string are NOT considered
// equal, matching "preserve as given").
func (s *StopSequence) Equal(o *StopSequence) bool {
	if s == nil || o == nil {
		return s == o
	}
	if s.single != nil || o.single != nil {
		return s.single != nil && o.single != nil && *s.single == *o.single
	}
	if len(s.list) != len(o.list) {
		return false
	}
	for i := range s.list {
		if s.list[i] != o.list[i] {
			return false
		}
	}
	return true
}

// GenerationParams is the full set of generation parameters a caller may
// supply; only the cache-sensitive subset (everything but Extra) is honored
// by key derivation, per the normalization policy in the key generator.
type GenerationParams struct {
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	TopK             *int            `json:"top_k,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	Stop             *StopSequence   `json:"stop,omitempty"`
	ResponseFormat   json.RawMessage `json:"response_format,omitempty"`

	// Extra holds fields the core is deliberately indifferent to for key
	// purposes: user identifiers, streaming timeouts, provider-specific
	// knobs that do not affect the generated content.
	Extra map[string]json.RawMessage `json:"-"`
}

// Response is the opaque, byte-serializable payload the core persists,
// plus the token/usage fields cost estimation and metadata operate on.
type Response struct {
	Data             []byte            `json:"data"`
	PromptTokens     int               `json:"prompt_tokens,omitempty"`
	CompletionTokens int               `json:"completion_tokens,omitempty"`
	Tags             map[string]string `json:"tags,omitempty"`
}

// EntryMetadata carries informational (non-load-bearing) bookkeeping.
type EntryMetadata struct {
	PromptTokens     int               `json:"prompt_tokens,omitempty"`
	CompletionTokens int               `json:"completion_tokens,omitempty"`
	EstimatedCostUSD float64           `json:"estimated_cost_usd,omitempty"`
	Tags             map[string]string `json:"tags,omitempty"`
}

// Entry is the atomic unit of storage. Field invariants: TTL==0 iff
// ExpiresAt==0; LastAccessedAt >= CreatedAt; Key is a pure function of
// (normalized prompt, model, provider, canonical parameters).
type Entry struct {
	Key            string           `json:"key"`
	Response       Response         `json:"response"`
	PromptHash     string           `json:"prompt_hash"`
	Model          string           `json:"model"`
	Provider       string           `json:"provider"`
	Parameters     GenerationParams `json:"parameters"`
	CreatedAt      int64            `json:"created_at"`       // ms
	LastAccessedAt int64            `json:"last_accessed_at"` // ms
	AccessCount    int64            `json:"access_count"`
	TTL            int64            `json:"ttl"`        // seconds; 0 = never expires
	ExpiresAt      int64            `json:"expires_at"` // ms; 0 when TTL==0
	SizeBytes      int64            `json:"size_bytes"`
	Metadata       EntryMetadata    `json:"metadata"`
}

// Clone returns a deep-enough copy safe for a caller to mutate without
// corrupting backend-owned state (the Data slice is copied; GenerationParams
// and Tags maps, being read-mostly caller-supplied, are shared).
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	cp := *e
	if e.Response.Data != nil {
		cp.Response.Data = append([]byte(nil), e.Response.Data...)
	}
	return &cp
}

// IsExpired reports whether the entry has passed its TTL as of nowMs.
func (e *Entry) IsExpired(nowMs int64) bool {
	return e.TTL > 0 && e.ExpiresAt > 0 && e.ExpiresAt <= nowMs
}

// Stats holds the manager-owned cache statistics, reset on Clear or an
// explicit ResetStats.
type Stats struct {
	Hits              int64   `json:"hits"`
	Misses            int64   `json:"misses"`
	HitRate           float64 `json:"hit_rate"`
	Entries           int64   `json:"entries"`
	SizeBytes         int64   `json:"size_bytes"`
	AvgHitLatencyMs   float64 `json:"avg_hit_latency_ms"`
	AvgMissOverheadMs float64 `json:"avg_miss_overhead_ms"`
	TokensSaved       int64   `json:"tokens_saved"`
	CostSavedUSD      float64 `json:"cost_saved_usd"`
	Evictions         int64   `json:"evictions"`
	Expirations       int64   `json:"expirations"`
	LastResetAt       int64   `json:"last_reset_at"` // ms
}

// BackendKind selects which concrete Backend the manager constructs.
type BackendKind string

const (
	BackendMemory  BackendKind = "memory"
	BackendNetwork BackendKind = "network"
	BackendDisk    BackendKind = "disk"
)

// KeyNormalization controls the prompt-normalization policy applied before
// hashing.
type KeyNormalization struct {
	NormalizeWhitespace bool `yaml:"normalize_whitespace"`
	CaseSensitive       bool `yaml:"case_sensitive"`
	IgnorePunctuation   bool `yaml:"ignore_punctuation"`
	SortJSONKeys        bool `yaml:"sort_json_keys"`
}

// DefaultKeyNormalization collapses whitespace, folds case, keeps
// punctuation, and sorts JSON keys.
func DefaultKeyNormalization() KeyNormalization {
	return KeyNormalization{
		NormalizeWhitespace: true,
		CaseSensitive:       false,
		IgnorePunctuation:   false,
		SortJSONKeys:        true,
	}
}

// NetworkBackendConfig configures the distributed (network-store) backend.
type NetworkBackendConfig struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	Password           string `yaml:"password"`
	VaultPath          string `yaml:"vault_path"` // overrides Password when set
	DB                 int    `yaml:"db"`
	KeyPrefix          string `yaml:"key_prefix"`
	ConnectionTimeoutS int    `yaml:"connection_timeout_seconds"`
	EnableCompression  bool   `yaml:"enable_compression"`
}

// DiskBackendConfig configures the filesystem backend.
type DiskBackendConfig struct {
	CachePath         string `yaml:"cache_path"`
	CleanupIntervalS  int    `yaml:"cleanup_interval_seconds"`
	MaxDiskUsageBytes int64  `yaml:"max_disk_usage_bytes"`
	EnableCompression bool   `yaml:"enable_compression"`
}

// Config is the manager's immutable configuration, constructed once and
// never mutated afterward.
type Config struct {
	Enabled          bool                 `yaml:"enabled"`
	MaxEntries       int                  `yaml:"max_entries"`
	MaxSizeBytes     int64                `yaml:"max_size_bytes"`
	DefaultTTL       int64                `yaml:"default_ttl"` // seconds; 0 = never expire
	Backend          BackendKind          `yaml:"backend"`
	NetworkBackend   NetworkBackendConfig `yaml:"network_backend"`
	DiskBackend      DiskBackendConfig    `yaml:"disk_backend"`
	EnableMetrics    bool                 `yaml:"enable_metrics"`
	KeyNormalization KeyNormalization     `yaml:"key_normalization"`
}

// DefaultConfig returns sensible defaults: a 10k-entry, 256MB in-memory
// cache with a one-hour default TTL.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		MaxEntries:       10_000,
		MaxSizeBytes:     256 * 1024 * 1024,
		DefaultTTL:       3600,
		Backend:          BackendMemory,
		EnableMetrics:    true,
		KeyNormalization: DefaultKeyNormalization(),
	}
}

// EventType names the events the manager emits.
type EventType string

const (
	EventHit          EventType = "cache:hit"
	EventMiss         EventType = "cache:miss"
	EventSet          EventType = "cache:set"
	EventEvict        EventType = "cache:evict"
	EventClear        EventType = "cache:clear"
	EventBackendError EventType = "backend:error"
)

// EvictReason explains why an entry left the cache.
type EvictReason string

const (
	EvictReasonLRU    EvictReason = "lru"
	EvictReasonTTL    EvictReason = "ttl"
	EvictReasonManual EvictReason = "manual"
)

// Event is the payload delivered to event-stream subscribers.
type Event struct {
	Type      EventType
	Key       string
	LatencyMs float64
	SizeBytes int64
	Reason    EvictReason
	Err       error
	AtMs      int64
}

// Backend is the capability set every storage implementation satisfies:
// memory, disk, and network backends are interchangeable through this
// interface. All operations may fail with a backend-specific error; the
// manager degrades such failures to misses and no-ops rather than
// propagating them.
type Backend interface {
	// Get returns the entry for key, or ok=false on a clean miss (absent
	// or lazily-expired). Must bump LastAccessedAt/AccessCount and, for the
	// memory backend, promote the entry to MRU as part of a successful Get.
	Get(ctx context.Context, key string) (entry *Entry, ok bool, err error)

	// Set inserts or in-place replaces the entry at key.
	Set(ctx context.Context, key string, entry *Entry) error

	// Delete removes key, reporting whether an entry was actually removed.
	Delete(ctx context.Context, key string) (removed bool, err error)

	// Clear removes every entry.
	Clear(ctx context.Context) error

	// Keys lists all keys currently stored (expired-but-not-yet-swept keys
	// may be included; callers needing liveness should use Has or Get).
	Keys(ctx context.Context) ([]string, error)

	// Size returns the current entry count.
	Size(ctx context.Context) (int, error)

	// Has reports liveness of key, honoring TTL.
	Has(ctx context.Context, key string) (bool, error)

	// Cleanup sweeps expired entries (and, for quota-bound backends,
	// opportunistically reduces over-quota usage) and returns the number
	// of entries removed for expiration.
	Cleanup(ctx context.Context) (removed int, err error)

	// HealthCheck verifies the backend is reachable and functioning.
	HealthCheck(ctx context.Context) error

	// Close releases resources held by the backend.
	Close() error
}
