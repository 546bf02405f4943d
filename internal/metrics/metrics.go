// Package metrics provides Prometheus instrumentation for cache operations,
// mirroring the counter/histogram vocabulary used elsewhere in the gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/respcache/respcache/pkg/cache"
)

const namespace = "respcache"

// SizeBuckets defines histogram buckets for cached entry size, in bytes.
var SizeBuckets = []float64{
	256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304,
}

// LatencyBuckets defines histogram buckets for backend operation latency,
// in seconds.
var LatencyBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
}

// Collector holds the cache subsystem's Prometheus instruments. Each
// Collector registers into its own Registerer rather than the global
// default, so a process can run more than one Manager (as tests do)
// without duplicate-registration panics.
type Collector struct {
	Hits      *prometheus.CounterVec
	Misses    *prometheus.CounterVec
	Sets      *prometheus.CounterVec
	Evictions *prometheus.CounterVec
	Errors    *prometheus.CounterVec

	EntrySize     prometheus.Histogram
	OperationTime *prometheus.HistogramVec
}

// NewCollector constructs and registers a Collector. A nil reg creates the
// instruments without registering them anywhere.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		Hits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits by backend.",
		}, []string{"backend"}),

		Misses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses by backend.",
		}, []string{"backend"}),

		Sets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_sets_total",
			Help:      "Total number of cache writes by backend.",
		}, []string{"backend"}),

		Evictions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Total number of cache evictions by backend and reason.",
		}, []string{"backend", "reason"}),

		Errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_backend_errors_total",
			Help:      "Total number of backend errors by backend.",
		}, []string{"backend"}),

		EntrySize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cache_entry_size_bytes",
			Help:      "Distribution of cached entry sizes in bytes.",
			Buckets:   SizeBuckets,
		}),

		OperationTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cache_operation_duration_seconds",
			Help:      "Duration of cache operations by backend and operation.",
			Buckets:   LatencyBuckets,
		}, []string{"backend", "op"}),
	}
}

// Observe subscribes the Collector to an EventBus, translating cache events
// into Prometheus observations.
func (c *Collector) Observe(bus *cache.EventBus, backendLabel string) {
	bus.On(cache.EventHit, func(ev cache.Event) {
		c.Hits.WithLabelValues(backendLabel).Inc()
		c.OperationTime.WithLabelValues(backendLabel, "get").Observe(ev.LatencyMs / 1000)
	})
	bus.On(cache.EventMiss, func(ev cache.Event) {
		c.Misses.WithLabelValues(backendLabel).Inc()
	})
	bus.On(cache.EventSet, func(ev cache.Event) {
		c.Sets.WithLabelValues(backendLabel).Inc()
		if ev.SizeBytes > 0 {
			c.EntrySize.Observe(float64(ev.SizeBytes))
		}
	})
	bus.On(cache.EventEvict, func(ev cache.Event) {
		c.Evictions.WithLabelValues(backendLabel, string(ev.Reason)).Inc()
	})
	bus.On(cache.EventBackendError, func(ev cache.Event) {
		c.Errors.WithLabelValues(backendLabel).Inc()
	})
}
