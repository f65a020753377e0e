package core

import (
	"github.com/prometheus/client_golang/prometheus"
)

// CacheMetrics groups the collectors shared by every resource manager. Each
// manager reports under its own "manager" label.
type CacheMetrics struct {
	Hits         *prometheus.CounterVec
	Misses       *prometheus.CounterVec
	LoadFailures *prometheus.CounterVec
	Evictions    *prometheus.CounterVec
	Cached       *prometheus.GaugeVec
	LoadSeconds  *prometheus.HistogramVec

	// archive path resolution
	ResolveHits   prometheus.Counter
	ResolveMisses prometheus.Counter
	ResolvePurges prometheus.Counter
}

// NewCacheMetrics creates the collectors and registers them on reg. A nil
// registry leaves them unregistered, which is handy in tests.
func NewCacheMetrics(reg prometheus.Registerer) *CacheMetrics {
	labels := []string{"manager"}
	m := &CacheMetrics{
		Hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "anima",
			Subsystem: "resources",
			Name:      "cache_hits_total",
			Help:      "Loads served from the resource cache.",
		}, labels),
		Misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "anima",
			Subsystem: "resources",
			Name:      "cache_misses_total",
			Help:      "Loads that had to create a new resource.",
		}, labels),
		LoadFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "anima",
			Subsystem: "resources",
			Name:      "load_failures_total",
			Help:      "Resources whose creation or load failed.",
		}, labels),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "anima",
			Subsystem: "resources",
			Name:      "evictions_total",
			Help:      "Resources destroyed and removed from the cache.",
		}, labels),
		Cached: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "anima",
			Subsystem: "resources",
			Name:      "cached",
			Help:      "Resources currently held in the cache.",
		}, labels),
		LoadSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "anima",
			Subsystem: "resources",
			Name:      "load_duration_seconds",
			Help:      "Time spent creating and loading a resource on a cache miss.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, labels),
		ResolveHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "anima",
			Subsystem: "archives",
			Name:      "resolve_hits_total",
			Help:      "Path resolutions served by the acceleration cache.",
		}),
		ResolveMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "anima",
			Subsystem: "archives",
			Name:      "resolve_misses_total",
			Help:      "Path resolutions that had to probe the mounted archives.",
		}),
		ResolvePurges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "anima",
			Subsystem: "archives",
			Name:      "resolve_purges_total",
			Help:      "Acceleration cache entries dropped because their archive went away.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Hits, m.Misses, m.LoadFailures, m.Evictions, m.Cached, m.LoadSeconds,
			m.ResolveHits, m.ResolveMisses, m.ResolvePurges)
	}
	return m
}
