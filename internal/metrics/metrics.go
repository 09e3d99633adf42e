package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all Prometheus metrics for the gateway.
type Registry struct {
	reg *prometheus.Registry

	CacheHits      *prometheus.CounterVec
	CacheMisses    *prometheus.CounterVec
	CacheEvictions prometheus.Counter

	OriginCalls        *prometheus.CounterVec
	OriginDuration     *prometheus.HistogramVec
	SingleflightShared prometheus.Counter
	WarmDegraded       prometheus.Gauge

	MappingTransforms *prometheus.CounterVec
	RuleCacheHits     *prometheus.CounterVec

	StreamUpdates  prometheus.Counter
	StatsDropped   prometheus.Counter
	RequestSeconds *prometheus.HistogramVec
}

// NewRegistry creates and registers all gateway metrics.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotegate_cache_hits_total",
				Help: "Cache hits by tier",
			},
			[]string{"tier"},
		),
		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotegate_cache_misses_total",
				Help: "Cache misses by tier",
			},
			[]string{"tier"},
		),
		CacheEvictions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "quotegate_cache_evictions_total",
				Help: "Hot cache LRU evictions",
			},
		),
		OriginCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotegate_origin_calls_total",
				Help: "Origin fetches by strategy and result",
			},
			[]string{"strategy", "result"},
		),
		OriginDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quotegate_origin_duration_seconds",
				Help:    "Origin fetch latency",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"strategy"},
		),
		SingleflightShared: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "quotegate_singleflight_shared_total",
				Help: "Callers served by another caller's in-flight origin fetch",
			},
		),
		WarmDegraded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "quotegate_warm_degraded",
				Help: "1 while the warm cache circuit is open",
			},
		),
		MappingTransforms: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotegate_mapping_transforms_total",
				Help: "Rule engine transformations by provider and result",
			},
			[]string{"provider", "result"},
		),
		RuleCacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotegate_rule_cache_requests_total",
				Help: "Rule cache lookups by namespace and result",
			},
			[]string{"namespace", "result"},
		),
		StreamUpdates: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "quotegate_stream_updates_total",
				Help: "Stream snapshots written from provider push",
			},
		),
		StatsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "quotegate_rule_stats_dropped_total",
				Help: "Rule stats updates dropped by the bounded limiter",
			},
		),
		RequestSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quotegate_request_duration_seconds",
				Help:    "Gateway request latency by operation",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}

	r.reg.MustRegister(
		r.CacheHits, r.CacheMisses, r.CacheEvictions,
		r.OriginCalls, r.OriginDuration, r.SingleflightShared, r.WarmDegraded,
		r.MappingTransforms, r.RuleCacheHits,
		r.StreamUpdates, r.StatsDropped, r.RequestSeconds,
	)
	return r
}

// Handler serves the registry in Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
