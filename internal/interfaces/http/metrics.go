package http

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// MetricsRegistry holds every collector the service exports. A private
// registry keeps scrapes limited to what we register here.
type MetricsRegistry struct {
	registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	SlateBuildTime  prometheus.Histogram

	CacheHitRatio prometheus.Gauge
	CacheHits     prometheus.Counter
	CacheMisses   prometheus.Counter

	FanoutDropped   *prometheus.CounterVec
	FanoutProcessed *prometheus.CounterVec
	StreamSessions  prometheus.GaugeFunc
}

// NewMetricsRegistry creates and registers the collectors. sessionCount
// feeds the live-session gauge on every scrape.
func NewMetricsRegistry(sessionCount func() float64) *MetricsRegistry {
	m := &MetricsRegistry{
		registry: prometheus.NewRegistry(),

		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "timeline_http_requests_total",
				Help: "HTTP requests by route, method, and status",
			},
			[]string{"route", "method", "status"},
		),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "timeline_http_request_duration_seconds",
				Help:    "HTTP request latency by route",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"route"},
		),

		SlateBuildTime: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "timeline_slate_build_duration_seconds",
				Help:    "Slate assembly latency on cache misses",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
		),

		CacheHitRatio: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "timeline_cache_hit_ratio",
				Help: "Slate cache hit ratio since process start (0.0 to 1.0)",
			},
		),

		CacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "timeline_cache_hits_total",
				Help: "Cache hits across both tiers",
			},
		),

		CacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "timeline_cache_misses_total",
				Help: "Cache misses across both tiers",
			},
		),

		FanoutDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "timeline_fanout_dropped_total",
				Help: "Fan-out events dropped, by reason",
			},
			[]string{"reason"},
		),

		FanoutProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "timeline_fanout_processed_total",
				Help: "Fan-out events processed, by kind",
			},
			[]string{"kind"},
		),
	}

	m.StreamSessions = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "timeline_stream_sessions",
			Help: "Live streaming sessions",
		},
		sessionCount,
	)

	m.registry.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.SlateBuildTime,
		m.CacheHitRatio,
		m.CacheHits,
		m.CacheMisses,
		m.FanoutDropped,
		m.FanoutProcessed,
		m.StreamSessions,
	)

	return m
}

// RecordRequest records one finished HTTP request.
func (m *MetricsRegistry) RecordRequest(route, method string, status int, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(route, method, statusLabel(status)).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordSlateBuild records one cache-miss assembly.
func (m *MetricsRegistry) RecordSlateBuild(duration time.Duration) {
	m.SlateBuildTime.Observe(duration.Seconds())
}

// RecordCacheHit records a cache hit and refreshes the ratio gauge.
func (m *MetricsRegistry) RecordCacheHit() {
	m.CacheHits.Inc()
	m.updateCacheHitRatio()
}

// RecordCacheMiss records a cache miss and refreshes the ratio gauge.
func (m *MetricsRegistry) RecordCacheMiss() {
	m.CacheMisses.Inc()
	m.updateCacheHitRatio()
}

// RecordFanoutDrop records one dropped fan-out event.
func (m *MetricsRegistry) RecordFanoutDrop(reason string) {
	m.FanoutDropped.WithLabelValues(reason).Inc()
}

// RecordFanoutProcessed records one delivered fan-out event.
func (m *MetricsRegistry) RecordFanoutProcessed(kind string) {
	m.FanoutProcessed.WithLabelValues(kind).Inc()
}

// HitRatio returns hits/(hits+misses), zero before any lookup.
func (m *MetricsRegistry) HitRatio() float64 {
	hits := counterValue(m.CacheHits)
	misses := counterValue(m.CacheMisses)
	total := hits + misses
	if total == 0 {
		return 0
	}
	return hits / total
}

func (m *MetricsRegistry) updateCacheHitRatio() {
	m.CacheHitRatio.Set(m.HitRatio())
}

func counterValue(c prometheus.Counter) float64 {
	var metric dto.Metric
	if err := c.Write(&metric); err != nil {
		return 0
	}
	return metric.GetCounter().GetValue()
}

// MetricsHandler returns the Prometheus scrape handler.
func (m *MetricsRegistry) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func statusLabel(status int) string {
	switch {
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
