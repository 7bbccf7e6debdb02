// Package metrics provides front desk telemetry.
// It wraps Prometheus collectors for the query executor, the realtime feed,
// the recent check-ins reconciler, the stats refresher and the dashboard API.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is what instrumented components depend on.
type Recorder interface {
	RecordQueryAttempt(op string)
	RecordQueryRetry(op string, delay time.Duration)
	RecordQueryResult(op string, attempts int, duration time.Duration, err error)
	RecordRealtimeEvent(stream string)
	RecordHandlerError(stream string)
	RecordFeedMerge(outcome string)
	RecordFeedSize(stream string, size int)
	RecordStatsRefresh(duration time.Duration, err error)
	RecordHTTPRequest(method, route, status string, duration time.Duration)
	HTTPInFlight(delta int)
}

// Feed merge outcomes.
const (
	MergeApplied   = "merged"
	MergeDuplicate = "duplicate"
	MergeFallback  = "fallback"
	MergeReload    = "reload"
)

// Collector provides Prometheus-backed metrics.
type Collector struct {
	registry *prometheus.Registry

	queryAttempts *prometheus.CounterVec
	queryRetries  *prometheus.CounterVec
	queryBackoff  *prometheus.HistogramVec
	queryResults  *prometheus.CounterVec
	queryLatency  *prometheus.HistogramVec

	realtimeEvents *prometheus.CounterVec
	handlerErrors  *prometheus.CounterVec

	feedMerges *prometheus.CounterVec
	feedItems  *prometheus.GaugeVec

	statsRefresh        *prometheus.CounterVec
	statsRefreshLatency prometheus.Histogram

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
	httpInFlight prometheus.Gauge
}

// NewCollector creates a collector on its own registry.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "frontdesk"
	}

	c := &Collector{registry: prometheus.NewRegistry()}

	c.queryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "attempts_total",
			Help:      "Remote query attempts, including retries",
		},
		[]string{"op"},
	)

	c.queryRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "retries_total",
			Help:      "Remote query retries after a failed attempt",
		},
		[]string{"op"},
	)

	c.queryBackoff = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "backoff_seconds",
			Help:      "Backoff waited before a retry",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 8), // 250ms to ~32s
		},
		[]string{"op"},
	)

	c.queryResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "results_total",
			Help:      "Final outcome of remote queries after retries",
		},
		[]string{"op", "result"},
	)

	c.queryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "duration_seconds",
			Help:      "Wall time of a remote query including retries",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"op", "result"},
	)

	c.realtimeEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "events_total",
			Help:      "Feed events received from the realtime channel",
		},
		[]string{"stream"},
	)

	c.handlerErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "handler_errors_total",
			Help:      "Feed event handlers that failed or panicked",
		},
		[]string{"stream"},
	)

	c.feedMerges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "merges_total",
			Help:      "Recent check-in list updates by outcome",
		},
		[]string{"outcome"},
	)

	c.feedItems = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "items",
			Help:      "Items currently held in the recent check-in list",
		},
		[]string{"stream"},
	)

	c.statsRefresh = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stats",
			Name:      "refresh_total",
			Help:      "Dashboard stats refreshes by result",
		},
		[]string{"result"},
	)

	c.statsRefreshLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stats",
			Name:      "refresh_duration_seconds",
			Help:      "Time taken to recompute dashboard stats",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	c.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Dashboard API requests",
		},
		[]string{"method", "route", "status"},
	)

	c.httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Dashboard API request latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	c.httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Dashboard API requests being served, including open websockets",
		},
	)

	c.registry.MustRegister(
		c.queryAttempts,
		c.queryRetries,
		c.queryBackoff,
		c.queryResults,
		c.queryLatency,
		c.realtimeEvents,
		c.handlerErrors,
		c.feedMerges,
		c.feedItems,
		c.statsRefresh,
		c.statsRefreshLatency,
		c.httpRequests,
		c.httpLatency,
		c.httpInFlight,
	)

	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) RecordQueryAttempt(op string) {
	c.queryAttempts.WithLabelValues(op).Inc()
}

func (c *Collector) RecordQueryRetry(op string, delay time.Duration) {
	c.queryRetries.WithLabelValues(op).Inc()
	c.queryBackoff.WithLabelValues(op).Observe(delay.Seconds())
}

func (c *Collector) RecordQueryResult(op string, attempts int, duration time.Duration, err error) {
	result := resultLabel(err)
	c.queryResults.WithLabelValues(op, result).Inc()
	c.queryLatency.WithLabelValues(op, result).Observe(duration.Seconds())
}

func (c *Collector) RecordRealtimeEvent(stream string) {
	c.realtimeEvents.WithLabelValues(stream).Inc()
}

func (c *Collector) RecordHandlerError(stream string) {
	c.handlerErrors.WithLabelValues(stream).Inc()
}

func (c *Collector) RecordFeedMerge(outcome string) {
	c.feedMerges.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordFeedSize(stream string, size int) {
	c.feedItems.WithLabelValues(stream).Set(float64(size))
}

func (c *Collector) RecordStatsRefresh(duration time.Duration, err error) {
	c.statsRefresh.WithLabelValues(resultLabel(err)).Inc()
	c.statsRefreshLatency.Observe(duration.Seconds())
}

func (c *Collector) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	c.httpRequests.WithLabelValues(method, route, status).Inc()
	c.httpLatency.WithLabelValues(method, route).Observe(duration.Seconds())
}

func (c *Collector) HTTPInFlight(delta int) {
	c.httpInFlight.Add(float64(delta))
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// NoOpCollector discards everything.
type NoOpCollector struct{}

// NewNoOpCollector creates a no-op recorder.
func NewNoOpCollector() *NoOpCollector {
	return &NoOpCollector{}
}

func (*NoOpCollector) RecordQueryAttempt(op string)                                   {}
func (*NoOpCollector) RecordQueryRetry(op string, delay time.Duration)                {}
func (*NoOpCollector) RecordQueryResult(op string, n int, d time.Duration, err error) {}
func (*NoOpCollector) RecordRealtimeEvent(stream string)                              {}
func (*NoOpCollector) RecordHandlerError(stream string)                               {}
func (*NoOpCollector) RecordFeedMerge(outcome string)                                 {}
func (*NoOpCollector) RecordFeedSize(stream string, size int)                         {}
func (*NoOpCollector) RecordStatsRefresh(d time.Duration, err error)                  {}
func (*NoOpCollector) RecordHTTPRequest(method, route, status string, d time.Duration) {}
func (*NoOpCollector) HTTPInFlight(delta int)                                         {}

var (
	_ Recorder = (*Collector)(nil)
	_ Recorder = (*NoOpCollector)(nil)
)
