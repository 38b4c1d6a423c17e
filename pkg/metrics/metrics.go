// Package metrics exposes Prometheus collectors for the fetch engine and its HTTP API.
//
// Collectors are registered on an injected registry so several engines (and tests) can
// coexist in one process. Every method is safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fetchd"

// Metrics holds the engine's collectors.
type Metrics struct {
	gatherer prometheus.Gatherer

	tasksTotal          *prometheus.CounterVec
	taskDuration        *prometheus.HistogramVec
	attemptsTotal       *prometheus.CounterVec
	retriesTotal        prometheus.Counter
	cacheLookupsTotal   *prometheus.CounterVec
	fallbackTotal       *prometheus.CounterVec
	robotsDeniedTotal   prometheus.Counter
	rateLimitWait       prometheus.Histogram
	concurrencyLimit    prometheus.Gauge
	inFlight            prometheus.Gauge
	queueDepth          *prometheus.GaugeVec
	persistFailures     prometheus.Counter
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// New registers the collectors on reg. A nil reg gets a fresh private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		tasksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Settled tasks, labeled by result status and source.",
		}, []string{"status", "source"}),
		taskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Time from submission to settlement, labeled by result status.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"status"}),
		attemptsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_attempts_total",
			Help:      "Individual fetch attempts, labeled by outcome kind.",
		}, []string{"outcome"}),
		retriesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Attempts scheduled after a retryable failure.",
		}),
		cacheLookupsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups at submission, labeled by result.",
		}, []string{"result"}),
		fallbackTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_total",
			Help:      "Fallback recoveries, labeled by serving source or failed.",
		}, []string{"result"}),
		robotsDeniedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "robots_denied_total",
			Help:      "Tasks refused by robots.txt.",
		}),
		rateLimitWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rate_limit_wait_seconds",
			Help:      "Time spent waiting for per-host politeness spacing.",
			Buckets:   []float64{0, 0.1, 0.5, 1, 2, 5, 10, 30},
		}),
		concurrencyLimit: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "concurrency_limit",
			Help:      "Current global concurrency ceiling.",
		}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_flight",
			Help:      "Tasks currently holding a concurrency slot.",
		}),
		queueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Tasks waiting for admission, labeled by priority band.",
		}, []string{"priority"}),
		persistFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_persist_failures_total",
			Help:      "Failed cache snapshot writes.",
		}),
		httpRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests, labeled by method, route and code.",
		}, []string{"method", "route", "code"}),
		httpRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "API request latencies, labeled by method and route.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30},
		}, []string{"method", "route"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveTask records a settled task.
func (m *Metrics) ObserveTask(status, source string, d time.Duration) {
	if m == nil {
		return
	}
	if source == "" {
		source = "none"
	}
	m.tasksTotal.WithLabelValues(status, source).Inc()
	m.taskDuration.WithLabelValues(status).Observe(d.Seconds())
}

// ObserveAttempt records one fetch attempt; outcome is "success" or an error kind.
func (m *Metrics) ObserveAttempt(outcome string) {
	if m == nil {
		return
	}
	m.attemptsTotal.WithLabelValues(outcome).Inc()
}

// IncRetries counts a scheduled retry.
func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.retriesTotal.Inc()
}

// ObserveCacheLookup records a hit or a miss.
func (m *Metrics) ObserveCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveFallback records which source served a recovery, or "failed".
func (m *Metrics) ObserveFallback(result string) {
	if m == nil {
		return
	}
	m.fallbackTotal.WithLabelValues(result).Inc()
}

// IncRobotsDenied counts a robots.txt refusal.
func (m *Metrics) IncRobotsDenied() {
	if m == nil {
		return
	}
	m.robotsDeniedTotal.Inc()
}

// ObserveRateLimitWait records politeness wait time.
func (m *Metrics) ObserveRateLimitWait(d time.Duration) {
	if m == nil {
		return
	}
	m.rateLimitWait.Observe(d.Seconds())
}

// SetConcurrencyLimit publishes the current ceiling.
func (m *Metrics) SetConcurrencyLimit(n int64) {
	if m == nil {
		return
	}
	m.concurrencyLimit.Set(float64(n))
}

// SetInFlight publishes the number of running tasks.
func (m *Metrics) SetInFlight(n int64) {
	if m == nil {
		return
	}
	m.inFlight.Set(float64(n))
}

// SetQueueDepth publishes the waiting count of one band.
func (m *Metrics) SetQueueDepth(priority string, n int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(priority).Set(float64(n))
}

// IncPersistFailures counts a failed cache snapshot write.
func (m *Metrics) IncPersistFailures() {
	if m == nil {
		return
	}
	m.persistFailures.Inc()
}

// ObserveHTTPRequest records one API request.
func (m *Metrics) ObserveHTTPRequest(method, route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
