// Package metrics exposes Prometheus collectors for the harvester.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchesTotal            *prometheus.CounterVec
	fetchDurationSeconds    *prometheus.HistogramVec
	rateLimitWaitSeconds    *prometheus.HistogramVec
	coolOffsTotal           *prometheus.CounterVec
	backoffLevel            *prometheus.GaugeVec
	strategySwitchesTotal   *prometheus.CounterVec
	queueOpsTotal           *prometheus.CounterVec
	runsTotal               *prometheus.CounterVec
	runDurationSeconds      *prometheus.HistogramVec
	unmappedTotal           prometheus.Counter
	activeWorkers           prometheus.Gauge
	httpRequestsTotal       *prometheus.CounterVec
	httpRequestDurationSecs *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry. It is safe to call
// repeatedly; every Observe helper calls it.
func Init() {
	once.Do(func() {
		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_fetches_total",
				Help: "Outbound fetches, labeled by source, transport strategy and status class.",
			},
			[]string{"source", "strategy", "status"},
		)
		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_fetch_duration_seconds",
				Help:    "Latency of outbound fetches by strategy.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"strategy"},
		)
		rateLimitWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_rate_limit_wait_seconds",
				Help:    "Time spent blocked on the per-host rate gate.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
			},
			[]string{"host"},
		)
		coolOffsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_cooloffs_total",
				Help: "Circuit-breaker cool-offs started per host.",
			},
			[]string{"host"},
		)
		backoffLevel = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "harvester_backoff_level",
				Help: "Current backoff level per host; zero is the base interval.",
			},
			[]string{"host"},
		)
		strategySwitchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_strategy_switches_total",
				Help: "Sticky switches from direct HTTP to the browser strategy.",
			},
			[]string{"source"},
		)
		queueOpsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_queue_operations_total",
				Help: "Work queue operations by source and kind.",
			},
			[]string{"source", "op"},
		)
		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_runs_total",
				Help: "Completed job runs by source, operation and outcome.",
			},
			[]string{"source", "operation", "outcome"},
		)
		runDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_run_duration_seconds",
				Help:    "Wall-clock duration of job runs.",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
			},
			[]string{"operation"},
		)
		unmappedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_unmapped_names_total",
				Help: "Card names the resolver could not match.",
			},
		)
		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_active_workers",
				Help: "Workers currently processing an item.",
			},
		)
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of API requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)
		httpRequestDurationSecs = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of API request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler exposing the default registry.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// HostOf returns the lowercase hostname of rawURL, or "unknown".
func HostOf(rawURL string) string {
	if !strings.Contains(rawURL, "://") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// StatusClass buckets an HTTP status for labels; zero means no response.
func StatusClass(status int) string {
	switch {
	case status == 0:
		return "error"
	case status == http.StatusTooManyRequests:
		return "429"
	default:
		return strconv.Itoa(status/100) + "xx"
	}
}

// ObserveFetch records one outbound fetch.
func ObserveFetch(source, strategy string, status int, duration time.Duration) {
	Init()
	fetchesTotal.WithLabelValues(source, strategy, StatusClass(status)).Inc()
	fetchDurationSeconds.WithLabelValues(strategy).Observe(duration.Seconds())
}

// ObserveRateLimitWait records time spent blocked on the rate gate.
func ObserveRateLimitWait(host string, d time.Duration) {
	Init()
	rateLimitWaitSeconds.WithLabelValues(host).Observe(d.Seconds())
}

// ObserveCoolOff counts a circuit-breaker trip.
func ObserveCoolOff(host string) {
	Init()
	coolOffsTotal.WithLabelValues(host).Inc()
}

// SetBackoffLevel publishes the host's backoff level.
func SetBackoffLevel(host string, level int) {
	Init()
	backoffLevel.WithLabelValues(host).Set(float64(level))
}

// ObserveStrategySwitch counts a sticky transport switch.
func ObserveStrategySwitch(source string) {
	Init()
	strategySwitchesTotal.WithLabelValues(source).Inc()
}

// ObserveQueue counts a work queue operation.
func ObserveQueue(source, op string, n int) {
	Init()
	if n <= 0 {
		return
	}
	queueOpsTotal.WithLabelValues(source, op).Add(float64(n))
}

// ObserveRun records a finished run.
func ObserveRun(source, operation, outcome string, d time.Duration) {
	Init()
	runsTotal.WithLabelValues(source, operation, outcome).Inc()
	runDurationSeconds.WithLabelValues(operation).Observe(d.Seconds())
}

// ObserveUnmapped counts resolver misses.
func ObserveUnmapped(n int) {
	Init()
	if n > 0 {
		unmappedTotal.Add(float64(n))
	}
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveHTTPRequest records one API request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSecs.WithLabelValues(method, route).Observe(duration.Seconds())
}
