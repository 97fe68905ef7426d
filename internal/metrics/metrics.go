// Package metrics exposes Prometheus collectors for the crash processor.
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
	runsTotal                  *prometheus.CounterVec
	runDurationSeconds         *prometheus.HistogramVec
	ruleDurationSeconds        *prometheus.HistogramVec
	stageFailuresTotal         *prometheus.CounterVec
	deliveriesTotal            *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	symbolLookupsTotal         *prometheus.CounterVec
	symbolRateLimitDelays      *prometheus.HistogramVec
	stackwalkerDurationSeconds *prometheus.HistogramVec
	sinkWritesTotal            *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crashproc_runs_total",
				Help: "Total number of pipeline runs, labeled by final status.",
			},
			[]string{"status"},
		)

		runDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crashproc_run_duration_seconds",
				Help:    "Histogram of pipeline run latencies, labeled by final status.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"status"},
		)

		ruleDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crashproc_rule_duration_seconds",
				Help:    "Histogram of rule execution latencies, labeled by rule and outcome.",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"rule", "status"},
		)

		stageFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crashproc_stage_failures_total",
				Help: "Total number of run failures, labeled by stage and error kind.",
			},
			[]string{"stage", "kind"},
		)

		deliveriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crashproc_deliveries_total",
				Help: "Total number of queue deliveries settled, labeled by decision.",
			},
			[]string{"decision"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crashproc_active_workers",
				Help: "Number of workers currently processing a delivery.",
			},
		)

		symbolLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crashproc_symbol_lookups_total",
				Help: "Total number of symbol cache lookups, labeled by result.",
			},
			[]string{"result"},
		)

		symbolRateLimitDelays = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crashproc_symbol_rate_limit_delays_seconds",
				Help:    "Histogram of symbol service rate limit wait durations.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"host"},
		)

		stackwalkerDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crashproc_stackwalker_duration_seconds",
				Help:    "Histogram of stackwalker subprocess durations, labeled by outcome.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"outcome"},
		)

		sinkWritesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crashproc_sink_writes_total",
				Help: "Total number of sink writes, labeled by target and status.",
			},
			[]string{"target", "status"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeHost extracts a lowercase hostname from a URL.
// It returns "unknown" if the URL is invalid.
func SanitizeHost(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveRun records the outcome and latency of one pipeline run.
func ObserveRun(status string, duration time.Duration) {
	Init()
	runsTotal.WithLabelValues(status).Inc()
	runDurationSeconds.WithLabelValues(status).Observe(duration.Seconds())
}

// ObserveRule records one rule execution.
func ObserveRule(rule, status string, duration time.Duration) {
	Init()
	ruleDurationSeconds.WithLabelValues(rule, status).Observe(duration.Seconds())
}

// ObserveStageFailure increments the failure counter for a stage and error kind.
func ObserveStageFailure(stage, kind string) {
	Init()
	if stage == "" {
		stage = "unknown"
	}
	stageFailuresTotal.WithLabelValues(stage, kind).Inc()
}

// ObserveDelivery records how a delivery was settled (ack, nack, dead_letter).
func ObserveDelivery(decision string) {
	Init()
	deliveriesTotal.WithLabelValues(decision).Inc()
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

// ObserveSymbolLookup counts one symbol cache lookup by result.
func ObserveSymbolLookup(result string) {
	Init()
	symbolLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	symbolRateLimitDelays.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveStackwalker records one subprocess invocation.
func ObserveStackwalker(outcome string, duration time.Duration) {
	Init()
	stackwalkerDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveSinkWrite counts one write attempt against a sink target.
func ObserveSinkWrite(target, status string) {
	Init()
	sinkWritesTotal.WithLabelValues(target, status).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
