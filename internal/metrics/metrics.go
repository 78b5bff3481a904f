// Package metrics exposes Prometheus collectors for the resolver and pusher daemons.
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
	resolverHopsTotal            *prometheus.CounterVec
	resolverFetchDurationSeconds *prometheus.HistogramVec
	resolverOutcomesTotal        *prometheus.CounterVec
	resolverWorkersRunning       prometheus.Gauge
	resolverWorkerEventsTotal    *prometheus.CounterVec
	resolverNetworkUp            prometheus.Gauge
	resolverRateLimitDelay       *prometheus.HistogramVec
	pusherDeliveriesTotal        *prometheus.CounterVec
	pusherInFlight               prometheus.Gauge
	pusherLoopFailuresTotal      prometheus.Counter
	queueErrorsTotal             *prometheus.CounterVec
	httpRequestsTotal            *prometheus.CounterVec
	httpRequestDurationSeconds   *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		resolverHopsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resolver_hops_total",
				Help: "Total number of classified hops, labeled by kind.",
			},
			[]string{"kind"},
		)

		resolverFetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "resolver_fetch_duration_seconds",
				Help:    "Histogram of single-hop fetch latencies, labeled by site.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"site"},
		)

		resolverOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resolver_outcomes_total",
				Help: "Total number of resolution tasks, labeled by escalation outcome.",
			},
			[]string{"outcome"},
		)

		resolverWorkersRunning = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "resolver_workers_running",
				Help: "Number of resolution workers currently supervised.",
			},
		)

		resolverWorkerEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resolver_worker_events_total",
				Help: "Worker lifecycle events, labeled by event (spawned, exited, killed).",
			},
			[]string{"event"},
		)

		resolverNetworkUp = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "resolver_network_up",
				Help: "1 when the last network probe succeeded, 0 otherwise.",
			},
		)

		resolverRateLimitDelay = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "resolver_rate_limit_delay_seconds",
				Help:    "Histogram of per-host rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		pusherDeliveriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pusher_deliveries_total",
				Help: "Total number of callback deliveries, labeled by terminal method.",
			},
			[]string{"method"},
		)

		pusherInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pusher_in_flight",
				Help: "Number of leased delivery tasks not yet drained.",
			},
		)

		pusherLoopFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pusher_loop_failures_total",
				Help: "Total number of failed delivery loop iterations.",
			},
		)

		queueErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "queue_errors_total",
				Help: "Swallowed queue backend errors, labeled by operation.",
			},
			[]string{"op"},
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

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
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
	return promhttp.Handler()
}

// ObserveHop counts one classified hop.
func ObserveHop(kind string) {
	Init()
	resolverHopsTotal.WithLabelValues(kind).Inc()
}

// ObserveFetch records the latency of one fetch.
func ObserveFetch(rawURL string, duration time.Duration) {
	Init()
	resolverFetchDurationSeconds.WithLabelValues(SanitizeSite(rawURL)).Observe(duration.Seconds())
}

// ObserveOutcome counts one escalation outcome.
func ObserveOutcome(outcome string) {
	Init()
	resolverOutcomesTotal.WithLabelValues(outcome).Inc()
}

// SetWorkersRunning sets the supervised worker gauge.
func SetWorkersRunning(n int) {
	Init()
	resolverWorkersRunning.Set(float64(n))
}

// ObserveWorkerEvent counts a worker lifecycle event.
func ObserveWorkerEvent(event string) {
	Init()
	resolverWorkerEventsTotal.WithLabelValues(event).Inc()
}

// SetNetworkUp records the result of the last network probe.
func SetNetworkUp(up bool) {
	Init()
	if up {
		resolverNetworkUp.Set(1)
		return
	}
	resolverNetworkUp.Set(0)
}

// ObserveRateLimitDelay records time spent waiting for a host's rate limit.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	resolverRateLimitDelay.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveDelivery counts one drained delivery.
func ObserveDelivery(method string) {
	Init()
	pusherDeliveriesTotal.WithLabelValues(method).Inc()
}

// SetInFlight sets the delivery in-flight gauge.
func SetInFlight(n int) {
	Init()
	pusherInFlight.Set(float64(n))
}

// ObserveLoopFailure counts one failed delivery loop iteration.
func ObserveLoopFailure() {
	Init()
	pusherLoopFailuresTotal.Inc()
}

// ObserveQueueError counts a swallowed queue backend error.
func ObserveQueueError(op string) {
	Init()
	queueErrorsTotal.WithLabelValues(op).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
