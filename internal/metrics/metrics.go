// Package metrics exposes Prometheus collectors for the crawl scheduler.
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
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	schedulerFiresTotal        *prometheus.CounterVec
	dispatcherDroppedTotal     *prometheus.CounterVec
	dispatcherActiveWorkers    prometheus.Gauge
	dispatcherQueueWaitSeconds prometheus.Histogram
	pollerActiveUnits          prometheus.Gauge
	crawlAPIRequestsTotal      *prometheus.CounterVec
	crawlAPIRateLimitSeconds   *prometheus.HistogramVec
	summariesTotal             *prometheus.CounterVec
	discoveryOnboardedTotal    *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
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

		schedulerFiresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlsched_scheduler_fires_total",
				Help: "Timer fires, labeled by result (dispatched, overlap, queue_full).",
			},
			[]string{"result"},
		)

		dispatcherDroppedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlsched_dispatcher_dropped_total",
				Help: "Queued items dropped before running, labeled by reason.",
			},
			[]string{"reason"},
		)

		dispatcherActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawlsched_dispatcher_active_workers",
				Help: "Number of dispatcher workers currently running a task.",
			},
		)

		dispatcherQueueWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crawlsched_dispatcher_queue_wait_seconds",
				Help:    "Time scheduled items spent queued before a worker picked them up.",
				Buckets: []float64{0.01, 0.1, 1, 5, 30, 120, 600},
			},
		)

		pollerActiveUnits = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawlsched_poller_active_units",
				Help: "Number of crawl runs currently being polled.",
			},
		)

		crawlAPIRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlsched_crawlapi_requests_total",
				Help: "Requests to the crawl service, labeled by host, operation and outcome.",
			},
			[]string{"host", "operation", "outcome"},
		)

		crawlAPIRateLimitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawlsched_crawlapi_rate_limit_delay_seconds",
				Help:    "Histogram of per-tenant rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"tenant"},
		)

		summariesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlsched_summaries_total",
				Help: "Status summary requests, labeled by result (generated, suppressed).",
			},
			[]string{"result"},
		)

		discoveryOnboardedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlsched_discovery_onboarded_total",
				Help: "Websites onboarded by discovery refreshes, labeled by tenant.",
			},
			[]string{"tenant"},
		)
	})
}

// SanitizeHost extracts a lowercase hostname from a URL for use as a label.
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
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveSchedulerFire counts a timer fire by result.
func ObserveSchedulerFire(result string) {
	Init()
	schedulerFiresTotal.WithLabelValues(result).Inc()
}

// ObserveDispatcherDrop counts an item dropped before running.
func ObserveDispatcherDrop(reason string) {
	Init()
	dispatcherDroppedTotal.WithLabelValues(reason).Inc()
}

// ObserveQueueWait records how long a scheduled item waited for a worker.
func ObserveQueueWait(wait time.Duration) {
	Init()
	dispatcherQueueWaitSeconds.Observe(wait.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	dispatcherActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	dispatcherActiveWorkers.Dec()
}

// IncPollUnits increments the active poll units gauge.
func IncPollUnits() {
	Init()
	pollerActiveUnits.Inc()
}

// DecPollUnits decrements the active poll units gauge.
func DecPollUnits() {
	Init()
	pollerActiveUnits.Dec()
}

// ObserveCrawlAPIRequest counts one crawl service call.
func ObserveCrawlAPIRequest(baseURL, operation, outcome string) {
	Init()
	crawlAPIRequestsTotal.WithLabelValues(SanitizeHost(baseURL), operation, outcome).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(tenant string, duration time.Duration) {
	Init()
	crawlAPIRateLimitSeconds.WithLabelValues(tenant).Observe(duration.Seconds())
}

// ObserveSummary counts a summary request by result.
func ObserveSummary(result string) {
	Init()
	summariesTotal.WithLabelValues(result).Inc()
}

// ObserveOnboarded counts websites onboarded for a tenant.
func ObserveOnboarded(tenant string, n int) {
	Init()
	discoveryOnboardedTotal.WithLabelValues(tenant).Add(float64(n))
}
