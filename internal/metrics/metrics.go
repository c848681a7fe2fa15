// Package metrics exposes Prometheus collectors for the notifier service.
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
	fetchesTotal               *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	escalationsTotal           *prometheus.CounterVec
	checksTotal                *prometheus.CounterVec
	cyclesTotal                *prometheus.CounterVec
	cycleDurationSeconds       prometheus.Histogram
	notificationsTotal         *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adnotifier_fetches_total",
				Help: "Total number of fetch attempts, labeled by site, strategy and result.",
			},
			[]string{"site", "strategy", "result"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adnotifier_fetch_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "adnotifier_fetch_duration_seconds",
				Help:    "Histogram of fetch latencies, labeled by strategy.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"strategy"},
		)

		escalationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adnotifier_escalations_total",
				Help: "Total number of rendered fetches triggered, labeled by reason.",
			},
			[]string{"reason"},
		)

		checksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adnotifier_checks_total",
				Help: "Total number of entry checks, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		cyclesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adnotifier_cycles_total",
				Help: "Total number of detection cycles, labeled by status.",
			},
			[]string{"status"},
		)

		cycleDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "adnotifier_cycle_duration_seconds",
				Help:    "Histogram of detection cycle durations.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 900},
			},
		)

		notificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adnotifier_notifications_total",
				Help: "Total number of notifications, labeled by channel and result.",
			},
			[]string{"channel", "result"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adnotifier_http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "adnotifier_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "adnotifier_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
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

// ObserveFetch records one fetch attempt.
func ObserveFetch(site, strategy, result string, bytesFetched int, duration time.Duration) {
	Init()
	sanitizedSite := SanitizeSite(site)
	fetchesTotal.WithLabelValues(sanitizedSite, strategy, result).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
	if duration > 0 {
		fetchDurationSeconds.WithLabelValues(strategy).Observe(duration.Seconds())
	}
}

// ObserveEscalation counts a rendered fetch triggered for the given reason.
func ObserveEscalation(reason string) {
	Init()
	escalationsTotal.WithLabelValues(reason).Inc()
}

// ObserveCheck counts one entry classification.
func ObserveCheck(outcome string) {
	Init()
	checksTotal.WithLabelValues(outcome).Inc()
}

// ObserveCycle records a finished cycle. Skipped triggers pass a zero duration.
func ObserveCycle(status string, duration time.Duration) {
	Init()
	cyclesTotal.WithLabelValues(status).Inc()
	if duration > 0 {
		cycleDurationSeconds.Observe(duration.Seconds())
	}
}

// ObserveNotification counts one delivery attempt.
func ObserveNotification(channel, result string) {
	Init()
	notificationsTotal.WithLabelValues(channel, result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
