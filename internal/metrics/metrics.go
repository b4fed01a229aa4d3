// Package metrics exposes Prometheus collectors for the bulletin ingester.
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
	bulletinsTotal             *prometheus.CounterVec
	rowsUpsertedTotal          *prometheus.CounterVec
	rowsDroppedTotal           *prometheus.CounterVec
	fetchRequestsTotal         *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	fetchErrorsTotal           *prometheus.CounterVec
	runsTotal                  *prometheus.CounterVec
	runDurationSeconds         prometheus.Histogram
	activeBulletins            prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		bulletinsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bulletins_total",
				Help: "Total number of bulletins handled, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		rowsUpsertedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bulletin_rows_upserted_total",
				Help: "Total number of trade rows written, labeled by inserted/updated.",
			},
			[]string{"result"},
		)

		rowsDroppedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bulletin_rows_dropped_total",
				Help: "Total number of table rows dropped, labeled by stage.",
			},
			[]string{"stage"},
		)

		fetchRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bulletin_fetch_requests_total",
				Help: "Total number of HTTP fetches, labeled by target kind and site.",
			},
			[]string{"target", "site"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bulletin_fetch_bytes_total",
				Help: "Total number of bytes fetched, labeled by target kind.",
			},
			[]string{"target"},
		)

		fetchErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bulletin_fetch_errors_total",
				Help: "Total number of failed fetches, labeled by target kind and error kind.",
			},
			[]string{"target", "kind"},
		)

		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bulletin_runs_total",
				Help: "Total number of ingestion runs, labeled by status.",
			},
			[]string{"status"},
		)

		runDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "bulletin_run_duration_seconds",
				Help:    "Histogram of ingestion run durations.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
		)

		activeBulletins = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "bulletins_in_flight",
				Help: "Number of bulletins currently being processed.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bulletin_rate_limit_delays_seconds",
				Help:    "Histogram of politeness limiter wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of ops HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of ops HTTP request latencies, labeled by method and route.",
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

// ObserveBulletin increments the bulletin counter for the given outcome.
func ObserveBulletin(outcome string) {
	Init()
	bulletinsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRowsUpserted adds inserted and updated row counts.
func ObserveRowsUpserted(inserted, updated int) {
	Init()
	if inserted > 0 {
		rowsUpsertedTotal.WithLabelValues("inserted").Add(float64(inserted))
	}
	if updated > 0 {
		rowsUpsertedTotal.WithLabelValues("updated").Add(float64(updated))
	}
}

// ObserveRowsDropped adds rows dropped at the given stage (extract or map).
func ObserveRowsDropped(stage string, n int) {
	Init()
	if n > 0 {
		rowsDroppedTotal.WithLabelValues(stage).Add(float64(n))
	}
}

// ObserveFetch records one successful fetch of the given target kind.
func ObserveFetch(target, rawURL string, bytesFetched int) {
	Init()
	fetchRequestsTotal.WithLabelValues(target, SanitizeSite(rawURL)).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(target).Add(float64(bytesFetched))
	}
}

// ObserveFetchError records one failed fetch.
func ObserveFetchError(target, kind string) {
	Init()
	fetchErrorsTotal.WithLabelValues(target, kind).Inc()
}

// ObserveRun records a finished run's status and duration.
func ObserveRun(status string, duration time.Duration) {
	Init()
	runsTotal.WithLabelValues(status).Inc()
	runDurationSeconds.Observe(duration.Seconds())
}

// IncActiveBulletins increments the in-flight bulletins gauge.
func IncActiveBulletins() {
	Init()
	activeBulletins.Inc()
}

// DecActiveBulletins decrements the in-flight bulletins gauge.
func DecActiveBulletins() {
	Init()
	activeBulletins.Dec()
}

// ObserveRateLimitDelay records the duration of a politeness wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the ops HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
