// Package metrics exposes Prometheus collectors for the archiver.
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
	capturesTotal              *prometheus.CounterVec
	captureDurationSeconds     *prometheus.HistogramVec
	activeCaptures             prometheus.Gauge
	queueDepth                 prometheus.Gauge
	itemsCreatedTotal          prometheus.Counter
	bulkOperationsTotal        *prometheus.CounterVec
	reconciledItemsTotal       prometheus.Counter
	rateLimitDelaySeconds      *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		capturesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_captures_total",
				Help: "Capture attempts by outcome and failure kind.",
			},
			[]string{"outcome", "kind"},
		)

		captureDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "archiver_capture_duration_seconds",
				Help:    "Wall time of capture attempts, from session acquire to write-back.",
				Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
			},
			[]string{"outcome"},
		)

		activeCaptures = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "archiver_active_captures",
				Help: "Captures currently holding a browser session.",
			},
		)

		queueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "archiver_queue_depth",
				Help: "Capture jobs waiting for a browser session.",
			},
		)

		itemsCreatedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "archiver_items_created_total",
				Help: "Archive items created through the API.",
			},
		)

		bulkOperationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archiver_bulk_item_operations_total",
				Help: "Per-item bulk outcomes, labeled by action and result.",
			},
			[]string{"action", "result"},
		)

		reconciledItemsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "archiver_reconciled_items_total",
				Help: "Stale pending items re-enqueued by the reconciliation sweep.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "archiver_rate_limit_delay_seconds",
				Help:    "Time captures waited on the per-host limiter.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
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

// SanitizeSite extracts a lowercase hostname, or "unknown".
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

// ObserveCapture records one finished capture attempt. kind is empty for
// successful captures.
func ObserveCapture(outcome, kind string, duration time.Duration) {
	Init()
	if kind == "" {
		kind = "none"
	}
	capturesTotal.WithLabelValues(outcome, kind).Inc()
	captureDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// IncActiveCaptures increments the active capture gauge.
func IncActiveCaptures() {
	Init()
	activeCaptures.Inc()
}

// DecActiveCaptures decrements the active capture gauge.
func DecActiveCaptures() {
	Init()
	activeCaptures.Dec()
}

// SetQueueDepth publishes the number of waiting jobs.
func SetQueueDepth(n int) {
	Init()
	queueDepth.Set(float64(n))
}

// ObserveItemCreated counts a newly saved item.
func ObserveItemCreated() {
	Init()
	itemsCreatedTotal.Inc()
}

// ObserveBulkItem counts one item of a bulk request.
func ObserveBulkItem(action, result string) {
	Init()
	bulkOperationsTotal.WithLabelValues(action, result).Inc()
}

// ObserveReconciled counts items re-enqueued by reconciliation.
func ObserveReconciled(n int) {
	Init()
	reconciledItemsTotal.Add(float64(n))
}

// ObserveRateLimitDelay records the duration of a per-host limiter wait.
func ObserveRateLimitDelay(site string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(SanitizeSite(site)).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
