package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commsaudit_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "commsaudit_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	communicationsLogged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commsaudit_communications_logged_total",
			Help: "Total communication attempts recorded by type",
		},
		[]string{"type"},
	)

	webhooksReconciled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commsaudit_webhooks_reconciled_total",
			Help: "Delivery webhooks reconciled by provider and status",
		},
		[]string{"provider", "status"},
	)

	webhookFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commsaudit_webhook_failures_total",
			Help: "Delivery webhooks that could not be reconciled",
		},
		[]string{"provider", "reason"},
	)

	smsThrottled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "commsaudit_sms_throttled_total",
			Help: "SMS sends skipped by the rate limiter",
		},
	)

	searchQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commsaudit_search_queries_total",
			Help: "Search queries by kind (filtered or ranked)",
		},
		[]string{"kind"},
	)

	searchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "commsaudit_search_duration_seconds",
			Help:    "Ranked search latency distribution",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	exportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commsaudit_exports_total",
			Help: "Export runs by format and outcome",
		},
		[]string{"format", "outcome"},
	)

	exportRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commsaudit_export_records_total",
			Help: "Records serialized into export files by format",
		},
		[]string{"format"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordCommunicationLogged records one audited communication attempt
func RecordCommunicationLogged(commType string) {
	communicationsLogged.WithLabelValues(commType).Inc()
}

// RecordWebhookReconciled records a successfully reconciled delivery webhook
func RecordWebhookReconciled(provider, status string) {
	webhooksReconciled.WithLabelValues(provider, status).Inc()
}

// RecordWebhookFailure records a webhook that could not be reconciled
func RecordWebhookFailure(provider, reason string) {
	webhookFailures.WithLabelValues(provider, reason).Inc()
}

// RecordSMSThrottled records an SMS send skipped by the rate limiter
func RecordSMSThrottled() {
	smsThrottled.Inc()
}

// RecordSearch records a search query and, for ranked searches, its latency
func RecordSearch(kind string, duration time.Duration) {
	searchQueries.WithLabelValues(kind).Inc()
	if kind == "ranked" {
		searchDuration.Observe(duration.Seconds())
	}
}

// RecordExport records an export run outcome
func RecordExport(format, outcome string) {
	exportsTotal.WithLabelValues(format, outcome).Inc()
}

// RecordExportRecords adds to the serialized record count for a format
func RecordExportRecords(format string, count int) {
	exportRecords.WithLabelValues(format).Add(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
