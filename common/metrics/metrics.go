package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTPMetrics contains HTTP-related Prometheus metrics
type HTTPMetrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// SyncMetrics contains sync-engine metrics
type SyncMetrics struct {
	StockChangesTotal  *prometheus.CounterVec
	PushesTotal        *prometheus.CounterVec
	PushDuration       prometheus.Histogram
	DriftDetectedTotal *prometheus.CounterVec
	DriftRepairedTotal prometheus.Counter
	AlertsTotal        *prometheus.CounterVec
}

// WebhookMetrics contains webhook ingestion metrics
type WebhookMetrics struct {
	ReceivedTotal   *prometheus.CounterVec
	DuplicateTotal  prometheus.Counter
	UnmatchedTotal  prometheus.Counter
	InvalidSigTotal prometheus.Counter
}

// NewHTTPMetrics creates HTTP metrics for a service
func NewHTTPMetrics(serviceName string) *HTTPMetrics {
	return &HTTPMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    serviceName + "_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

// NewSyncMetrics creates sync-engine metrics for a service
func NewSyncMetrics(serviceName string) *SyncMetrics {
	return &SyncMetrics{
		StockChangesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_stock_changes_total",
				Help: "Total number of canonical stock changes applied",
			},
			[]string{"change_type"},
		),
		PushesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_stock_pushes_total",
				Help: "Total number of stock pushes to target channels",
			},
			[]string{"channel_type", "status"},
		),
		PushDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    serviceName + "_stock_push_duration_seconds",
				Help:    "Provider updateStock call duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		DriftDetectedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_drift_detected_total",
				Help: "Total number of drift detections by severity",
			},
			[]string{"severity"},
		),
		DriftRepairedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_drift_repaired_total",
				Help: "Total number of auto-repaired drifting channels",
			},
		),
		AlertsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_alerts_total",
				Help: "Total number of alerts raised",
			},
			[]string{"type"},
		),
	}
}

// NewWebhookMetrics creates webhook ingestion metrics for a service
func NewWebhookMetrics(serviceName string) *WebhookMetrics {
	return &WebhookMetrics{
		ReceivedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_webhooks_received_total",
				Help: "Total number of webhooks received",
			},
			[]string{"channel_type", "event_type"},
		),
		DuplicateTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_webhooks_duplicate_total",
				Help: "Total number of duplicate webhooks short-circuited",
			},
		),
		UnmatchedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_webhooks_unmatched_total",
				Help: "Total number of webhooks with no product mapping",
			},
		),
		InvalidSigTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_webhooks_invalid_signature_total",
				Help: "Total number of webhooks rejected for bad signatures",
			},
		),
	}
}

// RecordHTTPRequest records an HTTP request metric
func (m *HTTPMetrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
