// Package metrics provides Prometheus metrics for the upload storage core.
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
	// Backend I/O metrics
	storageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quillchat_storage_operations_total",
			Help: "Total storage backend operations",
		},
		[]string{"backend", "operation", "success"},
	)

	storageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quillchat_storage_operation_duration_seconds",
			Help:    "Storage backend operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	// Upload metrics
	uploadBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quillchat_upload_bytes_total",
			Help: "Total bytes uploaded per asset category",
		},
		[]string{"category"},
	)

	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quillchat_uploads_total",
			Help: "Total number of uploads per asset category",
		},
		[]string{"category", "status"},
	)

	// Attachment metadata metrics
	attachmentRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quillchat_attachment_records_total",
			Help: "Total attachment metadata records created",
		},
		[]string{"status"},
	)

	// Notification metrics
	notificationEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quillchat_notification_events_total",
			Help: "Total attachment change notifications published",
		},
		[]string{"op"},
	)

	notificationSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quillchat_notification_subscribers",
			Help: "Number of active notification subscribers",
		},
	)

	// Database metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quillchat_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	dbConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quillchat_db_connections_open",
			Help: "Number of open database connections",
		},
	)

	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quillchat_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
)

// RecordStorageOperation records one backend operation.
func RecordStorageOperation(backend, operation string, duration time.Duration, success bool) {
	storageOperationsTotal.WithLabelValues(backend, operation, strconv.FormatBool(success)).Inc()
	storageOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
}

// RecordUpload records one upload attempt for an asset category.
func RecordUpload(category string, size int64, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	uploadsTotal.WithLabelValues(category, status).Inc()
	if success && size > 0 {
		uploadBytesTotal.WithLabelValues(category).Add(float64(size))
	}
}

// RecordAttachmentRecord records an attachment metadata insert.
func RecordAttachmentRecord(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	attachmentRecordsTotal.WithLabelValues(status).Inc()
}

// RecordNotificationEvent records a published change notification.
func RecordNotificationEvent(op string) {
	notificationEventsTotal.WithLabelValues(op).Inc()
}

// SetNotificationSubscribers sets the active subscriber gauge.
func SetNotificationSubscribers(n int64) {
	notificationSubscribers.Set(float64(n))
}

// RecordDBQuery records a database query duration.
func RecordDBQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// SetDBConnectionsOpen sets the open connection gauge.
func SetDBConnectionsOpen(n int) {
	dbConnectionsOpen.Set(float64(n))
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(method, path string, status int) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
