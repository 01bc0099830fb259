package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the delivery pipeline. A nil
// *Metrics is valid and records nothing, so the pipeline can run without
// metrics enabled.
type Metrics struct {
	DeliveredTotal       prometheus.Counter
	FailedTotal          *prometheus.CounterVec
	RetriesTotal         prometheus.Counter
	CancelledTotal       prometheus.Counter
	ScheduledTotal       prometheus.Counter
	UploadsActive        prometheus.Gauge
	UploadBytesTotal     prometheus.Counter
	AttemptSeconds       prometheus.Histogram
	PipelineMessages     *prometheus.GaugeVec
	APIRequestsTotal     *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates a Metrics instance with all instruments registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		DeliveredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sifd_messages_delivered_total",
			Help: "Total number of successfully delivered messages",
		}),
		FailedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sifd_messages_failed_total",
			Help: "Total number of failed delivery attempts",
		}, []string{"cause"}),
		RetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sifd_retries_scheduled_total",
			Help: "Total number of automatic retries scheduled",
		}),
		CancelledTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sifd_messages_cancelled_total",
			Help: "Total number of cancelled messages",
		}),
		ScheduledTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sifd_messages_scheduled_total",
			Help: "Total number of messages scheduled for future delivery",
		}),
		UploadsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sifd_uploads_active",
			Help: "Number of attachment uploads currently in flight",
		}),
		UploadBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sifd_upload_bytes_total",
			Help: "Total attachment bytes uploaded",
		}),
		AttemptSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sifd_attempt_duration_seconds",
			Help:    "Duration of delivery attempts",
			Buckets: prometheus.DefBuckets,
		}),
		PipelineMessages: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sifd_pipeline_messages",
			Help: "Messages in the store by status",
		}, []string{"status"}),
		APIRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sifd_api_requests_total",
			Help: "Total API requests",
		}, []string{"method", "path", "status"}),

		registry: reg,
	}

	reg.MustRegister(
		m.DeliveredTotal,
		m.FailedTotal,
		m.RetriesTotal,
		m.CancelledTotal,
		m.ScheduledTotal,
		m.UploadsActive,
		m.UploadBytesTotal,
		m.AttemptSeconds,
		m.PipelineMessages,
		m.APIRequestsTotal,
	)

	return m
}

// Registry returns the prometheus registry for the HTTP handler
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordDelivered counts a successful delivery
func (m *Metrics) RecordDelivered() {
	if m == nil {
		return
	}
	m.DeliveredTotal.Inc()
}

// RecordFailed counts a failed attempt by cause classification
func (m *Metrics) RecordFailed(cause string) {
	if m == nil {
		return
	}
	m.FailedTotal.WithLabelValues(cause).Inc()
}

// RecordRetryScheduled counts an automatic retry
func (m *Metrics) RecordRetryScheduled() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// RecordCancelled counts a cancellation
func (m *Metrics) RecordCancelled() {
	if m == nil {
		return
	}
	m.CancelledTotal.Inc()
}

// RecordScheduled counts a scheduled send registration
func (m *Metrics) RecordScheduled() {
	if m == nil {
		return
	}
	m.ScheduledTotal.Inc()
}

// UploadStarted marks an upload in flight
func (m *Metrics) UploadStarted() {
	if m == nil {
		return
	}
	m.UploadsActive.Inc()
}

// UploadFinished marks an upload done and counts its bytes
func (m *Metrics) UploadFinished(bytes int64) {
	if m == nil {
		return
	}
	m.UploadsActive.Dec()
	if bytes > 0 {
		m.UploadBytesTotal.Add(float64(bytes))
	}
}

// ObserveAttempt records a delivery attempt duration
func (m *Metrics) ObserveAttempt(seconds float64) {
	if m == nil {
		return
	}
	m.AttemptSeconds.Observe(seconds)
}

// RecordAPIRequest counts an API request
func (m *Metrics) RecordAPIRequest(method, path, status string) {
	if m == nil {
		return
	}
	m.APIRequestsTotal.WithLabelValues(method, path, status).Inc()
}
