package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// API Metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whisperproxy_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "whisperproxy_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	UploadSizeBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "whisperproxy_upload_size_bytes",
			Help:    "Size of uploaded media in bytes",
			Buckets: prometheus.ExponentialBuckets(256*1024, 2, 12), // 256KB to 512MB
		},
	)

	// Admission Metrics
	AdmissionDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whisperproxy_admission_decisions_total",
			Help: "Admission decisions by result (admitted or deny reason)",
		},
		[]string{"result"},
	)

	EstimatedMinutes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "whisperproxy_estimated_minutes",
			Help:    "Minute estimate of admitted jobs",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 90, 120},
		},
	)

	// Job Metrics
	JobsCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "whisperproxy_jobs_created_total",
			Help: "Total number of transcription jobs created",
		},
	)

	JobsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whisperproxy_jobs_finished_total",
			Help: "Total number of jobs that reached a terminal state",
		},
		[]string{"status"},
	)

	JobsInProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "whisperproxy_jobs_in_progress",
			Help: "Number of jobs currently being processed",
		},
	)

	JobsQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "whisperproxy_jobs_queue_depth",
			Help: "Number of jobs waiting in queue",
		},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "whisperproxy_job_duration_seconds",
			Help:    "Job processing duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		},
		[]string{"status"},
	)

	JobsRecoveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "whisperproxy_jobs_recovered_total",
			Help: "Running jobs requeued by the recovery sweep",
		},
	)

	InvalidTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whisperproxy_invalid_transitions_total",
			Help: "Rejected job state transitions",
		},
		[]string{"from", "to"},
	)

	// Upstream Metrics
	UpstreamRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "whisperproxy_upstream_request_duration_seconds",
			Help:    "Duration of upstream transcription attempts",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		},
		[]string{"provider", "outcome"},
	)

	UpstreamAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whisperproxy_upstream_attempts_total",
			Help: "Upstream transcription attempts by outcome",
		},
		[]string{"provider", "outcome"},
	)

	// Ledger Metrics
	LedgerReleasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whisperproxy_ledger_releases_total",
			Help: "Usage ledger releases by result",
		},
		[]string{"result"},
	)

	MinutesCommittedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "whisperproxy_minutes_committed_total",
			Help: "Transcribed minutes charged to the ledger",
		},
	)

	// Notification Metrics
	WebhookDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whisperproxy_webhook_deliveries_total",
			Help: "Completion webhook deliveries by result",
		},
		[]string{"result"},
	)

	// Error Metrics
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whisperproxy_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)
)

// Helper functions for common metric operations

// RecordHTTPRequest records an HTTP request
func RecordHTTPRequest(method, endpoint, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordAdmission records an admission decision. An empty reason means admitted.
func RecordAdmission(reason string, estimatedMinutes int) {
	if reason == "" {
		AdmissionDecisionsTotal.WithLabelValues("admitted").Inc()
		EstimatedMinutes.Observe(float64(estimatedMinutes))
		return
	}
	AdmissionDecisionsTotal.WithLabelValues(reason).Inc()
}

// RecordJobCreated records a job creation
func RecordJobCreated() {
	JobsCreatedTotal.Inc()
}

// RecordJobFinished records a job reaching a terminal state
func RecordJobFinished(status string, duration float64) {
	JobsFinishedTotal.WithLabelValues(status).Inc()
	if duration > 0 {
		JobDuration.WithLabelValues(status).Observe(duration)
	}
}

// RecordUpstreamAttempt records one call to the transcription provider
func RecordUpstreamAttempt(provider, outcome string, duration float64) {
	UpstreamAttemptsTotal.WithLabelValues(provider, outcome).Inc()
	UpstreamRequestDuration.WithLabelValues(provider, outcome).Observe(duration)
}

// RecordRelease records a ledger release
func RecordRelease(err error) {
	if err != nil {
		LedgerReleasesTotal.WithLabelValues("error").Inc()
		return
	}
	LedgerReleasesTotal.WithLabelValues("ok").Inc()
}

// RecordInvalidTransition records a rejected state change
func RecordInvalidTransition(from, to string) {
	InvalidTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordError records an error
func RecordError(component, errorType string) {
	ErrorsTotal.WithLabelValues(component, errorType).Inc()
}
