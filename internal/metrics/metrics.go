package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the bundler.
type Metrics struct {
	// Upload metrics
	UploadsTotal     *prometheus.CounterVec
	UploadBytesTotal *prometheus.CounterVec
	UploadDuration   *prometheus.HistogramVec
	InFlightUploads  prometheus.Gauge

	// Payment metrics
	PaymentsTotal       *prometheus.CounterVec
	PaymentsFailedTotal *prometheus.CounterVec
	PaymentAmountTotal  *prometheus.CounterVec
	PaymentDuration     *prometheus.HistogramVec
	FacilitatorCalls    *prometheus.CounterVec
	FacilitatorDuration *prometheus.HistogramVec
	FraudChecksTotal    *prometheus.CounterVec

	// Chain gateway metrics
	GatewayCallsTotal   *prometheus.CounterVec
	GatewayCallDuration *prometheus.HistogramVec
	GatewayErrorsTotal  *prometheus.CounterVec

	// Job queue metrics
	JobsTotal   *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec
	QueueDepth  *prometheus.GaugeVec

	// Bundle pipeline metrics
	PlansCreatedTotal     prometheus.Counter
	BundlesPostedTotal    prometheus.Counter
	BundlesPermanentTotal prometheus.Counter
	BundlesRewoundTotal   prometheus.Counter
	BundleBytesTotal      *prometheus.CounterVec
	BundleItemsTotal      *prometheus.CounterVec
	ConfirmationDuration  prometheus.Histogram

	// Optical bridge metrics
	OpticalPostsTotal   *prometheus.CounterVec
	OpticalPostDuration *prometheus.HistogramVec

	// Rate limiting metrics
	RateLimitHitsTotal *prometheus.CounterVec

	// Database metrics
	DBQueryDuration     *prometheus.HistogramVec
	DBConnectionsActive prometheus.Gauge

	// Cleanup metrics
	CleanupRunsTotal    prometheus.Counter
	CleanupDeletedTotal *prometheus.CounterVec

	// Service wallet
	WalletBalance prometheus.Gauge
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// Upload metrics
		UploadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bundler_uploads_total",
				Help: "Total number of upload attempts",
			},
			[]string{"status", "signature_type"},
		),
		UploadBytesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bundler_upload_bytes_total",
				Help: "Total bytes received across uploads",
			},
			[]string{"status"},
		),
		UploadDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bundler_upload_duration_seconds",
				Help:    "Time taken to admit an upload (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 300},
			},
			[]string{"status"},
		),
		InFlightUploads: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "bundler_in_flight_uploads",
				Help: "Uploads currently streaming through admission",
			},
		),

		// Payment metrics
		PaymentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bundler_payments_total",
				Help: "Total number of settled payments",
			},
			[]string{"network"},
		),
		PaymentsFailedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bundler_payments_failed_total",
				Help: "Total number of rejected or failed payment handshakes",
			},
			[]string{"network", "reason"},
		),
		PaymentAmountTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bundler_payment_amount_total",
				Help: "Total settled payment amount in atomic stable units",
			},
			[]string{"network"},
		),
		PaymentDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bundler_payment_duration_seconds",
				Help:    "Time taken for the verify and settle handshake",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"network"},
		),
		FacilitatorCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bundler_facilitator_calls_total",
				Help: "Total number of facilitator requests",
			},
			[]string{"endpoint", "op", "outcome"},
		),
		FacilitatorDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bundler_facilitator_duration_seconds",
				Help:    "Duration of facilitator requests",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"endpoint", "op"},
		),
		FraudChecksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bundler_fraud_checks_total",
				Help: "Payment size reconciliations by outcome",
			},
			[]string{"outcome"},
		),

		// Chain gateway metrics
		GatewayCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bundler_gateway_calls_total",
				Help: "Total number of chain gateway calls",
			},
			[]string{"op"},
		),
		GatewayCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bundler_gateway_call_duration_seconds",
				Help:    "Duration of chain gateway calls (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"op"},
		),
		GatewayErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bundler_gateway_errors_total",
				Help: "Total number of chain gateway errors",
			},
			[]string{"op", "error_type"},
		),

		// Job queue metrics
		JobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bundler_jobs_total",
				Help: "Total number of processed queue jobs",
			},
			[]string{"label", "outcome"},
		),
		JobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bundler_job_duration_seconds",
				Help:    "Queue job handler duration",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
			},
			[]string{"label"},
		),
		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bundler_queue_depth",
				Help: "Pending jobs per label",
			},
			[]string{"label"},
		),

		// Bundle pipeline metrics
		PlansCreatedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "bundler_plans_created_total",
				Help: "Total number of bundle plans created",
			},
		),
		BundlesPostedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "bundler_bundles_posted_total",
				Help: "Total number of bundle transactions submitted to the chain",
			},
		),
		BundlesPermanentTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "bundler_bundles_permanent_total",
				Help: "Total number of bundles confirmed permanent",
			},
		),
		BundlesRewoundTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "bundler_bundles_rewound_total",
				Help: "Total number of posted bundles rewound after falling out of the chain",
			},
		),
		BundleBytesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bundler_bundle_bytes_total",
				Help: "Total bundle bytes by pipeline stage",
			},
			[]string{"stage"},
		),
		BundleItemsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bundler_bundle_items_total",
				Help: "Total bundled items by pipeline stage",
			},
			[]string{"stage"},
		),
		ConfirmationDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "bundler_confirmation_duration_seconds",
				Help:    "Time from bundle post to permanence",
				Buckets: []float64{60, 300, 600, 1800, 3600, 7200, 14400, 21600},
			},
		),

		// Optical bridge metrics
		OpticalPostsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bundler_optical_posts_total",
				Help: "Total number of optical header posts",
			},
			[]string{"sink", "role", "outcome"},
		),
		OpticalPostDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bundler_optical_post_duration_seconds",
				Help:    "Duration of optical header posts",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 3, 5, 8},
			},
			[]string{"sink"},
		),

		// Rate limiting metrics
		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bundler_rate_limit_hits_total",
				Help: "Total number of rate limit hits",
			},
			[]string{"limit_type", "identifier"},
		),

		// Database metrics
		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bundler_db_query_duration_seconds",
				Help:    "Database query duration (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1, 2},
			},
			[]string{"operation", "backend"},
		),
		DBConnectionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "bundler_db_connections_active",
				Help: "Number of active database connections",
			},
		),

		// Cleanup metrics
		CleanupRunsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "bundler_cleanup_runs_total",
				Help: "Total number of cleanup runs",
			},
		),
		CleanupDeletedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bundler_cleanup_deleted_total",
				Help: "Total raw copies deleted by cleanup",
			},
			[]string{"tier"},
		),

		// Service wallet
		WalletBalance: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "bundler_wallet_balance_winston",
				Help: "Service wallet balance in chain base units",
			},
		),
	}
}

// ObserveUpload records an upload attempt and its outcome.
func (m *Metrics) ObserveUpload(status, signatureType string, byteCount int64, duration time.Duration) {
	m.UploadsTotal.WithLabelValues(status, signatureType).Inc()
	m.UploadBytesTotal.WithLabelValues(status).Add(float64(byteCount))
	m.UploadDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// ObservePayment records a settled payment.
func (m *Metrics) ObservePayment(network string, amountAtomic uint64, duration time.Duration) {
	m.PaymentsTotal.WithLabelValues(network).Inc()
	m.PaymentAmountTotal.WithLabelValues(network).Add(float64(amountAtomic))
	m.PaymentDuration.WithLabelValues(network).Observe(duration.Seconds())
}

// ObservePaymentFailure records a rejected or failed payment handshake.
func (m *Metrics) ObservePaymentFailure(network, reason string) {
	m.PaymentsFailedTotal.WithLabelValues(network, reason).Inc()
}

// ObserveFacilitator records one facilitator request.
func (m *Metrics) ObserveFacilitator(endpoint, op string, duration time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.FacilitatorCalls.WithLabelValues(endpoint, op, outcome).Inc()
	m.FacilitatorDuration.WithLabelValues(endpoint, op).Observe(duration.Seconds())
}

// ObserveFraudCheck records a payment size reconciliation outcome.
func (m *Metrics) ObserveFraudCheck(outcome string) {
	m.FraudChecksTotal.WithLabelValues(outcome).Inc()
}

// ObserveGatewayCall records a chain gateway call.
func (m *Metrics) ObserveGatewayCall(op string, duration time.Duration, err error) {
	m.GatewayCallsTotal.WithLabelValues(op).Inc()
	m.GatewayCallDuration.WithLabelValues(op).Observe(duration.Seconds())

	if err != nil {
		errorType := "unknown"
		// Categorize errors
		if errStr := err.Error(); errStr != "" {
			switch {
			case strings.Contains(errStr, "timeout"):
				errorType = "timeout"
			case strings.Contains(errStr, "rate limit"):
				errorType = "rate_limit"
			case strings.Contains(errStr, "connection"):
				errorType = "connection"
			case strings.Contains(errStr, "not found"):
				errorType = "not_found"
			default:
				errorType = "other"
			}
		}
		m.GatewayErrorsTotal.WithLabelValues(op, errorType).Inc()
	}
}

// ObserveJob records a processed queue job.
func (m *Metrics) ObserveJob(label, outcome string, duration time.Duration) {
	m.JobsTotal.WithLabelValues(label, outcome).Inc()
	m.JobDuration.WithLabelValues(label).Observe(duration.Seconds())
}

// SetQueueDepth reports the pending backlog for a label.
func (m *Metrics) SetQueueDepth(label string, depth float64) {
	m.QueueDepth.WithLabelValues(label).Set(depth)
}

// ObservePlanCreated records a new bundle plan.
func (m *Metrics) ObservePlanCreated(itemCount int, byteCount int64) {
	m.PlansCreatedTotal.Inc()
	m.BundleBytesTotal.WithLabelValues("planned").Add(float64(byteCount))
	m.BundleItemsTotal.WithLabelValues("planned").Add(float64(itemCount))
}

// ObserveBundlePosted records a submitted bundle transaction.
func (m *Metrics) ObserveBundlePosted(byteCount int64, itemCount int) {
	m.BundlesPostedTotal.Inc()
	m.BundleBytesTotal.WithLabelValues("posted").Add(float64(byteCount))
	m.BundleItemsTotal.WithLabelValues("posted").Add(float64(itemCount))
}

// ObserveBundlePermanent records a confirmed bundle.
func (m *Metrics) ObserveBundlePermanent(byteCount int64, itemCount int, sincePost time.Duration) {
	m.BundlesPermanentTotal.Inc()
	m.BundleBytesTotal.WithLabelValues("permanent").Add(float64(byteCount))
	m.BundleItemsTotal.WithLabelValues("permanent").Add(float64(itemCount))
	m.ConfirmationDuration.Observe(sincePost.Seconds())
}

// ObserveBundleRewound records a posted bundle falling out of the chain.
func (m *Metrics) ObserveBundleRewound() {
	m.BundlesRewoundTotal.Inc()
}

// ObserveOpticalPost records one optical header post.
func (m *Metrics) ObserveOpticalPost(sink, role string, duration time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.OpticalPostsTotal.WithLabelValues(sink, role, outcome).Inc()
	m.OpticalPostDuration.WithLabelValues(sink).Observe(duration.Seconds())
}

// ObserveRateLimit records a rate limit hit.
func (m *Metrics) ObserveRateLimit(limitType, identifier string) {
	m.RateLimitHitsTotal.WithLabelValues(limitType, identifier).Inc()
}

// ObserveDBQuery records a database query.
func (m *Metrics) ObserveDBQuery(operation, backend string, duration time.Duration) {
	m.DBQueryDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}

// ObserveCleanupRun records a cleanup batch.
func (m *Metrics) ObserveCleanupRun(tier string, deleted int64) {
	m.CleanupRunsTotal.Inc()
	m.CleanupDeletedTotal.WithLabelValues(tier).Add(float64(deleted))
}

// SetWalletBalance reports the service wallet balance.
func (m *Metrics) SetWalletBalance(winston float64) {
	m.WalletBalance.Set(winston)
}
