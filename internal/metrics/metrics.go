package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the credit and upload pipeline.
type Metrics struct {
	// Ledger metrics
	GrantsTotal        *prometheus.CounterVec
	GrantCreditsTotal  *prometheus.CounterVec
	DebitsTotal        *prometheus.CounterVec
	DebitCreditsTotal  *prometheus.CounterVec
	DuplicateOpsTotal  *prometheus.CounterVec
	ExpirySweepRuns    prometheus.Counter
	ExpiredCreditsTotal prometheus.Counter

	// Webhook metrics
	WebhooksTotal    *prometheus.CounterVec
	WebhookDuration  *prometheus.HistogramVec
	WebhookRejectsTotal *prometheus.CounterVec

	// Upload metrics
	PresignsTotal      *prometheus.CounterVec
	SettlementsTotal   *prometheus.CounterVec
	SettlementDuration prometheus.Histogram
	IntentsExpiredTotal prometheus.Counter

	// Checkout metrics
	CheckoutsTotal *prometheus.CounterVec

	// Promo metrics
	PromoRedemptionsTotal *prometheus.CounterVec

	// Cleanup queue metrics
	CleanupJobsEnqueuedTotal *prometheus.CounterVec
	CleanupJobsProcessedTotal *prometheus.CounterVec
	CleanupJobsDLQTotal      prometheus.Counter

	// Rate limiting metrics
	RateLimitHitsTotal *prometheus.CounterVec

	// Database metrics
	DBQueryDuration     *prometheus.HistogramVec
	DBConnectionsActive prometheus.Gauge
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// Ledger metrics
		GrantsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "framehaus_ledger_grants_total",
				Help: "Total number of credit grants applied",
			},
			[]string{"source"},
		),
		GrantCreditsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "framehaus_ledger_grant_credits_total",
				Help: "Total credits granted",
			},
			[]string{"source"},
		),
		DebitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "framehaus_ledger_debits_total",
				Help: "Total number of credit debits applied",
			},
			[]string{"reason"},
		),
		DebitCreditsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "framehaus_ledger_debit_credits_total",
				Help: "Total credits debited",
			},
			[]string{"reason"},
		),
		DuplicateOpsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "framehaus_ledger_duplicate_ops_total",
				Help: "Ledger operations resolved as idempotent replays",
			},
			[]string{"operation"},
		),
		ExpirySweepRuns: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "framehaus_ledger_expiry_sweep_runs_total",
				Help: "Total number of expiry sweep runs",
			},
		),
		ExpiredCreditsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "framehaus_ledger_expired_credits_total",
				Help: "Total credits written off by expiry sweeps",
			},
		),

		// Webhook metrics
		WebhooksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "framehaus_webhooks_total",
				Help: "Total number of webhook deliveries received",
			},
			[]string{"provider", "event_type", "status"},
		),
		WebhookDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "framehaus_webhook_duration_seconds",
				Help:    "Time taken to process inbound webhooks (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"provider"},
		),
		WebhookRejectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "framehaus_webhook_rejects_total",
				Help: "Webhook deliveries rejected before processing",
			},
			[]string{"provider", "reason"},
		),

		// Upload metrics
		PresignsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "framehaus_upload_presigns_total",
				Help: "Total number of presigned upload URLs issued",
			},
			[]string{"status"},
		),
		SettlementsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "framehaus_upload_settlements_total",
				Help: "Total number of upload settlement attempts",
			},
			[]string{"status"},
		),
		SettlementDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "framehaus_upload_settlement_duration_seconds",
				Help:    "Time taken to settle an uploaded photo",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
		),
		IntentsExpiredTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "framehaus_upload_intents_expired_total",
				Help: "Upload intents expired without settlement",
			},
		),

		// Checkout metrics
		CheckoutsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "framehaus_checkouts_total",
				Help: "Total number of checkout sessions",
			},
			[]string{"status"},
		),

		// Promo metrics
		PromoRedemptionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "framehaus_promo_redemptions_total",
				Help: "Total number of promo code redemptions",
			},
			[]string{"kind", "status"},
		),

		// Cleanup queue metrics
		CleanupJobsEnqueuedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "framehaus_cleanup_jobs_enqueued_total",
				Help: "Cleanup jobs enqueued by the retention scheduler",
			},
			[]string{"job_type"},
		),
		CleanupJobsProcessedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "framehaus_cleanup_jobs_processed_total",
				Help: "Cleanup jobs processed by the queue worker",
			},
			[]string{"job_type", "status"},
		),
		CleanupJobsDLQTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "framehaus_cleanup_jobs_dlq_total",
				Help: "Cleanup jobs parked after exhausting retries",
			},
		),

		// Rate limiting metrics
		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "framehaus_rate_limit_hits_total",
				Help: "Total number of rate limit hits",
			},
			[]string{"limit_type", "identifier"},
		),

		// Database metrics
		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "framehaus_db_query_duration_seconds",
				Help:    "Database query duration (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1, 2},
			},
			[]string{"operation", "backend"},
		),
		DBConnectionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "framehaus_db_connections_active",
				Help: "Number of active database connections",
			},
		),
	}
}

// ObserveGrant records an applied credit grant.
func (m *Metrics) ObserveGrant(source string, credits int64) {
	m.GrantsTotal.WithLabelValues(source).Inc()
	m.GrantCreditsTotal.WithLabelValues(source).Add(float64(credits))
}

// ObserveDebit records an applied credit debit.
func (m *Metrics) ObserveDebit(reason string, credits int64) {
	m.DebitsTotal.WithLabelValues(reason).Inc()
	m.DebitCreditsTotal.WithLabelValues(reason).Add(float64(credits))
}

// ObserveDuplicate records a ledger operation resolved as a replay.
func (m *Metrics) ObserveDuplicate(operation string) {
	m.DuplicateOpsTotal.WithLabelValues(operation).Inc()
}

// ObserveExpirySweep records an expiry sweep run and its write-off total.
func (m *Metrics) ObserveExpirySweep(expiredCredits int64) {
	m.ExpirySweepRuns.Inc()
	m.ExpiredCreditsTotal.Add(float64(expiredCredits))
}

// ObserveWebhook records an inbound webhook and its processing outcome.
func (m *Metrics) ObserveWebhook(provider, eventType, status string, duration time.Duration) {
	m.WebhooksTotal.WithLabelValues(provider, eventType, status).Inc()
	m.WebhookDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// ObserveWebhookReject records a webhook delivery rejected before processing.
func (m *Metrics) ObserveWebhookReject(provider, reason string) {
	m.WebhookRejectsTotal.WithLabelValues(provider, reason).Inc()
}

// ObservePresign records a presigned URL issuance attempt.
func (m *Metrics) ObservePresign(status string) {
	m.PresignsTotal.WithLabelValues(status).Inc()
}

// ObserveSettlement records an upload settlement attempt.
func (m *Metrics) ObserveSettlement(status string, duration time.Duration) {
	m.SettlementsTotal.WithLabelValues(status).Inc()
	m.SettlementDuration.Observe(duration.Seconds())
}

// ObserveIntentsExpired records intents expired by the sweeper.
func (m *Metrics) ObserveIntentsExpired(count int) {
	m.IntentsExpiredTotal.Add(float64(count))
}

// ObserveCheckout records a checkout session outcome.
func (m *Metrics) ObserveCheckout(status string) {
	m.CheckoutsTotal.WithLabelValues(status).Inc()
}

// ObservePromoRedemption records a promo redemption attempt.
func (m *Metrics) ObservePromoRedemption(kind, status string) {
	m.PromoRedemptionsTotal.WithLabelValues(kind, status).Inc()
}

// ObserveCleanupEnqueued records cleanup jobs enqueued by the scheduler.
func (m *Metrics) ObserveCleanupEnqueued(jobType string, count int) {
	m.CleanupJobsEnqueuedTotal.WithLabelValues(jobType).Add(float64(count))
}

// ObserveCleanupProcessed records a processed cleanup job.
func (m *Metrics) ObserveCleanupProcessed(jobType, status string) {
	m.CleanupJobsProcessedTotal.WithLabelValues(jobType, status).Inc()
}

// ObserveCleanupDLQ records a cleanup job parked after exhausting retries.
func (m *Metrics) ObserveCleanupDLQ() {
	m.CleanupJobsDLQTotal.Inc()
}

// ObserveRateLimit records a rate limit hit.
func (m *Metrics) ObserveRateLimit(limitType, identifier string) {
	m.RateLimitHitsTotal.WithLabelValues(limitType, identifier).Inc()
}

// ObserveDBQuery records a database query.
func (m *Metrics) ObserveDBQuery(operation, backend string, duration time.Duration) {
	m.DBQueryDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}
