package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	WebhooksReceived = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "webhooks_received_total", Help: "Webhook deliveries received"}, []string{"provider"})
	WebhooksRejected = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "webhooks_rejected_total", Help: "Webhook deliveries rejected before processing"}, []string{"provider", "reason"})
	WebhooksIgnored  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "webhooks_ignored_total", Help: "Webhook deliveries for unhandled event types"}, []string{"provider"})
	WebhooksFailed   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "webhooks_failed_total", Help: "Webhook deliveries whose handler failed"}, []string{"provider"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "webhooks_rate_limit_rejects_total", Help: "Deliveries rejected by the rate limiter"})

	NormalizeDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "normalize_duration_seconds", Help: "Time to process one webhook event", Buckets: prometheus.DefBuckets}, []string{"provider"})

	OrdersCreated    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orders_created_total", Help: "Orders created from webhook events"}, []string{"marketplace"})
	OrdersDuplicate  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orders_duplicate_total", Help: "Duplicate order deliveries observed"}, []string{"marketplace"})
	SalesUnresolved  = prometheus.NewCounter(prometheus.CounterOpts{Name: "sales_unresolved_total", Help: "Line items recorded without a catalog match"})
	UnknownStatuses  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "status_unknown_total", Help: "Unrecognized raw status values mapped conservatively"}, []string{"field"})

	JobsEnqueued  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_enqueued_total", Help: "Background jobs enqueued"}, []string{"queue"})
	JobsSucceeded = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_completed_total", Help: "Background jobs completed"}, []string{"queue"})
	JobsFailed    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_failed_total", Help: "Background jobs that failed"}, []string{"queue"})
	JobsSkipped   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_skipped_total", Help: "Jobs skipped by an idempotency key hit"}, []string{"queue"})
	QueueDepth    = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "jobs_queue_depth", Help: "Ready queue depth"}, []string{"queue"})
	JobsInFlight  = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "jobs_inflight", Help: "Jobs currently leased"}, []string{"queue"})

	RecoveryFailuresRecorded = prometheus.NewCounter(prometheus.CounterOpts{Name: "recovery_failures_recorded_total", Help: "Job failures recorded in the retry ledger"})
	RecoveryRetried          = prometheus.NewCounter(prometheus.CounterOpts{Name: "recovery_retried_total", Help: "Jobs re-enqueued by recovery"})
	RecoveryAbandoned        = prometheus.NewCounter(prometheus.CounterOpts{Name: "recovery_abandoned_total", Help: "Retry records abandoned after exhausting attempts"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			WebhooksReceived,
			WebhooksRejected,
			WebhooksIgnored,
			WebhooksFailed,
			RateLimitRejects,
			NormalizeDuration,
			OrdersCreated,
			OrdersDuplicate,
			SalesUnresolved,
			UnknownStatuses,
			JobsEnqueued,
			JobsSucceeded,
			JobsFailed,
			JobsSkipped,
			QueueDepth,
			JobsInFlight,
			RecoveryFailuresRecorded,
			RecoveryRetried,
			RecoveryAbandoned,
		)
	})
	return promhttp.Handler()
}
