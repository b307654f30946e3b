package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BusinessMetrics holds Prometheus metrics for billing-level observability.
type BusinessMetrics struct {
	// Webhook pipeline
	WebhookReceived     *prometheus.CounterVec
	WebhookProcessed    *prometheus.CounterVec
	WebhookFailed       *prometheus.CounterVec
	WebhookRetried      *prometheus.CounterVec
	WebhookDeadLettered *prometheus.CounterVec
	WebhookLatency      *prometheus.HistogramVec

	// Subscription lifecycle
	SubscriptionsCreated  *prometheus.CounterVec
	SubscriptionsUpgraded prometheus.Counter
	SubscriptionsCanceled *prometheus.CounterVec
	StatusTransitions     *prometheus.CounterVec

	// Edge-case coordination
	EdgeCasesOpened *prometheus.CounterVec
	EdgeCasesClosed *prometheus.CounterVec
	DunningAttempts *prometheus.CounterVec

	// Payment methods
	OwnershipViolations prometheus.Counter

	// Revenue adjustments
	RefundsRecorded  prometheus.Counter
	RefundAmount     prometheus.Counter
	DisputesOpened   prometheus.Counter
	DisputesClosed   *prometheus.CounterVec

	// Recovery operations
	RecoveryAnalyses    prometheus.Counter
	RecoveryRepairs     prometheus.Counter
	DeadLettersRequeued prometheus.Counter

	// Email delivery
	EmailSent   *prometheus.CounterVec
	EmailFailed *prometheus.CounterVec
}

// NewBusinessMetrics creates and registers all business metrics
func NewBusinessMetrics(namespace string) *BusinessMetrics {
	if namespace == "" {
		namespace = "mimir"
	}

	subsystem := "billing"

	m := &BusinessMetrics{
		// =======================================================================
		// Webhook Pipeline
		// =======================================================================
		WebhookReceived: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhook_received_total",
				Help:      "Total webhooks received",
			},
			[]string{"event_type"},
		),
		WebhookProcessed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhook_processed_total",
				Help:      "Total webhooks successfully applied",
			},
			[]string{"event_type"},
		),
		WebhookFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhook_failed_total",
				Help:      "Total webhook processing failures",
			},
			[]string{"event_type", "classification"}, // classification: transient, permanent
		),
		WebhookRetried: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhook_retried_total",
				Help:      "Total webhook retry attempts by the worker",
			},
			[]string{"event_type"},
		),
		WebhookDeadLettered: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhook_dead_lettered_total",
				Help:      "Total webhooks parked for manual recovery",
			},
			[]string{"event_type"},
		),
		WebhookLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhook_processing_seconds",
				Help:      "Webhook processing duration",
				Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"event_type"},
		),

		// =======================================================================
		// Subscription Lifecycle
		// =======================================================================
		SubscriptionsCreated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "subscriptions_created_total",
				Help:      "Total subscription rows created",
			},
			[]string{"plan"}, // plan: free, paid
		),
		SubscriptionsUpgraded: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "subscriptions_upgraded_total",
				Help:      "Total free to paid upgrades completed",
			},
		),
		SubscriptionsCanceled: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "subscriptions_canceled_total",
				Help:      "Total subscriptions canceled",
			},
			[]string{"reason"}, // reason: user_request, dunning_exhausted, refund, provider
		),
		StatusTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "status_transitions_total",
				Help:      "Total subscription status transitions applied",
			},
			[]string{"from", "to"},
		),

		// =======================================================================
		// Edge-Case Coordination
		// =======================================================================
		EdgeCasesOpened: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "edge_cases_opened_total",
				Help:      "Total coordination cases opened",
			},
			[]string{"kind"},
		),
		EdgeCasesClosed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "edge_cases_closed_total",
				Help:      "Total coordination cases resolved",
			},
			[]string{"kind", "resolution"},
		),
		DunningAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "dunning_attempts_total",
				Help:      "Total dunning payment retries",
			},
			[]string{"outcome"}, // outcome: recovered, failed, exhausted
		),

		// =======================================================================
		// Payment Methods
		// =======================================================================
		OwnershipViolations: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "ownership_violations_total",
				Help:      "Total payment method operations rejected for wrong ownership",
			},
		),

		// =======================================================================
		// Revenue Adjustments
		// =======================================================================
		RefundsRecorded: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "refunds_recorded_total",
				Help:      "Total refunds recorded in billing history",
			},
		),
		RefundAmount: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "refund_amount_cents",
				Help:      "Total refunded amount in cents",
			},
		),
		DisputesOpened: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "disputes_opened_total",
				Help:      "Total chargeback disputes opened",
			},
		),
		DisputesClosed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "disputes_closed_total",
				Help:      "Total chargeback disputes closed",
			},
			[]string{"outcome"}, // outcome: won, lost
		),

		// =======================================================================
		// Recovery Operations
		// =======================================================================
		RecoveryAnalyses: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "recovery_analyses_total",
				Help:      "Total manual recovery analyses run",
			},
		),
		RecoveryRepairs: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "recovery_repairs_total",
				Help:      "Total subscriptions repaired manually",
			},
		),
		DeadLettersRequeued: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "dead_letters_requeued_total",
				Help:      "Total dead-lettered events put back on the retry queue",
			},
		),

		// =======================================================================
		// Email Delivery
		// =======================================================================
		EmailSent: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "emails_sent_total",
				Help:      "Total billing notices sent by type",
			},
			[]string{"email_type"}, // email_type: payment_failed, subscription_canceled, add_payment_method
		),
		EmailFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "emails_failed_total",
				Help:      "Total billing notice delivery failures",
			},
			[]string{"email_type"},
		),
	}

	return m
}

// Global instance for easy access from handlers
var Business *BusinessMetrics

// InitBusinessMetrics initializes the global business metrics instance
func InitBusinessMetrics(namespace string) *BusinessMetrics {
	Business = NewBusinessMetrics(namespace)
	return Business
}
