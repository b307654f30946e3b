package domain

import (
	"time"

	"github.com/google/uuid"
)

// EdgeCaseKind identifies which small state machine owns an edge-case event.
type EdgeCaseKind string

const (
	EdgeCaseFailedPayment        EdgeCaseKind = "failed_payment"
	EdgeCaseProration            EdgeCaseKind = "proration"
	EdgeCaseRefund               EdgeCaseKind = "refund"
	EdgeCaseDispute              EdgeCaseKind = "dispute"
	EdgeCasePaymentMethodFailure EdgeCaseKind = "payment_method_failure"
)

// Edge case states. Each kind uses a subset.
const (
	// failed_payment
	EdgeStateRetrying = "retrying"

	// dispute
	EdgeStateNeedsEvidence = "needs_evidence"
	EdgeStateUnderReview   = "under_review"

	// shared
	EdgeStateOpen   = "open"
	EdgeStateClosed = "closed"
)

// Edge case resolutions recorded when an event closes.
const (
	EdgeResolutionRecovered  = "recovered"
	EdgeResolutionUnresolved = "unresolved"
	EdgeResolutionRecorded   = "recorded"
	EdgeResolutionWon        = "won"
	EdgeResolutionLost       = "lost"
)

// EdgeCaseEvent tracks one in-flight billing edge case (dunning cycle,
// dispute, refund, detached payment method). Created and mutated only by
// the edge-case coordinator; closed when the underlying condition resolves.
//
// TriggerEventID is the webhook event id that opened the case; together
// with Kind it carries a unique constraint, which is what makes edge-case
// handling idempotent under webhook redelivery.
type EdgeCaseEvent struct {
	ID             uuid.UUID
	Kind           EdgeCaseKind
	SubscriptionID uuid.UUID
	State          string
	TriggerEventID string
	// ProviderRef points at the provider object driving the case:
	// invoice id for failed_payment, dispute id for dispute, payment
	// method id for payment_method_failure.
	ProviderRef string
	Attempts    int
	NextRetryAt *time.Time
	CreatedAt   time.Time
	ResolvedAt  *time.Time
	Resolution  string
}

// Open reports whether the case still needs work.
func (e *EdgeCaseEvent) Open() bool {
	return e.ResolvedAt == nil
}
