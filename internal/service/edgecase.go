package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/wclausen/mimir/internal/domain"
)

// EdgeCaseService coordinates the billing edge cases: failed-payment
// dunning, mid-cycle proration, refunds, disputes, and detached payment
// methods. Each kind is a small state machine over domain.EdgeCaseEvent
// rows, and every entry point is idempotent with respect to the webhook
// event id that triggered it.
type EdgeCaseService interface {
	// OpenFailedPayment opens a dunning cycle for a failed invoice: the
	// subscription moves to past_due and retries are scheduled on the
	// configured day offsets. A redelivered webhook is a no-op.
	OpenFailedPayment(ctx context.Context, params OpenFailedPaymentParams) error

	// RetryFailedPayment runs one scheduled dunning attempt. On success
	// the case closes `recovered` and the subscription returns to active;
	// after the schedule is exhausted the subscription is canceled and
	// the case closes `unresolved`.
	RetryFailedPayment(ctx context.Context, event domain.EdgeCaseEvent) error

	// RecordPaymentRecovered closes an open dunning case when the
	// provider reports the invoice paid out of band, before a scheduled
	// retry ran. The subscription returns to active. No open case is a
	// no-op.
	RecordPaymentRecovered(ctx context.Context, stripeSubscriptionID string) error

	// RecordProration records a mid-cycle plan change: the adjustment is
	// computed with the provider's proration preview (never hand-rolled
	// from invoice totals) and written as a subscription_change billing
	// record. The case opens and closes `recorded` in one call.
	RecordProration(ctx context.Context, params RecordProrationParams) error

	// RecordRefund records a refund as an internal billing record. A
	// full refund additionally cancels the subscription according to the
	// configured policy (immediate or end-of-period).
	RecordRefund(ctx context.Context, params RecordRefundParams) error

	// OpenDispute opens a chargeback case in needs_evidence state.
	OpenDispute(ctx context.Context, params OpenDisputeParams) error

	// SubmitDisputeEvidence forwards evidence to the provider and moves
	// the case to under_review.
	SubmitDisputeEvidence(ctx context.Context, disputeID string, evidence DisputeEvidenceParams) error

	// CloseDispute records the provider's final outcome (won or lost)
	// and closes the case.
	CloseDispute(ctx context.Context, params CloseDisputeParams) error

	// HandleDetachedPaymentMethod marks a detached or unusable instrument
	// invalid and opens a payment_method_failure case prompting the user
	// to add a new card. Detached instruments are never reattached.
	HandleDetachedPaymentMethod(ctx context.Context, params DetachedPaymentMethodParams) error

	// CloseOpenPaymentMethodFailures resolves open payment_method_failure
	// cases for a user, called when the user adds a working instrument.
	CloseOpenPaymentMethodFailures(ctx context.Context, userID uuid.UUID) error
}

// RefundCancelPolicy decides what a full refund does to the subscription.
type RefundCancelPolicy string

const (
	RefundCancelEndOfPeriod RefundCancelPolicy = "end_of_period"
	RefundCancelImmediate   RefundCancelPolicy = "immediate"
)

// EdgeCaseConfig carries the tunable policy knobs.
type EdgeCaseConfig struct {
	// DunningSchedule holds the retry delays measured from the failure,
	// e.g. day 1, 3, 7. Its length bounds the attempt count.
	DunningSchedule []time.Duration

	// RefundPolicy controls whether a full refund cancels immediately or
	// lets the paid period run out.
	RefundPolicy RefundCancelPolicy
}

// DefaultDunningSchedule is the day 1 / day 3 / day 7 retry ladder.
var DefaultDunningSchedule = []time.Duration{
	24 * time.Hour,
	72 * time.Hour,
	168 * time.Hour,
}

type OpenFailedPaymentParams struct {
	TriggerEventID       string
	StripeSubscriptionID string
	InvoiceID            string
}

type RecordProrationParams struct {
	TriggerEventID       string
	StripeSubscriptionID string
	PreviousPriceID      string
	NewPriceID           string
}

type RecordRefundParams struct {
	TriggerEventID   string
	StripeCustomerID string
	ChargeID         string
	AmountCents      int64
	Currency         string

	// FullRefund reports whether the charge was refunded in full, which
	// is what triggers the cancellation policy.
	FullRefund bool
}

type OpenDisputeParams struct {
	TriggerEventID string
	DisputeID      string
	ChargeID       string
}

type DisputeEvidenceParams struct {
	ProductDescription string
	CustomerEmail      string
	UncategorizedText  string
}

type CloseDisputeParams struct {
	TriggerEventID string
	DisputeID      string
	ChargeID       string

	// Outcome is "won" or "lost" as reported by the provider.
	Outcome string
}

type DetachedPaymentMethodParams struct {
	TriggerEventID   string
	PaymentMethodID  string
	StripeCustomerID string
}
