package billing

import (
	"context"
	"time"
)

// Provider defines the interface to the payment provider.
// The provider is the source of truth for money movement; this engine only
// projects and reconciles its state. Implementations can use Stripe,
// Braintree, etc.
type Provider interface {
	// CreateCustomer creates a customer record in the billing provider.
	// Called only by the identity resolver; every other component resolves
	// customers through it.
	CreateCustomer(ctx context.Context, params CreateCustomerParams) (*Customer, error)

	// GetCustomer retrieves an existing customer.
	GetCustomer(ctx context.Context, customerID string) (*Customer, error)

	// GetSubscription retrieves an existing subscription.
	GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)

	// ListSubscriptions returns all of a customer's subscriptions, any
	// status. Used by recovery to find provider subscriptions with no
	// local row.
	ListSubscriptions(ctx context.Context, customerID string) ([]Subscription, error)

	// CancelSubscription cancels a subscription, immediately or at period end.
	CancelSubscription(ctx context.Context, params CancelSubscriptionParams) error

	// GetPaymentMethod retrieves a payment method including its actual
	// owning customer. Ownership validation depends on this being fetched
	// fresh from the provider, never from a local cache.
	GetPaymentMethod(ctx context.Context, paymentMethodID string) (*PaymentMethod, error)

	// ListPaymentMethods lists card payment methods for a customer.
	ListPaymentMethods(ctx context.Context, customerID string) ([]PaymentMethod, error)

	// AttachPaymentMethod attaches a payment method to a customer.
	AttachPaymentMethod(ctx context.Context, paymentMethodID, customerID string) (*PaymentMethod, error)

	// DetachPaymentMethod detaches a payment method. A detached instrument
	// can never be reattached; callers mark it invalid locally instead.
	DetachPaymentMethod(ctx context.Context, paymentMethodID string) error

	// SetDefaultPaymentMethod updates the customer's default instrument.
	SetDefaultPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error

	// ListInvoices returns the customer's invoices, newest first.
	ListInvoices(ctx context.Context, customerID string, limit int) ([]Invoice, error)

	// PayInvoice retries collection on an open invoice. Used by the dunning
	// cycle for failed payments.
	PayInvoice(ctx context.Context, invoiceID string) (*Invoice, error)

	// PreviewProration asks the provider to compute the charge/credit for a
	// mid-cycle plan change. Proration math is never hand-rolled from raw
	// invoice totals.
	PreviewProration(ctx context.Context, params PreviewProrationParams) (*ProrationPreview, error)

	// CreateRefund refunds a completed payment.
	CreateRefund(ctx context.Context, params RefundParams) (*Refund, error)

	// GetCharge resolves a charge to its customer and payment intent.
	// Dispute webhooks carry only a charge id; this is how a dispute is
	// mapped back to a user.
	GetCharge(ctx context.Context, chargeID string) (*Charge, error)

	// GetDispute retrieves a dispute (chargeback).
	GetDispute(ctx context.Context, disputeID string) (*Dispute, error)

	// SubmitDisputeEvidence attaches evidence text to an open dispute.
	SubmitDisputeEvidence(ctx context.Context, disputeID string, evidence DisputeEvidence) (*Dispute, error)

	// VerifyWebhookSignature verifies that a webhook request is authentic.
	// Returns domain.ErrSignatureInvalid semantics via ErrInvalidWebhookSignature.
	VerifyWebhookSignature(payload []byte, signature string, secret string) error
}

// CreateCustomerParams contains parameters for creating a customer.
type CreateCustomerParams struct {
	Email    string
	Name     string
	Metadata map[string]string

	// IdempotencyKey prevents duplicate customers when the resolver races.
	// Typically the internal user id.
	IdempotencyKey string
}

// Customer represents a billing customer.
type Customer struct {
	ID        string
	Email     string
	Name      string
	CreatedAt time.Time
}

// Subscription represents a provider subscription.
type Subscription struct {
	ID                string
	CustomerID        string
	Status            string // "active", "past_due", "canceled", "incomplete", ...
	PriceID           string
	CancelAtPeriodEnd bool
	CurrentPeriodEnd  time.Time
	CanceledAt        *time.Time
	Metadata          map[string]string
	CreatedAt         time.Time
}

// CancelSubscriptionParams contains parameters for canceling a subscription.
type CancelSubscriptionParams struct {
	SubscriptionID    string
	CancelAtPeriodEnd bool
	Reason            string
}

// PaymentMethod represents a provider payment instrument.
// CustomerID is the actual owner as reported by the provider.
type PaymentMethod struct {
	ID         string
	CustomerID string
	Brand      string
	Last4      string
	IsDefault  bool
	CreatedAt  time.Time
}

// Invoice represents a provider invoice.
type Invoice struct {
	ID               string
	CustomerID       string
	SubscriptionID   string
	Status           string // draft, open, paid, void, uncollectible
	AmountDueCents   int64
	AmountPaidCents  int64
	Currency         string
	Number           string
	Description      string
	HostedInvoiceURL string
	CreatedAt        time.Time
}

// PreviewProrationParams describes a mid-cycle plan change to preview.
type PreviewProrationParams struct {
	CustomerID     string
	SubscriptionID string
	// NewPriceID replaces the subscription's current price.
	NewPriceID string
	// ProrationDate anchors the preview; zero means now.
	ProrationDate time.Time
}

// ProrationPreview is the provider-computed adjustment for a plan change.
// AmountDueCents is negative for a net credit.
type ProrationPreview struct {
	AmountDueCents int64
	Currency       string
	Lines          []ProrationLine
}

// ProrationLine is one proration line item from the preview invoice.
type ProrationLine struct {
	Description string
	AmountCents int64
}

// RefundParams contains parameters for creating a refund.
type RefundParams struct {
	PaymentIntentID string
	AmountCents     int64  // 0 refunds the full amount
	Reason          string // "duplicate", "fraudulent", "requested_by_customer"
	Metadata        map[string]string
}

// Refund represents a payment refund.
type Refund struct {
	ID              string
	PaymentIntentID string
	AmountCents     int64
	Currency        string
	Status          string // succeeded, pending, failed
	CreatedAt       time.Time
}

// Dispute represents a chargeback.
// Charge is a settled (or disputed) payment.
type Charge struct {
	ID              string
	CustomerID      string
	PaymentIntentID string
	AmountCents     int64
	Currency        string
	Refunded        bool
	CreatedAt       time.Time
}

type Dispute struct {
	ID              string
	PaymentIntentID string
	AmountCents     int64
	Currency        string
	Status          string // needs_response, under_review, won, lost
	EvidenceDueBy   time.Time
	CreatedAt       time.Time
}

// DisputeEvidence is the subset of evidence fields this engine submits.
type DisputeEvidence struct {
	ProductDescription string
	CustomerEmail      string
	UncategorizedText  string
}
