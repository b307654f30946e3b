package domain

import (
	"time"

	"github.com/google/uuid"

	"github.com/shopspring/decimal"
)

// BillingSource tags where a history record came from so callers can tell
// authoritative invoice data from synthesized entries.
type BillingSource string

const (
	// SourceProviderInvoice is a real provider invoice. Authoritative.
	SourceProviderInvoice BillingSource = "provider_invoice"

	// SourceSubscriptionChange is synthesized from local subscription
	// history. Only ever served in non-production environments.
	SourceSubscriptionChange BillingSource = "subscription_change"

	// SourceInternalBillingRecord covers refunds, proration adjustments and
	// other records this engine wrote itself.
	SourceInternalBillingRecord BillingSource = "internal_billing_record"
)

// BillingRecord is one entry in a user's unified billing history.
// Derived data: webhook processing never mutates these directly, the
// projector recomputes the view on every call.
type BillingRecord struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	Source      BillingSource
	AmountCents int64
	Currency    string
	Status      string
	Description string
	OccurredAt  time.Time
}

// Amount returns the record amount in major currency units.
func (r *BillingRecord) Amount() decimal.Decimal {
	return decimal.NewFromInt(r.AmountCents).Div(decimal.NewFromInt(100))
}
