package domain

import (
	"time"

	"github.com/google/uuid"
)

// Customer maps an internal user to exactly one provider customer.
//
// There is exactly one way to discover a user's provider customer: the
// identity resolver. No component may re-derive it (for example by email
// lookup against the provider). user_id carries a unique constraint so
// concurrent first-time resolution cannot create two rows; once written,
// StripeCustomerID is immutable for that user.
type Customer struct {
	ID               uuid.UUID
	UserID           uuid.UUID
	StripeCustomerID string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// PaymentMethodStatus marks whether an instrument may still be charged.
type PaymentMethodStatus string

const (
	PaymentMethodUsable  PaymentMethodStatus = "usable"
	PaymentMethodInvalid PaymentMethodStatus = "invalid"
)

// PaymentMethod is the local projection of a provider payment instrument.
// Brand and Last4 are display-only; the provider remains the source of
// truth for ownership, which is re-checked before every mutating use.
type PaymentMethod struct {
	StripePaymentMethodID string
	StripeCustomerID      string
	IsDefault             bool
	Brand                 string
	Last4                 string
	Status                PaymentMethodStatus
	CreatedAt             time.Time
	UpdatedAt             time.Time
}
