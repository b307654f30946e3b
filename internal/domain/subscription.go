package domain

import (
	"time"

	"github.com/google/uuid"
)

// SubscriptionStatus is the closed set of local subscription states.
// Transitions are driven only by provider webhook events or explicit
// recovery calls, never inferred from polling.
type SubscriptionStatus string

const (
	SubscriptionIncomplete SubscriptionStatus = "incomplete"
	SubscriptionActive     SubscriptionStatus = "active"
	SubscriptionPastDue    SubscriptionStatus = "past_due"
	SubscriptionCanceled   SubscriptionStatus = "canceled"
)

// IsLive reports whether the status counts against the
// at-most-one-live-subscription-per-user invariant.
func (s SubscriptionStatus) IsLive() bool {
	switch s {
	case SubscriptionIncomplete, SubscriptionActive, SubscriptionPastDue:
		return true
	}
	return false
}

// Valid reports whether s is a known status value.
func (s SubscriptionStatus) Valid() bool {
	switch s {
	case SubscriptionIncomplete, SubscriptionActive, SubscriptionPastDue, SubscriptionCanceled:
		return true
	}
	return false
}

// subscriptionTransitions is the explicit transition table:
// none -> incomplete -> active <-> past_due -> canceled (terminal).
// A transition absent from this table is rejected.
var subscriptionTransitions = map[SubscriptionStatus][]SubscriptionStatus{
	SubscriptionIncomplete: {SubscriptionActive, SubscriptionPastDue, SubscriptionCanceled},
	SubscriptionActive:     {SubscriptionPastDue, SubscriptionCanceled},
	SubscriptionPastDue:    {SubscriptionActive, SubscriptionCanceled},
	SubscriptionCanceled:   {}, // terminal
}

// CanTransition reports whether moving from -> to is permitted.
// A no-op transition (same status) is always allowed; duplicate webhook
// deliveries must not be treated as illegal moves.
func CanTransition(from, to SubscriptionStatus) bool {
	if from == to {
		return true
	}
	for _, next := range subscriptionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Subscription is the local projection of a billing subscription.
//
// A row either has both provider ids set (paid plan, linked to exactly one
// live provider subscription) or neither (free plan). The storage layer
// enforces this with a check constraint so recovery paths cannot produce a
// half-linked row.
type Subscription struct {
	ID                   uuid.UUID
	UserID               uuid.UUID
	StripeSubscriptionID string // empty for free-plan rows
	StripeCustomerID     string // empty for free-plan rows
	Status               SubscriptionStatus
	PriceID              string
	CancelAtPeriodEnd    bool
	CurrentPeriodEnd     time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// IsFreePlan reports whether the row has no provider linkage.
func (s *Subscription) IsFreePlan() bool {
	return s.StripeSubscriptionID == ""
}
