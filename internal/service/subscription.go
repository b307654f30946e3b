package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/wclausen/mimir/internal/domain"
)

// SubscriptionService owns the subscription lifecycle and the
// free <-> paid upgrade invariant: at most one live subscription row per
// user, and the upgrade is a single transaction under the user's customer
// row lock.
type SubscriptionService interface {
	// CreateFreePlan creates a free-plan subscription for a user with no
	// live subscription.
	//
	// Returns ErrAlreadySubscribed if the user already has a live row.
	CreateFreePlan(ctx context.Context, userID uuid.UUID) (domain.Subscription, error)

	// UpgradeToPaid converts a free-plan user to a paid plan, recording
	// the provider subscription created by checkout.
	//
	// Within one transaction: the existing free row is marked canceled and
	// a new row is inserted with both provider ids and the status derived
	// from the provider's reported status. A partial write can never be
	// observed.
	//
	// Idempotent per provider subscription id - a duplicate webhook
	// delivery returns the existing paid row without touching anything.
	//
	// Returns ErrAlreadySubscribed if the user's live subscription is
	// already linked to a different provider subscription.
	UpgradeToPaid(ctx context.Context, params UpgradeToPaidParams) (domain.Subscription, error)

	// ApplyProviderStatus applies a provider-reported status change to the
	// local row identified by provider subscription id. Transitions are
	// checked against the domain transition table; a status change absent
	// from the table is rejected with ErrIllegalTransition. Re-applying
	// the current status is a no-op apart from period/price refresh.
	//
	// An unknown provider subscription id is a reconciliation gap: it is
	// logged, reported to the operator channel, and returned as
	// ErrSubscriptionNotFound so the event lands in the recovery queue.
	ApplyProviderStatus(ctx context.Context, params ApplyProviderStatusParams) error

	// Cancel cancels the user's live subscription. Paid plans are canceled
	// at the provider first; the local row follows the provider's
	// subsequent webhook for end-of-period cancellations, or is marked
	// canceled immediately otherwise. Free plans are canceled locally.
	Cancel(ctx context.Context, userID uuid.UUID, atPeriodEnd bool) error

	// GetForUser returns the user's live subscription.
	//
	// Returns ErrNoLiveSubscription if none exists.
	GetForUser(ctx context.Context, userID uuid.UUID) (domain.Subscription, error)
}

// UpgradeToPaidParams carries the provider identifiers from a completed
// checkout.
type UpgradeToPaidParams struct {
	UserID               uuid.UUID
	StripeSubscriptionID string
	StripeCustomerID     string
	PriceID              string

	// ProviderStatus is the provider's reported status string
	// (e.g. "active", "trialing", "incomplete").
	ProviderStatus string

	CurrentPeriodEnd time.Time
}

// ApplyProviderStatusParams carries a provider-reported subscription change.
type ApplyProviderStatusParams struct {
	StripeSubscriptionID string
	ProviderStatus       string
	PriceID              string
	CancelAtPeriodEnd    bool
	CurrentPeriodEnd     time.Time

	// EventID is the webhook event that reported the change, for logging.
	EventID string
}

// MapProviderStatus folds the provider's status vocabulary onto the local
// state set.
func MapProviderStatus(providerStatus string) (domain.SubscriptionStatus, error) {
	switch providerStatus {
	case "active", "trialing":
		return domain.SubscriptionActive, nil
	case "past_due", "unpaid":
		return domain.SubscriptionPastDue, nil
	case "incomplete":
		return domain.SubscriptionIncomplete, nil
	case "canceled", "incomplete_expired":
		return domain.SubscriptionCanceled, nil
	default:
		return "", ErrUnknownProviderStatus
	}
}

// FreePlanPriceID marks free-plan rows; they have no provider price.
const FreePlanPriceID = "free"
