// Package store provides PostgreSQL persistence for billing state.
//
// Queries is the flat query surface; Store adds transactions and the
// per-user advisory pattern used to serialize billing mutations: every
// write path that touches a user's subscription state runs inside
// WithUserLock, which takes a row lock on the user's customer row for
// the duration of the transaction.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/wclausen/mimir/internal/domain"
)

// ClaimLease is how long a claimed row stays invisible to other
// workers. A worker that dies mid-batch loses its claim when the
// lease expires and the rows become due again.
const ClaimLease = 5 * time.Minute

// PendingGrace is how long a pending webhook event is left to the
// inline handler before ClaimRetryableWebhookEvents sweeps it into the
// retry queue. Covers a crash between insert and settlement, where the
// provider's redelivery would otherwise be acknowledged as a duplicate
// with the event's effects never applied.
const PendingGrace = 2 * time.Minute

// Queries is the set of single-statement operations. Implementations are
// bound either to a pool or to an open transaction.
type Queries interface {
	// Customers
	CreateCustomer(ctx context.Context, params CreateCustomerParams) (domain.Customer, error)
	GetCustomerByUserID(ctx context.Context, userID uuid.UUID) (domain.Customer, error)
	GetCustomerByStripeID(ctx context.Context, stripeCustomerID string) (domain.Customer, error)
	ListCustomersWithoutLiveSubscription(ctx context.Context) ([]domain.Customer, error)

	// Subscriptions
	CreateSubscription(ctx context.Context, params CreateSubscriptionParams) (domain.Subscription, error)
	GetSubscriptionByID(ctx context.Context, id uuid.UUID) (domain.Subscription, error)
	GetSubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string) (domain.Subscription, error)
	GetLiveSubscriptionForUser(ctx context.Context, userID uuid.UUID) (domain.Subscription, error)
	ListSubscriptionsForUser(ctx context.Context, userID uuid.UUID) ([]domain.Subscription, error)
	ListSubscriptionsByStatus(ctx context.Context, status domain.SubscriptionStatus) ([]domain.Subscription, error)
	UpdateSubscriptionStatus(ctx context.Context, id uuid.UUID, status domain.SubscriptionStatus) error
	UpdateSubscriptionPeriod(ctx context.Context, params UpdateSubscriptionPeriodParams) error

	// Webhook events
	InsertWebhookEvent(ctx context.Context, params InsertWebhookEventParams) error
	GetWebhookEvent(ctx context.Context, eventID string) (domain.WebhookEvent, error)
	MarkWebhookEventApplied(ctx context.Context, eventID string) error
	MarkWebhookEventRetrying(ctx context.Context, eventID string, attempts int, nextAttemptAt time.Time, lastError string) error
	MarkWebhookEventDeadLettered(ctx context.Context, eventID string, lastError string) error
	ClaimRetryableWebhookEvents(ctx context.Context, now time.Time, limit int) ([]domain.WebhookEvent, error)
	ListDeadLetteredEvents(ctx context.Context, limit int) ([]domain.WebhookEvent, error)
	RequeueWebhookEvent(ctx context.Context, eventID string, nextAttemptAt time.Time) error
	CountWebhookEventsByOutcome(ctx context.Context, outcome domain.WebhookOutcome) (int64, error)

	// Payment methods
	UpsertPaymentMethod(ctx context.Context, params UpsertPaymentMethodParams) error
	ListPaymentMethodsForCustomer(ctx context.Context, stripeCustomerID string) ([]domain.PaymentMethod, error)
	UpdatePaymentMethodStatus(ctx context.Context, stripePaymentMethodID string, status domain.PaymentMethodStatus) error
	SetDefaultPaymentMethod(ctx context.Context, stripeCustomerID, stripePaymentMethodID string) error

	// Billing records
	InsertBillingRecord(ctx context.Context, params InsertBillingRecordParams) (domain.BillingRecord, error)
	ListBillingRecordsForUser(ctx context.Context, userID uuid.UUID, limit int) ([]domain.BillingRecord, error)

	// Edge cases
	CreateEdgeCaseEvent(ctx context.Context, params CreateEdgeCaseParams) (domain.EdgeCaseEvent, error)
	GetEdgeCaseByID(ctx context.Context, id uuid.UUID) (domain.EdgeCaseEvent, error)
	GetOpenEdgeCase(ctx context.Context, kind domain.EdgeCaseKind, subscriptionID uuid.UUID) (domain.EdgeCaseEvent, error)
	UpdateEdgeCaseRetry(ctx context.Context, id uuid.UUID, attempts int, nextRetryAt time.Time) error
	UpdateEdgeCaseState(ctx context.Context, id uuid.UUID, state string) error
	ResolveEdgeCase(ctx context.Context, id uuid.UUID, resolution string) error
	ClaimDueEdgeCases(ctx context.Context, now time.Time, limit int) ([]domain.EdgeCaseEvent, error)
	ListOpenEdgeCases(ctx context.Context) ([]domain.EdgeCaseEvent, error)
}

// Store is the full persistence surface handed to services.
type Store interface {
	Queries

	// WithTx runs fn inside a transaction. fn's Queries are bound to the
	// transaction; any error rolls back.
	WithTx(ctx context.Context, fn func(Queries) error) error

	// WithUserLock runs fn inside a transaction that holds a FOR UPDATE
	// lock on the user's customer row, serializing concurrent billing
	// mutations for that user. The user must already have a customer row.
	WithUserLock(ctx context.Context, userID uuid.UUID, fn func(Queries) error) error

	Ping(ctx context.Context) error
	Close()
}

type CreateCustomerParams struct {
	UserID           uuid.UUID
	StripeCustomerID string
}

type CreateSubscriptionParams struct {
	UserID               uuid.UUID
	StripeSubscriptionID string // empty for free-plan rows
	StripeCustomerID     string // empty for free-plan rows
	Status               domain.SubscriptionStatus
	PriceID              string
	CurrentPeriodEnd     time.Time
}

type UpdateSubscriptionPeriodParams struct {
	ID                uuid.UUID
	PriceID           string
	CancelAtPeriodEnd bool
	CurrentPeriodEnd  time.Time
}

type InsertWebhookEventParams struct {
	EventID   string
	EventType string
	Payload   []byte
}

type UpsertPaymentMethodParams struct {
	StripePaymentMethodID string
	StripeCustomerID      string
	IsDefault             bool
	Brand                 string
	Last4                 string
	Status                domain.PaymentMethodStatus
}

type InsertBillingRecordParams struct {
	UserID      uuid.UUID
	Source      domain.BillingSource
	AmountCents int64
	Currency    string
	Status      string
	Description string
	OccurredAt  time.Time
}

type CreateEdgeCaseParams struct {
	Kind           domain.EdgeCaseKind
	SubscriptionID uuid.UUID
	State          string
	TriggerEventID string
	ProviderRef    string
	NextRetryAt    *time.Time
}
