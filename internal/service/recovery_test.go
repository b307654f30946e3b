package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wclausen/mimir/internal/billing"
	"github.com/wclausen/mimir/internal/domain"
	"github.com/wclausen/mimir/internal/store"
)

type recoveryFixture struct {
	svc      RecoveryService
	store    *store.Fake
	provider *billing.MockProvider
}

func newRecoveryFixture(t *testing.T) *recoveryFixture {
	t.Helper()
	st := store.NewFake()
	provider := billing.NewMockProvider()

	identity, err := NewIdentityService(st, provider, testLogger())
	require.NoError(t, err)
	subscriptions, err := NewSubscriptionService(st, provider, identity, testLogger())
	require.NoError(t, err)
	svc, err := NewRecoveryService(st, provider, identity, subscriptions, testLogger())
	require.NoError(t, err)

	return &recoveryFixture{svc: svc, store: st, provider: provider}
}

func TestAnalyze_MissingLocalCustomer(t *testing.T) {
	f := newRecoveryFixture(t)
	ctx := context.Background()

	f.provider.Subscriptions["sub_lost"] = &billing.Subscription{
		ID:         "sub_lost",
		CustomerID: "cus_unmapped",
		Status:     "active",
		PriceID:    "price_pro",
	}

	report, err := f.svc.Analyze(ctx, "cus_unmapped")
	require.NoError(t, err)

	assert.True(t, report.MissingLocalCustomer)
	assert.Nil(t, report.UserID)
	require.Len(t, report.UnmappedProviderSubscriptions, 1)
	assert.Equal(t, "sub_lost", report.UnmappedProviderSubscriptions[0].ID)
}

func TestAnalyze_ReportsDivergences(t *testing.T) {
	f := newRecoveryFixture(t)
	ctx := context.Background()
	userID := uuid.New()

	_, err := f.store.CreateCustomer(ctx, store.CreateCustomerParams{
		UserID:           userID,
		StripeCustomerID: "cus_123",
	})
	require.NoError(t, err)
	sub, err := f.store.CreateSubscription(ctx, store.CreateSubscriptionParams{
		UserID:               userID,
		StripeSubscriptionID: "sub_known",
		StripeCustomerID:     "cus_123",
		Status:               domain.SubscriptionActive,
		PriceID:              "price_pro",
		CurrentPeriodEnd:     time.Now().Add(20 * 24 * time.Hour),
	})
	require.NoError(t, err)

	// A mapped subscription, a provider subscription the engine never
	// saw, and one that is canceled and therefore ignorable.
	f.provider.Subscriptions["sub_known"] = &billing.Subscription{
		ID: "sub_known", CustomerID: "cus_123", Status: "active", PriceID: "price_pro",
	}
	f.provider.Subscriptions["sub_lost"] = &billing.Subscription{
		ID: "sub_lost", CustomerID: "cus_123", Status: "active", PriceID: "price_team",
	}
	f.provider.Subscriptions["sub_dead"] = &billing.Subscription{
		ID: "sub_dead", CustomerID: "cus_123", Status: "canceled", PriceID: "price_old",
	}

	f.provider.Invoices["cus_123"] = []billing.Invoice{
		{ID: "in_paid", CustomerID: "cus_123", Status: "paid"},
		{ID: "in_open", CustomerID: "cus_123", Status: "open"},
	}

	_, err = f.store.CreateEdgeCaseEvent(ctx, store.CreateEdgeCaseParams{
		Kind:           domain.EdgeCaseFailedPayment,
		SubscriptionID: sub.ID,
		State:          domain.EdgeStateRetrying,
		TriggerEventID: "evt_1",
		ProviderRef:    "in_open",
	})
	require.NoError(t, err)

	require.NoError(t, f.store.InsertWebhookEvent(ctx, store.InsertWebhookEventParams{
		EventID: "evt_dead", EventType: "invoice.payment_failed", Payload: []byte(`{}`),
	}))
	require.NoError(t, f.store.MarkWebhookEventDeadLettered(ctx, "evt_dead", "boom"))

	report, err := f.svc.Analyze(ctx, "cus_123")
	require.NoError(t, err)

	assert.False(t, report.MissingLocalCustomer)
	require.NotNil(t, report.UserID)
	assert.Equal(t, userID, *report.UserID)

	require.Len(t, report.UnmappedProviderSubscriptions, 1)
	assert.Equal(t, "sub_lost", report.UnmappedProviderSubscriptions[0].ID)

	require.Len(t, report.OpenEdgeCases, 1)
	assert.Equal(t, domain.EdgeCaseFailedPayment, report.OpenEdgeCases[0].Kind)

	require.Len(t, report.UnpaidInvoices, 1)
	assert.Equal(t, "in_open", report.UnpaidInvoices[0].ID)

	assert.Equal(t, 1, report.DeadLetterCount)
}

func TestManuallyCreateSubscription_RepairsLostUpgrade(t *testing.T) {
	f := newRecoveryFixture(t)
	ctx := context.Background()
	userID := uuid.New()

	_, err := f.store.CreateCustomer(ctx, store.CreateCustomerParams{
		UserID:           userID,
		StripeCustomerID: "cus_123",
	})
	require.NoError(t, err)
	f.provider.Subscriptions["sub_lost"] = &billing.Subscription{
		ID:               "sub_lost",
		CustomerID:       "cus_123",
		Status:           "active",
		PriceID:          "price_pro",
		CurrentPeriodEnd: time.Now().Add(25 * 24 * time.Hour),
	}

	sub, err := f.svc.ManuallyCreateSubscription(ctx, userID, "price_pro")
	require.NoError(t, err)

	assert.Equal(t, domain.SubscriptionActive, sub.Status)
	assert.Equal(t, "sub_lost", sub.StripeSubscriptionID)
	assert.Equal(t, "price_pro", sub.PriceID)

	// The repaired row is the local live subscription.
	live, err := f.store.GetLiveSubscriptionForUser(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, live.ID)
}

func TestManuallyCreateSubscription_NoProviderSubscription(t *testing.T) {
	f := newRecoveryFixture(t)
	ctx := context.Background()
	userID := uuid.New()

	_, err := f.store.CreateCustomer(ctx, store.CreateCustomerParams{
		UserID:           userID,
		StripeCustomerID: "cus_123",
	})
	require.NoError(t, err)

	_, err = f.svc.ManuallyCreateSubscription(ctx, userID, "price_pro")
	assert.ErrorIs(t, err, ErrNoProviderSubscription)
}

func TestManuallyCreateSubscription_RejectsFreePlan(t *testing.T) {
	f := newRecoveryFixture(t)

	_, err := f.svc.ManuallyCreateSubscription(context.Background(), uuid.New(), FreePlanPriceID)
	require.Error(t, err)
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
}

func TestDeadLetterQueue(t *testing.T) {
	f := newRecoveryFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.InsertWebhookEvent(ctx, store.InsertWebhookEventParams{
		EventID: "evt_dead", EventType: "invoice.payment_failed", Payload: []byte(`{}`),
	}))
	require.NoError(t, f.store.MarkWebhookEventDeadLettered(ctx, "evt_dead", "malformed payload"))

	letters, err := f.svc.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "evt_dead", letters[0].EventID)
	assert.Equal(t, "malformed payload", letters[0].LastError)

	require.NoError(t, f.svc.RequeueDeadLetter(ctx, "evt_dead"))

	event, err := f.store.GetWebhookEvent(ctx, "evt_dead")
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookRetrying, event.Outcome)
	assert.Zero(t, event.Attempts)

	letters, err = f.svc.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, letters)
}

func TestRequeueDeadLetter_NotFound(t *testing.T) {
	f := newRecoveryFixture(t)

	err := f.svc.RequeueDeadLetter(context.Background(), "evt_missing")
	require.Error(t, err)
	assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))
}
