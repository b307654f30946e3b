package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wclausen/mimir/internal/billing"
	"github.com/wclausen/mimir/internal/domain"
	"github.com/wclausen/mimir/internal/store"
)

type processorFixture struct {
	processor EventProcessor
	store     *store.Fake
	provider  *billing.MockProvider
}

func newProcessorFixture(t *testing.T) *processorFixture {
	t.Helper()
	st := store.NewFake()
	provider := billing.NewMockProvider()

	identity, err := NewIdentityService(st, provider, testLogger())
	require.NoError(t, err)
	subscriptions, err := NewSubscriptionService(st, provider, identity, testLogger())
	require.NoError(t, err)
	edgeCases, err := NewEdgeCaseService(st, provider, nil, EdgeCaseConfig{}, testLogger())
	require.NoError(t, err)
	processor, err := NewEventProcessor(st, provider, subscriptions, edgeCases, testLogger())
	require.NoError(t, err)

	return &processorFixture{processor: processor, store: st, provider: provider}
}

func webhookEvent(eventID string, payload string) domain.WebhookEvent {
	return domain.WebhookEvent{
		EventID:    eventID,
		Payload:    []byte(payload),
		Outcome:    domain.WebhookPending,
		ReceivedAt: time.Now(),
	}
}

func (f *processorFixture) seedPaidSubscription(t *testing.T) (uuid.UUID, domain.Subscription) {
	t.Helper()
	ctx := context.Background()
	userID := uuid.New()
	_, err := f.store.CreateCustomer(ctx, store.CreateCustomerParams{
		UserID:           userID,
		StripeCustomerID: "cus_123",
	})
	require.NoError(t, err)
	sub, err := f.store.CreateSubscription(ctx, store.CreateSubscriptionParams{
		UserID:               userID,
		StripeSubscriptionID: "sub_123",
		StripeCustomerID:     "cus_123",
		Status:               domain.SubscriptionActive,
		PriceID:              "price_pro",
		CurrentPeriodEnd:     time.Now().Add(20 * 24 * time.Hour),
	})
	require.NoError(t, err)
	return userID, sub
}

func TestProcess_CheckoutCompletedUpgrades(t *testing.T) {
	f := newProcessorFixture(t)
	ctx := context.Background()
	userID := uuid.New()

	periodEnd := time.Now().Add(30 * 24 * time.Hour).Truncate(time.Second)
	f.provider.Subscriptions["sub_123"] = &billing.Subscription{
		ID:               "sub_123",
		CustomerID:       "cus_123",
		Status:           "active",
		PriceID:          "price_pro",
		CurrentPeriodEnd: periodEnd,
	}

	payload := fmt.Sprintf(`{
		"id": "evt_1",
		"type": "checkout.session.completed",
		"data": {"object": {
			"id": "cs_1",
			"client_reference_id": %q,
			"customer": "cus_123",
			"subscription": "sub_123"
		}}
	}`, userID)

	require.NoError(t, f.processor.Process(ctx, webhookEvent("evt_1", payload)))

	sub, err := f.store.GetLiveSubscriptionForUser(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionActive, sub.Status)
	assert.Equal(t, "sub_123", sub.StripeSubscriptionID)
	assert.Equal(t, "price_pro", sub.PriceID)
}

func TestProcess_CheckoutWithoutUserRef(t *testing.T) {
	f := newProcessorFixture(t)

	payload := `{
		"id": "evt_1",
		"type": "checkout.session.completed",
		"data": {"object": {"id": "cs_1", "customer": "cus_123", "subscription": "sub_123"}}
	}`

	err := f.processor.Process(context.Background(), webhookEvent("evt_1", payload))
	require.ErrorIs(t, err, ErrMissingUserRef)
	assert.True(t, IsPermanent(err), "no retry can supply the user reference")
}

func TestProcess_PaymentFailedOpensDunning(t *testing.T) {
	f := newProcessorFixture(t)
	ctx := context.Background()
	_, sub := f.seedPaidSubscription(t)

	payload := `{
		"id": "evt_1",
		"type": "invoice.payment_failed",
		"data": {"object": {
			"id": "in_1",
			"parent": {"subscription_details": {"subscription": "sub_123"}}
		}}
	}`

	require.NoError(t, f.processor.Process(ctx, webhookEvent("evt_1", payload)))

	updated, err := f.store.GetSubscriptionByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionPastDue, updated.Status)

	event, err := f.store.GetOpenEdgeCase(ctx, domain.EdgeCaseFailedPayment, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "in_1", event.ProviderRef)
}

func TestProcess_PaymentFailedForUnknownSubscriptionIsTransient(t *testing.T) {
	f := newProcessorFixture(t)

	payload := `{
		"id": "evt_1",
		"type": "invoice.payment_failed",
		"data": {"object": {
			"id": "in_1",
			"parent": {"subscription_details": {"subscription": "sub_unseen"}}
		}}
	}`

	err := f.processor.Process(context.Background(), webhookEvent("evt_1", payload))
	require.ErrorIs(t, err, ErrSubscriptionNotFound)
	assert.False(t, IsPermanent(err), "the mapping event may still be in flight")
}

func TestProcess_SubscriptionUpdatedAppliesStatus(t *testing.T) {
	f := newProcessorFixture(t)
	ctx := context.Background()
	_, sub := f.seedPaidSubscription(t)

	periodEnd := time.Now().Add(30 * 24 * time.Hour).Unix()
	payload := fmt.Sprintf(`{
		"id": "evt_1",
		"type": "customer.subscription.updated",
		"data": {"object": {
			"id": "sub_123",
			"status": "past_due",
			"items": {"data": [{"price": {"id": "price_pro"}, "current_period_end": %d}]}
		}}
	}`, periodEnd)

	require.NoError(t, f.processor.Process(ctx, webhookEvent("evt_1", payload)))

	updated, err := f.store.GetSubscriptionByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionPastDue, updated.Status)
}

func TestProcess_SubscriptionDeletedCancels(t *testing.T) {
	f := newProcessorFixture(t)
	ctx := context.Background()
	_, sub := f.seedPaidSubscription(t)

	payload := `{
		"id": "evt_1",
		"type": "customer.subscription.deleted",
		"data": {"object": {
			"id": "sub_123",
			"status": "canceled",
			"items": {"data": [{"price": {"id": "price_pro"}}]}
		}}
	}`

	require.NoError(t, f.processor.Process(ctx, webhookEvent("evt_1", payload)))

	updated, err := f.store.GetSubscriptionByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionCanceled, updated.Status)
}

func TestProcess_PaymentMethodAttachedClosesFailureCases(t *testing.T) {
	f := newProcessorFixture(t)
	ctx := context.Background()
	_, sub := f.seedPaidSubscription(t)

	_, err := f.store.CreateEdgeCaseEvent(ctx, store.CreateEdgeCaseParams{
		Kind:           domain.EdgeCasePaymentMethodFailure,
		SubscriptionID: sub.ID,
		State:          domain.EdgeStateOpen,
		TriggerEventID: "evt_0",
		ProviderRef:    "pm_old",
	})
	require.NoError(t, err)

	payload := `{
		"id": "evt_1",
		"type": "payment_method.attached",
		"data": {"object": {
			"id": "pm_new",
			"customer": "cus_123",
			"card": {"brand": "visa", "last4": "4242"}
		}}
	}`

	require.NoError(t, f.processor.Process(ctx, webhookEvent("evt_1", payload)))

	methods, err := f.store.ListPaymentMethodsForCustomer(ctx, "cus_123")
	require.NoError(t, err)
	require.Len(t, methods, 1)
	assert.Equal(t, "pm_new", methods[0].StripePaymentMethodID)
	assert.Equal(t, domain.PaymentMethodUsable, methods[0].Status)

	_, err = f.store.GetOpenEdgeCase(ctx, domain.EdgeCasePaymentMethodFailure, sub.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestProcess_UnhandledEventTypeIsIgnored(t *testing.T) {
	f := newProcessorFixture(t)

	payload := `{"id": "evt_1", "type": "customer.created", "data": {"object": {"id": "cus_123"}}}`
	assert.NoError(t, f.processor.Process(context.Background(), webhookEvent("evt_1", payload)))
}

func TestProcess_MalformedPayload(t *testing.T) {
	f := newProcessorFixture(t)

	err := f.processor.Process(context.Background(), webhookEvent("evt_1", `{"type": `))
	require.ErrorIs(t, err, ErrMalformedPayload)
	assert.True(t, IsPermanent(err))
}

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{"nil", nil, false},
		{"malformed payload", ErrMalformedPayload, true},
		{"missing user ref", ErrMissingUserRef, true},
		{"unknown provider status", ErrUnknownProviderStatus, true},
		{"ownership violation", ErrOwnershipViolation, true},
		{"already subscribed", ErrAlreadySubscribed, true},
		{"illegal transition", ErrIllegalTransition, true},
		{"subscription not found", ErrSubscriptionNotFound, false},
		{"customer not found", ErrCustomerNotFound, false},
		{"plain transport error", errors.New("connection reset"), false},
		{"wrapped permanent", fmt.Errorf("processing evt_1: %w", ErrMalformedPayload), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.permanent, IsPermanent(tt.err))
		})
	}
}

func TestRetryBackoff(t *testing.T) {
	first := RetryBackoff(1)
	assert.GreaterOrEqual(t, first, 30*time.Second)
	assert.Less(t, first, 37*time.Second)

	// Deep attempts hit the cap, plus at most 20% jitter.
	late := RetryBackoff(MaxProcessAttempts)
	assert.GreaterOrEqual(t, late, time.Hour)
	assert.LessOrEqual(t, late, time.Hour+12*time.Minute)
}
