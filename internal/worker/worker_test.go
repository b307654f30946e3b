package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wclausen/mimir/internal/billing"
	"github.com/wclausen/mimir/internal/domain"
	"github.com/wclausen/mimir/internal/service"
	"github.com/wclausen/mimir/internal/store"
)

type stubProcessor struct {
	err    error
	events []string
}

func (s *stubProcessor) Process(ctx context.Context, event domain.WebhookEvent) error {
	s.events = append(s.events, event.EventID)
	return s.err
}

type workerFixture struct {
	worker    *Worker
	store     *store.Fake
	provider  *billing.MockProvider
	processor *stubProcessor
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewFake()
	provider := billing.NewMockProvider()
	processor := &stubProcessor{}

	edgeCases, err := service.NewEdgeCaseService(st, provider, nil, service.EdgeCaseConfig{}, logger)
	require.NoError(t, err)

	w, err := NewWorker(st, processor, edgeCases, Config{BatchSize: 10}, logger)
	require.NoError(t, err)
	return &workerFixture{worker: w, store: st, provider: provider, processor: processor}
}

// seedRetryingEvent stores a webhook event already scheduled for retry.
func (f *workerFixture) seedRetryingEvent(t *testing.T, eventID string, attempts int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.InsertWebhookEvent(ctx, store.InsertWebhookEventParams{
		EventID:   eventID,
		EventType: "invoice.payment_failed",
		Payload:   []byte(`{}`),
	}))
	due := time.Now().Add(-time.Minute)
	require.NoError(t, f.store.MarkWebhookEventRetrying(ctx, eventID, attempts, due, "transient failure"))
}

func TestWorker_AppliesEventOnRetry(t *testing.T) {
	f := newWorkerFixture(t)
	f.seedRetryingEvent(t, "evt_1", 1)

	f.worker.runOnce(context.Background())

	assert.Equal(t, []string{"evt_1"}, f.processor.events)
	event, err := f.store.GetWebhookEvent(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookApplied, event.Outcome)
}

func TestWorker_ReschedulesTransientFailure(t *testing.T) {
	f := newWorkerFixture(t)
	f.processor.err = errors.New("provider timeout")
	f.seedRetryingEvent(t, "evt_1", 1)

	f.worker.runOnce(context.Background())

	event, err := f.store.GetWebhookEvent(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookRetrying, event.Outcome)
	assert.Equal(t, 2, event.Attempts)
	require.NotNil(t, event.NextAttemptAt)
	assert.True(t, event.NextAttemptAt.After(time.Now()))
}

func TestWorker_DeadLettersPermanentFailure(t *testing.T) {
	f := newWorkerFixture(t)
	f.processor.err = service.ErrMalformedPayload
	f.seedRetryingEvent(t, "evt_1", 1)

	f.worker.runOnce(context.Background())

	event, err := f.store.GetWebhookEvent(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookDeadLettered, event.Outcome)
}

func TestWorker_DeadLettersWhenBudgetExhausted(t *testing.T) {
	f := newWorkerFixture(t)
	f.processor.err = errors.New("still failing")
	f.seedRetryingEvent(t, "evt_1", service.MaxProcessAttempts-1)

	f.worker.runOnce(context.Background())

	event, err := f.store.GetWebhookEvent(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookDeadLettered, event.Outcome)
	assert.Equal(t, "still failing", event.LastError)
}

func TestWorker_DrivesDunningRetry(t *testing.T) {
	f := newWorkerFixture(t)
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
		Status:               domain.SubscriptionPastDue,
		PriceID:              "price_pro",
		CurrentPeriodEnd:     time.Now().Add(20 * 24 * time.Hour),
	})
	require.NoError(t, err)

	due := time.Now().Add(-time.Minute)
	_, err = f.store.CreateEdgeCaseEvent(ctx, store.CreateEdgeCaseParams{
		Kind:           domain.EdgeCaseFailedPayment,
		SubscriptionID: sub.ID,
		State:          domain.EdgeStateRetrying,
		TriggerEventID: "evt_1",
		ProviderRef:    "in_1",
		NextRetryAt:    &due,
	})
	require.NoError(t, err)

	// PayInvoice succeeds, so the retry recovers the subscription.
	f.worker.runOnce(ctx)

	assert.Equal(t, []string{"in_1"}, f.provider.PayInvoiceCalls)
	updated, err := f.store.GetSubscriptionByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionActive, updated.Status)
}

func TestWorker_StartStopsOnCancel(t *testing.T) {
	f := newWorkerFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.worker.Start(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
