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

// recordingNotifier captures notices for assertions.
type recordingNotifier struct {
	paymentFailed  []string
	canceled       []string
	addCardPrompts []string
}

func (n *recordingNotifier) PaymentFailed(ctx context.Context, to string, attempt int, nextRetryAt time.Time) error {
	n.paymentFailed = append(n.paymentFailed, to)
	return nil
}

func (n *recordingNotifier) SubscriptionCanceled(ctx context.Context, to string) error {
	n.canceled = append(n.canceled, to)
	return nil
}

func (n *recordingNotifier) AddPaymentMethodPrompt(ctx context.Context, to string) error {
	n.addCardPrompts = append(n.addCardPrompts, to)
	return nil
}

type edgeCaseFixture struct {
	svc      EdgeCaseService
	store    *store.Fake
	provider *billing.MockProvider
	notifier *recordingNotifier

	userID uuid.UUID
	sub    domain.Subscription
}

// newEdgeCaseFixture seeds a mapped user with an active paid subscription.
func newEdgeCaseFixture(t *testing.T, config EdgeCaseConfig) *edgeCaseFixture {
	t.Helper()
	st := store.NewFake()
	provider := billing.NewMockProvider()
	notifier := &recordingNotifier{}

	svc, err := NewEdgeCaseService(st, provider, notifier, config, testLogger())
	require.NoError(t, err)

	userID := uuid.New()
	ctx := context.Background()
	_, err = st.CreateCustomer(ctx, store.CreateCustomerParams{
		UserID:           userID,
		StripeCustomerID: "cus_123",
	})
	require.NoError(t, err)
	sub, err := st.CreateSubscription(ctx, store.CreateSubscriptionParams{
		UserID:               userID,
		StripeSubscriptionID: "sub_123",
		StripeCustomerID:     "cus_123",
		Status:               domain.SubscriptionActive,
		PriceID:              "price_pro",
		CurrentPeriodEnd:     time.Now().Add(20 * 24 * time.Hour),
	})
	require.NoError(t, err)

	provider.Customers["cus_123"] = &billing.Customer{ID: "cus_123", Email: "user@example.com"}

	return &edgeCaseFixture{
		svc:      svc,
		store:    st,
		provider: provider,
		notifier: notifier,
		userID:   userID,
		sub:      sub,
	}
}

func (f *edgeCaseFixture) subscription(t *testing.T) domain.Subscription {
	t.Helper()
	sub, err := f.store.GetSubscriptionByID(context.Background(), f.sub.ID)
	require.NoError(t, err)
	return sub
}

func TestOpenFailedPayment(t *testing.T) {
	f := newEdgeCaseFixture(t, EdgeCaseConfig{})
	ctx := context.Background()

	err := f.svc.OpenFailedPayment(ctx, OpenFailedPaymentParams{
		TriggerEventID:       "evt_1",
		StripeSubscriptionID: "sub_123",
		InvoiceID:            "in_1",
	})
	require.NoError(t, err)

	assert.Equal(t, domain.SubscriptionPastDue, f.subscription(t).Status)

	event, err := f.store.GetOpenEdgeCase(ctx, domain.EdgeCaseFailedPayment, f.sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EdgeStateRetrying, event.State)
	assert.Equal(t, "in_1", event.ProviderRef)
	require.NotNil(t, event.NextRetryAt)

	// Redelivery is a no-op.
	err = f.svc.OpenFailedPayment(ctx, OpenFailedPaymentParams{
		TriggerEventID:       "evt_1",
		StripeSubscriptionID: "sub_123",
		InvoiceID:            "in_1",
	})
	require.NoError(t, err)
}

func TestRetryFailedPayment_Recovers(t *testing.T) {
	f := newEdgeCaseFixture(t, EdgeCaseConfig{})
	ctx := context.Background()

	require.NoError(t, f.svc.OpenFailedPayment(ctx, OpenFailedPaymentParams{
		TriggerEventID:       "evt_1",
		StripeSubscriptionID: "sub_123",
		InvoiceID:            "in_1",
	}))
	event, err := f.store.GetOpenEdgeCase(ctx, domain.EdgeCaseFailedPayment, f.sub.ID)
	require.NoError(t, err)

	// PayInvoice succeeds by default.
	require.NoError(t, f.svc.RetryFailedPayment(ctx, event))

	assert.Equal(t, domain.SubscriptionActive, f.subscription(t).Status)
	_, err = f.store.GetOpenEdgeCase(ctx, domain.EdgeCaseFailedPayment, f.sub.ID)
	assert.ErrorIs(t, err, store.ErrNotFound, "case must be closed")
	assert.Equal(t, []string{"in_1"}, f.provider.PayInvoiceCalls)
}

func TestRetryFailedPayment_ExhaustionCancels(t *testing.T) {
	schedule := []time.Duration{time.Hour, 2 * time.Hour}
	f := newEdgeCaseFixture(t, EdgeCaseConfig{DunningSchedule: schedule})
	ctx := context.Background()

	f.provider.PayInvoiceFunc = func(invoiceID string) (*billing.Invoice, error) {
		return &billing.Invoice{ID: invoiceID, Status: "open"}, nil
	}

	require.NoError(t, f.svc.OpenFailedPayment(ctx, OpenFailedPaymentParams{
		TriggerEventID:       "evt_1",
		StripeSubscriptionID: "sub_123",
		InvoiceID:            "in_1",
	}))
	assert.Equal(t, domain.SubscriptionPastDue, f.subscription(t).Status)

	// First retry fails and reschedules.
	event, err := f.store.GetOpenEdgeCase(ctx, domain.EdgeCaseFailedPayment, f.sub.ID)
	require.NoError(t, err)
	require.NoError(t, f.svc.RetryFailedPayment(ctx, event))

	event, err = f.store.GetOpenEdgeCase(ctx, domain.EdgeCaseFailedPayment, f.sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, event.Attempts)
	assert.Len(t, f.notifier.paymentFailed, 1)

	// Second retry exhausts the schedule: cancel everywhere, case closes
	// unresolved.
	require.NoError(t, f.svc.RetryFailedPayment(ctx, event))

	assert.Equal(t, domain.SubscriptionCanceled, f.subscription(t).Status)
	require.Len(t, f.provider.CancelCalls, 1)
	assert.Equal(t, "payment_failed", f.provider.CancelCalls[0].Reason)
	assert.Len(t, f.notifier.canceled, 1)

	_, err = f.store.GetOpenEdgeCase(ctx, domain.EdgeCaseFailedPayment, f.sub.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRecordPaymentRecovered(t *testing.T) {
	f := newEdgeCaseFixture(t, EdgeCaseConfig{})
	ctx := context.Background()

	require.NoError(t, f.svc.OpenFailedPayment(ctx, OpenFailedPaymentParams{
		TriggerEventID:       "evt_1",
		StripeSubscriptionID: "sub_123",
		InvoiceID:            "in_1",
	}))

	// The provider reports the invoice paid before the scheduled retry.
	require.NoError(t, f.svc.RecordPaymentRecovered(ctx, "sub_123"))

	assert.Equal(t, domain.SubscriptionActive, f.subscription(t).Status)
	_, err := f.store.GetOpenEdgeCase(ctx, domain.EdgeCaseFailedPayment, f.sub.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// With nothing open, another report is a no-op.
	require.NoError(t, f.svc.RecordPaymentRecovered(ctx, "sub_123"))
	require.NoError(t, f.svc.RecordPaymentRecovered(ctx, "sub_unknown"))
}

func TestRecordProration(t *testing.T) {
	f := newEdgeCaseFixture(t, EdgeCaseConfig{})
	ctx := context.Background()

	f.provider.ProrationPreview = &billing.ProrationPreview{
		AmountDueCents: 1234,
		Currency:       "usd",
	}

	err := f.svc.RecordProration(ctx, RecordProrationParams{
		TriggerEventID:       "evt_1",
		StripeSubscriptionID: "sub_123",
		PreviousPriceID:      "price_basic",
		NewPriceID:           "price_pro",
	})
	require.NoError(t, err)

	records, err := f.store.ListBillingRecordsForUser(ctx, f.userID, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, domain.SourceSubscriptionChange, records[0].Source)
	assert.Equal(t, int64(1234), records[0].AmountCents)
	assert.Equal(t, "adjustment", records[0].Status)

	// Redelivery must not double-book the adjustment.
	require.NoError(t, f.svc.RecordProration(ctx, RecordProrationParams{
		TriggerEventID:       "evt_1",
		StripeSubscriptionID: "sub_123",
		PreviousPriceID:      "price_basic",
		NewPriceID:           "price_pro",
	}))
	records, err = f.store.ListBillingRecordsForUser(ctx, f.userID, 0)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestRecordRefund_FullRefundEndOfPeriod(t *testing.T) {
	f := newEdgeCaseFixture(t, EdgeCaseConfig{RefundPolicy: RefundCancelEndOfPeriod})
	ctx := context.Background()

	err := f.svc.RecordRefund(ctx, RecordRefundParams{
		TriggerEventID:   "evt_1",
		StripeCustomerID: "cus_123",
		ChargeID:         "ch_1",
		AmountCents:      5000,
		Currency:         "usd",
		FullRefund:       true,
	})
	require.NoError(t, err)

	records, err := f.store.ListBillingRecordsForUser(ctx, f.userID, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(-5000), records[0].AmountCents)
	assert.Equal(t, "refunded", records[0].Status)
	assert.Equal(t, domain.SourceInternalBillingRecord, records[0].Source)

	// End-of-period policy: flag set, row stays live until period end.
	sub := f.subscription(t)
	assert.Equal(t, domain.SubscriptionActive, sub.Status)
	assert.True(t, sub.CancelAtPeriodEnd)
	require.Len(t, f.provider.CancelCalls, 1)
	assert.True(t, f.provider.CancelCalls[0].CancelAtPeriodEnd)
}

func TestRecordRefund_FullRefundImmediate(t *testing.T) {
	f := newEdgeCaseFixture(t, EdgeCaseConfig{RefundPolicy: RefundCancelImmediate})
	ctx := context.Background()

	err := f.svc.RecordRefund(ctx, RecordRefundParams{
		TriggerEventID:   "evt_1",
		StripeCustomerID: "cus_123",
		ChargeID:         "ch_1",
		AmountCents:      5000,
		Currency:         "usd",
		FullRefund:       true,
	})
	require.NoError(t, err)

	assert.Equal(t, domain.SubscriptionCanceled, f.subscription(t).Status)
	require.Len(t, f.provider.CancelCalls, 1)
	assert.False(t, f.provider.CancelCalls[0].CancelAtPeriodEnd)
}

func TestRecordRefund_PartialLeavesSubscriptionAlone(t *testing.T) {
	f := newEdgeCaseFixture(t, EdgeCaseConfig{})
	ctx := context.Background()

	err := f.svc.RecordRefund(ctx, RecordRefundParams{
		TriggerEventID:   "evt_1",
		StripeCustomerID: "cus_123",
		ChargeID:         "ch_1",
		AmountCents:      500,
		Currency:         "usd",
		FullRefund:       false,
	})
	require.NoError(t, err)

	sub := f.subscription(t)
	assert.Equal(t, domain.SubscriptionActive, sub.Status)
	assert.False(t, sub.CancelAtPeriodEnd)
	assert.Empty(t, f.provider.CancelCalls)
}

func TestDisputeLifecycle(t *testing.T) {
	f := newEdgeCaseFixture(t, EdgeCaseConfig{})
	ctx := context.Background()

	f.provider.Charges["ch_1"] = &billing.Charge{ID: "ch_1", CustomerID: "cus_123"}
	f.provider.Disputes["dp_1"] = &billing.Dispute{ID: "dp_1", Status: "needs_response"}

	require.NoError(t, f.svc.OpenDispute(ctx, OpenDisputeParams{
		TriggerEventID: "evt_1",
		DisputeID:      "dp_1",
		ChargeID:       "ch_1",
	}))

	event, err := f.store.GetOpenEdgeCase(ctx, domain.EdgeCaseDispute, f.sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EdgeStateNeedsEvidence, event.State)

	require.NoError(t, f.svc.SubmitDisputeEvidence(ctx, "dp_1", DisputeEvidenceParams{
		ProductDescription: "Monthly subscription",
		CustomerEmail:      "user@example.com",
	}))
	assert.Equal(t, []string{"dp_1"}, f.provider.EvidenceCalls)

	event, err = f.store.GetOpenEdgeCase(ctx, domain.EdgeCaseDispute, f.sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EdgeStateUnderReview, event.State)

	require.NoError(t, f.svc.CloseDispute(ctx, CloseDisputeParams{
		TriggerEventID: "evt_2",
		DisputeID:      "dp_1",
		ChargeID:       "ch_1",
		Outcome:        domain.EdgeResolutionWon,
	}))
	_, err = f.store.GetOpenEdgeCase(ctx, domain.EdgeCaseDispute, f.sub.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestHandleDetachedPaymentMethod(t *testing.T) {
	f := newEdgeCaseFixture(t, EdgeCaseConfig{})
	ctx := context.Background()

	require.NoError(t, f.store.UpsertPaymentMethod(ctx, store.UpsertPaymentMethodParams{
		StripePaymentMethodID: "pm_1",
		StripeCustomerID:      "cus_123",
		Brand:                 "visa",
		Last4:                 "4242",
		Status:                domain.PaymentMethodUsable,
	}))

	err := f.svc.HandleDetachedPaymentMethod(ctx, DetachedPaymentMethodParams{
		TriggerEventID:   "evt_1",
		PaymentMethodID:  "pm_1",
		StripeCustomerID: "cus_123",
	})
	require.NoError(t, err)

	methods, err := f.store.ListPaymentMethodsForCustomer(ctx, "cus_123")
	require.NoError(t, err)
	require.Len(t, methods, 1)
	assert.Equal(t, domain.PaymentMethodInvalid, methods[0].Status)

	event, err := f.store.GetOpenEdgeCase(ctx, domain.EdgeCasePaymentMethodFailure, f.sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EdgeStateOpen, event.State)
	assert.Equal(t, []string{"user@example.com"}, f.notifier.addCardPrompts)

	// Adding a working card closes the open case.
	require.NoError(t, f.svc.CloseOpenPaymentMethodFailures(ctx, f.userID))
	_, err = f.store.GetOpenEdgeCase(ctx, domain.EdgeCasePaymentMethodFailure, f.sub.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
