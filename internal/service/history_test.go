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

type historyFixture struct {
	svc      HistoryService
	store    *store.Fake
	provider *billing.MockProvider
	userID   uuid.UUID
}

func newHistoryFixture(t *testing.T, production bool) *historyFixture {
	t.Helper()
	st := store.NewFake()
	provider := billing.NewMockProvider()

	identity, err := NewIdentityService(st, provider, testLogger())
	require.NoError(t, err)
	svc, err := NewHistoryService(st, provider, identity, production, testLogger())
	require.NoError(t, err)

	userID := uuid.New()
	_, err = st.CreateCustomer(context.Background(), store.CreateCustomerParams{
		UserID:           userID,
		StripeCustomerID: "cus_123",
	})
	require.NoError(t, err)

	return &historyFixture{svc: svc, store: st, provider: provider, userID: userID}
}

func TestGetHistory_MergesInvoicesAndRecordsNewestFirst(t *testing.T) {
	f := newHistoryFixture(t, true)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	f.provider.Invoices["cus_123"] = []billing.Invoice{
		{
			ID:               "in_1",
			CustomerID:       "cus_123",
			Status:           "paid",
			AmountDueCents:   1500,
			Currency:         "usd",
			Number:           "A-0001",
			HostedInvoiceURL: "https://invoice.test/in_1",
			CreatedAt:        base,
		},
	}
	_, err := f.store.InsertBillingRecord(ctx, store.InsertBillingRecordParams{
		UserID:      f.userID,
		Source:      domain.SourceInternalBillingRecord,
		AmountCents: -1500,
		Currency:    "usd",
		Status:      "refunded",
		Description: "Refund for charge ch_1",
		OccurredAt:  base.Add(48 * time.Hour),
	})
	require.NoError(t, err)

	entries, err := f.svc.GetHistory(ctx, f.userID)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, domain.SourceInternalBillingRecord, entries[0].Source)
	assert.Equal(t, int64(-1500), entries[0].AmountCents)
	assert.Equal(t, "refunded", entries[0].Status)

	assert.Equal(t, domain.SourceProviderInvoice, entries[1].Source)
	assert.Equal(t, "Invoice A-0001", entries[1].Description)
	assert.Equal(t, "in_1", entries[1].InvoiceID)
	assert.Equal(t, "https://invoice.test/in_1", entries[1].InvoiceURL)
	assert.Equal(t, "15", entries[1].Amount().String())
}

func TestGetHistory_UnknownUserIsEmptyNotError(t *testing.T) {
	f := newHistoryFixture(t, true)

	entries, err := f.svc.GetHistory(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.NotNil(t, entries)
}

func TestGetHistory_ProductionNeverSynthesizes(t *testing.T) {
	f := newHistoryFixture(t, true)
	ctx := context.Background()

	_, err := f.store.CreateSubscription(ctx, store.CreateSubscriptionParams{
		UserID:           f.userID,
		Status:           domain.SubscriptionActive,
		PriceID:          FreePlanPriceID,
		CurrentPeriodEnd: time.Now().Add(30 * 24 * time.Hour),
	})
	require.NoError(t, err)

	entries, err := f.svc.GetHistory(ctx, f.userID)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestGetHistory_DevFallbackDerivesFromSubscriptions(t *testing.T) {
	f := newHistoryFixture(t, false)
	ctx := context.Background()

	_, err := f.store.CreateSubscription(ctx, store.CreateSubscriptionParams{
		UserID:               f.userID,
		StripeSubscriptionID: "sub_123",
		StripeCustomerID:     "cus_123",
		Status:               domain.SubscriptionActive,
		PriceID:              "price_pro",
		CurrentPeriodEnd:     time.Now().Add(30 * 24 * time.Hour),
	})
	require.NoError(t, err)

	entries, err := f.svc.GetHistory(ctx, f.userID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.SourceSubscriptionChange, entries[0].Source)
	assert.Equal(t, "Subscription price_pro (active)", entries[0].Description)
	assert.Equal(t, "active", entries[0].Status)
	assert.Zero(t, entries[0].AmountCents)
}
