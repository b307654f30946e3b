package service

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wclausen/mimir/internal/billing"
	"github.com/wclausen/mimir/internal/domain"
	"github.com/wclausen/mimir/internal/store"
)

type paymentMethodFixture struct {
	svc      PaymentMethodService
	store    *store.Fake
	provider *billing.MockProvider
	userID   uuid.UUID
}

func newPaymentMethodFixture(t *testing.T) *paymentMethodFixture {
	t.Helper()
	st := store.NewFake()
	provider := billing.NewMockProvider()

	identity, err := NewIdentityService(st, provider, testLogger())
	require.NoError(t, err)
	svc, err := NewPaymentMethodService(st, provider, identity, testLogger())
	require.NoError(t, err)

	userID := uuid.New()
	_, err = st.CreateCustomer(context.Background(), store.CreateCustomerParams{
		UserID:           userID,
		StripeCustomerID: "cus_123",
	})
	require.NoError(t, err)

	return &paymentMethodFixture{svc: svc, store: st, provider: provider, userID: userID}
}

func TestValidateOwnership(t *testing.T) {
	f := newPaymentMethodFixture(t)
	ctx := context.Background()

	f.provider.PaymentMethods["pm_mine"] = &billing.PaymentMethod{
		ID: "pm_mine", CustomerID: "cus_123", Brand: "visa", Last4: "4242",
	}
	f.provider.PaymentMethods["pm_theirs"] = &billing.PaymentMethod{
		ID: "pm_theirs", CustomerID: "cus_other", Brand: "visa", Last4: "1111",
	}
	f.provider.PaymentMethods["pm_orphan"] = &billing.PaymentMethod{
		ID: "pm_orphan", CustomerID: "", Brand: "visa", Last4: "0000",
	}

	assert.NoError(t, f.svc.ValidateOwnership(ctx, f.userID, "pm_mine"))
	assert.ErrorIs(t, f.svc.ValidateOwnership(ctx, f.userID, "pm_theirs"), ErrOwnershipViolation)
	assert.ErrorIs(t, f.svc.ValidateOwnership(ctx, f.userID, "pm_orphan"), ErrOwnershipViolation)
	assert.ErrorIs(t, f.svc.ValidateOwnership(ctx, f.userID, "pm_missing"), ErrPaymentMethodNotFound)
}

func TestValidateOwnership_UnmappedUser(t *testing.T) {
	f := newPaymentMethodFixture(t)

	err := f.svc.ValidateOwnership(context.Background(), uuid.New(), "pm_1")
	assert.ErrorIs(t, err, ErrCustomerNotFound)
}

func TestAttachPaymentMethod(t *testing.T) {
	f := newPaymentMethodFixture(t)
	ctx := context.Background()

	f.provider.PaymentMethods["pm_1"] = &billing.PaymentMethod{
		ID: "pm_1", Brand: "mastercard", Last4: "5100",
	}

	record, err := f.svc.Attach(ctx, f.userID, "pm_1")
	require.NoError(t, err)
	assert.Equal(t, "cus_123", record.StripeCustomerID)
	assert.Equal(t, "mastercard", record.Brand)
	assert.Equal(t, domain.PaymentMethodUsable, record.Status)

	require.Len(t, f.provider.AttachCalls, 1)
	assert.Equal(t, [2]string{"pm_1", "cus_123"}, f.provider.AttachCalls[0])

	methods, err := f.store.ListPaymentMethodsForCustomer(ctx, "cus_123")
	require.NoError(t, err)
	require.Len(t, methods, 1)
	assert.Equal(t, "pm_1", methods[0].StripePaymentMethodID)
}

func TestDetach_ValidatesOwnershipFirst(t *testing.T) {
	f := newPaymentMethodFixture(t)
	ctx := context.Background()

	f.provider.PaymentMethods["pm_theirs"] = &billing.PaymentMethod{
		ID: "pm_theirs", CustomerID: "cus_other",
	}

	err := f.svc.Detach(ctx, f.userID, "pm_theirs")
	assert.ErrorIs(t, err, ErrOwnershipViolation)
	assert.Empty(t, f.provider.DetachCalls, "provider must not be called on an ownership failure")
}

func TestDetach_MarksLocalProjectionInvalid(t *testing.T) {
	f := newPaymentMethodFixture(t)
	ctx := context.Background()

	f.provider.PaymentMethods["pm_1"] = &billing.PaymentMethod{
		ID: "pm_1", CustomerID: "cus_123", Brand: "visa", Last4: "4242",
	}
	require.NoError(t, f.store.UpsertPaymentMethod(ctx, store.UpsertPaymentMethodParams{
		StripePaymentMethodID: "pm_1",
		StripeCustomerID:      "cus_123",
		Brand:                 "visa",
		Last4:                 "4242",
		Status:                domain.PaymentMethodUsable,
	}))

	require.NoError(t, f.svc.Detach(ctx, f.userID, "pm_1"))
	assert.Equal(t, []string{"pm_1"}, f.provider.DetachCalls)

	methods, err := f.store.ListPaymentMethodsForCustomer(ctx, "cus_123")
	require.NoError(t, err)
	require.Len(t, methods, 1)
	assert.Equal(t, domain.PaymentMethodInvalid, methods[0].Status)
}

func TestSetDefault(t *testing.T) {
	f := newPaymentMethodFixture(t)
	ctx := context.Background()

	f.provider.PaymentMethods["pm_1"] = &billing.PaymentMethod{
		ID: "pm_1", CustomerID: "cus_123",
	}

	require.NoError(t, f.svc.SetDefault(ctx, f.userID, "pm_1"))
	require.Len(t, f.provider.SetDefaultCalls, 1)
	assert.Equal(t, [2]string{"cus_123", "pm_1"}, f.provider.SetDefaultCalls[0])

	f.provider.PaymentMethods["pm_theirs"] = &billing.PaymentMethod{
		ID: "pm_theirs", CustomerID: "cus_other",
	}
	assert.ErrorIs(t, f.svc.SetDefault(ctx, f.userID, "pm_theirs"), ErrOwnershipViolation)
}

func TestList_RefreshesProjection(t *testing.T) {
	f := newPaymentMethodFixture(t)
	ctx := context.Background()

	f.provider.PaymentMethods["pm_1"] = &billing.PaymentMethod{
		ID: "pm_1", CustomerID: "cus_123", Brand: "visa", Last4: "4242", IsDefault: true,
	}
	f.provider.PaymentMethods["pm_other"] = &billing.PaymentMethod{
		ID: "pm_other", CustomerID: "cus_other",
	}

	methods, err := f.svc.List(ctx, f.userID)
	require.NoError(t, err)
	require.Len(t, methods, 1)
	assert.Equal(t, "pm_1", methods[0].StripePaymentMethodID)
	assert.True(t, methods[0].IsDefault)

	stored, err := f.store.ListPaymentMethodsForCustomer(ctx, "cus_123")
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}
