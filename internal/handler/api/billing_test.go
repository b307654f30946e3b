package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
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

type apiFixture struct {
	handler  *BillingHandler
	store    *store.Fake
	provider *billing.MockProvider
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewFake()
	provider := billing.NewMockProvider()

	identity, err := service.NewIdentityService(st, provider, logger)
	require.NoError(t, err)
	subscriptions, err := service.NewSubscriptionService(st, provider, identity, logger)
	require.NoError(t, err)
	paymentMethods, err := service.NewPaymentMethodService(st, provider, identity, logger)
	require.NoError(t, err)
	history, err := service.NewHistoryService(st, provider, identity, true, logger)
	require.NoError(t, err)

	h := NewBillingHandler(subscriptions, paymentMethods, history, logger)
	return &apiFixture{handler: h, store: st, provider: provider}
}

func TestCreateFreePlan(t *testing.T) {
	f := newAPIFixture(t)
	userID := uuid.New()

	body := fmt.Sprintf(`{"user_id": %q}`, userID)
	req := httptest.NewRequest(http.MethodPost, "/api/billing/subscription/free", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	f.handler.CreateFreePlan(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp struct {
		Status   string `json:"status"`
		PriceID  string `json:"price_id"`
		FreePlan bool   `json:"free_plan"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "active", resp.Status)
	assert.Equal(t, service.FreePlanPriceID, resp.PriceID)
	assert.True(t, resp.FreePlan)
}

func TestCreateFreePlan_MissingUserID(t *testing.T) {
	f := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/billing/subscription/free", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()
	f.handler.CreateFreePlan(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateFreePlan_SecondEnrollmentConflicts(t *testing.T) {
	f := newAPIFixture(t)
	userID := uuid.New()
	body := fmt.Sprintf(`{"user_id": %q}`, userID)

	first := httptest.NewRecorder()
	f.handler.CreateFreePlan(first, httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(body)))
	require.Equal(t, http.StatusCreated, first.Code)

	second := httptest.NewRecorder()
	f.handler.CreateFreePlan(second, httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(body)))
	assert.Equal(t, http.StatusConflict, second.Code)
}

func TestGetSubscription(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	userID := uuid.New()

	_, err := f.store.CreateCustomer(ctx, store.CreateCustomerParams{
		UserID:           userID,
		StripeCustomerID: "cus_123",
	})
	require.NoError(t, err)
	_, err = f.store.CreateSubscription(ctx, store.CreateSubscriptionParams{
		UserID:               userID,
		StripeSubscriptionID: "sub_123",
		StripeCustomerID:     "cus_123",
		Status:               domain.SubscriptionActive,
		PriceID:              "price_pro",
		CurrentPeriodEnd:     time.Now().Add(20 * 24 * time.Hour),
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/billing/subscription?user_id="+userID.String(), nil)
	rec := httptest.NewRecorder()
	f.handler.GetSubscription(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Status   string `json:"status"`
		PriceID  string `json:"price_id"`
		FreePlan bool   `json:"free_plan"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "active", resp.Status)
	assert.Equal(t, "price_pro", resp.PriceID)
	assert.False(t, resp.FreePlan)
}

func TestGetSubscription_RequiresUserID(t *testing.T) {
	f := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/billing/subscription", nil)
	rec := httptest.NewRecorder()
	f.handler.GetSubscription(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/billing/subscription?user_id=not-a-uuid", nil)
	rec = httptest.NewRecorder()
	f.handler.GetSubscription(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetSubscription_NotFound(t *testing.T) {
	f := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/billing/subscription?user_id="+uuid.NewString(), nil)
	rec := httptest.NewRecorder()
	f.handler.GetSubscription(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAttachPaymentMethod_ForeignInstrumentForbidden(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	userID := uuid.New()

	_, err := f.store.CreateCustomer(ctx, store.CreateCustomerParams{
		UserID:           userID,
		StripeCustomerID: "cus_123",
	})
	require.NoError(t, err)
	f.provider.Customers["cus_123"] = &billing.Customer{ID: "cus_123"}
	f.provider.PaymentMethods["pm_theirs"] = &billing.PaymentMethod{
		ID: "pm_theirs", CustomerID: "cus_other",
	}

	body := fmt.Sprintf(`{"user_id": %q, "payment_method_id": "pm_theirs"}`, userID)
	req := httptest.NewRequest(http.MethodDelete, "/api/billing/payment-methods/pm_theirs?user_id="+userID.String(), nil)
	req.SetPathValue("id", "pm_theirs")
	rec := httptest.NewRecorder()
	f.handler.DetachPaymentMethod(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	setDefault := httptest.NewRequest(http.MethodPost, "/api/billing/payment-methods/default", bytes.NewBufferString(body))
	rec = httptest.NewRecorder()
	f.handler.SetDefaultPaymentMethod(rec, setDefault)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestGetHistory_EmptyForUnknownUser(t *testing.T) {
	f := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/billing/history?user_id="+uuid.NewString(), nil)
	rec := httptest.NewRecorder()
	f.handler.GetHistory(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Entries []json.RawMessage `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Entries)
}
