// Package api holds the user-facing read and self-service endpoints.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/wclausen/mimir/internal/domain"
	"github.com/wclausen/mimir/internal/handler"
	"github.com/wclausen/mimir/internal/service"
)

// BillingHandler serves a user's billing state: current subscription,
// payment methods and history. Identity comes from the user_id
// parameter; this service trusts its caller (the application backend)
// to have authenticated the user.
type BillingHandler struct {
	subscriptions  service.SubscriptionService
	paymentMethods service.PaymentMethodService
	history        service.HistoryService
	logger         *slog.Logger
}

// NewBillingHandler creates a new BillingHandler.
func NewBillingHandler(subscriptions service.SubscriptionService, paymentMethods service.PaymentMethodService, history service.HistoryService, logger *slog.Logger) *BillingHandler {
	return &BillingHandler{
		subscriptions:  subscriptions,
		paymentMethods: paymentMethods,
		history:        history,
		logger:         logger,
	}
}

type subscriptionResponse struct {
	ID                string     `json:"id"`
	Status            string     `json:"status"`
	PriceID           string     `json:"price_id"`
	FreePlan          bool       `json:"free_plan"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end"`
	CurrentPeriodEnd  *time.Time `json:"current_period_end,omitempty"`
}

type paymentMethodResponse struct {
	ID        string `json:"id"`
	Brand     string `json:"brand,omitempty"`
	Last4     string `json:"last4,omitempty"`
	IsDefault bool   `json:"is_default"`
	Status    string `json:"status"`
}

// GetSubscription returns the user's live subscription.
// GET /api/billing/subscription?user_id=
func (h *BillingHandler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	sub, err := h.subscriptions.GetForUser(r.Context(), userID)
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	handler.JSON(w, http.StatusOK, toSubscriptionResponse(sub))
}

// CreateFreePlan enrolls the user on the free plan.
// POST /api/billing/subscription/free
func (h *BillingHandler) CreateFreePlan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID uuid.UUID `json:"user_id" validate:"required"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := handler.Validate("api.CreateFreePlan", req); err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	sub, err := h.subscriptions.CreateFreePlan(r.Context(), req.UserID)
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	handler.JSON(w, http.StatusCreated, toSubscriptionResponse(sub))
}

// CancelSubscription cancels the user's live subscription.
// POST /api/billing/subscription/cancel
func (h *BillingHandler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID      uuid.UUID `json:"user_id" validate:"required"`
		AtPeriodEnd bool      `json:"at_period_end"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := handler.Validate("api.CancelSubscription", req); err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	if err := h.subscriptions.Cancel(r.Context(), req.UserID, req.AtPeriodEnd); err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	handler.JSON(w, http.StatusOK, map[string]string{"status": "canceled"})
}

// GetHistory returns the user's billing history, newest first.
// GET /api/billing/history?user_id=
func (h *BillingHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	entries, err := h.history.GetHistory(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to project billing history", "user_id", userID, "error", err)
		handler.ErrorResponse(w, r, err)
		return
	}

	handler.JSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// ListPaymentMethods returns the user's payment instruments.
// GET /api/billing/payment-methods?user_id=
func (h *BillingHandler) ListPaymentMethods(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	methods, err := h.paymentMethods.List(r.Context(), userID)
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	out := make([]paymentMethodResponse, 0, len(methods))
	for _, pm := range methods {
		out = append(out, paymentMethodResponse{
			ID:        pm.StripePaymentMethodID,
			Brand:     pm.Brand,
			Last4:     pm.Last4,
			IsDefault: pm.IsDefault,
			Status:    string(pm.Status),
		})
	}
	handler.JSON(w, http.StatusOK, map[string]interface{}{"payment_methods": out})
}

// AttachPaymentMethod attaches an instrument to the user's customer.
// POST /api/billing/payment-methods
func (h *BillingHandler) AttachPaymentMethod(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID          uuid.UUID `json:"user_id" validate:"required"`
		PaymentMethodID string    `json:"payment_method_id" validate:"required"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := handler.Validate("api.AttachPaymentMethod", req); err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	pm, err := h.paymentMethods.Attach(r.Context(), req.UserID, req.PaymentMethodID)
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	handler.JSON(w, http.StatusCreated, paymentMethodResponse{
		ID:        pm.StripePaymentMethodID,
		Brand:     pm.Brand,
		Last4:     pm.Last4,
		IsDefault: pm.IsDefault,
		Status:    string(pm.Status),
	})
}

// SetDefaultPaymentMethod marks an instrument as the default.
// POST /api/billing/payment-methods/default
func (h *BillingHandler) SetDefaultPaymentMethod(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID          uuid.UUID `json:"user_id" validate:"required"`
		PaymentMethodID string    `json:"payment_method_id" validate:"required"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := handler.Validate("api.SetDefaultPaymentMethod", req); err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	if err := h.paymentMethods.SetDefault(r.Context(), req.UserID, req.PaymentMethodID); err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	handler.JSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// DetachPaymentMethod removes an instrument.
// DELETE /api/billing/payment-methods/{id}?user_id=
func (h *BillingHandler) DetachPaymentMethod(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	paymentMethodID := r.PathValue("id")
	if paymentMethodID == "" {
		handler.ErrorResponse(w, r, domain.Invalid("api.DetachPaymentMethod", "payment method id is required"))
		return
	}

	if err := h.paymentMethods.Detach(r.Context(), userID, paymentMethodID); err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// userID extracts and validates the user_id query parameter.
func (h *BillingHandler) userID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := r.URL.Query().Get("user_id")
	if raw == "" {
		handler.ErrorResponse(w, r, domain.Invalid("api", "user_id is required"))
		return uuid.Nil, false
	}
	userID, err := uuid.Parse(raw)
	if err != nil {
		handler.ErrorResponse(w, r, domain.Invalid("api", "user_id must be a UUID"))
		return uuid.Nil, false
	}
	return userID, true
}

func toSubscriptionResponse(sub domain.Subscription) subscriptionResponse {
	resp := subscriptionResponse{
		ID:                sub.ID.String(),
		Status:            string(sub.Status),
		PriceID:           sub.PriceID,
		FreePlan:          sub.IsFreePlan(),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if !sub.CurrentPeriodEnd.IsZero() {
		resp.CurrentPeriodEnd = &sub.CurrentPeriodEnd
	}
	return resp
}

// decodeBody decodes a JSON request body, responding with 400 on bad
// input.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		handler.ErrorResponse(w, r, domain.Invalid("api", "invalid JSON body"))
		return false
	}
	return true
}
