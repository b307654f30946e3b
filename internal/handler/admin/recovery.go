// Package admin holds the operator-only recovery endpoints. Routes in
// this package sit behind bearer-token auth and a strict rate limit.
package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/wclausen/mimir/internal/domain"
	"github.com/wclausen/mimir/internal/handler"
	"github.com/wclausen/mimir/internal/service"
	"github.com/wclausen/mimir/internal/telemetry"
)

// RecoveryHandler exposes the manual recovery toolkit: read-only
// account analysis, manual subscription repair and the dead-letter
// queue.
type RecoveryHandler struct {
	recovery service.RecoveryService
	logger   *slog.Logger
}

// NewRecoveryHandler creates a new RecoveryHandler.
func NewRecoveryHandler(recovery service.RecoveryService, logger *slog.Logger) *RecoveryHandler {
	return &RecoveryHandler{
		recovery: recovery,
		logger:   logger,
	}
}

// Analyze runs a read-only reconciliation report for one provider
// customer.
// POST /admin/recovery/analyze
func (h *RecoveryHandler) Analyze(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StripeCustomerID string `json:"stripe_customer_id" validate:"required"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		handler.ErrorResponse(w, r, domain.Invalid("admin.Analyze", "invalid JSON body"))
		return
	}
	if err := handler.Validate("admin.Analyze", req); err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	report, err := h.recovery.Analyze(r.Context(), req.StripeCustomerID)
	if err != nil {
		h.logger.Error("recovery analysis failed", "stripe_customer_id", req.StripeCustomerID, "error", err)
		handler.ErrorResponse(w, r, err)
		return
	}

	if telemetry.Business != nil {
		telemetry.Business.RecoveryAnalyses.Inc()
	}
	handler.JSON(w, http.StatusOK, report)
}

// CreateSubscription repairs a locally missing subscription row by
// mirroring a live provider subscription.
// POST /admin/recovery/subscriptions
func (h *RecoveryHandler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID  uuid.UUID `json:"user_id" validate:"required"`
		PriceID string    `json:"price_id" validate:"required"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		handler.ErrorResponse(w, r, domain.Invalid("admin.CreateSubscription", "invalid JSON body"))
		return
	}
	if err := handler.Validate("admin.CreateSubscription", req); err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	sub, err := h.recovery.ManuallyCreateSubscription(r.Context(), req.UserID, req.PriceID)
	if err != nil {
		h.logger.Error("manual subscription repair failed", "user_id", req.UserID, "price_id", req.PriceID, "error", err)
		handler.ErrorResponse(w, r, err)
		return
	}

	h.logger.Info("manual subscription repair applied", "user_id", req.UserID, "subscription_id", sub.ID)
	if telemetry.Business != nil {
		telemetry.Business.RecoveryRepairs.Inc()
	}
	handler.JSON(w, http.StatusCreated, map[string]interface{}{
		"id":       sub.ID.String(),
		"status":   string(sub.Status),
		"price_id": sub.PriceID,
	})
}

type deadLetterResponse struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	ReceivedAt time.Time `json:"received_at"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error"`
}

// ListDeadLetters returns events that exhausted their retries.
// GET /admin/recovery/dead-letters?limit=
func (h *RecoveryHandler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			handler.ErrorResponse(w, r, domain.Invalid("admin.ListDeadLetters", "limit must be a positive integer"))
			return
		}
		limit = parsed
	}

	events, err := h.recovery.ListDeadLetters(r.Context(), limit)
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	out := make([]deadLetterResponse, 0, len(events))
	for _, e := range events {
		out = append(out, deadLetterResponse{
			EventID:    e.EventID,
			EventType:  e.EventType,
			ReceivedAt: e.ReceivedAt,
			Attempts:   e.Attempts,
			LastError:  e.LastError,
		})
	}
	handler.JSON(w, http.StatusOK, map[string]interface{}{"dead_letters": out})
}

// RequeueDeadLetter puts a dead-lettered event back on the retry queue.
// POST /admin/recovery/dead-letters/{id}/requeue
func (h *RecoveryHandler) RequeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	eventID := r.PathValue("id")
	if eventID == "" {
		handler.ErrorResponse(w, r, domain.Invalid("admin.RequeueDeadLetter", "event id is required"))
		return
	}

	if err := h.recovery.RequeueDeadLetter(r.Context(), eventID); err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	h.logger.Info("dead letter requeued", "event_id", eventID)
	if telemetry.Business != nil {
		telemetry.Business.DeadLettersRequeued.Inc()
	}
	handler.JSON(w, http.StatusOK, map[string]string{"status": "requeued"})
}
