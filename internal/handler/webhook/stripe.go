// Package webhook holds the provider event ingress.
package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/wclausen/mimir/internal/billing"
	"github.com/wclausen/mimir/internal/domain"
	"github.com/wclausen/mimir/internal/handler"
	"github.com/wclausen/mimir/internal/service"
	"github.com/wclausen/mimir/internal/store"
	"github.com/wclausen/mimir/internal/telemetry"
)

// StripeHandler receives Stripe webhook deliveries. The contract with
// Stripe: any 2xx acknowledges the delivery, anything else causes a
// redelivery. So the handler acknowledges as soon as the event is
// durably recorded; processing failures are the retry pipeline's
// problem, not Stripe's.
type StripeHandler struct {
	provider  billing.Provider
	store     store.Store
	processor service.EventProcessor
	config    StripeWebhookConfig
	logger    *slog.Logger
}

// StripeWebhookConfig contains configuration for Stripe webhook handling
type StripeWebhookConfig struct {
	// WebhookSecret is the webhook signing secret from Stripe dashboard
	WebhookSecret string
}

// NewStripeHandler creates a new Stripe webhook handler
func NewStripeHandler(provider billing.Provider, st store.Store, processor service.EventProcessor, config StripeWebhookConfig, logger *slog.Logger) *StripeHandler {
	return &StripeHandler{
		provider:  provider,
		store:     st,
		processor: processor,
		config:    config,
		logger:    logger,
	}
}

// HandleWebhook processes an incoming Stripe webhook delivery:
//
//  1. Verify the signature. Unsigned or tampered payloads are rejected
//     before anything is stored.
//  2. Record the event. The event id is the dedupe key: a redelivery
//     of a known event is acknowledged without reprocessing.
//  3. Process inline. Success marks the event applied; a transient
//     failure schedules a retry; a permanent failure dead-letters it.
//     All three paths return 200, because after step 2 the event is
//     ours to recover, and a non-2xx would only make Stripe redeliver
//     a payload we already hold.
func (h *StripeHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		handler.ErrorResponse(w, r, domain.Errorf(domain.EINVALID, "", "Error reading request body"))
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	if err := h.provider.VerifyWebhookSignature(payload, signature, h.config.WebhookSecret); err != nil {
		h.logger.Warn("webhook signature verification failed", "error", err)
		handler.ErrorResponse(w, r, domain.Errorf(domain.EUNAUTHORIZED, "", "Invalid signature"))
		return
	}

	var stripeEvent stripe.Event
	if err := json.Unmarshal(payload, &stripeEvent); err != nil {
		handler.ErrorResponse(w, r, domain.Errorf(domain.EINVALID, "", "Invalid JSON"))
		return
	}
	if stripeEvent.ID == "" {
		handler.ErrorResponse(w, r, domain.Errorf(domain.EINVALID, "", "Event has no id"))
		return
	}

	eventType := string(stripeEvent.Type)
	if telemetry.Business != nil {
		telemetry.Business.WebhookReceived.WithLabelValues(eventType).Inc()
	}
	defer func() {
		if telemetry.Business != nil {
			telemetry.Business.WebhookLatency.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		}
	}()

	err = h.store.InsertWebhookEvent(r.Context(), store.InsertWebhookEventParams{
		EventID:   stripeEvent.ID,
		EventType: eventType,
		Payload:   payload,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			h.logger.Debug("duplicate webhook delivery acknowledged",
				"event_id", stripeEvent.ID, "event_type", eventType)
			handler.JSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
			return
		}
		h.logger.Error("failed to record webhook event",
			"event_id", stripeEvent.ID, "error", err)
		telemetry.CaptureError(err, map[string]interface{}{
			"event_id": stripeEvent.ID,
		})
		// Not recorded, so let Stripe redeliver.
		handler.ErrorResponse(w, r, domain.Internal(err, "", "Failed to record event"))
		return
	}

	event := domain.WebhookEvent{
		EventID:   stripeEvent.ID,
		EventType: eventType,
		Payload:   payload,
	}
	status := h.processInline(r, event)
	handler.JSON(w, http.StatusOK, map[string]string{"status": status})
}

// processInline runs the processor on a freshly recorded event and
// settles its outcome. Always returns an acknowledgeable status.
func (h *StripeHandler) processInline(r *http.Request, event domain.WebhookEvent) string {
	ctx := r.Context()

	procErr := h.processor.Process(ctx, event)
	if procErr == nil {
		if err := h.store.MarkWebhookEventApplied(ctx, event.EventID); err != nil {
			h.logger.Error("failed to mark event applied",
				"event_id", event.EventID, "error", err)
		}
		if telemetry.Business != nil {
			telemetry.Business.WebhookProcessed.WithLabelValues(event.EventType).Inc()
		}
		return "processed"
	}

	if service.IsPermanent(procErr) {
		h.logger.Error("webhook processing failed permanently, dead-lettering",
			"event_id", event.EventID,
			"event_type", event.EventType,
			"error", procErr)
		telemetry.CaptureError(procErr, map[string]interface{}{
			"event_id":   event.EventID,
			"event_type": event.EventType,
		})
		if err := h.store.MarkWebhookEventDeadLettered(ctx, event.EventID, procErr.Error()); err != nil {
			h.logger.Error("failed to dead-letter event", "event_id", event.EventID, "error", err)
		}
		if telemetry.Business != nil {
			telemetry.Business.WebhookFailed.WithLabelValues(event.EventType, "permanent").Inc()
			telemetry.Business.WebhookDeadLettered.WithLabelValues(event.EventType).Inc()
		}
		return "dead_lettered"
	}

	nextAttempt := time.Now().Add(service.RetryBackoff(1))
	h.logger.Warn("webhook processing failed, scheduling retry",
		"event_id", event.EventID,
		"event_type", event.EventType,
		"next_attempt_at", nextAttempt,
		"error", procErr)
	if err := h.store.MarkWebhookEventRetrying(ctx, event.EventID, 1, nextAttempt, procErr.Error()); err != nil {
		h.logger.Error("failed to schedule retry", "event_id", event.EventID, "error", err)
	}
	if telemetry.Business != nil {
		telemetry.Business.WebhookFailed.WithLabelValues(event.EventType, "transient").Inc()
	}
	return "retrying"
}
