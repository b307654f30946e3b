package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sentry "github.com/getsentry/sentry-go"
	"github.com/google/uuid"

	"github.com/wclausen/mimir/internal/billing"
	"github.com/wclausen/mimir/internal/domain"
	"github.com/wclausen/mimir/internal/store"
	"github.com/wclausen/mimir/internal/telemetry"
)

// Notifier sends user-facing billing notices. Implementations must be
// safe to call from the worker; failures are logged, never propagated
// into the edge-case state machines.
type Notifier interface {
	PaymentFailed(ctx context.Context, to string, attempt int, nextRetryAt time.Time) error
	SubscriptionCanceled(ctx context.Context, to string) error
	AddPaymentMethodPrompt(ctx context.Context, to string) error
}

type edgeCaseService struct {
	store    store.Store
	provider billing.Provider
	notifier Notifier
	config   EdgeCaseConfig
	logger   *slog.Logger
}

// NewEdgeCaseService creates a new EdgeCaseService instance. notifier may
// be nil, in which case no notices are sent.
func NewEdgeCaseService(st store.Store, provider billing.Provider, notifier Notifier, config EdgeCaseConfig, logger *slog.Logger) (EdgeCaseService, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if provider == nil {
		return nil, fmt.Errorf("billing provider is required")
	}
	if len(config.DunningSchedule) == 0 {
		config.DunningSchedule = DefaultDunningSchedule
	}
	if config.RefundPolicy == "" {
		config.RefundPolicy = RefundCancelEndOfPeriod
	}
	return &edgeCaseService{
		store:    st,
		provider: provider,
		notifier: notifier,
		config:   config,
		logger:   logger,
	}, nil
}

// OpenFailedPayment starts the dunning cycle for a failed invoice.
func (s *edgeCaseService) OpenFailedPayment(ctx context.Context, params OpenFailedPaymentParams) error {
	sub, err := s.store.GetSubscriptionByStripeID(ctx, params.StripeSubscriptionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrSubscriptionNotFound
		}
		return fmt.Errorf("failed to load subscription: %w", err)
	}

	nextRetry := time.Now().Add(s.config.DunningSchedule[0])
	_, err = s.store.CreateEdgeCaseEvent(ctx, store.CreateEdgeCaseParams{
		Kind:           domain.EdgeCaseFailedPayment,
		SubscriptionID: sub.ID,
		State:          domain.EdgeStateRetrying,
		TriggerEventID: params.TriggerEventID,
		ProviderRef:    params.InvoiceID,
		NextRetryAt:    &nextRetry,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// Redelivered webhook; the case already exists.
			return nil
		}
		return fmt.Errorf("failed to open dunning case: %w", err)
	}

	if err := s.transition(ctx, sub, domain.SubscriptionPastDue); err != nil {
		return err
	}

	s.logger.Info("opened dunning cycle",
		"subscription_id", sub.ID,
		"invoice_id", params.InvoiceID,
		"next_retry_at", nextRetry,
		"event_id", params.TriggerEventID)
	return nil
}

// RetryFailedPayment runs one dunning attempt for a claimed case.
func (s *edgeCaseService) RetryFailedPayment(ctx context.Context, event domain.EdgeCaseEvent) error {
	sub, err := s.store.GetSubscriptionByID(ctx, event.SubscriptionID)
	if err != nil {
		return fmt.Errorf("failed to load subscription for dunning: %w", err)
	}

	inv, payErr := s.provider.PayInvoice(ctx, event.ProviderRef)
	if payErr == nil && inv.Status == "paid" {
		if err := s.store.ResolveEdgeCase(ctx, event.ID, domain.EdgeResolutionRecovered); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("failed to close dunning case: %w", err)
		}
		if err := s.transition(ctx, sub, domain.SubscriptionActive); err != nil {
			return err
		}
		s.logger.Info("dunning recovered payment",
			"subscription_id", sub.ID,
			"invoice_id", event.ProviderRef,
			"attempts", event.Attempts+1)
		if telemetry.Business != nil {
			telemetry.Business.DunningAttempts.WithLabelValues("recovered").Inc()
		}
		return nil
	}

	attempts := event.Attempts + 1
	if attempts >= len(s.config.DunningSchedule) {
		return s.exhaustDunning(ctx, event, sub, payErr)
	}

	nextRetry := time.Now().Add(s.config.DunningSchedule[attempts])
	if err := s.store.UpdateEdgeCaseRetry(ctx, event.ID, attempts, nextRetry); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to schedule next dunning attempt: %w", err)
	}

	s.logger.Info("dunning attempt failed, rescheduled",
		"subscription_id", sub.ID,
		"invoice_id", event.ProviderRef,
		"attempt", attempts,
		"next_retry_at", nextRetry,
		"error", payErr)
	if telemetry.Business != nil {
		telemetry.Business.DunningAttempts.WithLabelValues("failed").Inc()
	}
	s.notify(ctx, sub.StripeCustomerID, func(to string) error {
		return s.notifier.PaymentFailed(ctx, to, attempts, nextRetry)
	})
	return nil
}

// exhaustDunning cancels the subscription after the final failed attempt.
func (s *edgeCaseService) exhaustDunning(ctx context.Context, event domain.EdgeCaseEvent, sub domain.Subscription, payErr error) error {
	cancelErr := s.provider.CancelSubscription(ctx, billing.CancelSubscriptionParams{
		SubscriptionID: sub.StripeSubscriptionID,
		Reason:         "payment_failed",
	})
	if cancelErr != nil && !errors.Is(cancelErr, billing.ErrSubscriptionNotFound) {
		return fmt.Errorf("failed to cancel subscription after dunning: %w", cancelErr)
	}

	if err := s.transition(ctx, sub, domain.SubscriptionCanceled); err != nil {
		return err
	}
	if err := s.store.ResolveEdgeCase(ctx, event.ID, domain.EdgeResolutionUnresolved); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to close exhausted dunning case: %w", err)
	}

	s.logger.Warn("dunning exhausted, subscription canceled",
		"subscription_id", sub.ID,
		"invoice_id", event.ProviderRef,
		"attempts", event.Attempts+1,
		"last_error", payErr)
	telemetry.CaptureMessage("dunning exhausted, subscription canceled", sentry.LevelWarning, map[string]interface{}{
		"subscription_id": sub.ID.String(),
		"invoice_id":      event.ProviderRef,
	})
	if telemetry.Business != nil {
		telemetry.Business.DunningAttempts.WithLabelValues("exhausted").Inc()
	}
	s.notify(ctx, sub.StripeCustomerID, func(to string) error {
		return s.notifier.SubscriptionCanceled(ctx, to)
	})
	return nil
}

// RecordPaymentRecovered closes an open dunning case after an
// out-of-band payment.
func (s *edgeCaseService) RecordPaymentRecovered(ctx context.Context, stripeSubscriptionID string) error {
	sub, err := s.store.GetSubscriptionByStripeID(ctx, stripeSubscriptionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load subscription: %w", err)
	}

	event, err := s.store.GetOpenEdgeCase(ctx, domain.EdgeCaseFailedPayment, sub.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to look up dunning case: %w", err)
	}

	if err := s.store.ResolveEdgeCase(ctx, event.ID, domain.EdgeResolutionRecovered); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to close dunning case: %w", err)
	}
	if err := s.transition(ctx, sub, domain.SubscriptionActive); err != nil {
		return err
	}

	s.logger.Info("dunning case recovered out of band",
		"subscription_id", sub.ID, "invoice_id", event.ProviderRef)
	return nil
}

// RecordProration records a mid-cycle plan change adjustment.
func (s *edgeCaseService) RecordProration(ctx context.Context, params RecordProrationParams) error {
	sub, err := s.store.GetSubscriptionByStripeID(ctx, params.StripeSubscriptionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrSubscriptionNotFound
		}
		return fmt.Errorf("failed to load subscription: %w", err)
	}

	event, err := s.store.CreateEdgeCaseEvent(ctx, store.CreateEdgeCaseParams{
		Kind:           domain.EdgeCaseProration,
		SubscriptionID: sub.ID,
		State:          domain.EdgeStateOpen,
		TriggerEventID: params.TriggerEventID,
		ProviderRef:    params.StripeSubscriptionID,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil
		}
		return fmt.Errorf("failed to open proration case: %w", err)
	}

	preview, err := s.provider.PreviewProration(ctx, billing.PreviewProrationParams{
		CustomerID:     sub.StripeCustomerID,
		SubscriptionID: sub.StripeSubscriptionID,
		NewPriceID:     params.NewPriceID,
	})
	if err != nil {
		return fmt.Errorf("failed to preview proration: %w", err)
	}

	desc := fmt.Sprintf("Plan change %s -> %s (prorated)", params.PreviousPriceID, params.NewPriceID)
	if _, err := s.store.InsertBillingRecord(ctx, store.InsertBillingRecordParams{
		UserID:      sub.UserID,
		Source:      domain.SourceSubscriptionChange,
		AmountCents: preview.AmountDueCents,
		Currency:    preview.Currency,
		Status:      "adjustment",
		Description: desc,
		OccurredAt:  time.Now(),
	}); err != nil {
		return fmt.Errorf("failed to record proration adjustment: %w", err)
	}

	if err := s.store.ResolveEdgeCase(ctx, event.ID, domain.EdgeResolutionRecorded); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to close proration case: %w", err)
	}

	s.logger.Info("recorded proration adjustment",
		"subscription_id", sub.ID,
		"amount_cents", preview.AmountDueCents,
		"new_price_id", params.NewPriceID,
		"event_id", params.TriggerEventID)
	return nil
}

// RecordRefund records a refund; a full refund also applies the
// cancellation policy.
func (s *edgeCaseService) RecordRefund(ctx context.Context, params RecordRefundParams) error {
	customer, err := s.store.GetCustomerByStripeID(ctx, params.StripeCustomerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrCustomerNotFound
		}
		return fmt.Errorf("failed to map refund customer: %w", err)
	}

	sub, subErr := s.store.GetLiveSubscriptionForUser(ctx, customer.UserID)
	subscriptionID := uuid.Nil
	if subErr == nil {
		subscriptionID = sub.ID
	} else if !errors.Is(subErr, store.ErrNotFound) {
		return fmt.Errorf("failed to load subscription for refund: %w", subErr)
	}

	event, err := s.store.CreateEdgeCaseEvent(ctx, store.CreateEdgeCaseParams{
		Kind:           domain.EdgeCaseRefund,
		SubscriptionID: subscriptionID,
		State:          domain.EdgeStateOpen,
		TriggerEventID: params.TriggerEventID,
		ProviderRef:    params.ChargeID,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil
		}
		return fmt.Errorf("failed to open refund case: %w", err)
	}

	if _, err := s.store.InsertBillingRecord(ctx, store.InsertBillingRecordParams{
		UserID:      customer.UserID,
		Source:      domain.SourceInternalBillingRecord,
		AmountCents: -params.AmountCents,
		Currency:    params.Currency,
		Status:      "refunded",
		Description: fmt.Sprintf("Refund for charge %s", params.ChargeID),
		OccurredAt:  time.Now(),
	}); err != nil {
		return fmt.Errorf("failed to record refund: %w", err)
	}

	if params.FullRefund && subErr == nil && !sub.IsFreePlan() {
		if err := s.applyRefundPolicy(ctx, sub); err != nil {
			return err
		}
	}

	if err := s.store.ResolveEdgeCase(ctx, event.ID, domain.EdgeResolutionRecorded); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to close refund case: %w", err)
	}

	s.logger.Info("recorded refund",
		"user_id", customer.UserID,
		"charge_id", params.ChargeID,
		"amount_cents", params.AmountCents,
		"full_refund", params.FullRefund,
		"event_id", params.TriggerEventID)
	return nil
}

// applyRefundPolicy cancels a fully refunded subscription per config.
func (s *edgeCaseService) applyRefundPolicy(ctx context.Context, sub domain.Subscription) error {
	immediate := s.config.RefundPolicy == RefundCancelImmediate
	err := s.provider.CancelSubscription(ctx, billing.CancelSubscriptionParams{
		SubscriptionID:    sub.StripeSubscriptionID,
		CancelAtPeriodEnd: !immediate,
		Reason:            "refunded",
	})
	if err != nil && !errors.Is(err, billing.ErrSubscriptionNotFound) {
		return fmt.Errorf("failed to cancel refunded subscription: %w", err)
	}

	if immediate {
		return s.transition(ctx, sub, domain.SubscriptionCanceled)
	}
	return s.store.WithUserLock(ctx, sub.UserID, func(q store.Queries) error {
		return q.UpdateSubscriptionPeriod(ctx, store.UpdateSubscriptionPeriodParams{
			ID:                sub.ID,
			PriceID:           sub.PriceID,
			CancelAtPeriodEnd: true,
			CurrentPeriodEnd:  sub.CurrentPeriodEnd,
		})
	})
}

// OpenDispute opens a chargeback case.
func (s *edgeCaseService) OpenDispute(ctx context.Context, params OpenDisputeParams) error {
	sub, err := s.subscriptionForCharge(ctx, params.ChargeID)
	if err != nil {
		return err
	}

	_, err = s.store.CreateEdgeCaseEvent(ctx, store.CreateEdgeCaseParams{
		Kind:           domain.EdgeCaseDispute,
		SubscriptionID: sub.ID,
		State:          domain.EdgeStateNeedsEvidence,
		TriggerEventID: params.TriggerEventID,
		ProviderRef:    params.DisputeID,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil
		}
		return fmt.Errorf("failed to open dispute case: %w", err)
	}

	s.logger.Warn("dispute opened",
		"subscription_id", sub.ID,
		"dispute_id", params.DisputeID,
		"event_id", params.TriggerEventID)
	telemetry.CaptureMessage("chargeback dispute opened", sentry.LevelWarning, map[string]interface{}{
		"dispute_id":      params.DisputeID,
		"subscription_id": sub.ID.String(),
	})
	return nil
}

// SubmitDisputeEvidence forwards evidence and marks the case under review.
func (s *edgeCaseService) SubmitDisputeEvidence(ctx context.Context, disputeID string, evidence DisputeEvidenceParams) error {
	dispute, err := s.provider.SubmitDisputeEvidence(ctx, disputeID, billing.DisputeEvidence{
		ProductDescription: evidence.ProductDescription,
		CustomerEmail:      evidence.CustomerEmail,
		UncategorizedText:  evidence.UncategorizedText,
	})
	if err != nil {
		return fmt.Errorf("failed to submit dispute evidence: %w", err)
	}

	event, err := s.openDisputeCase(ctx, disputeID)
	if err != nil {
		return err
	}
	if err := s.store.UpdateEdgeCaseState(ctx, event.ID, domain.EdgeStateUnderReview); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to mark dispute under review: %w", err)
	}

	s.logger.Info("submitted dispute evidence", "dispute_id", disputeID, "provider_status", dispute.Status)
	return nil
}

// CloseDispute records the final outcome.
func (s *edgeCaseService) CloseDispute(ctx context.Context, params CloseDisputeParams) error {
	event, err := s.openDisputeCase(ctx, params.DisputeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Already closed by an earlier delivery.
			return nil
		}
		return err
	}

	resolution := domain.EdgeResolutionLost
	if params.Outcome == "won" {
		resolution = domain.EdgeResolutionWon
	}
	if err := s.store.ResolveEdgeCase(ctx, event.ID, resolution); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to close dispute case: %w", err)
	}

	s.logger.Info("dispute closed",
		"dispute_id", params.DisputeID,
		"outcome", params.Outcome,
		"event_id", params.TriggerEventID)
	return nil
}

// HandleDetachedPaymentMethod marks the instrument invalid and prompts the
// user for a replacement. The instrument is never reattached.
func (s *edgeCaseService) HandleDetachedPaymentMethod(ctx context.Context, params DetachedPaymentMethodParams) error {
	if err := s.store.UpdatePaymentMethodStatus(ctx, params.PaymentMethodID, domain.PaymentMethodInvalid); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to mark payment method invalid: %w", err)
	}

	customer, err := s.store.GetCustomerByStripeID(ctx, params.StripeCustomerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Instrument belonged to a customer this engine never mapped.
			s.logger.Warn("detached payment method for unknown customer",
				"payment_method_id", params.PaymentMethodID,
				"stripe_customer_id", params.StripeCustomerID)
			return nil
		}
		return fmt.Errorf("failed to map detached payment method: %w", err)
	}

	subscriptionID := uuid.Nil
	if sub, err := s.store.GetLiveSubscriptionForUser(ctx, customer.UserID); err == nil {
		subscriptionID = sub.ID
	}

	_, err = s.store.CreateEdgeCaseEvent(ctx, store.CreateEdgeCaseParams{
		Kind:           domain.EdgeCasePaymentMethodFailure,
		SubscriptionID: subscriptionID,
		State:          domain.EdgeStateOpen,
		TriggerEventID: params.TriggerEventID,
		ProviderRef:    params.PaymentMethodID,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil
		}
		return fmt.Errorf("failed to open payment method failure case: %w", err)
	}

	s.logger.Info("payment method detached, user prompted for replacement",
		"user_id", customer.UserID,
		"payment_method_id", params.PaymentMethodID)
	s.notify(ctx, params.StripeCustomerID, func(to string) error {
		return s.notifier.AddPaymentMethodPrompt(ctx, to)
	})
	return nil
}

// CloseOpenPaymentMethodFailures resolves open instrument cases after the
// user adds a working payment method.
func (s *edgeCaseService) CloseOpenPaymentMethodFailures(ctx context.Context, userID uuid.UUID) error {
	open, err := s.store.ListOpenEdgeCases(ctx)
	if err != nil {
		return fmt.Errorf("failed to list open edge cases: %w", err)
	}

	var subID uuid.UUID
	if sub, err := s.store.GetLiveSubscriptionForUser(ctx, userID); err == nil {
		subID = sub.ID
	}

	for _, event := range open {
		if event.Kind != domain.EdgeCasePaymentMethodFailure {
			continue
		}
		if event.SubscriptionID != subID || subID == uuid.Nil {
			continue
		}
		if err := s.store.ResolveEdgeCase(ctx, event.ID, domain.EdgeResolutionRecovered); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("failed to close payment method failure case: %w", err)
		}
		s.logger.Info("closed payment method failure case", "user_id", userID, "edge_case_id", event.ID)
	}
	return nil
}

// subscriptionForCharge maps a provider charge back to the local
// subscription via its customer.
func (s *edgeCaseService) subscriptionForCharge(ctx context.Context, chargeID string) (domain.Subscription, error) {
	charge, err := s.provider.GetCharge(ctx, chargeID)
	if err != nil {
		return domain.Subscription{}, fmt.Errorf("failed to resolve disputed charge: %w", err)
	}

	customer, err := s.store.GetCustomerByStripeID(ctx, charge.CustomerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Subscription{}, ErrCustomerNotFound
		}
		return domain.Subscription{}, fmt.Errorf("failed to map charge customer: %w", err)
	}

	sub, err := s.store.GetLiveSubscriptionForUser(ctx, customer.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Subscription{}, ErrNoLiveSubscription
		}
		return domain.Subscription{}, fmt.Errorf("failed to load subscription for charge: %w", err)
	}
	return sub, nil
}

// openDisputeCase finds the unresolved dispute case by provider ref.
func (s *edgeCaseService) openDisputeCase(ctx context.Context, disputeID string) (domain.EdgeCaseEvent, error) {
	open, err := s.store.ListOpenEdgeCases(ctx)
	if err != nil {
		return domain.EdgeCaseEvent{}, fmt.Errorf("failed to list open edge cases: %w", err)
	}
	for _, event := range open {
		if event.Kind == domain.EdgeCaseDispute && event.ProviderRef == disputeID {
			return event, nil
		}
	}
	return domain.EdgeCaseEvent{}, store.ErrNotFound
}

// transition moves a subscription through the domain transition table
// under the user's row lock.
func (s *edgeCaseService) transition(ctx context.Context, sub domain.Subscription, to domain.SubscriptionStatus) error {
	return s.store.WithUserLock(ctx, sub.UserID, func(q store.Queries) error {
		current, err := q.GetSubscriptionByID(ctx, sub.ID)
		if err != nil {
			return fmt.Errorf("failed to re-read subscription: %w", err)
		}
		if current.Status == to {
			return nil
		}
		if !domain.CanTransition(current.Status, to) {
			return ErrIllegalTransition
		}
		return q.UpdateSubscriptionStatus(ctx, current.ID, to)
	})
}

// notify delivers a notice to the customer's provider email, logging
// failures without propagating them.
func (s *edgeCaseService) notify(ctx context.Context, stripeCustomerID string, send func(to string) error) {
	if s.notifier == nil {
		return
	}
	customer, err := s.provider.GetCustomer(ctx, stripeCustomerID)
	if err != nil || customer.Email == "" {
		s.logger.Warn("skipping billing notice, no customer email",
			"stripe_customer_id", stripeCustomerID, "error", err)
		return
	}
	if err := send(customer.Email); err != nil {
		s.logger.Warn("failed to send billing notice",
			"stripe_customer_id", stripeCustomerID, "error", err)
	}
}
