package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/wclausen/mimir/internal/billing"
	"github.com/wclausen/mimir/internal/domain"
	"github.com/wclausen/mimir/internal/store"
	"github.com/wclausen/mimir/internal/telemetry"
)

// subscriptionService implements SubscriptionService.
type subscriptionService struct {
	store    store.Store
	provider billing.Provider
	identity IdentityService
	logger   *slog.Logger
}

// NewSubscriptionService creates a new SubscriptionService instance.
func NewSubscriptionService(st store.Store, provider billing.Provider, identity IdentityService, logger *slog.Logger) (SubscriptionService, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if provider == nil {
		return nil, fmt.Errorf("billing provider is required")
	}
	if identity == nil {
		return nil, fmt.Errorf("identity service is required")
	}
	return &subscriptionService{
		store:    st,
		provider: provider,
		identity: identity,
		logger:   logger,
	}, nil
}

// CreateFreePlan creates a free-plan row for a user with no live subscription.
//
// Flow:
//  1. Resolve identity (also guarantees the customer row the lock needs)
//  2. Under the user lock: reject if a live row exists, insert the free row
func (s *subscriptionService) CreateFreePlan(ctx context.Context, userID uuid.UUID) (domain.Subscription, error) {
	if _, err := s.identity.Resolve(ctx, userID); err != nil {
		return domain.Subscription{}, err
	}

	var result domain.Subscription
	err := s.store.WithUserLock(ctx, userID, func(q store.Queries) error {
		_, err := q.GetLiveSubscriptionForUser(ctx, userID)
		if err == nil {
			return ErrAlreadySubscribed
		}
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("failed to check live subscription: %w", err)
		}

		created, err := q.CreateSubscription(ctx, store.CreateSubscriptionParams{
			UserID:  userID,
			Status:  domain.SubscriptionActive,
			PriceID: FreePlanPriceID,
		})
		if err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return ErrAlreadySubscribed
			}
			return err
		}
		result = created
		return nil
	})
	if err != nil {
		return domain.Subscription{}, err
	}

	s.logger.Info("created free plan subscription", "user_id", userID, "subscription_id", result.ID)
	return result, nil
}

// UpgradeToPaid converts the user's free plan to a paid one.
//
// Flow (single transaction, customer row locked):
//  1. If the provider subscription id is already recorded, return that row
//  2. Cancel the live free row if present
//  3. Insert the paid row with both provider ids
//
// Step 1 is what makes duplicate checkout webhooks harmless: the second
// delivery finds the row from the first and changes nothing.
func (s *subscriptionService) UpgradeToPaid(ctx context.Context, params UpgradeToPaidParams) (domain.Subscription, error) {
	status, err := MapProviderStatus(params.ProviderStatus)
	if err != nil {
		return domain.Subscription{}, err
	}
	if params.StripeSubscriptionID == "" || params.StripeCustomerID == "" {
		return domain.Subscription{}, domain.Invalid("SubscriptionService.UpgradeToPaid", "provider subscription and customer ids are required")
	}

	if _, err := s.identity.Resolve(ctx, params.UserID); err != nil {
		return domain.Subscription{}, err
	}

	var result domain.Subscription
	err = s.store.WithUserLock(ctx, params.UserID, func(q store.Queries) error {
		existing, err := q.GetSubscriptionByStripeID(ctx, params.StripeSubscriptionID)
		if err == nil {
			result = existing
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("failed to check existing provider subscription: %w", err)
		}

		live, err := q.GetLiveSubscriptionForUser(ctx, params.UserID)
		switch {
		case err == nil:
			if !live.IsFreePlan() {
				// Linked to a different provider subscription already.
				return ErrAlreadySubscribed
			}
			if err := q.UpdateSubscriptionStatus(ctx, live.ID, domain.SubscriptionCanceled); err != nil {
				return fmt.Errorf("failed to cancel free plan row: %w", err)
			}
		case errors.Is(err, store.ErrNotFound):
			// No free row to retire; upgrade still proceeds.
		default:
			return fmt.Errorf("failed to check live subscription: %w", err)
		}

		created, err := q.CreateSubscription(ctx, store.CreateSubscriptionParams{
			UserID:               params.UserID,
			StripeSubscriptionID: params.StripeSubscriptionID,
			StripeCustomerID:     params.StripeCustomerID,
			Status:               status,
			PriceID:              params.PriceID,
			CurrentPeriodEnd:     params.CurrentPeriodEnd,
		})
		if err != nil {
			return fmt.Errorf("failed to create paid subscription row: %w", err)
		}
		result = created
		return nil
	})
	if err != nil {
		return domain.Subscription{}, err
	}

	s.logger.Info("upgraded subscription to paid",
		"user_id", params.UserID,
		"subscription_id", result.ID,
		"stripe_subscription_id", params.StripeSubscriptionID,
		"status", result.Status)
	return result, nil
}

// ApplyProviderStatus applies a provider-reported change to the local row.
func (s *subscriptionService) ApplyProviderStatus(ctx context.Context, params ApplyProviderStatusParams) error {
	to, err := MapProviderStatus(params.ProviderStatus)
	if err != nil {
		return err
	}

	sub, err := s.store.GetSubscriptionByStripeID(ctx, params.StripeSubscriptionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Reconciliation gap: the provider knows a subscription we
			// have no row for. Surface to the operator channel and let
			// the event dead-letter into the recovery queue.
			gap := domain.Invariant("SubscriptionService.ApplyProviderStatus",
				fmt.Sprintf("provider subscription %s has no local row", params.StripeSubscriptionID))
			s.logger.Error("reconciliation gap: unknown provider subscription",
				"stripe_subscription_id", params.StripeSubscriptionID,
				"event_id", params.EventID,
				"provider_status", params.ProviderStatus)
			telemetry.CaptureError(gap, map[string]interface{}{
				"stripe_subscription_id": params.StripeSubscriptionID,
				"event_id":               params.EventID,
			})
			return ErrSubscriptionNotFound
		}
		return fmt.Errorf("failed to load subscription: %w", err)
	}

	return s.store.WithUserLock(ctx, sub.UserID, func(q store.Queries) error {
		// Re-read under the lock; a concurrent event may have moved it.
		current, err := q.GetSubscriptionByID(ctx, sub.ID)
		if err != nil {
			return fmt.Errorf("failed to re-read subscription: %w", err)
		}

		if !domain.CanTransition(current.Status, to) {
			s.logger.Warn("rejected subscription transition",
				"subscription_id", current.ID,
				"from", current.Status,
				"to", to,
				"event_id", params.EventID)
			return ErrIllegalTransition
		}

		if current.Status != to {
			if err := q.UpdateSubscriptionStatus(ctx, current.ID, to); err != nil {
				return fmt.Errorf("failed to update subscription status: %w", err)
			}
		}

		priceID := params.PriceID
		if priceID == "" {
			priceID = current.PriceID
		}
		if err := q.UpdateSubscriptionPeriod(ctx, store.UpdateSubscriptionPeriodParams{
			ID:                current.ID,
			PriceID:           priceID,
			CancelAtPeriodEnd: params.CancelAtPeriodEnd,
			CurrentPeriodEnd:  params.CurrentPeriodEnd,
		}); err != nil {
			return fmt.Errorf("failed to update subscription period: %w", err)
		}

		s.logger.Info("applied provider subscription status",
			"subscription_id", current.ID,
			"from", current.Status,
			"to", to,
			"event_id", params.EventID)
		return nil
	})
}

// Cancel cancels the user's live subscription.
func (s *subscriptionService) Cancel(ctx context.Context, userID uuid.UUID, atPeriodEnd bool) error {
	sub, err := s.GetForUser(ctx, userID)
	if err != nil {
		return err
	}

	if !sub.IsFreePlan() {
		err := s.provider.CancelSubscription(ctx, billing.CancelSubscriptionParams{
			SubscriptionID:    sub.StripeSubscriptionID,
			CancelAtPeriodEnd: atPeriodEnd,
		})
		if err != nil && !errors.Is(err, billing.ErrSubscriptionNotFound) {
			return fmt.Errorf("failed to cancel provider subscription: %w", err)
		}
	}

	return s.store.WithUserLock(ctx, userID, func(q store.Queries) error {
		if atPeriodEnd && !sub.IsFreePlan() {
			// The row stays live until the provider reports the final
			// cancellation; only the flag changes now.
			return q.UpdateSubscriptionPeriod(ctx, store.UpdateSubscriptionPeriodParams{
				ID:                sub.ID,
				PriceID:           sub.PriceID,
				CancelAtPeriodEnd: true,
				CurrentPeriodEnd:  sub.CurrentPeriodEnd,
			})
		}
		return q.UpdateSubscriptionStatus(ctx, sub.ID, domain.SubscriptionCanceled)
	})
}

// GetForUser returns the user's live subscription.
func (s *subscriptionService) GetForUser(ctx context.Context, userID uuid.UUID) (domain.Subscription, error) {
	sub, err := s.store.GetLiveSubscriptionForUser(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Subscription{}, ErrNoLiveSubscription
		}
		return domain.Subscription{}, fmt.Errorf("failed to get live subscription: %w", err)
	}
	return sub, nil
}
