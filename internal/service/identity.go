package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/wclausen/mimir/internal/billing"
	"github.com/wclausen/mimir/internal/store"
)

// IdentityService maps internal users to provider customers. It is the
// single source of that mapping: every other service resolves through it,
// and nothing else in the codebase may look a customer up by email or any
// other provider-side attribute.
type IdentityService interface {
	// Resolve returns the provider customer for a user, creating one on
	// first use. Safe under concurrent first-time calls for the same
	// user: exactly one mapping wins, the loser re-reads it.
	Resolve(ctx context.Context, userID uuid.UUID) (ResolvedCustomer, error)

	// Lookup returns the mapping without creating anything.
	Lookup(ctx context.Context, userID uuid.UUID) (ResolvedCustomer, error)
}

// ResolvedCustomer is the identity result other services key off.
type ResolvedCustomer struct {
	UserID           uuid.UUID
	StripeCustomerID string
}

type identityService struct {
	store    store.Store
	provider billing.Provider
	logger   *slog.Logger
}

// NewIdentityService creates a new IdentityService instance.
func NewIdentityService(st store.Store, provider billing.Provider, logger *slog.Logger) (IdentityService, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if provider == nil {
		return nil, fmt.Errorf("billing provider is required")
	}
	return &identityService{
		store:    st,
		provider: provider,
		logger:   logger,
	}, nil
}

func (s *identityService) Resolve(ctx context.Context, userID uuid.UUID) (ResolvedCustomer, error) {
	customer, err := s.store.GetCustomerByUserID(ctx, userID)
	if err == nil {
		return ResolvedCustomer{UserID: userID, StripeCustomerID: customer.StripeCustomerID}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return ResolvedCustomer{}, fmt.Errorf("failed to look up customer mapping: %w", err)
	}

	// First use: create the provider customer, then claim the mapping.
	// The idempotency key pins retries of this call to one provider
	// customer even if the insert below fails and the caller retries.
	created, err := s.provider.CreateCustomer(ctx, billing.CreateCustomerParams{
		Metadata:       map[string]string{"user_id": userID.String()},
		IdempotencyKey: "customer-resolve-" + userID.String(),
	})
	if err != nil {
		return ResolvedCustomer{}, fmt.Errorf("failed to create provider customer: %w", err)
	}

	mapped, err := s.store.CreateCustomer(ctx, store.CreateCustomerParams{
		UserID:           userID,
		StripeCustomerID: created.ID,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// Lost the race: another request mapped this user first.
			// Use the winner's mapping; the customer created above is
			// unreferenced on the provider side and harmless.
			winner, lookupErr := s.store.GetCustomerByUserID(ctx, userID)
			if lookupErr != nil {
				return ResolvedCustomer{}, fmt.Errorf("failed to read winning customer mapping: %w", lookupErr)
			}
			s.logger.Warn("lost identity resolution race, discarding provider customer",
				"user_id", userID,
				"discarded_customer_id", created.ID,
				"winning_customer_id", winner.StripeCustomerID)
			return ResolvedCustomer{UserID: userID, StripeCustomerID: winner.StripeCustomerID}, nil
		}
		return ResolvedCustomer{}, fmt.Errorf("failed to store customer mapping: %w", err)
	}

	s.logger.Info("resolved new provider customer",
		"user_id", userID,
		"stripe_customer_id", mapped.StripeCustomerID)
	return ResolvedCustomer{UserID: userID, StripeCustomerID: mapped.StripeCustomerID}, nil
}

func (s *identityService) Lookup(ctx context.Context, userID uuid.UUID) (ResolvedCustomer, error) {
	customer, err := s.store.GetCustomerByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ResolvedCustomer{}, ErrCustomerNotFound
		}
		return ResolvedCustomer{}, fmt.Errorf("failed to look up customer mapping: %w", err)
	}
	return ResolvedCustomer{UserID: userID, StripeCustomerID: customer.StripeCustomerID}, nil
}
