package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wclausen/mimir/internal/billing"
	"github.com/wclausen/mimir/internal/domain"
	"github.com/wclausen/mimir/internal/store"
)

// PaymentMethodService guards every mutating use of a payment method with
// an ownership check against the provider. The provider is the source of
// truth for ownership; the local table is a display projection only.
type PaymentMethodService interface {
	// ValidateOwnership confirms the payment method belongs to the user's
	// provider customer, by fetching the instrument's actual owner from
	// the provider and comparing. Never trusts client-supplied customer
	// ids and never skips the check for "local" rows.
	//
	// Returns ErrOwnershipViolation on mismatch (logged as a security
	// event), ErrPaymentMethodNotFound if the provider has no such
	// instrument.
	ValidateOwnership(ctx context.Context, userID uuid.UUID, paymentMethodID string) error

	// Attach attaches an instrument to the user's provider customer and
	// records the local projection.
	Attach(ctx context.Context, userID uuid.UUID, paymentMethodID string) (domain.PaymentMethod, error)

	// Detach removes an instrument after validating ownership.
	Detach(ctx context.Context, userID uuid.UUID, paymentMethodID string) error

	// SetDefault marks an instrument as the customer's default after
	// validating ownership.
	SetDefault(ctx context.Context, userID uuid.UUID, paymentMethodID string) error

	// List returns the user's instruments from the provider, refreshing
	// the local projection as a side effect.
	List(ctx context.Context, userID uuid.UUID) ([]domain.PaymentMethod, error)
}

type paymentMethodService struct {
	store    store.Store
	provider billing.Provider
	identity IdentityService
	logger   *slog.Logger
}

// NewPaymentMethodService creates a new PaymentMethodService instance.
func NewPaymentMethodService(st store.Store, provider billing.Provider, identity IdentityService, logger *slog.Logger) (PaymentMethodService, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if provider == nil {
		return nil, fmt.Errorf("billing provider is required")
	}
	if identity == nil {
		return nil, fmt.Errorf("identity service is required")
	}
	return &paymentMethodService{
		store:    st,
		provider: provider,
		identity: identity,
		logger:   logger,
	}, nil
}

func (s *paymentMethodService) ValidateOwnership(ctx context.Context, userID uuid.UUID, paymentMethodID string) error {
	resolved, err := s.identity.Lookup(ctx, userID)
	if err != nil {
		return err
	}

	pm, err := s.provider.GetPaymentMethod(ctx, paymentMethodID)
	if err != nil {
		if errors.Is(err, billing.ErrPaymentMethodNotFound) {
			return ErrPaymentMethodNotFound
		}
		return fmt.Errorf("failed to fetch payment method owner: %w", err)
	}

	if pm.CustomerID == "" || pm.CustomerID != resolved.StripeCustomerID {
		s.logger.Warn("payment method ownership violation",
			"user_id", userID,
			"payment_method_id", paymentMethodID,
			"actual_owner", pm.CustomerID,
			"expected_owner", resolved.StripeCustomerID)
		return ErrOwnershipViolation
	}
	return nil
}

func (s *paymentMethodService) Attach(ctx context.Context, userID uuid.UUID, paymentMethodID string) (domain.PaymentMethod, error) {
	resolved, err := s.identity.Resolve(ctx, userID)
	if err != nil {
		return domain.PaymentMethod{}, err
	}

	pm, err := s.provider.AttachPaymentMethod(ctx, paymentMethodID, resolved.StripeCustomerID)
	if err != nil {
		return domain.PaymentMethod{}, fmt.Errorf("failed to attach payment method: %w", err)
	}

	record := domain.PaymentMethod{
		StripePaymentMethodID: pm.ID,
		StripeCustomerID:      resolved.StripeCustomerID,
		Brand:                 pm.Brand,
		Last4:                 pm.Last4,
		Status:                domain.PaymentMethodUsable,
	}
	if err := s.store.UpsertPaymentMethod(ctx, store.UpsertPaymentMethodParams{
		StripePaymentMethodID: record.StripePaymentMethodID,
		StripeCustomerID:      record.StripeCustomerID,
		Brand:                 record.Brand,
		Last4:                 record.Last4,
		Status:                record.Status,
	}); err != nil {
		return domain.PaymentMethod{}, fmt.Errorf("failed to record payment method: %w", err)
	}

	s.logger.Info("attached payment method",
		"user_id", userID,
		"payment_method_id", pm.ID,
		"brand", pm.Brand,
		"last4", pm.Last4)
	return record, nil
}

func (s *paymentMethodService) Detach(ctx context.Context, userID uuid.UUID, paymentMethodID string) error {
	if err := s.ValidateOwnership(ctx, userID, paymentMethodID); err != nil {
		return err
	}

	if err := s.provider.DetachPaymentMethod(ctx, paymentMethodID); err != nil {
		if !errors.Is(err, billing.ErrPaymentMethodNotFound) {
			return fmt.Errorf("failed to detach payment method: %w", err)
		}
	}

	// The provider will also emit payment_method.detached; marking here
	// keeps the projection current without waiting for the webhook.
	if err := s.store.UpdatePaymentMethodStatus(ctx, paymentMethodID, domain.PaymentMethodInvalid); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to mark payment method detached: %w", err)
	}

	s.logger.Info("detached payment method", "user_id", userID, "payment_method_id", paymentMethodID)
	return nil
}

func (s *paymentMethodService) SetDefault(ctx context.Context, userID uuid.UUID, paymentMethodID string) error {
	if err := s.ValidateOwnership(ctx, userID, paymentMethodID); err != nil {
		return err
	}

	resolved, err := s.identity.Lookup(ctx, userID)
	if err != nil {
		return err
	}

	if err := s.provider.SetDefaultPaymentMethod(ctx, resolved.StripeCustomerID, paymentMethodID); err != nil {
		return fmt.Errorf("failed to set default payment method: %w", err)
	}
	if err := s.store.SetDefaultPaymentMethod(ctx, resolved.StripeCustomerID, paymentMethodID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to record default payment method: %w", err)
	}
	return nil
}

func (s *paymentMethodService) List(ctx context.Context, userID uuid.UUID) ([]domain.PaymentMethod, error) {
	resolved, err := s.identity.Lookup(ctx, userID)
	if err != nil {
		return nil, err
	}

	methods, err := s.provider.ListPaymentMethods(ctx, resolved.StripeCustomerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payment methods: %w", err)
	}

	now := time.Now()
	out := make([]domain.PaymentMethod, 0, len(methods))
	for _, pm := range methods {
		record := domain.PaymentMethod{
			StripePaymentMethodID: pm.ID,
			StripeCustomerID:      resolved.StripeCustomerID,
			IsDefault:             pm.IsDefault,
			Brand:                 pm.Brand,
			Last4:                 pm.Last4,
			Status:                domain.PaymentMethodUsable,
			CreatedAt:             pm.CreatedAt,
			UpdatedAt:             now,
		}
		if err := s.store.UpsertPaymentMethod(ctx, store.UpsertPaymentMethodParams{
			StripePaymentMethodID: record.StripePaymentMethodID,
			StripeCustomerID:      record.StripeCustomerID,
			IsDefault:             record.IsDefault,
			Brand:                 record.Brand,
			Last4:                 record.Last4,
			Status:                record.Status,
		}); err != nil {
			return nil, fmt.Errorf("failed to refresh payment method projection: %w", err)
		}
		out = append(out, record)
	}
	return out, nil
}
