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

// RecoveryService provides the manual escape hatch for states the
// automated flows cannot reach: webhooks lost forever, provider
// subscriptions the engine never saw, operators untangling a support
// ticket.
type RecoveryService interface {
	// Analyze inspects a provider customer and reports every divergence
	// between provider state and local state. Read-only: it never
	// mutates anything, so operators can run it freely before deciding
	// on a repair.
	Analyze(ctx context.Context, stripeCustomerID string) (*AnalysisReport, error)

	// ManuallyCreateSubscription repairs a lost upgrade. It finds the
	// user's live provider subscription for the price and routes it
	// through the same atomic upgrade path a webhook would have taken,
	// so the repaired row is indistinguishable from one created by a
	// delivered event. Returns ErrNoProviderSubscription when the
	// provider has no matching live subscription, since creating a
	// local paid row with nothing behind it would fabricate state.
	ManuallyCreateSubscription(ctx context.Context, userID uuid.UUID, priceID string) (*domain.Subscription, error)

	// ListDeadLetters returns events that exhausted their retries.
	ListDeadLetters(ctx context.Context, limit int) ([]domain.WebhookEvent, error)

	// RequeueDeadLetter puts a dead-lettered event back on the retry
	// queue with a fresh attempt budget.
	RequeueDeadLetter(ctx context.Context, eventID string) error
}

// AnalysisReport describes the divergences found for one provider
// customer.
type AnalysisReport struct {
	StripeCustomerID string     `json:"stripe_customer_id"`
	UserID           *uuid.UUID `json:"user_id,omitempty"`

	// MissingLocalCustomer is true when the provider customer has no
	// local identity mapping at all.
	MissingLocalCustomer bool `json:"missing_local_customer"`

	// UnmappedProviderSubscriptions are live provider subscriptions
	// with no corresponding local row. The usual signature of a lost
	// checkout webhook.
	UnmappedProviderSubscriptions []billing.Subscription `json:"unmapped_provider_subscriptions,omitempty"`

	// StaleIncompleteSubscriptions are local rows stuck in incomplete
	// past the grace window.
	StaleIncompleteSubscriptions []domain.Subscription `json:"stale_incomplete_subscriptions,omitempty"`

	// OpenEdgeCases are unresolved coordination cases touching the
	// user's subscriptions.
	OpenEdgeCases []domain.EdgeCaseEvent `json:"open_edge_cases,omitempty"`

	// UnpaidInvoices are provider invoices still open or uncollectible.
	UnpaidInvoices []billing.Invoice `json:"unpaid_invoices,omitempty"`

	// DeadLetterCount is the engine-wide count of dead-lettered events,
	// included so an operator sees queue health in the same view.
	DeadLetterCount int `json:"dead_letter_count"`
}

// staleIncompleteAfter is how long an incomplete subscription may sit
// before Analyze flags it.
const staleIncompleteAfter = 24 * time.Hour

type recoveryService struct {
	store         store.Store
	provider      billing.Provider
	identity      IdentityService
	subscriptions SubscriptionService
	logger        *slog.Logger
}

// NewRecoveryService creates a new RecoveryService instance.
func NewRecoveryService(st store.Store, provider billing.Provider, identity IdentityService, subscriptions SubscriptionService, logger *slog.Logger) (RecoveryService, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if provider == nil {
		return nil, fmt.Errorf("billing provider is required")
	}
	if identity == nil {
		return nil, fmt.Errorf("identity service is required")
	}
	if subscriptions == nil {
		return nil, fmt.Errorf("subscription service is required")
	}
	return &recoveryService{
		store:         st,
		provider:      provider,
		identity:      identity,
		subscriptions: subscriptions,
		logger:        logger,
	}, nil
}

func (s *recoveryService) Analyze(ctx context.Context, stripeCustomerID string) (*AnalysisReport, error) {
	report := &AnalysisReport{StripeCustomerID: stripeCustomerID}

	providerSubs, err := s.provider.ListSubscriptions(ctx, stripeCustomerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list provider subscriptions: %w", err)
	}

	customer, err := s.store.GetCustomerByStripeID(ctx, stripeCustomerID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("failed to look up customer mapping: %w", err)
		}
		report.MissingLocalCustomer = true
		// Without a user mapping every live provider subscription is
		// unmapped by definition.
		for _, ps := range providerSubs {
			if providerSubIsLive(ps.Status) {
				report.UnmappedProviderSubscriptions = append(report.UnmappedProviderSubscriptions, ps)
			}
		}
		return s.finishReport(ctx, report)
	}
	report.UserID = &customer.UserID

	localSubs, err := s.store.ListSubscriptionsForUser(ctx, customer.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to list local subscriptions: %w", err)
	}
	localByStripeID := make(map[string]domain.Subscription, len(localSubs))
	for _, sub := range localSubs {
		if sub.StripeSubscriptionID != "" {
			localByStripeID[sub.StripeSubscriptionID] = sub
		}
		if sub.Status == domain.SubscriptionIncomplete && time.Since(sub.CreatedAt) > staleIncompleteAfter {
			report.StaleIncompleteSubscriptions = append(report.StaleIncompleteSubscriptions, sub)
		}
	}
	for _, ps := range providerSubs {
		if _, ok := localByStripeID[ps.ID]; !ok && providerSubIsLive(ps.Status) {
			report.UnmappedProviderSubscriptions = append(report.UnmappedProviderSubscriptions, ps)
		}
	}

	open, err := s.store.ListOpenEdgeCases(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list open edge cases: %w", err)
	}
	subIDs := make(map[uuid.UUID]bool, len(localSubs))
	for _, sub := range localSubs {
		subIDs[sub.ID] = true
	}
	for _, ec := range open {
		if subIDs[ec.SubscriptionID] {
			report.OpenEdgeCases = append(report.OpenEdgeCases, ec)
		}
	}

	invoices, err := s.provider.ListInvoices(ctx, stripeCustomerID, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list provider invoices: %w", err)
	}
	for _, inv := range invoices {
		if inv.Status == "open" || inv.Status == "uncollectible" {
			report.UnpaidInvoices = append(report.UnpaidInvoices, inv)
		}
	}

	return s.finishReport(ctx, report)
}

func (s *recoveryService) finishReport(ctx context.Context, report *AnalysisReport) (*AnalysisReport, error) {
	deadLettered, err := s.store.CountWebhookEventsByOutcome(ctx, domain.WebhookDeadLettered)
	if err != nil {
		return nil, fmt.Errorf("failed to count dead-lettered events: %w", err)
	}
	report.DeadLetterCount = int(deadLettered)

	s.logger.Info("recovery analysis completed",
		"stripe_customer_id", report.StripeCustomerID,
		"missing_local_customer", report.MissingLocalCustomer,
		"unmapped_subscriptions", len(report.UnmappedProviderSubscriptions),
		"stale_incomplete", len(report.StaleIncompleteSubscriptions),
		"open_edge_cases", len(report.OpenEdgeCases),
		"unpaid_invoices", len(report.UnpaidInvoices),
		"dead_letter_count", report.DeadLetterCount)
	return report, nil
}

func (s *recoveryService) ManuallyCreateSubscription(ctx context.Context, userID uuid.UUID, priceID string) (*domain.Subscription, error) {
	if priceID == "" || priceID == FreePlanPriceID {
		return nil, domain.Invalid("recovery.ManuallyCreateSubscription", "priceID must name a paid plan")
	}

	customer, err := s.identity.Resolve(ctx, userID)
	if err != nil {
		return nil, err
	}

	providerSubs, err := s.provider.ListSubscriptions(ctx, customer.StripeCustomerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list provider subscriptions: %w", err)
	}

	var match *billing.Subscription
	for i, ps := range providerSubs {
		if ps.PriceID == priceID && providerSubIsLive(ps.Status) {
			match = &providerSubs[i]
			break
		}
	}
	if match == nil {
		return nil, ErrNoProviderSubscription
	}

	sub, err := s.subscriptions.UpgradeToPaid(ctx, UpgradeToPaidParams{
		UserID:               userID,
		StripeSubscriptionID: match.ID,
		StripeCustomerID:     customer.StripeCustomerID,
		PriceID:              match.PriceID,
		ProviderStatus:       match.Status,
		CurrentPeriodEnd:     match.CurrentPeriodEnd,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("manually repaired subscription",
		"user_id", userID,
		"stripe_subscription_id", match.ID,
		"price_id", priceID)
	return &sub, nil
}

func (s *recoveryService) ListDeadLetters(ctx context.Context, limit int) ([]domain.WebhookEvent, error) {
	events, err := s.store.ListDeadLetteredEvents(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead-lettered events: %w", err)
	}
	return events, nil
}

func (s *recoveryService) RequeueDeadLetter(ctx context.Context, eventID string) error {
	if err := s.store.RequeueWebhookEvent(ctx, eventID, time.Now()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.NotFound("recovery.RequeueDeadLetter", "dead-lettered event", eventID)
		}
		return fmt.Errorf("failed to requeue event: %w", err)
	}
	s.logger.Info("requeued dead-lettered event", "event_id", eventID)
	return nil
}

// providerSubIsLive reports whether a provider status maps to a live
// local status.
func providerSubIsLive(providerStatus string) bool {
	status, err := MapProviderStatus(providerStatus)
	if err != nil {
		return false
	}
	return status.IsLive()
}
