package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wclausen/mimir/internal/billing"
	"github.com/wclausen/mimir/internal/domain"
	"github.com/wclausen/mimir/internal/store"
)

// HistoryService projects a user's billing history on demand.
//
// The projection is recomputed on every call, never cached. Provider
// invoices are the authoritative source; locally recorded adjustments
// (refunds, prorations) are merged in. In non-production environments
// with no provider data, a synthetic history is derived from the local
// subscription rows so development setups without Stripe fixtures still
// render something. That fallback NEVER runs in production: there an
// empty history is returned as-is, because synthesizing entries would
// fabricate financial records.
type HistoryService interface {
	// GetHistory returns the user's billing entries, newest first.
	GetHistory(ctx context.Context, userID uuid.UUID) ([]HistoryEntry, error)
}

// HistoryEntry is one line of the billing history projection.
type HistoryEntry struct {
	Source      domain.BillingSource `json:"source"`
	Description string               `json:"description"`
	AmountCents int64                `json:"amount_cents"`
	Currency    string               `json:"currency"`
	Status      string               `json:"status"`
	OccurredAt  time.Time            `json:"occurred_at"`
	InvoiceID   string               `json:"invoice_id,omitempty"`
	InvoiceURL  string               `json:"invoice_url,omitempty"`
}

// Amount returns the entry amount in major units.
func (e HistoryEntry) Amount() decimal.Decimal {
	return decimal.NewFromInt(e.AmountCents).Div(decimal.NewFromInt(100))
}

type historyService struct {
	store      store.Store
	provider   billing.Provider
	identity   IdentityService
	production bool
	logger     *slog.Logger
}

// NewHistoryService creates a new HistoryService instance. production
// disables the synthetic fallback.
func NewHistoryService(st store.Store, provider billing.Provider, identity IdentityService, production bool, logger *slog.Logger) (HistoryService, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if provider == nil {
		return nil, fmt.Errorf("billing provider is required")
	}
	if identity == nil {
		return nil, fmt.Errorf("identity service is required")
	}
	return &historyService{
		store:      st,
		provider:   provider,
		identity:   identity,
		production: production,
		logger:     logger,
	}, nil
}

func (s *historyService) GetHistory(ctx context.Context, userID uuid.UUID) ([]HistoryEntry, error) {
	customer, err := s.identity.Lookup(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrCustomerNotFound) {
			// Never billed. An empty history, not an error.
			return []HistoryEntry{}, nil
		}
		return nil, err
	}

	entries := []HistoryEntry{}

	invoices, err := s.provider.ListInvoices(ctx, customer.StripeCustomerID, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list provider invoices: %w", err)
	}
	for _, inv := range invoices {
		entries = append(entries, HistoryEntry{
			Source:      domain.SourceProviderInvoice,
			Description: invoiceDescription(inv),
			AmountCents: inv.AmountDueCents,
			Currency:    inv.Currency,
			Status:      inv.Status,
			OccurredAt:  inv.CreatedAt,
			InvoiceID:   inv.ID,
			InvoiceURL:  inv.HostedInvoiceURL,
		})
	}

	records, err := s.store.ListBillingRecordsForUser(ctx, userID, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list billing records: %w", err)
	}
	for _, rec := range records {
		entries = append(entries, HistoryEntry{
			Source:      rec.Source,
			Description: rec.Description,
			AmountCents: rec.AmountCents,
			Currency:    rec.Currency,
			Status:      rec.Status,
			OccurredAt:  rec.OccurredAt,
		})
	}

	if len(entries) == 0 && !s.production {
		entries, err = s.synthesize(ctx, userID)
		if err != nil {
			return nil, err
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].OccurredAt.After(entries[j].OccurredAt)
	})
	return entries, nil
}

// synthesize derives placeholder entries from local subscription rows.
// Development only; production returns the empty history untouched.
func (s *historyService) synthesize(ctx context.Context, userID uuid.UUID) ([]HistoryEntry, error) {
	subs, err := s.store.ListSubscriptionsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions for fallback history: %w", err)
	}

	s.logger.Debug("synthesizing billing history from subscription rows",
		"user_id", userID, "subscriptions", len(subs))

	entries := []HistoryEntry{}
	for _, sub := range subs {
		desc := fmt.Sprintf("Subscription %s (%s)", sub.PriceID, sub.Status)
		entries = append(entries, HistoryEntry{
			Source:      domain.SourceSubscriptionChange,
			Description: desc,
			Currency:    "usd",
			Status:      string(sub.Status),
			OccurredAt:  sub.CreatedAt,
		})
	}
	return entries, nil
}

func invoiceDescription(inv billing.Invoice) string {
	if inv.Description != "" {
		return inv.Description
	}
	if inv.Number != "" {
		return fmt.Sprintf("Invoice %s", inv.Number)
	}
	return fmt.Sprintf("Invoice %s", inv.ID)
}
