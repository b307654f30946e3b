package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v83"

	"github.com/wclausen/mimir/internal/billing"
	"github.com/wclausen/mimir/internal/domain"
	"github.com/wclausen/mimir/internal/store"
)

// EventProcessor applies a stored webhook event to local state. It is
// called inline on first delivery and again by the retry worker, so
// every handler must be idempotent.
//
// Errors are classified by IsPermanent: permanent failures dead-letter
// the event, everything else goes back on the retry queue.
type EventProcessor interface {
	Process(ctx context.Context, event domain.WebhookEvent) error
}

type eventProcessor struct {
	store         store.Store
	provider      billing.Provider
	subscriptions SubscriptionService
	edgeCases     EdgeCaseService
	logger        *slog.Logger
}

// NewEventProcessor creates a new EventProcessor instance.
func NewEventProcessor(st store.Store, provider billing.Provider, subscriptions SubscriptionService, edgeCases EdgeCaseService, logger *slog.Logger) (EventProcessor, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if provider == nil {
		return nil, fmt.Errorf("billing provider is required")
	}
	if subscriptions == nil {
		return nil, fmt.Errorf("subscription service is required")
	}
	if edgeCases == nil {
		return nil, fmt.Errorf("edge case service is required")
	}
	return &eventProcessor{
		store:         st,
		provider:      provider,
		subscriptions: subscriptions,
		edgeCases:     edgeCases,
		logger:        logger,
	}, nil
}

func (p *eventProcessor) Process(ctx context.Context, event domain.WebhookEvent) error {
	var stripeEvent stripe.Event
	if err := json.Unmarshal(event.Payload, &stripeEvent); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	switch stripeEvent.Type {
	case "checkout.session.completed":
		return p.handleCheckoutCompleted(ctx, event, stripeEvent)
	case "customer.subscription.created", "customer.subscription.updated":
		return p.handleSubscriptionChanged(ctx, event, stripeEvent)
	case "customer.subscription.deleted":
		return p.handleSubscriptionDeleted(ctx, event, stripeEvent)
	case "invoice.payment_failed":
		return p.handlePaymentFailed(ctx, event, stripeEvent)
	case "invoice.payment_succeeded":
		return p.handlePaymentSucceeded(ctx, event, stripeEvent)
	case "charge.refunded":
		return p.handleChargeRefunded(ctx, event, stripeEvent)
	case "charge.dispute.created":
		return p.handleDisputeCreated(ctx, event, stripeEvent)
	case "charge.dispute.closed":
		return p.handleDisputeClosed(ctx, event, stripeEvent)
	case "payment_method.attached":
		return p.handlePaymentMethodAttached(ctx, stripeEvent)
	case "payment_method.detached":
		return p.handlePaymentMethodDetached(ctx, event, stripeEvent)
	default:
		p.logger.Debug("ignoring unhandled event type",
			"event_id", event.EventID, "event_type", string(stripeEvent.Type))
		return nil
	}
}

// handleCheckoutCompleted runs the free-to-paid upgrade. The checkout
// session carries the user id in its client reference; without it the
// provider subscription cannot be mapped to anyone, which no retry will
// fix.
func (p *eventProcessor) handleCheckoutCompleted(ctx context.Context, event domain.WebhookEvent, se stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(se.Data.Raw, &session); err != nil {
		return fmt.Errorf("%w: checkout session: %v", ErrMalformedPayload, err)
	}

	userRef := session.ClientReferenceID
	if userRef == "" {
		userRef = session.Metadata["user_id"]
	}
	if userRef == "" {
		return fmt.Errorf("%w: checkout session %s", ErrMissingUserRef, session.ID)
	}
	userID, err := uuid.Parse(userRef)
	if err != nil {
		return fmt.Errorf("%w: %q is not a user id", ErrMissingUserRef, userRef)
	}

	if session.Subscription == nil || session.Customer == nil {
		// One-time payment checkout; nothing to upgrade.
		p.logger.Debug("checkout session without subscription, skipping",
			"event_id", event.EventID, "session_id", session.ID)
		return nil
	}

	// The embedded subscription is usually just an id; fetch the full
	// object for price and period.
	sub, err := p.provider.GetSubscription(ctx, session.Subscription.ID)
	if err != nil {
		return fmt.Errorf("failed to fetch checkout subscription: %w", err)
	}

	_, err = p.subscriptions.UpgradeToPaid(ctx, UpgradeToPaidParams{
		UserID:               userID,
		StripeSubscriptionID: sub.ID,
		StripeCustomerID:     session.Customer.ID,
		PriceID:              sub.PriceID,
		ProviderStatus:       sub.Status,
		CurrentPeriodEnd:     sub.CurrentPeriodEnd,
	})
	return err
}

func (p *eventProcessor) handleSubscriptionChanged(ctx context.Context, event domain.WebhookEvent, se stripe.Event) error {
	sub, err := unmarshalSubscription(se)
	if err != nil {
		return err
	}

	priceID := subscriptionPriceID(sub)
	if err := p.subscriptions.ApplyProviderStatus(ctx, ApplyProviderStatusParams{
		StripeSubscriptionID: sub.ID,
		ProviderStatus:       string(sub.Status),
		PriceID:              priceID,
		CancelAtPeriodEnd:    sub.CancelAtPeriodEnd,
		CurrentPeriodEnd:     subscriptionPeriodEnd(sub),
		EventID:              event.EventID,
	}); err != nil {
		return err
	}

	if prevPrice, changed := previousPriceID(se, priceID); changed {
		return p.edgeCases.RecordProration(ctx, RecordProrationParams{
			TriggerEventID:       event.EventID,
			StripeSubscriptionID: sub.ID,
			PreviousPriceID:      prevPrice,
			NewPriceID:           priceID,
		})
	}
	return nil
}

func (p *eventProcessor) handleSubscriptionDeleted(ctx context.Context, event domain.WebhookEvent, se stripe.Event) error {
	sub, err := unmarshalSubscription(se)
	if err != nil {
		return err
	}
	return p.subscriptions.ApplyProviderStatus(ctx, ApplyProviderStatusParams{
		StripeSubscriptionID: sub.ID,
		ProviderStatus:       "canceled",
		PriceID:              subscriptionPriceID(sub),
		CurrentPeriodEnd:     subscriptionPeriodEnd(sub),
		EventID:              event.EventID,
	})
}

func (p *eventProcessor) handlePaymentFailed(ctx context.Context, event domain.WebhookEvent, se stripe.Event) error {
	inv, subID, err := unmarshalInvoice(se)
	if err != nil {
		return err
	}
	if subID == "" {
		// One-off invoice; the dunning machine only covers subscriptions.
		return nil
	}
	return p.edgeCases.OpenFailedPayment(ctx, OpenFailedPaymentParams{
		TriggerEventID:       event.EventID,
		StripeSubscriptionID: subID,
		InvoiceID:            inv.ID,
	})
}

func (p *eventProcessor) handlePaymentSucceeded(ctx context.Context, event domain.WebhookEvent, se stripe.Event) error {
	_, subID, err := unmarshalInvoice(se)
	if err != nil {
		return err
	}
	if subID == "" {
		return nil
	}
	return p.edgeCases.RecordPaymentRecovered(ctx, subID)
}

func (p *eventProcessor) handleChargeRefunded(ctx context.Context, event domain.WebhookEvent, se stripe.Event) error {
	var charge stripe.Charge
	if err := json.Unmarshal(se.Data.Raw, &charge); err != nil {
		return fmt.Errorf("%w: charge: %v", ErrMalformedPayload, err)
	}
	if charge.Customer == nil {
		p.logger.Debug("refunded charge without customer, skipping",
			"event_id", event.EventID, "charge_id", charge.ID)
		return nil
	}
	return p.edgeCases.RecordRefund(ctx, RecordRefundParams{
		TriggerEventID:   event.EventID,
		StripeCustomerID: charge.Customer.ID,
		ChargeID:         charge.ID,
		AmountCents:      charge.AmountRefunded,
		Currency:         string(charge.Currency),
		FullRefund:       charge.Refunded,
	})
}

func (p *eventProcessor) handleDisputeCreated(ctx context.Context, event domain.WebhookEvent, se stripe.Event) error {
	dispute, err := unmarshalDispute(se)
	if err != nil {
		return err
	}
	return p.edgeCases.OpenDispute(ctx, OpenDisputeParams{
		TriggerEventID: event.EventID,
		DisputeID:      dispute.ID,
		ChargeID:       disputeChargeID(dispute),
	})
}

func (p *eventProcessor) handleDisputeClosed(ctx context.Context, event domain.WebhookEvent, se stripe.Event) error {
	dispute, err := unmarshalDispute(se)
	if err != nil {
		return err
	}
	outcome := "lost"
	if dispute.Status == stripe.DisputeStatusWon {
		outcome = "won"
	}
	return p.edgeCases.CloseDispute(ctx, CloseDisputeParams{
		TriggerEventID: event.EventID,
		DisputeID:      dispute.ID,
		ChargeID:       disputeChargeID(dispute),
		Outcome:        outcome,
	})
}

// handlePaymentMethodAttached records the new instrument and closes any
// open failure cases asking the user for a working card.
func (p *eventProcessor) handlePaymentMethodAttached(ctx context.Context, se stripe.Event) error {
	var pm stripe.PaymentMethod
	if err := json.Unmarshal(se.Data.Raw, &pm); err != nil {
		return fmt.Errorf("%w: payment method: %v", ErrMalformedPayload, err)
	}
	if pm.Customer == nil {
		return nil
	}

	customer, err := p.store.GetCustomerByStripeID(ctx, pm.Customer.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to map attached payment method: %w", err)
	}

	params := store.UpsertPaymentMethodParams{
		StripePaymentMethodID: pm.ID,
		StripeCustomerID:      pm.Customer.ID,
		Status:                domain.PaymentMethodUsable,
	}
	if pm.Card != nil {
		params.Brand = string(pm.Card.Brand)
		params.Last4 = pm.Card.Last4
	}
	if err := p.store.UpsertPaymentMethod(ctx, params); err != nil {
		return fmt.Errorf("failed to record attached payment method: %w", err)
	}
	return p.edgeCases.CloseOpenPaymentMethodFailures(ctx, customer.UserID)
}

func (p *eventProcessor) handlePaymentMethodDetached(ctx context.Context, event domain.WebhookEvent, se stripe.Event) error {
	var pm stripe.PaymentMethod
	if err := json.Unmarshal(se.Data.Raw, &pm); err != nil {
		return fmt.Errorf("%w: payment method: %v", ErrMalformedPayload, err)
	}

	// After detachment the owner is only present in the event's
	// previous attributes.
	customerID := ""
	if pm.Customer != nil {
		customerID = pm.Customer.ID
	} else if prev, ok := se.Data.PreviousAttributes["customer"].(string); ok {
		customerID = prev
	}
	if customerID == "" {
		p.logger.Warn("detached payment method without owner, skipping",
			"event_id", event.EventID, "payment_method_id", pm.ID)
		return nil
	}

	return p.edgeCases.HandleDetachedPaymentMethod(ctx, DetachedPaymentMethodParams{
		TriggerEventID:   event.EventID,
		PaymentMethodID:  pm.ID,
		StripeCustomerID: customerID,
	})
}

// MaxProcessAttempts bounds webhook retries. An event that fails this
// many times is dead-lettered for manual recovery.
const MaxProcessAttempts = 8

// RetryBackoff returns the delay before the given attempt (1-based) is
// retried. Exponential with a cap and jitter so redelivered bursts
// spread out.
func RetryBackoff(attempt int) time.Duration {
	const base = 30 * time.Second
	const maxDelay = time.Hour

	d := base << (attempt - 1)
	if d > maxDelay || d <= 0 {
		d = maxDelay
	}
	// up to 20% jitter
	jitter := time.Duration(rand.Int64N(int64(d) / 5))
	return d + jitter
}

// IsPermanent reports whether err can never succeed on retry. Permanent
// failures dead-letter immediately; everything else is retried with
// backoff until the attempt budget runs out.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if billing.IsTransient(err) {
		return false
	}
	for _, permanent := range []error{
		ErrMalformedPayload,
		ErrMissingUserRef,
		ErrUnknownProviderStatus,
		domain.ErrOwnershipViolation,
		domain.ErrAlreadySubscribed,
	} {
		if errors.Is(err, permanent) {
			return true
		}
	}
	switch domain.ErrorCode(err) {
	case domain.EINVALID, domain.EFORBIDDEN, domain.ECONFLICT:
		return true
	}
	// Unknown subscriptions stay retryable: the mapping event may simply
	// not have arrived yet. The attempt budget turns a real gap into a
	// dead letter for the recovery queue.
	return false
}

func unmarshalSubscription(se stripe.Event) (stripe.Subscription, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(se.Data.Raw, &sub); err != nil {
		return sub, fmt.Errorf("%w: subscription: %v", ErrMalformedPayload, err)
	}
	return sub, nil
}

func unmarshalInvoice(se stripe.Event) (stripe.Invoice, string, error) {
	var inv stripe.Invoice
	if err := json.Unmarshal(se.Data.Raw, &inv); err != nil {
		return inv, "", fmt.Errorf("%w: invoice: %v", ErrMalformedPayload, err)
	}
	subID := ""
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil && inv.Parent.SubscriptionDetails.Subscription != nil {
		subID = inv.Parent.SubscriptionDetails.Subscription.ID
	}
	return inv, subID, nil
}

func unmarshalDispute(se stripe.Event) (stripe.Dispute, error) {
	var dispute stripe.Dispute
	if err := json.Unmarshal(se.Data.Raw, &dispute); err != nil {
		return dispute, fmt.Errorf("%w: dispute: %v", ErrMalformedPayload, err)
	}
	return dispute, nil
}

func disputeChargeID(d stripe.Dispute) string {
	if d.Charge == nil {
		return ""
	}
	return d.Charge.ID
}

func subscriptionPriceID(sub stripe.Subscription) string {
	if sub.Items == nil || len(sub.Items.Data) == 0 || sub.Items.Data[0].Price == nil {
		return ""
	}
	return sub.Items.Data[0].Price.ID
}

func subscriptionPeriodEnd(sub stripe.Subscription) time.Time {
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].CurrentPeriodEnd > 0 {
		return time.Unix(sub.Items.Data[0].CurrentPeriodEnd, 0)
	}
	return time.Time{}
}

// previousPriceID reports whether the event's previous attributes show a
// plan change and returns the old price id when recoverable.
func previousPriceID(se stripe.Event, currentPriceID string) (string, bool) {
	prevItems, ok := se.Data.PreviousAttributes["items"]
	if !ok {
		return "", false
	}
	// previous_attributes.items.data[0].price.id, delivered as loose maps
	prev, _ := json.Marshal(prevItems)
	var items struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	}
	if err := json.Unmarshal(prev, &items); err != nil || len(items.Data) == 0 {
		return "", false
	}
	old := items.Data[0].Price.ID
	if old == "" || old == currentPriceID {
		return "", false
	}
	return old, true
}
