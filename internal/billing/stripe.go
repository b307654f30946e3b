package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"
	stripecharge "github.com/stripe/stripe-go/v83/charge"
	stripecustomer "github.com/stripe/stripe-go/v83/customer"
	stripedispute "github.com/stripe/stripe-go/v83/dispute"
	stripeinvoice "github.com/stripe/stripe-go/v83/invoice"
	stripepm "github.com/stripe/stripe-go/v83/paymentmethod"
	striperefund "github.com/stripe/stripe-go/v83/refund"
	stripesubscription "github.com/stripe/stripe-go/v83/subscription"
	"github.com/stripe/stripe-go/v83/webhook"
)

// StripeProvider implements Provider using the Stripe Go SDK.
type StripeProvider struct {
	config StripeConfig
}

// Compile-time check.
var _ Provider = (*StripeProvider)(nil)

// NewStripeProvider creates a new Stripe billing provider.
// Sets the package-level API key for the SDK's default client.
func NewStripeProvider(config StripeConfig) (*StripeProvider, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	stripe.Key = config.APIKey

	if config.MaxNetworkRetries > 0 {
		backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
			MaxNetworkRetries: stripe.Int64(int64(config.MaxNetworkRetries)),
		})
		stripe.SetBackend(stripe.APIBackend, backend)
	}

	return &StripeProvider{config: config}, nil
}

// CreateCustomer creates a Stripe customer.
func (s *StripeProvider) CreateCustomer(ctx context.Context, params CreateCustomerParams) (*Customer, error) {
	cp := &stripe.CustomerParams{
		Email: stripe.String(params.Email),
	}
	cp.Context = ctx
	if params.Name != "" {
		cp.Name = stripe.String(params.Name)
	}
	for k, v := range params.Metadata {
		cp.AddMetadata(k, v)
	}
	if params.IdempotencyKey != "" {
		cp.SetIdempotencyKey(params.IdempotencyKey)
	}

	c, err := stripecustomer.New(cp)
	if err != nil {
		return nil, wrapStripeErr(err, "create customer")
	}

	return mapStripeCustomer(c), nil
}

// GetCustomer retrieves a Stripe customer.
func (s *StripeProvider) GetCustomer(ctx context.Context, customerID string) (*Customer, error) {
	cp := &stripe.CustomerParams{}
	cp.Context = ctx

	c, err := stripecustomer.Get(customerID, cp)
	if err != nil {
		if isResourceMissing(err) {
			return nil, ErrCustomerNotFound
		}
		return nil, wrapStripeErr(err, "get customer")
	}

	return mapStripeCustomer(c), nil
}

// GetSubscription retrieves a Stripe subscription.
func (s *StripeProvider) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	sp := &stripe.SubscriptionParams{}
	sp.Context = ctx

	sub, err := stripesubscription.Get(subscriptionID, sp)
	if err != nil {
		if isResourceMissing(err) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, wrapStripeErr(err, "get subscription")
	}

	return mapStripeSubscription(sub), nil
}

// ListSubscriptions lists all of a customer's subscriptions, any status.
func (s *StripeProvider) ListSubscriptions(ctx context.Context, customerID string) ([]Subscription, error) {
	lp := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String("all"),
	}
	lp.Context = ctx

	var subs []Subscription
	iter := stripesubscription.List(lp)
	for iter.Next() {
		subs = append(subs, *mapStripeSubscription(iter.Subscription()))
	}
	if err := iter.Err(); err != nil {
		return nil, wrapStripeErr(err, "list subscriptions")
	}

	return subs, nil
}

// CancelSubscription cancels a Stripe subscription.
// With CancelAtPeriodEnd the subscription stays active until the period end
// and Stripe emits customer.subscription.deleted when it finally lapses.
func (s *StripeProvider) CancelSubscription(ctx context.Context, params CancelSubscriptionParams) error {
	if params.CancelAtPeriodEnd {
		up := &stripe.SubscriptionParams{
			CancelAtPeriodEnd: stripe.Bool(true),
		}
		up.Context = ctx
		if params.Reason != "" {
			up.AddMetadata("cancellation_reason", params.Reason)
		}
		_, err := stripesubscription.Update(params.SubscriptionID, up)
		if err != nil {
			if isResourceMissing(err) {
				return ErrSubscriptionNotFound
			}
			return wrapStripeErr(err, "cancel subscription at period end")
		}
		return nil
	}

	cp := &stripe.SubscriptionCancelParams{}
	cp.Context = ctx
	_, err := stripesubscription.Cancel(params.SubscriptionID, cp)
	if err != nil {
		if isResourceMissing(err) {
			return ErrSubscriptionNotFound
		}
		return wrapStripeErr(err, "cancel subscription")
	}
	return nil
}

// GetPaymentMethod retrieves a payment method with its owning customer.
func (s *StripeProvider) GetPaymentMethod(ctx context.Context, paymentMethodID string) (*PaymentMethod, error) {
	pp := &stripe.PaymentMethodParams{}
	pp.Context = ctx

	pm, err := stripepm.Get(paymentMethodID, pp)
	if err != nil {
		if isResourceMissing(err) {
			return nil, ErrPaymentMethodNotFound
		}
		return nil, wrapStripeErr(err, "get payment method")
	}

	return mapStripePaymentMethod(pm), nil
}

// ListPaymentMethods lists card payment methods for a customer.
func (s *StripeProvider) ListPaymentMethods(ctx context.Context, customerID string) ([]PaymentMethod, error) {
	lp := &stripe.PaymentMethodListParams{
		Customer: stripe.String(customerID),
		Type:     stripe.String(string(stripe.PaymentMethodTypeCard)),
	}
	lp.Context = ctx

	var methods []PaymentMethod
	iter := stripepm.List(lp)
	for iter.Next() {
		methods = append(methods, *mapStripePaymentMethod(iter.PaymentMethod()))
	}
	if err := iter.Err(); err != nil {
		return nil, wrapStripeErr(err, "list payment methods")
	}

	return methods, nil
}

// AttachPaymentMethod attaches a payment method to a customer.
func (s *StripeProvider) AttachPaymentMethod(ctx context.Context, paymentMethodID, customerID string) (*PaymentMethod, error) {
	ap := &stripe.PaymentMethodAttachParams{
		Customer: stripe.String(customerID),
	}
	ap.Context = ctx

	pm, err := stripepm.Attach(paymentMethodID, ap)
	if err != nil {
		return nil, wrapStripeErr(err, "attach payment method")
	}

	return mapStripePaymentMethod(pm), nil
}

// DetachPaymentMethod detaches a payment method from its customer.
func (s *StripeProvider) DetachPaymentMethod(ctx context.Context, paymentMethodID string) error {
	dp := &stripe.PaymentMethodDetachParams{}
	dp.Context = ctx

	_, err := stripepm.Detach(paymentMethodID, dp)
	if err != nil {
		if isResourceMissing(err) {
			return ErrPaymentMethodNotFound
		}
		return wrapStripeErr(err, "detach payment method")
	}
	return nil
}

// SetDefaultPaymentMethod updates the customer's default instrument for invoices.
func (s *StripeProvider) SetDefaultPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error {
	up := &stripe.CustomerParams{
		InvoiceSettings: &stripe.CustomerInvoiceSettingsParams{
			DefaultPaymentMethod: stripe.String(paymentMethodID),
		},
	}
	up.Context = ctx

	_, err := stripecustomer.Update(customerID, up)
	if err != nil {
		return wrapStripeErr(err, "set default payment method")
	}
	return nil
}

// ListInvoices returns the customer's invoices, newest first.
func (s *StripeProvider) ListInvoices(ctx context.Context, customerID string, limit int) ([]Invoice, error) {
	lp := &stripe.InvoiceListParams{
		Customer: stripe.String(customerID),
	}
	lp.Context = ctx
	if limit > 0 {
		lp.Limit = stripe.Int64(int64(limit))
	}

	var invoices []Invoice
	iter := stripeinvoice.List(lp)
	for iter.Next() {
		invoices = append(invoices, *mapStripeInvoice(iter.Invoice()))
	}
	if err := iter.Err(); err != nil {
		return nil, wrapStripeErr(err, "list invoices")
	}

	return invoices, nil
}

// PayInvoice retries collection on an open invoice.
func (s *StripeProvider) PayInvoice(ctx context.Context, invoiceID string) (*Invoice, error) {
	pp := &stripe.InvoicePayParams{}
	pp.Context = ctx

	inv, err := stripeinvoice.Pay(invoiceID, pp)
	if err != nil {
		return nil, wrapStripeErr(err, "pay invoice")
	}

	return mapStripeInvoice(inv), nil
}

// PreviewProration previews the adjustment for a mid-cycle plan change
// using Stripe's preview invoice, which applies Stripe's own proration
// rules rather than recomputing them from raw totals.
func (s *StripeProvider) PreviewProration(ctx context.Context, params PreviewProrationParams) (*ProrationPreview, error) {
	// The preview needs the current subscription item id to swap its price.
	sp := &stripe.SubscriptionParams{}
	sp.Context = ctx
	sub, err := stripesubscription.Get(params.SubscriptionID, sp)
	if err != nil {
		if isResourceMissing(err) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, wrapStripeErr(err, "get subscription for proration preview")
	}
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return nil, fmt.Errorf("billing: subscription %s has no items", params.SubscriptionID)
	}
	itemID := sub.Items.Data[0].ID

	prev := &stripe.InvoiceCreatePreviewParams{
		Customer:     stripe.String(params.CustomerID),
		Subscription: stripe.String(params.SubscriptionID),
		SubscriptionDetails: &stripe.InvoiceCreatePreviewSubscriptionDetailsParams{
			Items: []*stripe.InvoiceCreatePreviewSubscriptionDetailsItemParams{
				{
					ID:    stripe.String(itemID),
					Price: stripe.String(params.NewPriceID),
				},
			},
			ProrationBehavior: stripe.String("create_prorations"),
		},
	}
	prev.Context = ctx
	if !params.ProrationDate.IsZero() {
		prev.SubscriptionDetails.ProrationDate = stripe.Int64(params.ProrationDate.Unix())
	}

	inv, err := stripeinvoice.CreatePreview(prev)
	if err != nil {
		return nil, wrapStripeErr(err, "preview proration")
	}

	preview := &ProrationPreview{
		AmountDueCents: inv.AmountDue,
		Currency:       string(inv.Currency),
	}
	if inv.Lines != nil {
		for _, line := range inv.Lines.Data {
			preview.Lines = append(preview.Lines, ProrationLine{
				Description: line.Description,
				AmountCents: line.Amount,
			})
		}
	}

	return preview, nil
}

// CreateRefund refunds a completed payment.
func (s *StripeProvider) CreateRefund(ctx context.Context, params RefundParams) (*Refund, error) {
	rp := &stripe.RefundParams{
		PaymentIntent: stripe.String(params.PaymentIntentID),
	}
	rp.Context = ctx
	if params.AmountCents > 0 {
		rp.Amount = stripe.Int64(params.AmountCents)
	}
	if params.Reason != "" {
		rp.Reason = stripe.String(params.Reason)
	}
	for k, v := range params.Metadata {
		rp.AddMetadata(k, v)
	}

	r, err := striperefund.New(rp)
	if err != nil {
		return nil, wrapStripeErr(err, "create refund")
	}

	refund := &Refund{
		ID:          r.ID,
		AmountCents: r.Amount,
		Currency:    string(r.Currency),
		Status:      string(r.Status),
		CreatedAt:   time.Unix(r.Created, 0),
	}
	if r.PaymentIntent != nil {
		refund.PaymentIntentID = r.PaymentIntent.ID
	}
	return refund, nil
}

// GetCharge retrieves a charge.
func (s *StripeProvider) GetCharge(ctx context.Context, chargeID string) (*Charge, error) {
	cp := &stripe.ChargeParams{}
	cp.Context = ctx

	ch, err := stripecharge.Get(chargeID, cp)
	if err != nil {
		if isResourceMissing(err) {
			return nil, fmt.Errorf("billing: charge not found: %s", chargeID)
		}
		return nil, wrapStripeErr(err, "get charge")
	}

	out := &Charge{
		ID:          ch.ID,
		AmountCents: ch.Amount,
		Currency:    string(ch.Currency),
		Refunded:    ch.Refunded,
		CreatedAt:   time.Unix(ch.Created, 0),
	}
	if ch.Customer != nil {
		out.CustomerID = ch.Customer.ID
	}
	if ch.PaymentIntent != nil {
		out.PaymentIntentID = ch.PaymentIntent.ID
	}
	return out, nil
}

// GetDispute retrieves a dispute.
func (s *StripeProvider) GetDispute(ctx context.Context, disputeID string) (*Dispute, error) {
	dp := &stripe.DisputeParams{}
	dp.Context = ctx

	d, err := stripedispute.Get(disputeID, dp)
	if err != nil {
		if isResourceMissing(err) {
			return nil, fmt.Errorf("billing: dispute not found: %s", disputeID)
		}
		return nil, wrapStripeErr(err, "get dispute")
	}

	return mapStripeDispute(d), nil
}

// SubmitDisputeEvidence attaches evidence text to an open dispute.
func (s *StripeProvider) SubmitDisputeEvidence(ctx context.Context, disputeID string, evidence DisputeEvidence) (*Dispute, error) {
	up := &stripe.DisputeParams{
		Evidence: &stripe.DisputeEvidenceParams{},
	}
	up.Context = ctx
	if evidence.ProductDescription != "" {
		up.Evidence.ProductDescription = stripe.String(evidence.ProductDescription)
	}
	if evidence.CustomerEmail != "" {
		up.Evidence.CustomerEmailAddress = stripe.String(evidence.CustomerEmail)
	}
	if evidence.UncategorizedText != "" {
		up.Evidence.UncategorizedText = stripe.String(evidence.UncategorizedText)
	}

	d, err := stripedispute.Update(disputeID, up)
	if err != nil {
		return nil, wrapStripeErr(err, "submit dispute evidence")
	}

	return mapStripeDispute(d), nil
}

// VerifyWebhookSignature verifies a Stripe webhook signature.
func (s *StripeProvider) VerifyWebhookSignature(payload []byte, signature string, secret string) error {
	if _, err := webhook.ConstructEvent(payload, signature, secret); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidWebhookSignature, err)
	}
	return nil
}

// =============================================================================
// Mapping helpers
// =============================================================================

func mapStripeCustomer(c *stripe.Customer) *Customer {
	return &Customer{
		ID:        c.ID,
		Email:     c.Email,
		Name:      c.Name,
		CreatedAt: time.Unix(c.Created, 0),
	}
}

func mapStripeSubscription(sub *stripe.Subscription) *Subscription {
	out := &Subscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		Metadata:          sub.Metadata,
		CreatedAt:         time.Unix(sub.Created, 0),
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.CanceledAt > 0 {
		t := time.Unix(sub.CanceledAt, 0)
		out.CanceledAt = &t
	}
	// Billing periods live on the subscription items in the current API.
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		if item.Price != nil {
			out.PriceID = item.Price.ID
		}
		if item.CurrentPeriodEnd > 0 {
			out.CurrentPeriodEnd = time.Unix(item.CurrentPeriodEnd, 0)
		}
	}
	return out
}

func mapStripePaymentMethod(pm *stripe.PaymentMethod) *PaymentMethod {
	out := &PaymentMethod{
		ID:        pm.ID,
		CreatedAt: time.Unix(pm.Created, 0),
	}
	if pm.Customer != nil {
		out.CustomerID = pm.Customer.ID
	}
	if pm.Card != nil {
		out.Brand = string(pm.Card.Brand)
		out.Last4 = pm.Card.Last4
	}
	return out
}

func mapStripeInvoice(inv *stripe.Invoice) *Invoice {
	out := &Invoice{
		ID:               inv.ID,
		Status:           string(inv.Status),
		AmountDueCents:   inv.AmountDue,
		AmountPaidCents:  inv.AmountPaid,
		Currency:         string(inv.Currency),
		Number:           inv.Number,
		Description:      inv.Description,
		HostedInvoiceURL: inv.HostedInvoiceURL,
		CreatedAt:        time.Unix(inv.Created, 0),
	}
	if inv.Customer != nil {
		out.CustomerID = inv.Customer.ID
	}
	if sub := invoiceSubscription(inv); sub != nil {
		out.SubscriptionID = sub.ID
	}
	return out
}

// invoiceSubscription extracts subscription info from an invoice's parent.
// Returns nil if the invoice is not for a subscription.
func invoiceSubscription(inv *stripe.Invoice) *stripe.Subscription {
	if inv.Parent == nil || inv.Parent.SubscriptionDetails == nil {
		return nil
	}
	return inv.Parent.SubscriptionDetails.Subscription
}

func mapStripeDispute(d *stripe.Dispute) *Dispute {
	out := &Dispute{
		ID:          d.ID,
		AmountCents: d.Amount,
		Currency:    string(d.Currency),
		Status:      string(d.Status),
		CreatedAt:   time.Unix(d.Created, 0),
	}
	if d.PaymentIntent != nil {
		out.PaymentIntentID = d.PaymentIntent.ID
	}
	if d.EvidenceDetails != nil && d.EvidenceDetails.DueBy > 0 {
		out.EvidenceDueBy = time.Unix(d.EvidenceDetails.DueBy, 0)
	}
	return out
}

func isResourceMissing(err error) bool {
	var sErr *stripe.Error
	if errors.As(err, &sErr) {
		return sErr.Code == stripe.ErrorCodeResourceMissing
	}
	return false
}
