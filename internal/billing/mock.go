package billing

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockProvider implements Provider for tests. Results and errors are
// configurable per method; calls are recorded for assertions.
// Safe for concurrent use (the identity race tests hammer CreateCustomer
// from many goroutines).
type MockProvider struct {
	mu sync.Mutex

	// CreateCustomer
	CreateCustomerFunc  func(params CreateCustomerParams) (*Customer, error)
	CreateCustomerCalls []CreateCustomerParams
	customerSeq         int

	// Customers keyed by id, returned from GetCustomer.
	Customers map[string]*Customer

	// Subscriptions keyed by id, returned from GetSubscription.
	Subscriptions map[string]*Subscription

	// PaymentMethods keyed by id, returned from GetPaymentMethod and
	// filtered by customer in ListPaymentMethods.
	PaymentMethods map[string]*PaymentMethod

	// Invoices keyed by customer id, returned from ListInvoices.
	Invoices map[string][]Invoice

	// PayInvoiceFunc overrides PayInvoice; default succeeds with status paid.
	PayInvoiceFunc  func(invoiceID string) (*Invoice, error)
	PayInvoiceCalls []string

	// ProrationPreview returned from PreviewProration.
	ProrationPreview *ProrationPreview

	// Refund returned from CreateRefund.
	RefundResult *Refund
	RefundCalls  []RefundParams

	// Charges keyed by id, returned from GetCharge.
	Charges map[string]*Charge

	// Disputes keyed by id.
	Disputes map[string]*Dispute

	// Err, when set, is returned from every call.
	Err error

	CancelCalls     []CancelSubscriptionParams
	AttachCalls     [][2]string // pm id, customer id
	DetachCalls     []string
	SetDefaultCalls [][2]string // customer id, pm id
	EvidenceCalls   []string
}

// Compile-time check.
var _ Provider = (*MockProvider)(nil)

// NewMockProvider creates an empty mock with initialized maps.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Customers:      make(map[string]*Customer),
		Subscriptions:  make(map[string]*Subscription),
		PaymentMethods: make(map[string]*PaymentMethod),
		Invoices:       make(map[string][]Invoice),
		Charges:        make(map[string]*Charge),
		Disputes:       make(map[string]*Dispute),
	}
}

func (m *MockProvider) CreateCustomer(ctx context.Context, params CreateCustomerParams) (*Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	m.CreateCustomerCalls = append(m.CreateCustomerCalls, params)
	if m.CreateCustomerFunc != nil {
		return m.CreateCustomerFunc(params)
	}
	m.customerSeq++
	c := &Customer{
		ID:        fmt.Sprintf("cus_mock%03d", m.customerSeq),
		Email:     params.Email,
		Name:      params.Name,
		CreatedAt: time.Now(),
	}
	m.Customers[c.ID] = c
	return c, nil
}

func (m *MockProvider) GetCustomer(ctx context.Context, customerID string) (*Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	c, ok := m.Customers[customerID]
	if !ok {
		return nil, ErrCustomerNotFound
	}
	return c, nil
}

func (m *MockProvider) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	sub, ok := m.Subscriptions[subscriptionID]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return sub, nil
}

func (m *MockProvider) ListSubscriptions(ctx context.Context, customerID string) ([]Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var out []Subscription
	for _, sub := range m.Subscriptions {
		if sub.CustomerID == customerID {
			out = append(out, *sub)
		}
	}
	return out, nil
}

func (m *MockProvider) CancelSubscription(ctx context.Context, params CancelSubscriptionParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.CancelCalls = append(m.CancelCalls, params)
	if sub, ok := m.Subscriptions[params.SubscriptionID]; ok {
		if params.CancelAtPeriodEnd {
			sub.CancelAtPeriodEnd = true
		} else {
			sub.Status = "canceled"
		}
	}
	return nil
}

func (m *MockProvider) GetPaymentMethod(ctx context.Context, paymentMethodID string) (*PaymentMethod, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	pm, ok := m.PaymentMethods[paymentMethodID]
	if !ok {
		return nil, ErrPaymentMethodNotFound
	}
	return pm, nil
}

func (m *MockProvider) ListPaymentMethods(ctx context.Context, customerID string) ([]PaymentMethod, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var out []PaymentMethod
	for _, pm := range m.PaymentMethods {
		if pm.CustomerID == customerID {
			out = append(out, *pm)
		}
	}
	return out, nil
}

func (m *MockProvider) AttachPaymentMethod(ctx context.Context, paymentMethodID, customerID string) (*PaymentMethod, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	m.AttachCalls = append(m.AttachCalls, [2]string{paymentMethodID, customerID})
	pm, ok := m.PaymentMethods[paymentMethodID]
	if !ok {
		pm = &PaymentMethod{ID: paymentMethodID, CreatedAt: time.Now()}
		m.PaymentMethods[paymentMethodID] = pm
	}
	pm.CustomerID = customerID
	return pm, nil
}

func (m *MockProvider) DetachPaymentMethod(ctx context.Context, paymentMethodID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.DetachCalls = append(m.DetachCalls, paymentMethodID)
	if pm, ok := m.PaymentMethods[paymentMethodID]; ok {
		pm.CustomerID = ""
	}
	return nil
}

func (m *MockProvider) SetDefaultPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.SetDefaultCalls = append(m.SetDefaultCalls, [2]string{customerID, paymentMethodID})
	return nil
}

func (m *MockProvider) ListInvoices(ctx context.Context, customerID string, limit int) ([]Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	invoices := m.Invoices[customerID]
	if limit > 0 && len(invoices) > limit {
		invoices = invoices[:limit]
	}
	return invoices, nil
}

func (m *MockProvider) PayInvoice(ctx context.Context, invoiceID string) (*Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	m.PayInvoiceCalls = append(m.PayInvoiceCalls, invoiceID)
	if m.PayInvoiceFunc != nil {
		return m.PayInvoiceFunc(invoiceID)
	}
	return &Invoice{ID: invoiceID, Status: "paid"}, nil
}

func (m *MockProvider) PreviewProration(ctx context.Context, params PreviewProrationParams) (*ProrationPreview, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	if m.ProrationPreview != nil {
		return m.ProrationPreview, nil
	}
	return &ProrationPreview{Currency: "usd"}, nil
}

func (m *MockProvider) CreateRefund(ctx context.Context, params RefundParams) (*Refund, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	m.RefundCalls = append(m.RefundCalls, params)
	if m.RefundResult != nil {
		return m.RefundResult, nil
	}
	return &Refund{
		ID:              "re_mock001",
		PaymentIntentID: params.PaymentIntentID,
		AmountCents:     params.AmountCents,
		Currency:        "usd",
		Status:          "succeeded",
		CreatedAt:       time.Now(),
	}, nil
}

func (m *MockProvider) GetCharge(ctx context.Context, chargeID string) (*Charge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	ch, ok := m.Charges[chargeID]
	if !ok {
		return nil, fmt.Errorf("billing: charge not found: %s", chargeID)
	}
	return ch, nil
}

func (m *MockProvider) GetDispute(ctx context.Context, disputeID string) (*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	d, ok := m.Disputes[disputeID]
	if !ok {
		return nil, fmt.Errorf("billing: dispute not found: %s", disputeID)
	}
	return d, nil
}

func (m *MockProvider) SubmitDisputeEvidence(ctx context.Context, disputeID string, evidence DisputeEvidence) (*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	m.EvidenceCalls = append(m.EvidenceCalls, disputeID)
	d, ok := m.Disputes[disputeID]
	if !ok {
		return nil, fmt.Errorf("billing: dispute not found: %s", disputeID)
	}
	d.Status = "under_review"
	return d, nil
}

func (m *MockProvider) VerifyWebhookSignature(payload []byte, signature string, secret string) error {
	if signature == "" {
		return ErrInvalidWebhookSignature
	}
	return nil
}
