package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wclausen/mimir/internal/domain"
)

// Fake is an in-memory Store for tests. It enforces the same uniqueness
// rules as the schema (one customer per user, one live subscription per
// user, webhook event id dedupe, one edge case per kind+trigger) so
// service tests exercise the real conflict paths.
//
// Transactions are serialized with a mutex and are not rolled back on
// error; tests that need rollback semantics run against Postgres.
type Fake struct {
	mu sync.Mutex

	customers      map[uuid.UUID]domain.Customer // keyed by user id
	subscriptions  map[uuid.UUID]*domain.Subscription
	webhookEvents  map[string]*domain.WebhookEvent
	paymentMethods map[string]*domain.PaymentMethod
	billingRecords []domain.BillingRecord
	edgeCases      map[uuid.UUID]*domain.EdgeCaseEvent

	// CreateCustomerErr, when set, fails the next CreateCustomer call.
	CreateCustomerErr error
}

var _ Store = (*Fake)(nil)

// NewFake returns an empty in-memory store.
func NewFake() *Fake {
	return &Fake{
		customers:      make(map[uuid.UUID]domain.Customer),
		subscriptions:  make(map[uuid.UUID]*domain.Subscription),
		webhookEvents:  make(map[string]*domain.WebhookEvent),
		paymentMethods: make(map[string]*domain.PaymentMethod),
		edgeCases:      make(map[uuid.UUID]*domain.EdgeCaseEvent),
	}
}

func (f *Fake) Ping(ctx context.Context) error { return nil }
func (f *Fake) Close()                         {}

func (f *Fake) WithTx(ctx context.Context, fn func(Queries) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fn(fakeQueries{f})
}

func (f *Fake) WithUserLock(ctx context.Context, userID uuid.UUID, fn func(Queries) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.customers[userID]; !ok {
		return ErrNotFound
	}
	return fn(fakeQueries{f})
}

// fakeQueries is the view handed to WithTx/WithUserLock callbacks: the
// lock is already held, so it calls the unlocked internals.
type fakeQueries struct{ f *Fake }

// Customers

func (f *Fake) CreateCustomer(ctx context.Context, params CreateCustomerParams) (domain.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCustomer(params)
}

func (f *Fake) createCustomer(params CreateCustomerParams) (domain.Customer, error) {
	if f.CreateCustomerErr != nil {
		err := f.CreateCustomerErr
		f.CreateCustomerErr = nil
		return domain.Customer{}, err
	}
	if _, ok := f.customers[params.UserID]; ok {
		return domain.Customer{}, ErrDuplicate
	}
	for _, c := range f.customers {
		if c.StripeCustomerID == params.StripeCustomerID {
			return domain.Customer{}, ErrDuplicate
		}
	}
	now := time.Now()
	c := domain.Customer{
		ID:               uuid.New(),
		UserID:           params.UserID,
		StripeCustomerID: params.StripeCustomerID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	f.customers[params.UserID] = c
	return c, nil
}

func (f *Fake) GetCustomerByUserID(ctx context.Context, userID uuid.UUID) (domain.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getCustomerByUserID(userID)
}

func (f *Fake) getCustomerByUserID(userID uuid.UUID) (domain.Customer, error) {
	c, ok := f.customers[userID]
	if !ok {
		return domain.Customer{}, ErrNotFound
	}
	return c, nil
}

func (f *Fake) GetCustomerByStripeID(ctx context.Context, stripeCustomerID string) (domain.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getCustomerByStripeID(stripeCustomerID)
}

func (f *Fake) getCustomerByStripeID(stripeCustomerID string) (domain.Customer, error) {
	for _, c := range f.customers {
		if c.StripeCustomerID == stripeCustomerID {
			return c, nil
		}
	}
	return domain.Customer{}, ErrNotFound
}

func (f *Fake) ListCustomersWithoutLiveSubscription(ctx context.Context) ([]domain.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCustomersWithoutLiveSubscription()
}

func (f *Fake) listCustomersWithoutLiveSubscription() ([]domain.Customer, error) {
	var out []domain.Customer
	for _, c := range f.customers {
		if _, err := f.getLiveSubscriptionForUser(c.UserID); err == ErrNotFound {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Subscriptions

func (f *Fake) CreateSubscription(ctx context.Context, params CreateSubscriptionParams) (domain.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createSubscription(params)
}

func (f *Fake) createSubscription(params CreateSubscriptionParams) (domain.Subscription, error) {
	if params.Status.IsLive() {
		for _, s := range f.subscriptions {
			if s.UserID == params.UserID && s.Status.IsLive() {
				return domain.Subscription{}, ErrDuplicate
			}
		}
	}
	if params.StripeSubscriptionID != "" {
		for _, s := range f.subscriptions {
			if s.StripeSubscriptionID == params.StripeSubscriptionID {
				return domain.Subscription{}, ErrDuplicate
			}
		}
	}
	now := time.Now()
	sub := domain.Subscription{
		ID:                   uuid.New(),
		UserID:               params.UserID,
		StripeSubscriptionID: params.StripeSubscriptionID,
		StripeCustomerID:     params.StripeCustomerID,
		Status:               params.Status,
		PriceID:              params.PriceID,
		CurrentPeriodEnd:     params.CurrentPeriodEnd,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	f.subscriptions[sub.ID] = &sub
	return sub, nil
}

func (f *Fake) GetSubscriptionByID(ctx context.Context, id uuid.UUID) (domain.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getSubscriptionByID(id)
}

func (f *Fake) getSubscriptionByID(id uuid.UUID) (domain.Subscription, error) {
	s, ok := f.subscriptions[id]
	if !ok {
		return domain.Subscription{}, ErrNotFound
	}
	return *s, nil
}

func (f *Fake) GetSubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string) (domain.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getSubscriptionByStripeID(stripeSubscriptionID)
}

func (f *Fake) getSubscriptionByStripeID(stripeSubscriptionID string) (domain.Subscription, error) {
	for _, s := range f.subscriptions {
		if s.StripeSubscriptionID == stripeSubscriptionID {
			return *s, nil
		}
	}
	return domain.Subscription{}, ErrNotFound
}

func (f *Fake) GetLiveSubscriptionForUser(ctx context.Context, userID uuid.UUID) (domain.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getLiveSubscriptionForUser(userID)
}

func (f *Fake) getLiveSubscriptionForUser(userID uuid.UUID) (domain.Subscription, error) {
	for _, s := range f.subscriptions {
		if s.UserID == userID && s.Status.IsLive() {
			return *s, nil
		}
	}
	return domain.Subscription{}, ErrNotFound
}

func (f *Fake) ListSubscriptionsForUser(ctx context.Context, userID uuid.UUID) ([]domain.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listSubscriptionsForUser(userID)
}

func (f *Fake) listSubscriptionsForUser(userID uuid.UUID) ([]domain.Subscription, error) {
	var out []domain.Subscription
	for _, s := range f.subscriptions {
		if s.UserID == userID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (f *Fake) ListSubscriptionsByStatus(ctx context.Context, status domain.SubscriptionStatus) ([]domain.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listSubscriptionsByStatus(status)
}

func (f *Fake) listSubscriptionsByStatus(status domain.SubscriptionStatus) ([]domain.Subscription, error) {
	var out []domain.Subscription
	for _, s := range f.subscriptions {
		if s.Status == status {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (f *Fake) UpdateSubscriptionStatus(ctx context.Context, id uuid.UUID, status domain.SubscriptionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updateSubscriptionStatus(id, status)
}

func (f *Fake) updateSubscriptionStatus(id uuid.UUID, status domain.SubscriptionStatus) error {
	s, ok := f.subscriptions[id]
	if !ok {
		return ErrNotFound
	}
	s.Status = status
	s.UpdatedAt = time.Now()
	return nil
}

func (f *Fake) UpdateSubscriptionPeriod(ctx context.Context, params UpdateSubscriptionPeriodParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updateSubscriptionPeriod(params)
}

func (f *Fake) updateSubscriptionPeriod(params UpdateSubscriptionPeriodParams) error {
	s, ok := f.subscriptions[params.ID]
	if !ok {
		return ErrNotFound
	}
	s.PriceID = params.PriceID
	s.CancelAtPeriodEnd = params.CancelAtPeriodEnd
	s.CurrentPeriodEnd = params.CurrentPeriodEnd
	s.UpdatedAt = time.Now()
	return nil
}

// Webhook events

func (f *Fake) InsertWebhookEvent(ctx context.Context, params InsertWebhookEventParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.insertWebhookEvent(params)
}

func (f *Fake) insertWebhookEvent(params InsertWebhookEventParams) error {
	if _, ok := f.webhookEvents[params.EventID]; ok {
		return ErrDuplicate
	}
	f.webhookEvents[params.EventID] = &domain.WebhookEvent{
		EventID:    params.EventID,
		EventType:  params.EventType,
		Payload:    params.Payload,
		ReceivedAt: time.Now(),
		Outcome:    domain.WebhookPending,
	}
	return nil
}

func (f *Fake) GetWebhookEvent(ctx context.Context, eventID string) (domain.WebhookEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getWebhookEvent(eventID)
}

func (f *Fake) getWebhookEvent(eventID string) (domain.WebhookEvent, error) {
	e, ok := f.webhookEvents[eventID]
	if !ok {
		return domain.WebhookEvent{}, ErrNotFound
	}
	return *e, nil
}

func (f *Fake) MarkWebhookEventApplied(ctx context.Context, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.markWebhookEventApplied(eventID)
}

func (f *Fake) markWebhookEventApplied(eventID string) error {
	e, ok := f.webhookEvents[eventID]
	if !ok {
		return nil
	}
	now := time.Now()
	e.Outcome = domain.WebhookApplied
	e.ProcessedAt = &now
	e.NextAttemptAt = nil
	e.LastError = ""
	return nil
}

func (f *Fake) MarkWebhookEventRetrying(ctx context.Context, eventID string, attempts int, nextAttemptAt time.Time, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.markWebhookEventRetrying(eventID, attempts, nextAttemptAt, lastError)
}

func (f *Fake) markWebhookEventRetrying(eventID string, attempts int, nextAttemptAt time.Time, lastError string) error {
	e, ok := f.webhookEvents[eventID]
	if !ok {
		return nil
	}
	e.Outcome = domain.WebhookRetrying
	e.Attempts = attempts
	e.NextAttemptAt = &nextAttemptAt
	e.LastError = lastError
	return nil
}

func (f *Fake) MarkWebhookEventDeadLettered(ctx context.Context, eventID string, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.markWebhookEventDeadLettered(eventID, lastError)
}

func (f *Fake) markWebhookEventDeadLettered(eventID string, lastError string) error {
	e, ok := f.webhookEvents[eventID]
	if !ok {
		return nil
	}
	now := time.Now()
	e.Outcome = domain.WebhookDeadLettered
	e.ProcessedAt = &now
	e.NextAttemptAt = nil
	e.LastError = lastError
	return nil
}

func (f *Fake) ClaimRetryableWebhookEvents(ctx context.Context, now time.Time, limit int) ([]domain.WebhookEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.claimRetryableWebhookEvents(now, limit)
}

func (f *Fake) claimRetryableWebhookEvents(now time.Time, limit int) ([]domain.WebhookEvent, error) {
	pendingCutoff := now.Add(-PendingGrace)
	var due []*domain.WebhookEvent
	for _, e := range f.webhookEvents {
		switch {
		case e.Outcome == domain.WebhookRetrying && e.NextAttemptAt != nil && !e.NextAttemptAt.After(now):
			due = append(due, e)
		case e.Outcome == domain.WebhookPending && !e.ReceivedAt.After(pendingCutoff):
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return claimSortTime(due[i]).Before(claimSortTime(due[j])) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]domain.WebhookEvent, 0, len(due))
	for _, e := range due {
		lease := now.Add(ClaimLease)
		e.Outcome = domain.WebhookRetrying
		e.NextAttemptAt = &lease
		out = append(out, *e)
	}
	return out, nil
}

func claimSortTime(e *domain.WebhookEvent) time.Time {
	if e.NextAttemptAt != nil {
		return *e.NextAttemptAt
	}
	return e.ReceivedAt
}

func (f *Fake) ListDeadLetteredEvents(ctx context.Context, limit int) ([]domain.WebhookEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listDeadLetteredEvents(limit)
}

func (f *Fake) listDeadLetteredEvents(limit int) ([]domain.WebhookEvent, error) {
	var out []domain.WebhookEvent
	for _, e := range f.webhookEvents {
		if e.Outcome == domain.WebhookDeadLettered {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.After(out[j].ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *Fake) RequeueWebhookEvent(ctx context.Context, eventID string, nextAttemptAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requeueWebhookEvent(eventID, nextAttemptAt)
}

func (f *Fake) requeueWebhookEvent(eventID string, nextAttemptAt time.Time) error {
	e, ok := f.webhookEvents[eventID]
	if !ok || e.Outcome != domain.WebhookDeadLettered {
		return ErrNotFound
	}
	e.Outcome = domain.WebhookRetrying
	e.Attempts = 0
	e.ProcessedAt = nil
	e.NextAttemptAt = &nextAttemptAt
	e.LastError = ""
	return nil
}

func (f *Fake) CountWebhookEventsByOutcome(ctx context.Context, outcome domain.WebhookOutcome) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.countWebhookEventsByOutcome(outcome)
}

func (f *Fake) countWebhookEventsByOutcome(outcome domain.WebhookOutcome) (int64, error) {
	var n int64
	for _, e := range f.webhookEvents {
		if e.Outcome == outcome {
			n++
		}
	}
	return n, nil
}

// Payment methods

func (f *Fake) UpsertPaymentMethod(ctx context.Context, params UpsertPaymentMethodParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.upsertPaymentMethod(params)
}

func (f *Fake) upsertPaymentMethod(params UpsertPaymentMethodParams) error {
	now := time.Now()
	pm, ok := f.paymentMethods[params.StripePaymentMethodID]
	if !ok {
		pm = &domain.PaymentMethod{StripePaymentMethodID: params.StripePaymentMethodID, CreatedAt: now}
		f.paymentMethods[params.StripePaymentMethodID] = pm
	}
	pm.StripeCustomerID = params.StripeCustomerID
	pm.IsDefault = params.IsDefault
	pm.Brand = params.Brand
	pm.Last4 = params.Last4
	pm.Status = params.Status
	pm.UpdatedAt = now
	return nil
}

func (f *Fake) ListPaymentMethodsForCustomer(ctx context.Context, stripeCustomerID string) ([]domain.PaymentMethod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listPaymentMethodsForCustomer(stripeCustomerID)
}

func (f *Fake) listPaymentMethodsForCustomer(stripeCustomerID string) ([]domain.PaymentMethod, error) {
	var out []domain.PaymentMethod
	for _, pm := range f.paymentMethods {
		if pm.StripeCustomerID == stripeCustomerID {
			out = append(out, *pm)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsDefault != out[j].IsDefault {
			return out[i].IsDefault
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (f *Fake) UpdatePaymentMethodStatus(ctx context.Context, stripePaymentMethodID string, status domain.PaymentMethodStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updatePaymentMethodStatus(stripePaymentMethodID, status)
}

func (f *Fake) updatePaymentMethodStatus(stripePaymentMethodID string, status domain.PaymentMethodStatus) error {
	pm, ok := f.paymentMethods[stripePaymentMethodID]
	if !ok {
		return ErrNotFound
	}
	pm.Status = status
	pm.UpdatedAt = time.Now()
	return nil
}

func (f *Fake) SetDefaultPaymentMethod(ctx context.Context, stripeCustomerID, stripePaymentMethodID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.setDefaultPaymentMethod(stripeCustomerID, stripePaymentMethodID)
}

func (f *Fake) setDefaultPaymentMethod(stripeCustomerID, stripePaymentMethodID string) error {
	target, ok := f.paymentMethods[stripePaymentMethodID]
	if !ok || target.StripeCustomerID != stripeCustomerID {
		return ErrNotFound
	}
	for _, pm := range f.paymentMethods {
		if pm.StripeCustomerID == stripeCustomerID {
			pm.IsDefault = false
		}
	}
	target.IsDefault = true
	return nil
}

// Billing records

func (f *Fake) InsertBillingRecord(ctx context.Context, params InsertBillingRecordParams) (domain.BillingRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.insertBillingRecord(params)
}

func (f *Fake) insertBillingRecord(params InsertBillingRecordParams) (domain.BillingRecord, error) {
	r := domain.BillingRecord{
		ID:          uuid.New(),
		UserID:      params.UserID,
		Source:      params.Source,
		AmountCents: params.AmountCents,
		Currency:    params.Currency,
		Status:      params.Status,
		Description: params.Description,
		OccurredAt:  params.OccurredAt,
	}
	f.billingRecords = append(f.billingRecords, r)
	return r, nil
}

func (f *Fake) ListBillingRecordsForUser(ctx context.Context, userID uuid.UUID, limit int) ([]domain.BillingRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listBillingRecordsForUser(userID, limit)
}

func (f *Fake) listBillingRecordsForUser(userID uuid.UUID, limit int) ([]domain.BillingRecord, error) {
	var out []domain.BillingRecord
	for _, r := range f.billingRecords {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.After(out[j].OccurredAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Edge cases

func (f *Fake) CreateEdgeCaseEvent(ctx context.Context, params CreateEdgeCaseParams) (domain.EdgeCaseEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createEdgeCaseEvent(params)
}

func (f *Fake) createEdgeCaseEvent(params CreateEdgeCaseParams) (domain.EdgeCaseEvent, error) {
	for _, e := range f.edgeCases {
		if e.Kind == params.Kind && e.TriggerEventID == params.TriggerEventID {
			return domain.EdgeCaseEvent{}, ErrDuplicate
		}
	}
	e := domain.EdgeCaseEvent{
		ID:             uuid.New(),
		Kind:           params.Kind,
		SubscriptionID: params.SubscriptionID,
		State:          params.State,
		TriggerEventID: params.TriggerEventID,
		ProviderRef:    params.ProviderRef,
		NextRetryAt:    params.NextRetryAt,
		CreatedAt:      time.Now(),
	}
	f.edgeCases[e.ID] = &e
	return e, nil
}

func (f *Fake) GetEdgeCaseByID(ctx context.Context, id uuid.UUID) (domain.EdgeCaseEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getEdgeCaseByID(id)
}

func (f *Fake) getEdgeCaseByID(id uuid.UUID) (domain.EdgeCaseEvent, error) {
	e, ok := f.edgeCases[id]
	if !ok {
		return domain.EdgeCaseEvent{}, ErrNotFound
	}
	return *e, nil
}

func (f *Fake) GetOpenEdgeCase(ctx context.Context, kind domain.EdgeCaseKind, subscriptionID uuid.UUID) (domain.EdgeCaseEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getOpenEdgeCase(kind, subscriptionID)
}

func (f *Fake) getOpenEdgeCase(kind domain.EdgeCaseKind, subscriptionID uuid.UUID) (domain.EdgeCaseEvent, error) {
	var found *domain.EdgeCaseEvent
	for _, e := range f.edgeCases {
		if e.Kind == kind && e.SubscriptionID == subscriptionID && e.ResolvedAt == nil {
			if found == nil || e.CreatedAt.After(found.CreatedAt) {
				found = e
			}
		}
	}
	if found == nil {
		return domain.EdgeCaseEvent{}, ErrNotFound
	}
	return *found, nil
}

func (f *Fake) UpdateEdgeCaseRetry(ctx context.Context, id uuid.UUID, attempts int, nextRetryAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updateEdgeCaseRetry(id, attempts, nextRetryAt)
}

func (f *Fake) updateEdgeCaseRetry(id uuid.UUID, attempts int, nextRetryAt time.Time) error {
	e, ok := f.edgeCases[id]
	if !ok || e.ResolvedAt != nil {
		return ErrNotFound
	}
	e.Attempts = attempts
	e.NextRetryAt = &nextRetryAt
	return nil
}

func (f *Fake) UpdateEdgeCaseState(ctx context.Context, id uuid.UUID, state string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updateEdgeCaseState(id, state)
}

func (f *Fake) updateEdgeCaseState(id uuid.UUID, state string) error {
	e, ok := f.edgeCases[id]
	if !ok || e.ResolvedAt != nil {
		return ErrNotFound
	}
	e.State = state
	return nil
}

func (f *Fake) ResolveEdgeCase(ctx context.Context, id uuid.UUID, resolution string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolveEdgeCase(id, resolution)
}

func (f *Fake) resolveEdgeCase(id uuid.UUID, resolution string) error {
	e, ok := f.edgeCases[id]
	if !ok || e.ResolvedAt != nil {
		return ErrNotFound
	}
	now := time.Now()
	e.State = domain.EdgeStateClosed
	e.Resolution = resolution
	e.ResolvedAt = &now
	e.NextRetryAt = nil
	return nil
}

func (f *Fake) ClaimDueEdgeCases(ctx context.Context, now time.Time, limit int) ([]domain.EdgeCaseEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.claimDueEdgeCases(now, limit)
}

func (f *Fake) claimDueEdgeCases(now time.Time, limit int) ([]domain.EdgeCaseEvent, error) {
	var due []*domain.EdgeCaseEvent
	for _, e := range f.edgeCases {
		if e.ResolvedAt == nil && e.NextRetryAt != nil && !e.NextRetryAt.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRetryAt.Before(*due[j].NextRetryAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]domain.EdgeCaseEvent, 0, len(due))
	for _, e := range due {
		lease := now.Add(ClaimLease)
		e.NextRetryAt = &lease
		out = append(out, *e)
	}
	return out, nil
}

func (f *Fake) ListOpenEdgeCases(ctx context.Context) ([]domain.EdgeCaseEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listOpenEdgeCases()
}

func (f *Fake) listOpenEdgeCases() ([]domain.EdgeCaseEvent, error) {
	var out []domain.EdgeCaseEvent
	for _, e := range f.edgeCases {
		if e.ResolvedAt == nil {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// fakeQueries delegates to the unlocked internals; the caller holds f.mu.

func (q fakeQueries) CreateCustomer(ctx context.Context, params CreateCustomerParams) (domain.Customer, error) {
	return q.f.createCustomer(params)
}
func (q fakeQueries) GetCustomerByUserID(ctx context.Context, userID uuid.UUID) (domain.Customer, error) {
	return q.f.getCustomerByUserID(userID)
}
func (q fakeQueries) GetCustomerByStripeID(ctx context.Context, stripeCustomerID string) (domain.Customer, error) {
	return q.f.getCustomerByStripeID(stripeCustomerID)
}
func (q fakeQueries) ListCustomersWithoutLiveSubscription(ctx context.Context) ([]domain.Customer, error) {
	return q.f.listCustomersWithoutLiveSubscription()
}
func (q fakeQueries) CreateSubscription(ctx context.Context, params CreateSubscriptionParams) (domain.Subscription, error) {
	return q.f.createSubscription(params)
}
func (q fakeQueries) GetSubscriptionByID(ctx context.Context, id uuid.UUID) (domain.Subscription, error) {
	return q.f.getSubscriptionByID(id)
}
func (q fakeQueries) GetSubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string) (domain.Subscription, error) {
	return q.f.getSubscriptionByStripeID(stripeSubscriptionID)
}
func (q fakeQueries) GetLiveSubscriptionForUser(ctx context.Context, userID uuid.UUID) (domain.Subscription, error) {
	return q.f.getLiveSubscriptionForUser(userID)
}
func (q fakeQueries) ListSubscriptionsForUser(ctx context.Context, userID uuid.UUID) ([]domain.Subscription, error) {
	return q.f.listSubscriptionsForUser(userID)
}
func (q fakeQueries) ListSubscriptionsByStatus(ctx context.Context, status domain.SubscriptionStatus) ([]domain.Subscription, error) {
	return q.f.listSubscriptionsByStatus(status)
}
func (q fakeQueries) UpdateSubscriptionStatus(ctx context.Context, id uuid.UUID, status domain.SubscriptionStatus) error {
	return q.f.updateSubscriptionStatus(id, status)
}
func (q fakeQueries) UpdateSubscriptionPeriod(ctx context.Context, params UpdateSubscriptionPeriodParams) error {
	return q.f.updateSubscriptionPeriod(params)
}
func (q fakeQueries) InsertWebhookEvent(ctx context.Context, params InsertWebhookEventParams) error {
	return q.f.insertWebhookEvent(params)
}
func (q fakeQueries) GetWebhookEvent(ctx context.Context, eventID string) (domain.WebhookEvent, error) {
	return q.f.getWebhookEvent(eventID)
}
func (q fakeQueries) MarkWebhookEventApplied(ctx context.Context, eventID string) error {
	return q.f.markWebhookEventApplied(eventID)
}
func (q fakeQueries) MarkWebhookEventRetrying(ctx context.Context, eventID string, attempts int, nextAttemptAt time.Time, lastError string) error {
	return q.f.markWebhookEventRetrying(eventID, attempts, nextAttemptAt, lastError)
}
func (q fakeQueries) MarkWebhookEventDeadLettered(ctx context.Context, eventID string, lastError string) error {
	return q.f.markWebhookEventDeadLettered(eventID, lastError)
}
func (q fakeQueries) ClaimRetryableWebhookEvents(ctx context.Context, now time.Time, limit int) ([]domain.WebhookEvent, error) {
	return q.f.claimRetryableWebhookEvents(now, limit)
}
func (q fakeQueries) ListDeadLetteredEvents(ctx context.Context, limit int) ([]domain.WebhookEvent, error) {
	return q.f.listDeadLetteredEvents(limit)
}
func (q fakeQueries) RequeueWebhookEvent(ctx context.Context, eventID string, nextAttemptAt time.Time) error {
	return q.f.requeueWebhookEvent(eventID, nextAttemptAt)
}
func (q fakeQueries) CountWebhookEventsByOutcome(ctx context.Context, outcome domain.WebhookOutcome) (int64, error) {
	return q.f.countWebhookEventsByOutcome(outcome)
}
func (q fakeQueries) UpsertPaymentMethod(ctx context.Context, params UpsertPaymentMethodParams) error {
	return q.f.upsertPaymentMethod(params)
}
func (q fakeQueries) ListPaymentMethodsForCustomer(ctx context.Context, stripeCustomerID string) ([]domain.PaymentMethod, error) {
	return q.f.listPaymentMethodsForCustomer(stripeCustomerID)
}
func (q fakeQueries) UpdatePaymentMethodStatus(ctx context.Context, stripePaymentMethodID string, status domain.PaymentMethodStatus) error {
	return q.f.updatePaymentMethodStatus(stripePaymentMethodID, status)
}
func (q fakeQueries) SetDefaultPaymentMethod(ctx context.Context, stripeCustomerID, stripePaymentMethodID string) error {
	return q.f.setDefaultPaymentMethod(stripeCustomerID, stripePaymentMethodID)
}
func (q fakeQueries) InsertBillingRecord(ctx context.Context, params InsertBillingRecordParams) (domain.BillingRecord, error) {
	return q.f.insertBillingRecord(params)
}
func (q fakeQueries) ListBillingRecordsForUser(ctx context.Context, userID uuid.UUID, limit int) ([]domain.BillingRecord, error) {
	return q.f.listBillingRecordsForUser(userID, limit)
}
func (q fakeQueries) CreateEdgeCaseEvent(ctx context.Context, params CreateEdgeCaseParams) (domain.EdgeCaseEvent, error) {
	return q.f.createEdgeCaseEvent(params)
}
func (q fakeQueries) GetEdgeCaseByID(ctx context.Context, id uuid.UUID) (domain.EdgeCaseEvent, error) {
	return q.f.getEdgeCaseByID(id)
}
func (q fakeQueries) GetOpenEdgeCase(ctx context.Context, kind domain.EdgeCaseKind, subscriptionID uuid.UUID) (domain.EdgeCaseEvent, error) {
	return q.f.getOpenEdgeCase(kind, subscriptionID)
}
func (q fakeQueries) UpdateEdgeCaseRetry(ctx context.Context, id uuid.UUID, attempts int, nextRetryAt time.Time) error {
	return q.f.updateEdgeCaseRetry(id, attempts, nextRetryAt)
}
func (q fakeQueries) UpdateEdgeCaseState(ctx context.Context, id uuid.UUID, state string) error {
	return q.f.updateEdgeCaseState(id, state)
}
func (q fakeQueries) ResolveEdgeCase(ctx context.Context, id uuid.UUID, resolution string) error {
	return q.f.resolveEdgeCase(id, resolution)
}
func (q fakeQueries) ClaimDueEdgeCases(ctx context.Context, now time.Time, limit int) ([]domain.EdgeCaseEvent, error) {
	return q.f.claimDueEdgeCases(now, limit)
}
func (q fakeQueries) ListOpenEdgeCases(ctx context.Context) ([]domain.EdgeCaseEvent, error) {
	return q.f.listOpenEdgeCases()
}
