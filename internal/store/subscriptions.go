package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wclausen/mimir/internal/domain"
)

// Free-plan rows hold NULL provider ids and no period end; the column list
// folds those to zero values so domain.Subscription needs no pointers.
const subscriptionColumns = `id, user_id, COALESCE(stripe_subscription_id, ''), COALESCE(stripe_customer_id, ''),
	status, price_id, cancel_at_period_end, COALESCE(current_period_end, to_timestamp(0)), created_at, updated_at`

func scanSubscription(row pgx.Row) (domain.Subscription, error) {
	var s domain.Subscription
	err := row.Scan(
		&s.ID, &s.UserID, &s.StripeSubscriptionID, &s.StripeCustomerID,
		&s.Status, &s.PriceID, &s.CancelAtPeriodEnd, &s.CurrentPeriodEnd,
		&s.CreatedAt, &s.UpdatedAt,
	)
	return s, err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullIfZeroTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// CreateSubscription inserts a subscription row. A partial unique index on
// user_id over live statuses makes a second live row fail with ErrDuplicate.
func (q *queries) CreateSubscription(ctx context.Context, params CreateSubscriptionParams) (domain.Subscription, error) {
	row := q.db.QueryRow(ctx, `
		INSERT INTO subscriptions (user_id, stripe_subscription_id, stripe_customer_id, status, price_id, current_period_end)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+subscriptionColumns,
		params.UserID,
		nullIfEmpty(params.StripeSubscriptionID),
		nullIfEmpty(params.StripeCustomerID),
		params.Status,
		params.PriceID,
		nullIfZeroTime(params.CurrentPeriodEnd),
	)
	s, err := scanSubscription(row)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Subscription{}, ErrDuplicate
		}
		return domain.Subscription{}, fmt.Errorf("failed to create subscription: %w", err)
	}
	return s, nil
}

func (q *queries) GetSubscriptionByID(ctx context.Context, id uuid.UUID) (domain.Subscription, error) {
	row := q.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)
	return subscriptionOrNotFound(row)
}

func (q *queries) GetSubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string) (domain.Subscription, error) {
	row := q.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE stripe_subscription_id = $1`,
		stripeSubscriptionID)
	return subscriptionOrNotFound(row)
}

// GetLiveSubscriptionForUser returns the user's single live subscription
// row, free or paid.
func (q *queries) GetLiveSubscriptionForUser(ctx context.Context, userID uuid.UUID) (domain.Subscription, error) {
	row := q.db.QueryRow(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE user_id = $1 AND status IN ('incomplete', 'active', 'past_due')`,
		userID)
	return subscriptionOrNotFound(row)
}

func subscriptionOrNotFound(row pgx.Row) (domain.Subscription, error) {
	s, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Subscription{}, ErrNotFound
		}
		return domain.Subscription{}, fmt.Errorf("failed to get subscription: %w", err)
	}
	return s, nil
}

func (q *queries) ListSubscriptionsForUser(ctx context.Context, userID uuid.UUID) ([]domain.Subscription, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE user_id = $1
		ORDER BY created_at DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return collectSubscriptions(rows)
}

func (q *queries) ListSubscriptionsByStatus(ctx context.Context, status domain.SubscriptionStatus) ([]domain.Subscription, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE status = $1
		ORDER BY updated_at`,
		status)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions by status: %w", err)
	}
	return collectSubscriptions(rows)
}

func collectSubscriptions(rows pgx.Rows) ([]domain.Subscription, error) {
	defer rows.Close()
	var subs []domain.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

func (q *queries) UpdateSubscriptionStatus(ctx context.Context, id uuid.UUID, status domain.SubscriptionStatus) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE subscriptions SET status = $2, updated_at = now() WHERE id = $1`,
		id, status)
	if err != nil {
		return fmt.Errorf("failed to update subscription status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *queries) UpdateSubscriptionPeriod(ctx context.Context, params UpdateSubscriptionPeriodParams) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE subscriptions
		SET price_id = $2, cancel_at_period_end = $3, current_period_end = $4, updated_at = now()
		WHERE id = $1`,
		params.ID, params.PriceID, params.CancelAtPeriodEnd, nullIfZeroTime(params.CurrentPeriodEnd))
	if err != nil {
		return fmt.Errorf("failed to update subscription period: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
