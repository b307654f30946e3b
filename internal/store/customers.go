package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wclausen/mimir/internal/domain"
)

const customerColumns = `id, user_id, stripe_customer_id, created_at, updated_at`

func scanCustomer(row pgx.Row) (domain.Customer, error) {
	var c domain.Customer
	err := row.Scan(&c.ID, &c.UserID, &c.StripeCustomerID, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

// CreateCustomer inserts the user -> provider customer mapping. Returns
// ErrDuplicate when the user already has a row; the loser of a concurrent
// first-time resolution re-reads instead of creating a second mapping.
func (q *queries) CreateCustomer(ctx context.Context, params CreateCustomerParams) (domain.Customer, error) {
	row := q.db.QueryRow(ctx, `
		INSERT INTO customers (user_id, stripe_customer_id)
		VALUES ($1, $2)
		RETURNING `+customerColumns,
		params.UserID, params.StripeCustomerID,
	)
	c, err := scanCustomer(row)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Customer{}, ErrDuplicate
		}
		return domain.Customer{}, fmt.Errorf("failed to create customer: %w", err)
	}
	return c, nil
}

func (q *queries) GetCustomerByUserID(ctx context.Context, userID uuid.UUID) (domain.Customer, error) {
	row := q.db.QueryRow(ctx,
		`SELECT `+customerColumns+` FROM customers WHERE user_id = $1`,
		userID,
	)
	c, err := scanCustomer(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Customer{}, ErrNotFound
		}
		return domain.Customer{}, fmt.Errorf("failed to get customer: %w", err)
	}
	return c, nil
}

func (q *queries) GetCustomerByStripeID(ctx context.Context, stripeCustomerID string) (domain.Customer, error) {
	row := q.db.QueryRow(ctx,
		`SELECT `+customerColumns+` FROM customers WHERE stripe_customer_id = $1`,
		stripeCustomerID,
	)
	c, err := scanCustomer(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Customer{}, ErrNotFound
		}
		return domain.Customer{}, fmt.Errorf("failed to get customer: %w", err)
	}
	return c, nil
}

// ListCustomersWithoutLiveSubscription finds users with a provider mapping
// but no live subscription row. Used by recovery analysis.
func (q *queries) ListCustomersWithoutLiveSubscription(ctx context.Context) ([]domain.Customer, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+customerColumns+`
		FROM customers c
		WHERE NOT EXISTS (
			SELECT 1 FROM subscriptions s
			WHERE s.user_id = c.user_id
			AND s.status IN ('incomplete', 'active', 'past_due')
		)
		ORDER BY c.created_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list customers without subscription: %w", err)
	}
	defer rows.Close()

	var customers []domain.Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan customer: %w", err)
		}
		customers = append(customers, c)
	}
	return customers, rows.Err()
}
