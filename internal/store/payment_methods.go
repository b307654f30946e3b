package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/wclausen/mimir/internal/domain"
)

const paymentMethodColumns = `stripe_payment_method_id, stripe_customer_id, is_default,
	brand, last4, status, created_at, updated_at`

func scanPaymentMethod(row pgx.Row) (domain.PaymentMethod, error) {
	var pm domain.PaymentMethod
	err := row.Scan(
		&pm.StripePaymentMethodID, &pm.StripeCustomerID, &pm.IsDefault,
		&pm.Brand, &pm.Last4, &pm.Status, &pm.CreatedAt, &pm.UpdatedAt,
	)
	return pm, err
}

// UpsertPaymentMethod keeps the local projection current after attach or
// provider sync. Display fields are overwritten; the provider stays the
// source of truth.
func (q *queries) UpsertPaymentMethod(ctx context.Context, params UpsertPaymentMethodParams) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO payment_methods (stripe_payment_method_id, stripe_customer_id, is_default, brand, last4, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (stripe_payment_method_id) DO UPDATE
		SET stripe_customer_id = EXCLUDED.stripe_customer_id,
			is_default = EXCLUDED.is_default,
			brand = EXCLUDED.brand,
			last4 = EXCLUDED.last4,
			status = EXCLUDED.status,
			updated_at = now()`,
		params.StripePaymentMethodID, params.StripeCustomerID, params.IsDefault,
		params.Brand, params.Last4, params.Status)
	if err != nil {
		return fmt.Errorf("failed to upsert payment method: %w", err)
	}
	return nil
}

func (q *queries) ListPaymentMethodsForCustomer(ctx context.Context, stripeCustomerID string) ([]domain.PaymentMethod, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+paymentMethodColumns+`
		FROM payment_methods
		WHERE stripe_customer_id = $1
		ORDER BY is_default DESC, created_at DESC`,
		stripeCustomerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payment methods: %w", err)
	}
	defer rows.Close()

	var methods []domain.PaymentMethod
	for rows.Next() {
		pm, err := scanPaymentMethod(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment method: %w", err)
		}
		methods = append(methods, pm)
	}
	return methods, rows.Err()
}

func (q *queries) UpdatePaymentMethodStatus(ctx context.Context, stripePaymentMethodID string, status domain.PaymentMethodStatus) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE payment_methods SET status = $2, updated_at = now()
		WHERE stripe_payment_method_id = $1`,
		stripePaymentMethodID, status)
	if err != nil {
		return fmt.Errorf("failed to update payment method status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetDefaultPaymentMethod flips the default flag to one instrument,
// clearing it on the customer's others in the same statement set.
func (q *queries) SetDefaultPaymentMethod(ctx context.Context, stripeCustomerID, stripePaymentMethodID string) error {
	_, err := q.db.Exec(ctx, `
		UPDATE payment_methods SET is_default = false, updated_at = now()
		WHERE stripe_customer_id = $1 AND is_default`,
		stripeCustomerID)
	if err != nil {
		return fmt.Errorf("failed to clear default payment methods: %w", err)
	}

	tag, err := q.db.Exec(ctx, `
		UPDATE payment_methods SET is_default = true, updated_at = now()
		WHERE stripe_customer_id = $1 AND stripe_payment_method_id = $2`,
		stripeCustomerID, stripePaymentMethodID)
	if err != nil {
		return fmt.Errorf("failed to set default payment method: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
