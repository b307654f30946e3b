package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wclausen/mimir/internal/domain"
)

const billingRecordColumns = `id, user_id, source, amount_cents, currency, status, description, occurred_at`

func scanBillingRecord(row pgx.Row) (domain.BillingRecord, error) {
	var r domain.BillingRecord
	err := row.Scan(
		&r.ID, &r.UserID, &r.Source, &r.AmountCents, &r.Currency,
		&r.Status, &r.Description, &r.OccurredAt,
	)
	return r, err
}

// InsertBillingRecord writes an internal billing record (refund, proration
// adjustment, dunning outcome). Provider invoices are never stored here;
// the history projector reads those live.
func (q *queries) InsertBillingRecord(ctx context.Context, params InsertBillingRecordParams) (domain.BillingRecord, error) {
	row := q.db.QueryRow(ctx, `
		INSERT INTO billing_records (user_id, source, amount_cents, currency, status, description, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+billingRecordColumns,
		params.UserID, params.Source, params.AmountCents, params.Currency,
		params.Status, params.Description, params.OccurredAt)
	r, err := scanBillingRecord(row)
	if err != nil {
		return domain.BillingRecord{}, fmt.Errorf("failed to insert billing record: %w", err)
	}
	return r, nil
}

func (q *queries) ListBillingRecordsForUser(ctx context.Context, userID uuid.UUID, limit int) ([]domain.BillingRecord, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+billingRecordColumns+`
		FROM billing_records
		WHERE user_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list billing records: %w", err)
	}
	defer rows.Close()

	var records []domain.BillingRecord
	for rows.Next() {
		r, err := scanBillingRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan billing record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
