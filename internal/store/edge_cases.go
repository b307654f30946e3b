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

const edgeCaseColumns = `id, kind, subscription_id, state, trigger_event_id, COALESCE(provider_ref, ''),
	attempts, next_retry_at, created_at, resolved_at, COALESCE(resolution, '')`

func scanEdgeCase(row pgx.Row) (domain.EdgeCaseEvent, error) {
	var e domain.EdgeCaseEvent
	err := row.Scan(
		&e.ID, &e.Kind, &e.SubscriptionID, &e.State, &e.TriggerEventID, &e.ProviderRef,
		&e.Attempts, &e.NextRetryAt, &e.CreatedAt, &e.ResolvedAt, &e.Resolution,
	)
	return e, err
}

// CreateEdgeCaseEvent opens a case. The unique constraint on
// (kind, trigger_event_id) makes redelivered webhooks a no-op:
// ErrDuplicate means the case already exists.
func (q *queries) CreateEdgeCaseEvent(ctx context.Context, params CreateEdgeCaseParams) (domain.EdgeCaseEvent, error) {
	row := q.db.QueryRow(ctx, `
		INSERT INTO edge_case_events (kind, subscription_id, state, trigger_event_id, provider_ref, next_retry_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+edgeCaseColumns,
		params.Kind, params.SubscriptionID, params.State, params.TriggerEventID,
		nullIfEmpty(params.ProviderRef), params.NextRetryAt)
	e, err := scanEdgeCase(row)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.EdgeCaseEvent{}, ErrDuplicate
		}
		return domain.EdgeCaseEvent{}, fmt.Errorf("failed to create edge case: %w", err)
	}
	return e, nil
}

func (q *queries) GetEdgeCaseByID(ctx context.Context, id uuid.UUID) (domain.EdgeCaseEvent, error) {
	row := q.db.QueryRow(ctx,
		`SELECT `+edgeCaseColumns+` FROM edge_case_events WHERE id = $1`, id)
	return edgeCaseOrNotFound(row)
}

// GetOpenEdgeCase finds the unresolved case of a kind for a subscription.
func (q *queries) GetOpenEdgeCase(ctx context.Context, kind domain.EdgeCaseKind, subscriptionID uuid.UUID) (domain.EdgeCaseEvent, error) {
	row := q.db.QueryRow(ctx, `
		SELECT `+edgeCaseColumns+`
		FROM edge_case_events
		WHERE kind = $1 AND subscription_id = $2 AND resolved_at IS NULL
		ORDER BY created_at DESC
		LIMIT 1`,
		kind, subscriptionID)
	return edgeCaseOrNotFound(row)
}

func edgeCaseOrNotFound(row pgx.Row) (domain.EdgeCaseEvent, error) {
	e, err := scanEdgeCase(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.EdgeCaseEvent{}, ErrNotFound
		}
		return domain.EdgeCaseEvent{}, fmt.Errorf("failed to get edge case: %w", err)
	}
	return e, nil
}

func (q *queries) UpdateEdgeCaseRetry(ctx context.Context, id uuid.UUID, attempts int, nextRetryAt time.Time) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE edge_case_events SET attempts = $2, next_retry_at = $3
		WHERE id = $1 AND resolved_at IS NULL`,
		id, attempts, nextRetryAt)
	if err != nil {
		return fmt.Errorf("failed to update edge case retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *queries) UpdateEdgeCaseState(ctx context.Context, id uuid.UUID, state string) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE edge_case_events SET state = $2
		WHERE id = $1 AND resolved_at IS NULL`,
		id, state)
	if err != nil {
		return fmt.Errorf("failed to update edge case state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ResolveEdgeCase closes a case. Resolving twice is a no-op at the SQL
// level; callers treat ErrNotFound as already closed.
func (q *queries) ResolveEdgeCase(ctx context.Context, id uuid.UUID, resolution string) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE edge_case_events
		SET state = 'closed', resolution = $2, resolved_at = now(), next_retry_at = NULL
		WHERE id = $1 AND resolved_at IS NULL`,
		id, resolution)
	if err != nil {
		return fmt.Errorf("failed to resolve edge case: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimDueEdgeCases fetches open cases whose retry timer has elapsed.
// Claimed rows are leased by pushing next_retry_at past now, so two
// workers never drive the same dunning retry and its provider calls
// twice. The retry path overwrites the lease with the real schedule.
func (q *queries) ClaimDueEdgeCases(ctx context.Context, now time.Time, limit int) ([]domain.EdgeCaseEvent, error) {
	rows, err := q.db.Query(ctx, `
		UPDATE edge_case_events
		SET next_retry_at = $2
		WHERE id IN (
			SELECT id
			FROM edge_case_events
			WHERE resolved_at IS NULL AND next_retry_at IS NOT NULL AND next_retry_at <= $1
			ORDER BY next_retry_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED)
		RETURNING `+edgeCaseColumns,
		now, now.Add(ClaimLease), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due edge cases: %w", err)
	}
	return collectEdgeCases(rows)
}

func (q *queries) ListOpenEdgeCases(ctx context.Context) ([]domain.EdgeCaseEvent, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+edgeCaseColumns+`
		FROM edge_case_events
		WHERE resolved_at IS NULL
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list open edge cases: %w", err)
	}
	return collectEdgeCases(rows)
}

func collectEdgeCases(rows pgx.Rows) ([]domain.EdgeCaseEvent, error) {
	defer rows.Close()
	var cases []domain.EdgeCaseEvent
	for rows.Next() {
		e, err := scanEdgeCase(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan edge case: %w", err)
		}
		cases = append(cases, e)
	}
	return cases, rows.Err()
}
