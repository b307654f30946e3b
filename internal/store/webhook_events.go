package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/wclausen/mimir/internal/domain"
)

const webhookColumns = `event_id, event_type, payload, received_at, processed_at,
	outcome, attempts, next_attempt_at, COALESCE(last_error, '')`

func scanWebhookEvent(row pgx.Row) (domain.WebhookEvent, error) {
	var e domain.WebhookEvent
	err := row.Scan(
		&e.EventID, &e.EventType, &e.Payload, &e.ReceivedAt, &e.ProcessedAt,
		&e.Outcome, &e.Attempts, &e.NextAttemptAt, &e.LastError,
	)
	return e, err
}

// InsertWebhookEvent records a delivery with outcome pending. The primary
// key on event_id is the dedupe: a redelivered event returns ErrDuplicate
// and the caller acknowledges without reprocessing.
func (q *queries) InsertWebhookEvent(ctx context.Context, params InsertWebhookEventParams) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO webhook_events (event_id, event_type, payload, outcome)
		VALUES ($1, $2, $3, 'pending')`,
		params.EventID, params.EventType, params.Payload)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert webhook event: %w", err)
	}
	return nil
}

func (q *queries) GetWebhookEvent(ctx context.Context, eventID string) (domain.WebhookEvent, error) {
	row := q.db.QueryRow(ctx,
		`SELECT `+webhookColumns+` FROM webhook_events WHERE event_id = $1`,
		eventID)
	e, err := scanWebhookEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.WebhookEvent{}, ErrNotFound
		}
		return domain.WebhookEvent{}, fmt.Errorf("failed to get webhook event: %w", err)
	}
	return e, nil
}

func (q *queries) MarkWebhookEventApplied(ctx context.Context, eventID string) error {
	_, err := q.db.Exec(ctx, `
		UPDATE webhook_events
		SET outcome = 'applied', processed_at = now(), next_attempt_at = NULL, last_error = NULL
		WHERE event_id = $1`,
		eventID)
	if err != nil {
		return fmt.Errorf("failed to mark webhook event applied: %w", err)
	}
	return nil
}

func (q *queries) MarkWebhookEventRetrying(ctx context.Context, eventID string, attempts int, nextAttemptAt time.Time, lastError string) error {
	_, err := q.db.Exec(ctx, `
		UPDATE webhook_events
		SET outcome = 'retrying', attempts = $2, next_attempt_at = $3, last_error = $4
		WHERE event_id = $1`,
		eventID, attempts, nextAttemptAt, lastError)
	if err != nil {
		return fmt.Errorf("failed to mark webhook event retrying: %w", err)
	}
	return nil
}

func (q *queries) MarkWebhookEventDeadLettered(ctx context.Context, eventID string, lastError string) error {
	_, err := q.db.Exec(ctx, `
		UPDATE webhook_events
		SET outcome = 'dead_lettered', processed_at = now(), next_attempt_at = NULL, last_error = $2
		WHERE event_id = $1`,
		eventID, lastError)
	if err != nil {
		return fmt.Errorf("failed to dead-letter webhook event: %w", err)
	}
	return nil
}

// ClaimRetryableWebhookEvents picks up due retries, plus pending events
// older than PendingGrace that the inline handler never settled. Claimed
// rows are leased: next_attempt_at is pushed past now so they stay
// invisible to other pollers until the outcome is written, and a dead
// worker's claim expires on its own. FOR UPDATE SKIP LOCKED keeps two
// pollers racing inside the same statement off the same rows.
func (q *queries) ClaimRetryableWebhookEvents(ctx context.Context, now time.Time, limit int) ([]domain.WebhookEvent, error) {
	rows, err := q.db.Query(ctx, `
		UPDATE webhook_events
		SET outcome = 'retrying', next_attempt_at = $2
		WHERE event_id IN (
			SELECT event_id
			FROM webhook_events
			WHERE (outcome = 'retrying' AND next_attempt_at <= $1)
			   OR (outcome = 'pending' AND received_at <= $3)
			ORDER BY COALESCE(next_attempt_at, received_at)
			LIMIT $4
			FOR UPDATE SKIP LOCKED)
		RETURNING `+webhookColumns,
		now, now.Add(ClaimLease), now.Add(-PendingGrace), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim retryable events: %w", err)
	}
	return collectWebhookEvents(rows)
}

func (q *queries) ListDeadLetteredEvents(ctx context.Context, limit int) ([]domain.WebhookEvent, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+webhookColumns+`
		FROM webhook_events
		WHERE outcome = 'dead_lettered'
		ORDER BY received_at DESC
		LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead-lettered events: %w", err)
	}
	return collectWebhookEvents(rows)
}

// RequeueWebhookEvent puts a dead-lettered event back into the retry queue
// with a fresh attempt budget. Manual recovery only.
func (q *queries) RequeueWebhookEvent(ctx context.Context, eventID string, nextAttemptAt time.Time) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE webhook_events
		SET outcome = 'retrying', attempts = 0, processed_at = NULL, next_attempt_at = $2, last_error = NULL
		WHERE event_id = $1 AND outcome = 'dead_lettered'`,
		eventID, nextAttemptAt)
	if err != nil {
		return fmt.Errorf("failed to requeue webhook event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *queries) CountWebhookEventsByOutcome(ctx context.Context, outcome domain.WebhookOutcome) (int64, error) {
	var count int64
	err := q.db.QueryRow(ctx,
		`SELECT count(*) FROM webhook_events WHERE outcome = $1`, outcome,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count webhook events: %w", err)
	}
	return count, nil
}

func collectWebhookEvents(rows pgx.Rows) ([]domain.WebhookEvent, error) {
	defer rows.Close()
	var events []domain.WebhookEvent
	for rows.Next() {
		e, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
