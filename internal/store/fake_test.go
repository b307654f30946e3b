package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wclausen/mimir/internal/domain"
)

func seedRetryingEvent(t *testing.T, f *Fake, eventID string, due time.Time) {
	t.Helper()
	err := f.InsertWebhookEvent(context.Background(), InsertWebhookEventParams{
		EventID:   eventID,
		EventType: "invoice.payment_failed",
		Payload:   []byte(`{}`),
	})
	require.NoError(t, err)
	require.NoError(t, f.MarkWebhookEventRetrying(context.Background(), eventID, 1, due, "provider timeout"))
}

func TestClaimRetryableWebhookEvents_LeasesClaimedRows(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	now := time.Now()
	seedRetryingEvent(t, f, "evt_1", now.Add(-time.Minute))

	first, err := f.ClaimRetryableWebhookEvents(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, "evt_1", first[0].EventID)

	// A second poller arriving before the outcome is written must not
	// see the same row, or both would process it and repeat its
	// provider calls.
	second, err := f.ClaimRetryableWebhookEvents(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, second)

	// A worker that died mid-batch never writes an outcome. Once the
	// lease runs out the row is claimable again.
	third, err := f.ClaimRetryableWebhookEvents(ctx, now.Add(ClaimLease+time.Second), 10)
	require.NoError(t, err)
	require.Len(t, third, 1)
	assert.Equal(t, "evt_1", third[0].EventID)
}

func TestClaimRetryableWebhookEvents_SweepsStalePending(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	err := f.InsertWebhookEvent(ctx, InsertWebhookEventParams{
		EventID:   "evt_stuck",
		EventType: "checkout.session.completed",
		Payload:   []byte(`{}`),
	})
	require.NoError(t, err)

	// Within the grace window the inline handler still owns the event.
	fresh, err := f.ClaimRetryableWebhookEvents(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, fresh)

	// Past the window the handler is presumed dead. Redelivery of the
	// same event id is acked as a duplicate, so the sweep is the only
	// path that ever applies it.
	stale, err := f.ClaimRetryableWebhookEvents(ctx, time.Now().Add(PendingGrace+time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "evt_stuck", stale[0].EventID)
	assert.Equal(t, domain.WebhookRetrying, stale[0].Outcome)

	stored, err := f.GetWebhookEvent(ctx, "evt_stuck")
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookRetrying, stored.Outcome)
}

func TestClaimDueEdgeCases_LeasesClaimedRows(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	now := time.Now()
	due := now.Add(-time.Minute)
	_, err := f.CreateEdgeCaseEvent(ctx, CreateEdgeCaseParams{
		Kind:           domain.EdgeCaseFailedPayment,
		SubscriptionID: uuid.New(),
		State:          "retrying",
		TriggerEventID: "evt_1",
		ProviderRef:    "in_1",
		NextRetryAt:    &due,
	})
	require.NoError(t, err)

	first, err := f.ClaimDueEdgeCases(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := f.ClaimDueEdgeCases(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, second)

	third, err := f.ClaimDueEdgeCases(ctx, now.Add(ClaimLease+time.Second), 10)
	require.NoError(t, err)
	require.Len(t, third, 1)
	assert.Equal(t, first[0].ID, third[0].ID)
}
