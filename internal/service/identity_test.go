package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wclausen/mimir/internal/billing"
	"github.com/wclausen/mimir/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newIdentityFixture(t *testing.T) (IdentityService, *store.Fake, *billing.MockProvider) {
	t.Helper()
	st := store.NewFake()
	provider := billing.NewMockProvider()
	svc, err := NewIdentityService(st, provider, testLogger())
	require.NoError(t, err)
	return svc, st, provider
}

func TestIdentityResolve_CreatesMappingOnFirstUse(t *testing.T) {
	svc, st, provider := newIdentityFixture(t)
	userID := uuid.New()

	resolved, err := svc.Resolve(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, userID, resolved.UserID)
	assert.NotEmpty(t, resolved.StripeCustomerID)

	// The mapping is durable.
	customer, err := st.GetCustomerByUserID(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, resolved.StripeCustomerID, customer.StripeCustomerID)

	// The provider call carried the internal user id and an idempotency key.
	require.Len(t, provider.CreateCustomerCalls, 1)
	call := provider.CreateCustomerCalls[0]
	assert.Equal(t, userID.String(), call.Metadata["user_id"])
	assert.Equal(t, "customer-resolve-"+userID.String(), call.IdempotencyKey)
}

func TestIdentityResolve_ReusesExistingMapping(t *testing.T) {
	svc, _, provider := newIdentityFixture(t)
	userID := uuid.New()

	first, err := svc.Resolve(context.Background(), userID)
	require.NoError(t, err)
	second, err := svc.Resolve(context.Background(), userID)
	require.NoError(t, err)

	assert.Equal(t, first.StripeCustomerID, second.StripeCustomerID)
	assert.Len(t, provider.CreateCustomerCalls, 1, "second resolve must not create another provider customer")
}

func TestIdentityResolve_ConcurrentFirstUse(t *testing.T) {
	svc, st, _ := newIdentityFixture(t)
	userID := uuid.New()

	const n = 16
	results := make([]ResolvedCustomer, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Resolve(context.Background(), userID)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	// Exactly one mapping wins; every caller sees the same customer id.
	winner, err := st.GetCustomerByUserID(context.Background(), userID)
	require.NoError(t, err)
	for _, r := range results {
		assert.Equal(t, winner.StripeCustomerID, r.StripeCustomerID)
	}
}

func TestIdentityLookup_NotFound(t *testing.T) {
	svc, _, _ := newIdentityFixture(t)

	_, err := svc.Lookup(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrCustomerNotFound)
}
