package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to SubscriptionStatus
		allowed  bool
	}{
		{SubscriptionIncomplete, SubscriptionActive, true},
		{SubscriptionIncomplete, SubscriptionPastDue, true},
		{SubscriptionIncomplete, SubscriptionCanceled, true},
		{SubscriptionActive, SubscriptionPastDue, true},
		{SubscriptionActive, SubscriptionCanceled, true},
		{SubscriptionPastDue, SubscriptionActive, true},
		{SubscriptionPastDue, SubscriptionCanceled, true},

		// canceled is terminal
		{SubscriptionCanceled, SubscriptionActive, false},
		{SubscriptionCanceled, SubscriptionPastDue, false},
		{SubscriptionCanceled, SubscriptionIncomplete, false},

		// no path back to incomplete
		{SubscriptionActive, SubscriptionIncomplete, false},
		{SubscriptionPastDue, SubscriptionIncomplete, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, CanTransition(tt.from, tt.to))
		})
	}
}

func TestCanTransition_SameStatusIsNoOp(t *testing.T) {
	for _, s := range []SubscriptionStatus{
		SubscriptionIncomplete, SubscriptionActive, SubscriptionPastDue, SubscriptionCanceled,
	} {
		assert.True(t, CanTransition(s, s), "redelivered status %s must not be illegal", s)
	}
}

func TestSubscriptionStatusIsLive(t *testing.T) {
	assert.True(t, SubscriptionIncomplete.IsLive())
	assert.True(t, SubscriptionActive.IsLive())
	assert.True(t, SubscriptionPastDue.IsLive())
	assert.False(t, SubscriptionCanceled.IsLive())
}

func TestSubscriptionIsFreePlan(t *testing.T) {
	free := Subscription{Status: SubscriptionActive, PriceID: "free"}
	assert.True(t, free.IsFreePlan())

	paid := Subscription{Status: SubscriptionActive, PriceID: "price_pro", StripeSubscriptionID: "sub_1", StripeCustomerID: "cus_1"}
	assert.False(t, paid.IsFreePlan())
}
