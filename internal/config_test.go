package internal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig_ProductionValidatesStripeSecrets(t *testing.T) {
	t.Run("missing secret key", func(t *testing.T) {
		t.Setenv("ENV", "prod")
		t.Setenv("STRIPE_SECRET_KEY", "")
		t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_live_abc")

		_, err := NewConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "STRIPE_SECRET_KEY")
	})

	t.Run("missing webhook secret", func(t *testing.T) {
		t.Setenv("ENV", "prod")
		t.Setenv("STRIPE_SECRET_KEY", "sk_live_abc")
		t.Setenv("STRIPE_WEBHOOK_SECRET", "")

		_, err := NewConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "STRIPE_WEBHOOK_SECRET")
	})

	t.Run("both set", func(t *testing.T) {
		t.Setenv("ENV", "prod")
		t.Setenv("STRIPE_SECRET_KEY", "sk_live_abc")
		t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_live_abc")

		cfg, err := NewConfig()
		require.NoError(t, err)
		assert.True(t, cfg.IsProduction())
	})
}

func TestNewConfig_DevUsesPlaceholders(t *testing.T) {
	t.Setenv("ENV", "dev")
	t.Setenv("STRIPE_SECRET_KEY", "")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "")

	cfg, err := NewConfig()
	require.NoError(t, err)
	assert.False(t, cfg.IsProduction())
}
