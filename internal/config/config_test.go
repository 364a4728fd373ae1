package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledger-service/internal/services"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://ledger@localhost:5432/ledger")
	t.Setenv("RECON_DATE_WINDOW_DAYS", "")
	t.Setenv("QUOTE_LOCK_TTL", "")

	cfg := Load()

	assert.Equal(t, "postgres://ledger@localhost:5432/ledger", cfg.DatabaseURL)
	assert.True(t, cfg.SerializableWrites)
	assert.Equal(t, 30*time.Second, cfg.QuoteLockTTL)
	assert.Equal(t, "0.01", cfg.PaymentStatusTolerance.String())

	policy := cfg.MatchPolicy()
	require.NoError(t, policy.Validate())
	def := services.DefaultMatchPolicy()
	assert.True(t, policy.AmountTolerancePct.Equal(def.AmountTolerancePct))
	assert.Equal(t, def.DateWindowDays, policy.DateWindowDays)
	assert.True(t, policy.NegligibleThreshold.Equal(def.NegligibleThreshold))
	assert.True(t, policy.ExactAmountTolerance.Equal(def.ExactAmountTolerance))
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://ledger@db:5432/ledger")
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("SERIALIZABLE_WRITES", "false")
	t.Setenv("RECON_AMOUNT_TOLERANCE_PCT", "2.5")
	t.Setenv("RECON_DATE_WINDOW_DAYS", "5")
	t.Setenv("QUOTE_LOCK_WAIT", "250ms")
	t.Setenv("PROJECTION_REPAIR_INTERVAL", "-1m")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_x")
	t.Setenv("GENERIC_WEBHOOK_SECRET", "shared")

	cfg := Load()

	assert.False(t, cfg.IsDevelopment())
	assert.False(t, cfg.SerializableWrites)
	assert.Equal(t, 250*time.Millisecond, cfg.QuoteLockWait)
	assert.Equal(t, time.Hour, cfg.ProjectionRepairInterval)

	policy := cfg.MatchPolicy()
	assert.Equal(t, "2.5", policy.AmountTolerancePct.String())
	assert.Equal(t, 5, policy.DateWindowDays)

	gw := cfg.GatewayConfig()
	assert.Equal(t, "whsec_x", gw.StripeWebhookSecret)
	assert.Equal(t, "shared", gw.GenericWebhookSecret)
	assert.Empty(t, gw.RazorpayWebhookSecret)
}

func TestBuildDatabaseURL_FromParts(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("USE_GCP_SECRET_MANAGER", "")
	t.Setenv("DB_HOST", "pg")
	t.Setenv("DB_PORT", "6432")
	t.Setenv("DB_USER", "ledger")
	t.Setenv("DB_PASSWORD", "s3cret")
	t.Setenv("DB_NAME", "ledger_test")
	t.Setenv("DB_SSLMODE", "require")

	assert.Equal(t, "postgres://ledger:s3cret@pg:6432/ledger_test?sslmode=require", buildDatabaseURL())
}
