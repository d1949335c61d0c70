package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/ReceiptFox/internal/pkg/entitlements"
	"github.com/ManuelReschke/ReceiptFox/internal/pkg/env"
)

func withEnv(t *testing.T, values map[string]string) {
	t.Helper()
	prev := env.Env
	env.Env = values
	t.Cleanup(func() { env.Env = prev })
}

func TestLoad(t *testing.T) {
	withEnv(t, map[string]string{
		"APP_ENV":                     "test",
		"APP_PORT":                    "8080",
		"STRIPE_WEBHOOK_SECRETS":      "whsec_new,whsec_old",
		"STRIPE_WEBHOOK_SECRET":       "whsec_old",
		"STRIPE_EVENT_ALLOWLIST":      "invoice.*, customer.subscription.*",
		"STRIPE_PRICE_PRO_MONTHLY":    "price_pro_m",
		"STRIPE_LOOKUP_PRO_YEARLY":    "pro_yearly",
		"BILLING_RECONCILE_INTERVAL":  "600",
		"BILLING_RECONCILE_LOOKAHEAD": "30m",
	})

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
	assert.Equal(t, []string{"whsec_new", "whsec_old"}, cfg.Stripe.WebhookSecrets)
	assert.Equal(t, []string{"invoice.*", "customer.subscription.*"}, cfg.Stripe.EventAllowlist)
	assert.Equal(t, []PriceConfig{
		{Plan: entitlements.PlanPro, Interval: "month", PriceID: "price_pro_m"},
		{Plan: entitlements.PlanPro, Interval: "year", LookupKey: "pro_yearly"},
	}, cfg.Stripe.Prices)
	assert.Equal(t, 10*time.Minute, cfg.Reconcile.Interval)
	assert.Equal(t, 30*time.Minute, cfg.Reconcile.Lookahead)
	assert.Equal(t, "@every 10m0s", cfg.Reconcile.ReconcileSchedule())
	assert.True(t, cfg.Reconcile.Enabled)
	assert.False(t, cfg.LegacyWebhookEnabled)
}

func TestLoadSingleSecret(t *testing.T) {
	withEnv(t, map[string]string{"STRIPE_WEBHOOK_SECRET": "whsec_only"})

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"whsec_only"}, cfg.Stripe.WebhookSecrets)
}

func TestReconcileScheduleOverride(t *testing.T) {
	c := ReconcileConfig{Interval: time.Minute, Schedule: "*/5 * * * *"}
	assert.Equal(t, "*/5 * * * *", c.ReconcileSchedule())
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := map[string]map[string]string{
		"unknown env":       {"APP_ENV": "staging"},
		"port":              {"APP_PORT": "http"},
		"batch size":        {"BILLING_RECONCILE_BATCH": "0"},
		"short interval":    {"BILLING_RECONCILE_INTERVAL": "100ms"},
		"workers":           {"JOB_QUEUE_WORKERS": "0"},
		"archive no bucket": {"EVENT_ARCHIVE_ENABLED": "true", "S3_REGION": "eu-central-1"},
	}
	for name, values := range tests {
		t.Run(name, func(t *testing.T) {
			withEnv(t, values)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
