package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"

	"github.com/ManuelReschke/ReceiptFox/internal/pkg/entitlements"
	"github.com/ManuelReschke/ReceiptFox/internal/pkg/env"
)

// Config is the complete runtime configuration, assembled once at start-up
// and handed to every component that needs it.
type Config struct {
	AppEnv string `validate:"oneof=dev test prod"`
	Host   string `validate:"required"`
	Port   string `validate:"required,numeric"`

	Database  DatabaseConfig
	Cache     CacheConfig
	Stripe    StripeConfig
	Reconcile ReconcileConfig
	Queue     QueueConfig
	Admin     AdminConfig
	Archive   ArchiveConfig

	LegacyWebhookEnabled bool
}

type DatabaseConfig struct {
	Host     string `validate:"required"`
	Port     string `validate:"required,numeric"`
	User     string
	Password string
	Name     string
}

type CacheConfig struct {
	Host     string `validate:"required"`
	Port     string `validate:"required,numeric"`
	Password string
	DB       int `validate:"gte=0,lte=15"`
}

// PriceConfig binds one provider price (by id, lookup key or both) to a
// plan tier and billing interval.
type PriceConfig struct {
	Plan      entitlements.Plan
	Interval  string `validate:"oneof=month year"`
	PriceID   string
	LookupKey string
}

type StripeConfig struct {
	APIKey         string
	WebhookSecrets []string
	EventAllowlist []string
	Prices         []PriceConfig `validate:"dive"`
}

type ReconcileConfig struct {
	Enabled         bool
	Interval        time.Duration `validate:"gte=1s"`
	Schedule        string
	Lookahead       time.Duration `validate:"gte=0"`
	BatchSize       int           `validate:"gte=1,lte=1000"`
	ProviderTimeout time.Duration `validate:"gte=100ms"`
}

type QueueConfig struct {
	Workers int `validate:"gte=1,lte=64"`
}

type AdminConfig struct {
	User     string
	Password string
	APIKey   string
}

type ArchiveConfig struct {
	Enabled         bool
	Region          string `validate:"required_if=Enabled true"`
	Bucket          string `validate:"required_if=Enabled true"`
	AccessKeyID     string
	SecretAccessKey string
	EndpointURL     string
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		AppEnv: env.GetEnv("APP_ENV", "prod"),
		Host:   env.GetEnv("APP_HOST", "0.0.0.0"),
		Port:   env.GetEnv("APP_PORT", "4000"),
		Database: DatabaseConfig{
			Host:     env.GetEnv("DB_HOST", "127.0.0.1"),
			Port:     env.GetEnv("DB_PORT", "3306"),
			User:     env.GetEnv("DB_USER", ""),
			Password: env.GetEnv("DB_PASSWORD", ""),
			Name:     env.GetEnv("DB_NAME", ""),
		},
		Cache: CacheConfig{
			Host:     env.GetEnv("CACHE_HOST", "localhost"),
			Port:     env.GetEnv("CACHE_PORT", "6379"),
			Password: env.GetEnv("CACHE_PASSWORD", ""),
			DB:       env.GetEnvInt("CACHE_DB", 0),
		},
		Stripe: StripeConfig{
			APIKey:         env.GetEnv("STRIPE_API_KEY", ""),
			WebhookSecrets: webhookSecrets(),
			EventAllowlist: env.GetEnvList("STRIPE_EVENT_ALLOWLIST"),
			Prices:         loadPrices(),
		},
		Reconcile: ReconcileConfig{
			Enabled:         env.GetEnvBool("BILLING_RECONCILE_ENABLED", true),
			Interval:        env.GetEnvDuration("BILLING_RECONCILE_INTERVAL", 7*time.Minute),
			Schedule:        strings.TrimSpace(env.GetEnv("BILLING_RECONCILE_SCHEDULE", "")),
			Lookahead:       env.GetEnvDuration("BILLING_RECONCILE_LOOKAHEAD", time.Hour),
			BatchSize:       env.GetEnvInt("BILLING_RECONCILE_BATCH", 50),
			ProviderTimeout: env.GetEnvDuration("BILLING_PROVIDER_TIMEOUT", 5*time.Second),
		},
		Queue: QueueConfig{
			Workers: env.GetEnvInt("JOB_QUEUE_WORKERS", 3),
		},
		Admin: AdminConfig{
			User:     env.GetEnv("ADMIN_USER", "admin"),
			Password: env.GetEnv("ADMIN_PASSWORD", ""),
			APIKey:   env.GetEnv("ADMIN_API_KEY", ""),
		},
		Archive: ArchiveConfig{
			Enabled:         env.GetEnvBool("EVENT_ARCHIVE_ENABLED", false),
			Region:          env.GetEnv("S3_REGION", ""),
			Bucket:          env.GetEnv("S3_BUCKET", ""),
			AccessKeyID:     env.GetEnv("S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: env.GetEnv("S3_SECRET_ACCESS_KEY", ""),
			EndpointURL:     env.GetEnv("S3_ENDPOINT_URL", ""),
		},
		LegacyWebhookEnabled: env.GetEnvBool("BILLING_LEGACY_WEBHOOK_ENABLED", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Addr is the listen address of the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// ReconcileSchedule returns the cron spec for the reconciler loop.
func (c ReconcileConfig) ReconcileSchedule() string {
	if c.Schedule != "" {
		return c.Schedule
	}
	return "@every " + c.Interval.String()
}

// webhookSecrets keeps the operator's order; the single-secret variable is
// appended so existing deployments keep verifying during a rotation.
func webhookSecrets() []string {
	secrets := env.GetEnvList("STRIPE_WEBHOOK_SECRETS")
	if single := strings.TrimSpace(env.GetEnv("STRIPE_WEBHOOK_SECRET", "")); single != "" && !lo.Contains(secrets, single) {
		secrets = append(secrets, single)
	}
	return secrets
}

func loadPrices() []PriceConfig {
	var prices []PriceConfig
	for _, plan := range entitlements.PaidPlans() {
		for _, interval := range []string{"month", "year"} {
			suffix := strings.ToUpper(string(plan)) + "_" + intervalSuffix(interval)
			id := strings.TrimSpace(env.GetEnv("STRIPE_PRICE_"+suffix, ""))
			key := strings.TrimSpace(env.GetEnv("STRIPE_LOOKUP_"+suffix, ""))
			if id == "" && key == "" {
				continue
			}
			prices = append(prices, PriceConfig{Plan: plan, Interval: interval, PriceID: id, LookupKey: key})
		}
	}
	return prices
}

func intervalSuffix(interval string) string {
	if interval == "year" {
		return "YEARLY"
	}
	return "MONTHLY"
}
