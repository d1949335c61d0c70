// Package bootstrap assembles the billing engine from configuration. The
// server and the one-shot reconcile command share it.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/storage/redis"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/ManuelReschke/ReceiptFox/app/repository"
	"github.com/ManuelReschke/ReceiptFox/internal/pkg/allowlist"
	"github.com/ManuelReschke/ReceiptFox/internal/pkg/archive"
	"github.com/ManuelReschke/ReceiptFox/internal/pkg/billing"
	"github.com/ManuelReschke/ReceiptFox/internal/pkg/billing/stripeprovider"
	"github.com/ManuelReschke/ReceiptFox/internal/pkg/cache"
	"github.com/ManuelReschke/ReceiptFox/internal/pkg/config"
	"github.com/ManuelReschke/ReceiptFox/internal/pkg/database"
	"github.com/ManuelReschke/ReceiptFox/internal/pkg/dedup"
	"github.com/ManuelReschke/ReceiptFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/ReceiptFox/internal/pkg/metrics"
	"github.com/ManuelReschke/ReceiptFox/internal/pkg/safego"
)

// Services holds every long-lived component. Reconciler and Downgrades are
// nil when no provider API key is configured.
type Services struct {
	Config   *config.Config
	DB       *gorm.DB
	Redis    *goredis.Client
	Limiter  *redis.Storage
	Registry *prometheus.Registry

	Repos      *repository.Repositories
	Metrics    *metrics.Billing
	Resolver   *billing.Resolver
	Linker     *billing.Linker
	Processor  *billing.Processor
	Ingestor   *billing.Ingestor
	Reconciler *billing.Reconciler
	Downgrades *billing.Downgrades

	Queue   *jobqueue.Queue
	Manager *jobqueue.Manager
	Spawner *safego.Spawner
}

// Build connects to MySQL and Redis and wires the billing components.
func Build(ctx context.Context, cfg *config.Config) (*Services, error) {
	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	if cfg.AppEnv == "dev" {
		if err := database.AutoMigrate(db); err != nil {
			return nil, fmt.Errorf("auto migrate: %w", err)
		}
	}

	s := &Services{
		Config:   cfg,
		DB:       db,
		Redis:    cache.NewClient(cfg.Cache),
		Limiter:  cache.NewLimiterStorage(cfg.Cache),
		Registry: prometheus.NewRegistry(),
		Repos:    repository.NewFactory(db).GetRepositories(),
		Spawner:  safego.NewSpawner(),
	}
	s.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.Metrics = metrics.NewBilling(s.Registry)

	// Interfaces stay nil rather than holding a nil *Provider.
	var (
		lookup    billing.PriceLookup
		customers billing.CustomerDirectory
		subs      billing.SubscriptionAPI
	)
	if cfg.Stripe.APIKey != "" {
		p := stripeprovider.New(cfg.Stripe.APIKey)
		lookup, customers, subs = p, p, p
	} else {
		log.Warn("[Billing] STRIPE_API_KEY not set, reconciler and downgrade endpoints are disabled")
	}

	s.Resolver = billing.NewResolver(billing.EntriesFromConfig(cfg.Stripe.Prices), lookup)
	s.Linker = billing.NewLinker(s.Repos.Account, customers)
	s.Processor = billing.NewProcessor(s.Repos.Account, s.Linker, s.Resolver,
		billing.WithAudit(s.Repos.WebhookEvent),
		billing.WithProcessorMetrics(s.Metrics),
	)

	s.Queue = jobqueue.NewQueue(s.Redis, cfg.Queue.Workers)
	s.Manager = jobqueue.NewManager(s.Queue)
	jobs := billing.NewEventJobs(s.Queue, s.Processor)

	filter, err := allowlist.New(cfg.Stripe.EventAllowlist)
	if err != nil {
		return nil, fmt.Errorf("event allowlist: %w", err)
	}
	ingestOpts := []billing.IngestorOption{
		billing.WithDedup(dedup.NewStore(s.Redis)),
		billing.WithFilter(filter),
		billing.WithQueue(jobs),
		billing.WithIngestMetrics(s.Metrics),
	}
	if cfg.Archive.Enabled {
		arch, err := archive.New(ctx, cfg.Archive)
		if err != nil {
			// The archive is best effort; ingestion runs without it.
			log.Errorf("[Archive] Disabled: %v", err)
		} else {
			ingestOpts = append(ingestOpts, billing.WithArchive(arch, s.Spawner))
		}
	}
	verifier := billing.NewVerifier(cfg.Stripe.WebhookSecrets)
	if !verifier.Configured() {
		log.Warn("[Webhook] No webhook secret configured, signed deliveries will be rejected")
	}
	s.Ingestor = billing.NewIngestor(verifier, s.Processor, ingestOpts...)

	if subs != nil {
		s.Downgrades = billing.NewDowngrades(s.Repos.Account, subs, cfg.Reconcile.ProviderTimeout)
		s.Reconciler = billing.NewReconciler(s.Repos.Account, subs, s.Resolver,
			billing.WithProviderTimeout(cfg.Reconcile.ProviderTimeout),
			billing.WithReconcilerMetrics(s.Metrics),
		)
	}
	return s, nil
}

// ReconcileOptions are the configured defaults for one reconciliation pass.
func (s *Services) ReconcileOptions() billing.Options {
	return billing.Options{
		Lookahead: s.Config.Reconcile.Lookahead,
		BatchSize: s.Config.Reconcile.BatchSize,
	}
}

// ScheduleReconcile registers the periodic reconciler on the manager.
func (s *Services) ScheduleReconcile() error {
	if s.Reconciler == nil || !s.Config.Reconcile.Enabled {
		log.Info("[Reconcile] Periodic reconciliation disabled")
		return nil
	}
	spec := s.Config.Reconcile.ReconcileSchedule()
	err := s.Manager.AddPeriodic("billing reconcile", spec, func(ctx context.Context) error {
		report, err := s.Reconciler.Run(ctx, s.ReconcileOptions())
		if err != nil {
			return err
		}
		if report.Checked > 0 {
			log.Infof("[Reconcile] checked=%d applied=%d healed=%d skipped=%d failed=%d",
				report.Checked, report.Applied, report.Healed, report.Skipped, report.Failed)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("schedule reconciler %q: %w", spec, err)
	}
	log.Infof("[Reconcile] Scheduled with %q", spec)
	return nil
}

// Close releases connections; background work must be stopped first.
func (s *Services) Close() {
	if err := s.Limiter.Close(); err != nil {
		log.Warnf("[Cache] Failed to close limiter storage: %v", err)
	}
	if err := s.Redis.Close(); err != nil {
		log.Warnf("[Cache] Failed to close redis client: %v", err)
	}
	if sqlDB, err := s.DB.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
