package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ManuelReschke/ReceiptFox/app/controllers"
	"github.com/ManuelReschke/ReceiptFox/internal/pkg/bootstrap"
	"github.com/ManuelReschke/ReceiptFox/internal/pkg/config"
	"github.com/ManuelReschke/ReceiptFox/internal/pkg/env"
	"github.com/ManuelReschke/ReceiptFox/internal/pkg/router"
)

const shutdownTimeout = 20 * time.Second

func main() {
	env.SetupEnvFile()
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	services, err := bootstrap.Build(ctx, cfg)
	if err != nil {
		log.Fatalf("[Startup] %v", err)
	}
	defer services.Close()

	if err := services.ScheduleReconcile(); err != nil {
		log.Fatalf("[Startup] %v", err)
	}
	services.Manager.Start()

	app := NewApplication(services)

	go func() {
		if err := app.Listen(cfg.Addr()); err != nil {
			log.Errorf("[Startup] Listener stopped: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("[Shutdown] Signal received, draining")

	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		log.Warnf("[Shutdown] HTTP server: %v", err)
	}
	services.Manager.Stop()

	waitCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := services.Spawner.Wait(waitCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Warnf("[Shutdown] Background tasks still running: %v", err)
	}
	log.Info("[Shutdown] Done")
}

func NewApplication(s *bootstrap.Services) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:   "ReceiptFox",
		BodyLimit: controllers.MaxWebhookBodySize,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})

	// prometheus metrics
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(s.Registry, promhttp.HandlerOpts{})))

	// SWAGGER / OPENAPI
	if _, err := os.Stat("docs/v1/openapi.yml"); err == nil {
		app.Use(swagger.New(swagger.Config{
			BasePath: "/docs/api/",
			FilePath: "docs/v1/openapi.yml",
			Path:     "v1",
		}))
	}

	webhooks := controllers.NewWebhookController(s.Ingestor)
	admin := controllers.NewBillingAdminController(s.Reconciler, s.Downgrades, s.Linker, s.Queue, s.ReconcileOptions())

	// rate limiter counters live in redis when available
	var limiterStorage fiber.Storage
	if s.Limiter != nil {
		limiterStorage = s.Limiter
	}

	// ROUTER
	router.InstallRouter(app,
		router.NewWebhookRouter(webhooks, s.Config.LegacyWebhookEnabled, limiterStorage),
		router.NewAdminRouter(admin, s.Config.Admin, limiterStorage),
	)

	return app
}
