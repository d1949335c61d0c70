package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/monitor"

	"github.com/ManuelReschke/ReceiptFox/app/controllers"
	"github.com/ManuelReschke/ReceiptFox/internal/pkg/config"
	"github.com/ManuelReschke/ReceiptFox/internal/pkg/middleware"
)

type AdminRouter struct {
	controller *controllers.BillingAdminController
	auth       config.AdminConfig
	storage    fiber.Storage
}

func NewAdminRouter(controller *controllers.BillingAdminController, auth config.AdminConfig, storage fiber.Storage) *AdminRouter {
	return &AdminRouter{controller: controller, auth: auth, storage: storage}
}

func (a AdminRouter) InstallRouter(app *fiber.App) {
	if !middleware.AdminAuthEnabled(a.auth) {
		log.Warn("[Router] Neither ADMIN_PASSWORD nor ADMIN_API_KEY is set, /internal routes are disabled")
		return
	}

	internal := app.Group("/internal",
		limiter.New(limiter.Config{
			Max:          60,
			Expiration:   time.Minute,
			Storage:      a.storage,
			LimitReached: tooManyRequests,
		}),
		middleware.RequireAdmin(a.auth),
	)

	billing := internal.Group("/billing")
	billing.Post("/reconcile", a.controller.HandleReconcile)
	billing.Post("/accounts/:id/downgrade", a.controller.HandleScheduleDowngrade)
	billing.Delete("/accounts/:id/downgrade", a.controller.HandleCancelDowngrade)
	billing.Post("/accounts/:id/customer", a.controller.HandleEnsureCustomer)
	billing.Get("/queue", a.controller.HandleQueueStats)

	internal.Get("/monitor", monitor.New(monitor.Config{Title: "ReceiptFox Monitor"}))
}
