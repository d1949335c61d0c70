package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ManuelReschke/ReceiptFox/app/controllers"
)

type WebhookRouter struct {
	controller    *controllers.WebhookController
	legacyEnabled bool
	storage       fiber.Storage
}

// NewWebhookRouter serves provider webhooks. storage backs the legacy
// route's rate limiter; nil keeps counters in memory.
func NewWebhookRouter(controller *controllers.WebhookController, legacyEnabled bool, storage fiber.Storage) *WebhookRouter {
	return &WebhookRouter{controller: controller, legacyEnabled: legacyEnabled, storage: storage}
}

func (w WebhookRouter) InstallRouter(app *fiber.App) {
	webhooks := app.Group("/webhooks")

	// Registered before /:provider so "legacy" is not taken as a provider name.
	if w.legacyEnabled {
		log.Warn("[Router] Legacy unauthenticated webhook route /webhooks/legacy is enabled")
		webhooks.Post("/legacy", limiter.New(limiter.Config{
			Max:          30,
			Expiration:   time.Minute,
			Storage:      w.storage,
			LimitReached: tooManyRequests,
		}), w.controller.HandleLegacyWebhook)
	}

	webhooks.Post("/:provider", w.controller.HandleProviderWebhook)
}

func tooManyRequests(c *fiber.Ctx) error {
	return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "rate_limited"})
}
