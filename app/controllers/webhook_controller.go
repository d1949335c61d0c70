package controllers

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/ReceiptFox/internal/pkg/billing"
)

const (
	// MaxWebhookBodySize caps provider deliveries; real events are a few KiB.
	MaxWebhookBodySize = 256 * 1024
	webhookTimeout     = 10 * time.Second
)

// WebhookController receives payment provider notifications.
type WebhookController struct {
	ingestor *billing.Ingestor
}

func NewWebhookController(ingestor *billing.Ingestor) *WebhookController {
	return &WebhookController{ingestor: ingestor}
}

// HandleProviderWebhook serves POST /webhooks/:provider.
func (wc *WebhookController) HandleProviderWebhook(c *fiber.Ctx) error {
	provider := strings.ToLower(strings.TrimSpace(c.Params("provider")))
	if provider != billing.ProviderName {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown_provider"})
	}
	rawBody := append([]byte(nil), c.BodyRaw()...)
	if len(rawBody) > MaxWebhookBodySize {
		return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{"error": "payload_too_large"})
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), webhookTimeout)
	defer cancel()

	res, err := wc.ingestor.Ingest(ctx, rawBody, c.Get(billing.SignatureHeader))
	return wc.respond(c, res, err)
}

// HandleLegacyWebhook serves the unauthenticated POST /webhooks/legacy.
func (wc *WebhookController) HandleLegacyWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	if len(rawBody) > MaxWebhookBodySize {
		return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{"error": "payload_too_large"})
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), webhookTimeout)
	defer cancel()

	res, err := wc.ingestor.IngestUnsigned(ctx, rawBody)
	return wc.respond(c, res, err)
}

func (wc *WebhookController) respond(c *fiber.Ctx, res billing.IngestResult, err error) error {
	status := billing.HTTPStatus(err)
	if status != fiber.StatusOK {
		log.Warnf("[Webhook] Rejected delivery from %s: %v", c.IP(), err)
		return c.Status(status).JSON(fiber.Map{"error": billing.ErrorCode(err)})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"received": true,
		"status":   res.Outcome,
		"event_id": res.EventID,
	})
}
