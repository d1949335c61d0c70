package router

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/ReceiptFox/app/controllers"
	"github.com/ManuelReschke/ReceiptFox/internal/pkg/billing"
	"github.com/ManuelReschke/ReceiptFox/internal/pkg/config"
)

func routeStatus(t *testing.T, app *fiber.App, method, path string, header http.Header) int {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(`{}`))
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func newWebhookController() *controllers.WebhookController {
	return controllers.NewWebhookController(billing.NewIngestor(billing.NewVerifier(nil), nil))
}

func TestLegacyRouteIsOptIn(t *testing.T) {
	disabled := fiber.New()
	InstallRouter(disabled, NewWebhookRouter(newWebhookController(), false, nil))
	// Without the legacy route "legacy" is treated as an unknown provider.
	assert.Equal(t, fiber.StatusNotFound, routeStatus(t, disabled, http.MethodPost, "/webhooks/legacy", nil))

	enabled := fiber.New()
	InstallRouter(enabled, NewWebhookRouter(newWebhookController(), true, nil))
	// Reaches the legacy handler, which rejects the body without a type.
	assert.Equal(t, fiber.StatusBadRequest, routeStatus(t, enabled, http.MethodPost, "/webhooks/legacy", nil))
}

func TestAdminRoutesRequireCredentials(t *testing.T) {
	admin := controllers.NewBillingAdminController(nil, nil, nil, nil, billing.Options{})

	app := fiber.New()
	InstallRouter(app, NewAdminRouter(admin, config.AdminConfig{User: "admin"}, nil))
	assert.Equal(t, fiber.StatusNotFound, routeStatus(t, app, http.MethodPost, "/internal/billing/reconcile", nil))

	app = fiber.New()
	InstallRouter(app, NewAdminRouter(admin, config.AdminConfig{APIKey: "key"}, nil))
	assert.Equal(t, fiber.StatusUnauthorized, routeStatus(t, app, http.MethodPost, "/internal/billing/reconcile", nil))
	assert.Equal(t, fiber.StatusServiceUnavailable, routeStatus(t, app, http.MethodPost, "/internal/billing/reconcile",
		http.Header{"X-Api-Key": []string{"key"}}))
}
