package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/ReceiptFox/internal/pkg/billing"
	"github.com/ManuelReschke/ReceiptFox/internal/pkg/bootstrap"
	"github.com/ManuelReschke/ReceiptFox/internal/pkg/config"
)

const openAPIPath = "../../docs/v1/openapi.yml"

func testServices() *bootstrap.Services {
	return &bootstrap.Services{
		Config: &config.Config{
			Reconcile:            config.ReconcileConfig{Lookahead: time.Hour, BatchSize: 50},
			Admin:                config.AdminConfig{User: "admin", APIKey: "key"},
			LegacyWebhookEnabled: true,
		},
		Registry: prometheus.NewRegistry(),
		Ingestor: billing.NewIngestor(billing.NewVerifier(nil), nil),
	}
}

func loadOpenAPI(t *testing.T) *openapi3.T {
	t.Helper()
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromFile(openAPIPath)
	require.NoError(t, err)
	require.NoError(t, doc.Validate(loader.Context))
	return doc
}

func TestEveryBillingRouteIsDocumented(t *testing.T) {
	doc := loadOpenAPI(t)
	app := NewApplication(testServices())

	checked := 0
	for _, route := range app.GetRoutes(true) {
		if route.Method == http.MethodHead || route.Method == "USE" {
			continue
		}
		if !strings.HasPrefix(route.Path, "/webhooks") && !strings.HasPrefix(route.Path, "/internal/billing") {
			continue
		}
		path := strings.ReplaceAll(strings.ReplaceAll(route.Path, ":provider", "{provider}"), ":id", "{id}")
		item := doc.Paths.Value(path)
		if assert.NotNil(t, item, "undocumented route %s %s", route.Method, route.Path) {
			assert.NotNil(t, item.GetOperation(route.Method), "undocumented method %s %s", route.Method, route.Path)
		}
		checked++
	}
	assert.Equal(t, 7, checked)
}

func TestHealthAndMetrics(t *testing.T) {
	app := NewApplication(testServices())

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/healthz", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
