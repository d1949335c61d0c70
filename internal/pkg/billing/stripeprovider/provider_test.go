package stripeprovider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83"

	"github.com/ManuelReschke/ReceiptFox/internal/pkg/billing"
)

func TestToSubscription(t *testing.T) {
	end := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	sub := &stripe.Subscription{
		ID:                "sub_1",
		Status:            stripe.SubscriptionStatusActive,
		CancelAtPeriodEnd: true,
		Metadata:          map[string]string{billing.PendingPlanKey: "pro"},
		Customer:          &stripe.Customer{ID: "cus_1"},
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{{
				ID:               "si_1",
				CurrentPeriodEnd: end.Unix(),
				Price: &stripe.Price{
					ID:        "price_business_y",
					LookupKey: "business_yearly",
					Recurring: &stripe.PriceRecurring{Interval: stripe.PriceRecurringIntervalYear},
				},
			}},
		},
	}

	got := toSubscription(sub)

	assert.Equal(t, &billing.Subscription{
		ID:                "sub_1",
		CustomerID:        "cus_1",
		Status:            "active",
		CancelAtPeriodEnd: true,
		Metadata:          map[string]string{billing.PendingPlanKey: "pro"},
		ItemID:            "si_1",
		Price:             billing.Price{ID: "price_business_y", LookupKey: "business_yearly", Interval: billing.IntervalYearly},
		CurrentPeriodEnd:  end,
	}, got)
	assert.Equal(t, "pro", got.PendingPlan())
}

func TestToSubscriptionWithoutItems(t *testing.T) {
	got := toSubscription(&stripe.Subscription{ID: "sub_1", Status: stripe.SubscriptionStatusCanceled})

	assert.Equal(t, "sub_1", got.ID)
	assert.Empty(t, got.ItemID)
	assert.True(t, got.CurrentPeriodEnd.IsZero())
	assert.Empty(t, got.PendingPlan())
}

func TestToPrice(t *testing.T) {
	assert.Equal(t, billing.Price{}, toPrice(nil))
	assert.Equal(t, billing.Price{ID: "price_1"}, toPrice(&stripe.Price{ID: "price_1"}))
	assert.Equal(t,
		billing.Price{ID: "price_1", Interval: billing.IntervalMonthly},
		toPrice(&stripe.Price{ID: "price_1", Recurring: &stripe.PriceRecurring{Interval: stripe.PriceRecurringIntervalMonth}}),
	)
}

func TestErrorMapping(t *testing.T) {
	missing := &stripe.Error{Code: stripe.ErrorCodeResourceMissing}
	assert.True(t, isMissing(fmt.Errorf("wrapped: %w", missing)))
	assert.False(t, isMissing(&stripe.Error{Code: "rate_limit"}))
	assert.False(t, isMissing(errors.New("network")))

	err := apiError("update subscription sub_1", missing)
	assert.ErrorIs(t, err, billing.ErrProviderAPI)
	assert.ErrorIs(t, err, missing)
	assert.Equal(t, "provider_error", billing.ErrorCode(err))
}

const subscriptionJSON = `{
  "id": "sub_1",
  "object": "subscription",
  "status": "active",
  "customer": "cus_1",
  "cancel_at_period_end": false,
  "metadata": {},
  "items": {
    "object": "list",
    "data": [{
      "id": "si_1",
      "object": "subscription_item",
      "current_period_end": 1782864000,
      "price": {
        "id": "price_personal_m",
        "object": "price",
        "lookup_key": "personal_monthly",
        "recurring": {"interval": "month"}
      }
    }]
  }
}`

type recordedRequest struct {
	method string
	path   string
	form   url.Values
}

// stripeServer answers every call with subscriptionJSON and records the
// requests it saw.
type stripeServer struct {
	mu       sync.Mutex
	requests []recordedRequest
}

func newTestProvider(t *testing.T) (*Provider, *stripeServer) {
	t.Helper()
	rec := &stripeServer{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		rec.mu.Lock()
		rec.requests = append(rec.requests, recordedRequest{method: r.Method, path: r.URL.Path, form: r.PostForm})
		rec.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(subscriptionJSON))
	}))
	t.Cleanup(srv.Close)

	backends := stripe.NewBackendsWithConfig(&stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
	})
	return NewWithClient(stripe.NewClient("sk_test_123", stripe.WithBackends(backends))), rec
}

func (s *stripeServer) only(t *testing.T) recordedRequest {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.Len(t, s.requests, 1)
	return s.requests[0]
}

func assertFormValue(t *testing.T, form url.Values, key, want string) {
	t.Helper()
	require.Contains(t, form, key)
	assert.Equal(t, want, form.Get(key), key)
}

func TestApplyDowngradeSendsSingleUpdate(t *testing.T) {
	p, rec := newTestProvider(t)

	sub, err := p.ApplyDowngrade(context.Background(), "sub_1", "si_1", "price_personal_m")
	require.NoError(t, err)
	assert.Equal(t, "sub_1", sub.ID)
	assert.Equal(t, "price_personal_m", sub.Price.ID)

	req := rec.only(t)
	assert.Equal(t, http.MethodPost, req.method)
	assert.Equal(t, "/v1/subscriptions/sub_1", req.path)
	assertFormValue(t, req.form, "items[0][id]", "si_1")
	assertFormValue(t, req.form, "items[0][price]", "price_personal_m")
	assertFormValue(t, req.form, "cancel_at_period_end", "false")
	assertFormValue(t, req.form, "metadata[pending_plan]", "")
	assertFormValue(t, req.form, "proration_behavior", "none")
}

func TestSetScheduledDowngradeSetsFlagAndMarkerTogether(t *testing.T) {
	p, rec := newTestProvider(t)

	_, err := p.SetScheduledDowngrade(context.Background(), "sub_1", "personal")
	require.NoError(t, err)

	req := rec.only(t)
	assert.Equal(t, http.MethodPost, req.method)
	assert.Equal(t, "/v1/subscriptions/sub_1", req.path)
	assertFormValue(t, req.form, "cancel_at_period_end", "true")
	assertFormValue(t, req.form, "metadata[pending_plan]", "personal")
	assert.NotContains(t, req.form, "items[0][price]")
	assert.NotContains(t, req.form, "proration_behavior")
}

func TestSetScheduledDowngradeClearsFlagAndMarkerTogether(t *testing.T) {
	p, rec := newTestProvider(t)

	_, err := p.SetScheduledDowngrade(context.Background(), "sub_1", "")
	require.NoError(t, err)

	req := rec.only(t)
	assert.Equal(t, "/v1/subscriptions/sub_1", req.path)
	assertFormValue(t, req.form, "cancel_at_period_end", "false")
	assertFormValue(t, req.form, "metadata[pending_plan]", "")
}

func TestClearPendingMarkerOnlyTouchesMetadata(t *testing.T) {
	p, rec := newTestProvider(t)

	require.NoError(t, p.ClearPendingMarker(context.Background(), "sub_1"))

	req := rec.only(t)
	assert.Equal(t, http.MethodPost, req.method)
	assert.Equal(t, "/v1/subscriptions/sub_1", req.path)
	assertFormValue(t, req.form, "metadata[pending_plan]", "")
	assert.NotContains(t, req.form, "cancel_at_period_end")
	assert.NotContains(t, req.form, "proration_behavior")
	assert.NotContains(t, req.form, "items[0][price]")
}
