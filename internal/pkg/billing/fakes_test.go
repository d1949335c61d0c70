package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83/webhook"
	"gorm.io/gorm"

	"github.com/ManuelReschke/ReceiptFox/app/models"
	"github.com/ManuelReschke/ReceiptFox/app/repository"
	"github.com/ManuelReschke/ReceiptFox/internal/pkg/entitlements"
)

const testSecret = "whsec_test_current"

// fakeAccounts is an in-memory AccountRepository.
type fakeAccounts struct {
	mu        sync.Mutex
	users     map[uint]*models.User
	updates   int
	updateErr error
	listErr   error
}

var _ repository.AccountRepository = (*fakeAccounts)(nil)

func newFakeAccounts(users ...*models.User) *fakeAccounts {
	f := &fakeAccounts{users: map[uint]*models.User{}}
	for _, u := range users {
		f.users[u.ID] = u
	}
	return f
}

func (f *fakeAccounts) get(id uint) *models.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := *f.users[id]
	return &u
}

func (f *fakeAccounts) GetByID(_ context.Context, id uint) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *u
	return &cp, nil
}

func (f *fakeAccounts) GetByEmail(_ context.Context, email string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if email != "" && u.Email == strings.ToLower(email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeAccounts) GetByCustomerID(_ context.Context, customerID string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if customerID != "" && u.CustomerID() == customerID {
			cp := *u
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeAccounts) ListPaidLinked(_ context.Context, afterID uint, limit int) ([]models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []models.User
	for _, u := range f.users {
		if u.ID > afterID && u.Plan != "free" && u.HasCustomer() {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeAccounts) LinkCustomer(_ context.Context, id uint, customerID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok || u.HasCustomer() {
		return false, nil
	}
	u.StripeCustomerID = &customerID
	return true, nil
}

func (f *fakeAccounts) Update(_ context.Context, id uint, mutate repository.MutateFunc) (*models.User, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return nil, false, f.updateErr
	}
	u, ok := f.users[id]
	if !ok {
		return nil, false, gorm.ErrRecordNotFound
	}
	cp := *u
	if !mutate(&cp) {
		return &cp, false, nil
	}
	f.updates++
	f.users[id] = &cp
	out := cp
	return &out, true, nil
}

// fakeAudit records audit entries by event id.
type fakeAudit struct {
	mu      sync.Mutex
	entries map[string]*models.BillingWebhookEvent
}

func newFakeAudit() *fakeAudit {
	return &fakeAudit{entries: map[string]*models.BillingWebhookEvent{}}
}

func (f *fakeAudit) Record(_ context.Context, event *models.BillingWebhookEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *event
	f.entries[event.ProviderEventID] = &cp
	return nil
}

func (f *fakeAudit) GetByProviderEventID(_ context.Context, _, eventID string) (*models.BillingWebhookEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[eventID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return e, nil
}

// fakeProvider implements Provider over in-memory subscriptions.
type fakeProvider struct {
	mu          sync.Mutex
	prices      map[string]*Price
	customers   map[string]string // email -> customer id
	subs        map[string]*Subscription
	created     int
	subErr      error
	priceErr    error
	applyCalls  []string
	clearCalls  []string
	updateCalls int
}

var _ Provider = (*fakeProvider)(nil)

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		prices:    map[string]*Price{},
		customers: map[string]string{},
		subs:      map[string]*Subscription{},
	}
}

func (f *fakeProvider) GetPrice(_ context.Context, priceID string) (*Price, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.priceErr != nil {
		return nil, f.priceErr
	}
	return f.prices[priceID], nil
}

func (f *fakeProvider) FindPriceByLookupKey(_ context.Context, lookupKey string) (*Price, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.priceErr != nil {
		return nil, f.priceErr
	}
	for _, p := range f.prices {
		if p.LookupKey == lookupKey {
			return p, nil
		}
	}
	return nil, nil
}

func (f *fakeProvider) FindCustomerByEmail(_ context.Context, email string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.customers[email], nil
}

func (f *fakeProvider) CreateCustomer(_ context.Context, email string, _ uint) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	id := fmt.Sprintf("cus_new_%d", f.created)
	f.customers[email] = id
	return id, nil
}

// LatestSubscription is keyed by customer id.
func (f *fakeProvider) LatestSubscription(_ context.Context, customerID string) (*Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subErr != nil {
		return nil, f.subErr
	}
	s, ok := f.subs[customerID]
	if !ok {
		return nil, nil
	}
	cp := *s
	cp.Metadata = copyMeta(s.Metadata)
	return &cp, nil
}

func (f *fakeProvider) bySubID(id string) *Subscription {
	for _, s := range f.subs {
		if s.ID == id {
			return s
		}
	}
	return nil
}

func (f *fakeProvider) ApplyDowngrade(_ context.Context, subscriptionID, _ string, priceID string) (*Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	s := f.bySubID(subscriptionID)
	if s == nil {
		return nil, errors.New("no such subscription")
	}
	f.applyCalls = append(f.applyCalls, subscriptionID+":"+priceID)
	s.Price = Price{ID: priceID, Interval: s.Price.Interval}
	s.CancelAtPeriodEnd = false
	delete(s.Metadata, PendingPlanKey)
	return s, nil
}

func (f *fakeProvider) SetScheduledDowngrade(_ context.Context, subscriptionID, plan string) (*Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	s := f.bySubID(subscriptionID)
	if s == nil {
		return nil, errors.New("no such subscription")
	}
	if s.Metadata == nil {
		s.Metadata = map[string]string{}
	}
	s.CancelAtPeriodEnd = plan != ""
	if plan == "" {
		delete(s.Metadata, PendingPlanKey)
	} else {
		s.Metadata[PendingPlanKey] = plan
	}
	cp := *s
	cp.Metadata = copyMeta(s.Metadata)
	return &cp, nil
}

func (f *fakeProvider) ClearPendingMarker(_ context.Context, subscriptionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	f.clearCalls = append(f.clearCalls, subscriptionID)
	if s := f.bySubID(subscriptionID); s != nil {
		delete(s.Metadata, PendingPlanKey)
	}
	return nil
}

func copyMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// countingMetrics counts calls that tests assert on.
type countingMetrics struct {
	NoopMetrics
	mu        sync.Mutex
	webhooks  map[string]int
	errors    map[string]int
	dedupDown int
	recovered int
	accounts  map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{webhooks: map[string]int{}, errors: map[string]int{}, accounts: map[string]int{}}
}

func (m *countingMetrics) RecordWebhook(eventType, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhooks[eventType+"/"+outcome]++
}

func (m *countingMetrics) RecordWebhookError(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[reason]++
}

func (m *countingMetrics) RecordDedupUnavailable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dedupDown++
}

func (m *countingMetrics) RecordPaymentRecovered() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recovered++
}

func (m *countingMetrics) RecordReconcileAccount(result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[result]++
}

func testUser(id uint, email, plan, customerID string) *models.User {
	u := &models.User{ID: id, Email: email, Plan: plan}
	if customerID != "" {
		u.StripeCustomerID = &customerID
	}
	return u
}

func testEntries() []PriceEntry {
	return []PriceEntry{
		{Plan: entitlements.PlanPersonal, Interval: IntervalMonthly, PriceID: "price_personal_m"},
		{Plan: entitlements.PlanPro, Interval: IntervalMonthly, PriceID: "price_pro_m"},
		{Plan: entitlements.PlanPro, Interval: IntervalYearly, PriceID: "price_pro_y"},
		{Plan: entitlements.PlanBusiness, Interval: IntervalMonthly, PriceID: "price_business_m", LookupKey: "business_monthly"},
	}
}

// eventBody renders a provider event with the given data.object.
func eventBody(t *testing.T, id, eventType string, object any) []byte {
	t.Helper()
	raw, err := json.Marshal(object)
	require.NoError(t, err)
	body, err := json.Marshal(map[string]any{
		"id":       id,
		"object":   "event",
		"type":     eventType,
		"created":  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Unix(),
		"livemode": false,
		"data":     map[string]json.RawMessage{"object": raw},
	})
	require.NoError(t, err)
	return body
}

func envelope(t *testing.T, id, eventType string, object any) *Envelope {
	t.Helper()
	env, err := DecodeEnvelope(eventBody(t, id, eventType, object))
	require.NoError(t, err)
	return env
}

func sign(body []byte, secret string) string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   body,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	return signed.Header
}

func subscriptionObj(id, customer, status, priceID string, cancelAtPeriodEnd bool, meta map[string]string) map[string]any {
	return map[string]any{
		"id":                   id,
		"object":               "subscription",
		"customer":             customer,
		"status":               status,
		"cancel_at_period_end": cancelAtPeriodEnd,
		"metadata":             meta,
		"items": map[string]any{
			"data": []map[string]any{{
				"id":    "si_" + id,
				"price": map[string]any{"id": priceID, "recurring": map[string]any{"interval": "month"}},
			}},
		},
	}
}

func invoiceObj(id, customer, email string, priceIDs ...string) map[string]any {
	lines := make([]map[string]any, 0, len(priceIDs))
	for _, p := range priceIDs {
		lines = append(lines, map[string]any{"price": map[string]any{"id": p}})
	}
	return map[string]any{
		"id":             id,
		"object":         "invoice",
		"customer":       customer,
		"customer_email": email,
		"lines":          map[string]any{"data": lines},
	}
}
