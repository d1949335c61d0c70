package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/ReceiptFox/app/models"
	"github.com/ManuelReschke/ReceiptFox/app/repository"
	"github.com/ManuelReschke/ReceiptFox/internal/pkg/entitlements"
)

// ProviderName identifies the payment provider in audit records and routes.
const ProviderName = "stripe"

// AccountPatch describes billing field changes; nil fields are left alone.
type AccountPatch struct {
	Plan               *entitlements.Plan
	SubscriptionStatus *string
	PaymentState       *string
	LastInvoiceStatus  *string
}

// Apply writes the patch onto u, enforces the account invariants and reports
// whether any billing field changed.
func (p AccountPatch) Apply(u *models.User) bool {
	before := u.Billing()
	if p.Plan != nil {
		u.Plan = string(*p.Plan)
	}
	if p.SubscriptionStatus != nil {
		u.SubscriptionStatus = *p.SubscriptionStatus
	}
	if p.PaymentState != nil {
		u.PaymentState = *p.PaymentState
	}
	if p.LastInvoiceStatus != nil {
		u.LastInvoiceStatus = *p.LastInvoiceStatus
	}
	enforceInvariants(u)
	return u.Billing() != before
}

// enforceInvariants keeps a canceled or unpaid subscription on the free plan.
func enforceInvariants(u *models.User) {
	if isTerminalStatus(u.SubscriptionStatus) {
		u.Plan = string(entitlements.PlanFree)
	}
}

func isTerminalStatus(status string) bool {
	return status == models.SUBSCRIPTION_STATUS_CANCELED || status == models.SUBSCRIPTION_STATUS_UNPAID
}

func isEntitlingStatus(status string) bool {
	return status == models.SUBSCRIPTION_STATUS_ACTIVE || status == models.SUBSCRIPTION_STATUS_TRIALING
}

func ptr[T any](v T) *T { return &v }

// subscriptionPatch derives the account state from a subscription snapshot.
// res is nil when the price did not resolve.
func subscriptionPatch(ev SubscriptionChanged, res *Resolution) AccountPatch {
	status := ev.Status
	if ev.Action == SubscriptionDeleted && status == "" {
		status = models.SUBSCRIPTION_STATUS_CANCELED
	}
	patch := AccountPatch{SubscriptionStatus: ptr(status)}

	switch {
	case ev.Action == SubscriptionDeleted || isTerminalStatus(status):
		patch.Plan = ptr(entitlements.PlanFree)
		if status == models.SUBSCRIPTION_STATUS_UNPAID {
			patch.PaymentState = ptr(models.PAYMENT_STATE_PAST_DUE)
		} else {
			patch.PaymentState = ptr(models.PAYMENT_STATE_NONE)
		}
	case isEntitlingStatus(status) && res != nil:
		patch.Plan = ptr(res.Plan)
		patch.PaymentState = ptr(models.PAYMENT_STATE_OK)
	}
	return patch
}

func invoicePaidPatch(res *Resolution) AccountPatch {
	patch := AccountPatch{
		PaymentState:      ptr(models.PAYMENT_STATE_OK),
		LastInvoiceStatus: ptr(models.INVOICE_STATUS_PAID),
	}
	if res != nil {
		patch.Plan = ptr(res.Plan)
	}
	return patch
}

func paymentFailedPatch() AccountPatch {
	return AccountPatch{
		PaymentState:      ptr(models.PAYMENT_STATE_PAST_DUE),
		LastInvoiceStatus: ptr(models.INVOICE_STATUS_FAILED),
	}
}

func actionRequiredPatch() AccountPatch {
	return AccountPatch{
		PaymentState:      ptr(models.PAYMENT_STATE_REQUIRES_ACTION),
		LastInvoiceStatus: ptr(models.INVOICE_STATUS_ACTION_REQUIRED),
	}
}

// HandleResult summarizes what a handler did.
type HandleResult struct {
	AccountID uint
	Changed   bool
}

// Processor applies classified events to accounts.
type Processor struct {
	accounts repository.AccountRepository
	linker   *Linker
	resolver *Resolver
	audit    repository.WebhookEventRepository
	metrics  Metrics
	now      func() time.Time
}

type ProcessorOption func(*Processor)

// WithAudit records every processed event in the audit table.
func WithAudit(repo repository.WebhookEventRepository) ProcessorOption {
	return func(p *Processor) { p.audit = repo }
}

func WithProcessorMetrics(m Metrics) ProcessorOption {
	return func(p *Processor) { p.metrics = metricsOrNoop(m) }
}

func NewProcessor(accounts repository.AccountRepository, linker *Linker, resolver *Resolver, opts ...ProcessorOption) *Processor {
	p := &Processor{
		accounts: accounts,
		linker:   linker,
		resolver: resolver,
		metrics:  NoopMetrics{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process classifies and handles one delivered event. Malformed payloads are
// logged and dropped since a retry cannot fix them.
func (p *Processor) Process(ctx context.Context, env *Envelope, source string) error {
	start := p.now()
	ev, err := ParseEvent(env)
	if err != nil {
		log.Errorf("[Billing] Dropping event %s (%s): %v", env.ID, env.Type, err)
		p.record(ctx, env, source, HandleResult{}, err)
		return nil
	}

	res, err := p.Handle(ctx, ev)
	p.metrics.ObserveHandler(env.Type, time.Since(start))
	p.record(ctx, env, source, res, err)
	if err != nil {
		p.metrics.RecordWebhookError("handler")
		return err
	}
	return nil
}

// Handle dispatches on the event variant.
func (p *Processor) Handle(ctx context.Context, ev Event) (HandleResult, error) {
	switch e := ev.(type) {
	case CheckoutCompleted:
		return p.handleCheckoutCompleted(ctx, e)
	case SubscriptionChanged:
		return p.handleSubscriptionChanged(ctx, e)
	case InvoicePaid:
		return p.handleInvoicePaid(ctx, e)
	case InvoicePaymentFailed:
		return p.handleInvoicePatch(ctx, e.eventMeta, LinkHints{CustomerID: e.CustomerID, Email: e.Email}, paymentFailedPatch())
	case InvoiceActionRequired:
		return p.handleInvoicePatch(ctx, e.eventMeta, LinkHints{CustomerID: e.CustomerID, Email: e.Email}, actionRequiredPatch())
	case CustomerChanged:
		return p.handleCustomerChanged(ctx, e)
	case UnknownEvent:
		log.Debugf("[Billing] Ignoring event %s of type %s", e.ID, e.Type)
		return HandleResult{}, nil
	default:
		return HandleResult{}, fmt.Errorf("unhandled event variant %T", ev)
	}
}

func (p *Processor) handleCheckoutCompleted(ctx context.Context, e CheckoutCompleted) (HandleResult, error) {
	if e.CustomerID == "" {
		log.Infof("[Billing] Checkout %s has no customer, nothing to link", e.SessionID)
		return HandleResult{}, nil
	}
	ref := e.ClientReferenceID
	if ref == "" {
		ref = e.Metadata[UserIDMetadataKey]
	}
	account, err := p.linker.Resolve(ctx, LinkHints{ClientReferenceID: ref, CustomerID: e.CustomerID, Email: e.Email})
	if err != nil {
		return HandleResult{}, err
	}
	if account == nil {
		p.logMiss(e.eventMeta, e.CustomerID)
		return HandleResult{}, nil
	}
	return HandleResult{AccountID: account.ID}, nil
}

func (p *Processor) handleSubscriptionChanged(ctx context.Context, e SubscriptionChanged) (HandleResult, error) {
	account, err := p.linker.Resolve(ctx, LinkHints{ClientReferenceID: e.Metadata[UserIDMetadataKey], CustomerID: e.CustomerID})
	if err != nil {
		return HandleResult{}, err
	}
	if account == nil {
		p.logMiss(e.eventMeta, e.CustomerID)
		return HandleResult{}, nil
	}

	var res *Resolution
	if e.Action != SubscriptionDeleted && isEntitlingStatus(e.Status) {
		res, err = p.resolve(ctx, e.eventMeta, []Price{e.Price})
		if err != nil {
			return HandleResult{AccountID: account.ID}, err
		}
	}
	return p.apply(ctx, account.ID, e.eventMeta, subscriptionPatch(e, res).Apply)
}

func (p *Processor) handleInvoicePaid(ctx context.Context, e InvoicePaid) (HandleResult, error) {
	account, err := p.linker.Resolve(ctx, LinkHints{CustomerID: e.CustomerID, Email: e.Email})
	if err != nil {
		return HandleResult{}, err
	}
	if account == nil {
		p.logMiss(e.eventMeta, e.CustomerID)
		return HandleResult{}, nil
	}

	res, err := p.resolve(ctx, e.eventMeta, e.Prices)
	if err != nil {
		return HandleResult{AccountID: account.ID}, err
	}

	var recovered bool
	patch := invoicePaidPatch(res)
	result, err := p.apply(ctx, account.ID, e.eventMeta, func(u *models.User) bool {
		recovered = u.PaymentState == models.PAYMENT_STATE_PAST_DUE || u.PaymentState == models.PAYMENT_STATE_REQUIRES_ACTION
		return patch.Apply(u)
	})
	if err == nil && recovered {
		log.Infof("[Billing] Account %d recovered from failed payment (invoice %s)", account.ID, e.InvoiceID)
		p.metrics.RecordPaymentRecovered()
	}
	return result, err
}

func (p *Processor) handleInvoicePatch(ctx context.Context, meta eventMeta, hints LinkHints, patch AccountPatch) (HandleResult, error) {
	account, err := p.linker.Resolve(ctx, hints)
	if err != nil {
		return HandleResult{}, err
	}
	if account == nil {
		p.logMiss(meta, hints.CustomerID)
		return HandleResult{}, nil
	}
	return p.apply(ctx, account.ID, meta, patch.Apply)
}

func (p *Processor) handleCustomerChanged(ctx context.Context, e CustomerChanged) (HandleResult, error) {
	account, err := p.linker.Resolve(ctx, LinkHints{
		ClientReferenceID: e.Metadata[UserIDMetadataKey],
		CustomerID:        e.CustomerID,
		Email:             e.Email,
	})
	if err != nil {
		return HandleResult{}, err
	}
	if account == nil {
		p.logMiss(e.eventMeta, e.CustomerID)
		return HandleResult{}, nil
	}
	return HandleResult{AccountID: account.ID}, nil
}

// resolve returns the highest tier among prices, or nil when none resolves.
// Provider failures are returned so the job is retried.
func (p *Processor) resolve(ctx context.Context, meta eventMeta, prices []Price) (*Resolution, error) {
	var best *Resolution
	for _, price := range prices {
		res, err := p.resolver.Resolve(ctx, price)
		if err != nil {
			if errors.Is(err, ErrUnresolvedPrice) {
				continue
			}
			p.metrics.RecordProviderError("resolve_price")
			return nil, err
		}
		if best == nil || res.Plan.Rank() > best.Plan.Rank() {
			r := res
			best = &r
		}
	}
	if best == nil && len(prices) > 0 {
		log.Warnf("[Billing] Event %s (%s): no price maps to a plan, keeping current plan", meta.ID, meta.Type)
	}
	return best, nil
}

func (p *Processor) apply(ctx context.Context, accountID uint, meta eventMeta, mutate repository.MutateFunc) (HandleResult, error) {
	updated, changed, err := p.accounts.Update(ctx, accountID, mutate)
	if err != nil {
		return HandleResult{AccountID: accountID}, fmt.Errorf("update account %d: %w", accountID, err)
	}
	if changed {
		log.Infof("[Billing] %s %s applied to account %d: plan=%s status=%q payment=%q invoice=%q",
			meta.Type, meta.ID, accountID, updated.Plan, updated.SubscriptionStatus, updated.PaymentState, updated.LastInvoiceStatus)
	} else {
		log.Debugf("[Billing] %s %s left account %d unchanged", meta.Type, meta.ID, accountID)
	}
	return HandleResult{AccountID: accountID, Changed: changed}, nil
}

func (p *Processor) logMiss(meta eventMeta, customerID string) {
	log.Warnf("[Billing] Event %s (%s): no account for customer %q", meta.ID, meta.Type, customerID)
}

func (p *Processor) record(ctx context.Context, env *Envelope, source string, res HandleResult, err error) {
	if p.audit == nil || env == nil || env.ID == "" {
		return
	}
	now := p.now()
	entry := &models.BillingWebhookEvent{
		Provider:        ProviderName,
		ProviderEventID: env.ID,
		EventType:       env.Type,
		Source:          source,
		Outcome:         models.WEBHOOK_OUTCOME_IGNORED,
		ProcessedAt:     &now,
	}
	if res.AccountID != 0 {
		id := res.AccountID
		entry.AccountID = &id
	}
	switch {
	case err != nil:
		entry.Outcome = models.WEBHOOK_OUTCOME_FAILED
		entry.ProcessingError = err.Error()
	case res.Changed:
		entry.Outcome = models.WEBHOOK_OUTCOME_APPLIED
	}
	if aerr := p.audit.Record(ctx, entry); aerr != nil {
		log.Warnf("[Billing] Failed to record audit entry for event %s: %v", env.ID, aerr)
	}
}
