package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/ReceiptFox/app/models"
	"github.com/ManuelReschke/ReceiptFox/app/repository"
	"github.com/ManuelReschke/ReceiptFox/internal/pkg/entitlements"
)

const (
	DefaultLookahead       = time.Hour
	DefaultBatchSize       = 50
	DefaultProviderTimeout = 5 * time.Second
)

// AccountResult is the per-account outcome of a reconciliation pass.
type AccountResult string

const (
	ResultApplied AccountResult = "applied"
	ResultHealed  AccountResult = "healed"
	ResultSkipped AccountResult = "skipped"
	ResultFailed  AccountResult = "failed"
)

// Options bound a single pass.
type Options struct {
	Lookahead time.Duration
	BatchSize int
}

func (o Options) withDefaults() Options {
	if o.Lookahead <= 0 {
		o.Lookahead = DefaultLookahead
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	return o
}

// Report summarizes a pass.
type Report struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Lookahead  string    `json:"lookahead"`
	Checked    int       `json:"checked"`
	Applied    int       `json:"applied"`
	Healed     int       `json:"healed"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
	Errors     []string  `json:"errors,omitempty"`
}

func (r *Report) add(result AccountResult) {
	r.Checked++
	switch result {
	case ResultApplied:
		r.Applied++
	case ResultHealed:
		r.Healed++
	case ResultFailed:
		r.Failed++
	default:
		r.Skipped++
	}
}

// Reconciler applies deferred downgrades once the billing period is about to
// end and clears markers left without their cancel flag.
type Reconciler struct {
	accounts repository.AccountRepository
	subs     SubscriptionAPI
	resolver *Resolver
	metrics  Metrics
	timeout  time.Duration
	now      func() time.Time

	// running guards cursor and keeps passes from overlapping.
	running sync.Mutex
	cursor  uint
}

type ReconcilerOption func(*Reconciler)

// WithProviderTimeout bounds every single provider call.
func WithProviderTimeout(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) { r.timeout = d }
}

func WithReconcilerMetrics(m Metrics) ReconcilerOption {
	return func(r *Reconciler) { r.metrics = metricsOrNoop(m) }
}

func WithClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) { r.now = now }
}

func NewReconciler(accounts repository.AccountRepository, subs SubscriptionAPI, resolver *Resolver, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		accounts: accounts,
		subs:     subs,
		resolver: resolver,
		metrics:  NoopMetrics{},
		timeout:  DefaultProviderTimeout,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run processes one batch of paid, linked accounts. Failures on a single
// account are logged and counted; only a failure to list accounts aborts.
// A concurrent call returns ErrReconcileRunning.
func (r *Reconciler) Run(ctx context.Context, opts Options) (Report, error) {
	if !r.running.TryLock() {
		return Report{}, ErrReconcileRunning
	}
	defer r.running.Unlock()

	opts = opts.withDefaults()
	report := Report{StartedAt: r.now(), Lookahead: opts.Lookahead.String()}
	r.metrics.RecordReconcileRun()

	batch, err := r.nextBatch(ctx, opts.BatchSize)
	if err != nil {
		return report, err
	}

	for i := range batch {
		if ctx.Err() != nil {
			log.Warnf("[Reconciler] Pass interrupted after %d accounts: %v", report.Checked, ctx.Err())
			break
		}
		account := &batch[i]
		result, err := r.reconcileAccount(ctx, account, opts.Lookahead)
		report.add(result)
		r.metrics.RecordReconcileAccount(string(result))
		if err != nil {
			log.Errorf("[Reconciler] Account %d: %v", account.ID, err)
			report.Errors = append(report.Errors, fmt.Sprintf("account %d: %v", account.ID, err))
		}
	}

	report.FinishedAt = r.now()
	log.Infof("[Reconciler] Pass done: checked=%d applied=%d healed=%d skipped=%d failed=%d",
		report.Checked, report.Applied, report.Healed, report.Skipped, report.Failed)
	return report, nil
}

// nextBatch pages through accounts by id and wraps to the start once the end
// is reached.
func (r *Reconciler) nextBatch(ctx context.Context, size int) ([]models.User, error) {
	batch, err := r.accounts.ListPaidLinked(ctx, r.cursor, size)
	if err != nil {
		return nil, fmt.Errorf("list accounts after %d: %w", r.cursor, err)
	}
	if len(batch) == 0 && r.cursor > 0 {
		r.cursor = 0
		if batch, err = r.accounts.ListPaidLinked(ctx, 0, size); err != nil {
			return nil, fmt.Errorf("list accounts: %w", err)
		}
	}
	if len(batch) < size {
		r.cursor = 0
	} else {
		r.cursor = batch[len(batch)-1].ID
	}
	return batch, nil
}

func (r *Reconciler) reconcileAccount(ctx context.Context, account *models.User, lookahead time.Duration) (AccountResult, error) {
	var sub *Subscription
	err := callWithTimeout(ctx, r.timeout, func(ctx context.Context) error {
		var err error
		sub, err = r.subs.LatestSubscription(ctx, account.CustomerID())
		return err
	})
	if err != nil {
		r.metrics.RecordProviderError("list_subscriptions")
		return ResultFailed, fmt.Errorf("load subscription: %w", err)
	}
	if sub == nil {
		return ResultSkipped, nil
	}

	marker := sub.PendingPlan()
	if !sub.CancelAtPeriodEnd && marker != "" {
		err := callWithTimeout(ctx, r.timeout, func(ctx context.Context) error {
			return r.subs.ClearPendingMarker(ctx, sub.ID)
		})
		if err != nil {
			r.metrics.RecordProviderError("clear_marker")
			return ResultFailed, fmt.Errorf("clear stale marker on %s: %w", sub.ID, err)
		}
		log.Infof("[Reconciler] Cleared stale %s=%s on subscription %s (account %d)", PendingPlanKey, marker, sub.ID, account.ID)
		return ResultHealed, nil
	}
	// A set flag without a marker is a customer cancellation, not a half
	// written downgrade. It is left alone.
	if !sub.CancelAtPeriodEnd || marker == "" {
		return ResultSkipped, nil
	}
	if sub.CurrentPeriodEnd.IsZero() || sub.CurrentPeriodEnd.Sub(r.now()) > lookahead {
		return ResultSkipped, nil
	}

	target, ok := entitlements.ParsePlan(marker)
	if !ok || !target.IsPaid() {
		return ResultFailed, fmt.Errorf("%w: marker %q on subscription %s", ErrInvalidDowngrade, marker, sub.ID)
	}
	interval := sub.Price.Interval
	if interval == "" {
		interval = IntervalMonthly
	}

	var priceID string
	err = callWithTimeout(ctx, r.timeout, func(ctx context.Context) error {
		var err error
		priceID, err = r.resolver.PriceFor(ctx, target, interval)
		return err
	})
	if err != nil {
		if !errors.Is(err, ErrUnresolvedPrice) {
			r.metrics.RecordProviderError("find_price")
		}
		return ResultFailed, fmt.Errorf("price for %s/%s: %w", target, interval, err)
	}

	err = callWithTimeout(ctx, r.timeout, func(ctx context.Context) error {
		_, err := r.subs.ApplyDowngrade(ctx, sub.ID, sub.ItemID, priceID)
		return err
	})
	if err != nil {
		r.metrics.RecordProviderError("update_subscription")
		return ResultFailed, fmt.Errorf("apply downgrade on %s: %w", sub.ID, err)
	}

	// The provider side is done; a failed local write converges with the
	// subscription.updated event that follows.
	if _, _, err := r.accounts.Update(ctx, account.ID, AccountPatch{Plan: ptr(target)}.Apply); err != nil {
		return ResultFailed, fmt.Errorf("set local plan %s: %w", target, err)
	}
	log.Infof("[Reconciler] Downgraded account %d to %s (%s, price %s) on subscription %s",
		account.ID, target, interval, priceID, sub.ID)
	return ResultApplied, nil
}

// callWithTimeout runs fn with its own deadline derived from ctx.
func callWithTimeout(ctx context.Context, d time.Duration, fn func(context.Context) error) error {
	if d <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return fn(ctx)
}
