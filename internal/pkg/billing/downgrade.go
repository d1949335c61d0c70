package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/ReceiptFox/app/models"
	"github.com/ManuelReschke/ReceiptFox/app/repository"
	"github.com/ManuelReschke/ReceiptFox/internal/pkg/entitlements"
)

// ScheduledDowngrade describes the provider-side state after scheduling or
// cancelling a downgrade.
type ScheduledDowngrade struct {
	AccountID      uint      `json:"account_id"`
	SubscriptionID string    `json:"subscription_id"`
	CurrentPlan    string    `json:"current_plan"`
	PendingPlan    string    `json:"pending_plan,omitempty"`
	EffectiveAt    time.Time `json:"effective_at,omitempty"`
}

// Downgrades writes the pending_plan marker and cancel_at_period_end flag.
// The reconciler applies them when the period ends.
type Downgrades struct {
	accounts repository.AccountRepository
	subs     SubscriptionAPI
	timeout  time.Duration
}

func NewDowngrades(accounts repository.AccountRepository, subs SubscriptionAPI, timeout time.Duration) *Downgrades {
	return &Downgrades{accounts: accounts, subs: subs, timeout: timeout}
}

// Schedule marks the account's subscription to move to target at the end of
// the current period. target must be a paid tier below the current plan.
func (d *Downgrades) Schedule(ctx context.Context, accountID uint, target entitlements.Plan) (*ScheduledDowngrade, error) {
	account, sub, err := d.load(ctx, accountID)
	if err != nil {
		return nil, err
	}
	current := entitlements.Normalize(account.Plan)
	if !target.IsPaid() || target.Rank() >= current.Rank() {
		return nil, fmt.Errorf("%w: %s is not below %s", ErrInvalidDowngrade, target, current)
	}

	var updated *Subscription
	err = callWithTimeout(ctx, d.timeout, func(ctx context.Context) error {
		var err error
		updated, err = d.subs.SetScheduledDowngrade(ctx, sub.ID, string(target))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("schedule downgrade for account %d: %w", accountID, err)
	}

	log.Infof("[Billing] Scheduled downgrade of account %d from %s to %s at %s",
		accountID, current, target, updated.CurrentPeriodEnd.Format(time.RFC3339))
	return describe(account, updated), nil
}

// Cancel clears a scheduled downgrade. Cancelling when nothing is scheduled
// is not an error.
func (d *Downgrades) Cancel(ctx context.Context, accountID uint) (*ScheduledDowngrade, error) {
	account, sub, err := d.load(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !sub.CancelAtPeriodEnd && sub.PendingPlan() == "" {
		return describe(account, sub), nil
	}

	var updated *Subscription
	err = callWithTimeout(ctx, d.timeout, func(ctx context.Context) error {
		var err error
		updated, err = d.subs.SetScheduledDowngrade(ctx, sub.ID, "")
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("cancel downgrade for account %d: %w", accountID, err)
	}

	log.Infof("[Billing] Cancelled scheduled downgrade of account %d", accountID)
	return describe(account, updated), nil
}

func (d *Downgrades) load(ctx context.Context, accountID uint) (*models.User, *Subscription, error) {
	if d.subs == nil {
		return nil, nil, ErrProviderNotAvailable
	}
	account, err := lookupAccount(d.accounts.GetByID(ctx, accountID))
	if err != nil {
		return nil, nil, err
	}
	if account == nil {
		return nil, nil, ErrAccountNotFound
	}
	if !account.HasCustomer() {
		return nil, nil, ErrNoSubscription
	}

	var sub *Subscription
	err = callWithTimeout(ctx, d.timeout, func(ctx context.Context) error {
		var err error
		sub, err = d.subs.LatestSubscription(ctx, account.CustomerID())
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("load subscription for account %d: %w", accountID, err)
	}
	if sub == nil {
		return nil, nil, ErrNoSubscription
	}
	return account, sub, nil
}

func describe(account *models.User, sub *Subscription) *ScheduledDowngrade {
	out := &ScheduledDowngrade{
		AccountID:      account.ID,
		SubscriptionID: sub.ID,
		CurrentPlan:    account.Plan,
		PendingPlan:    sub.PendingPlan(),
	}
	if out.PendingPlan != "" {
		out.EffectiveAt = sub.CurrentPeriodEnd
	}
	return out
}
