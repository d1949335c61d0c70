package billing

import (
	"context"
	"strings"
	"time"
)

// PendingPlanKey is the subscription metadata key carrying a scheduled
// downgrade target. It is always written together with cancel_at_period_end.
const PendingPlanKey = "pending_plan"

// UserIDMetadataKey is set on provider customers and subscriptions created
// for a local account.
const UserIDMetadataKey = "user_id"

type Interval string

const (
	IntervalMonthly Interval = "month"
	IntervalYearly  Interval = "year"
)

// ParseInterval maps provider recurring intervals to ours; anything that is
// not yearly is billed like monthly.
func ParseInterval(s string) Interval {
	if strings.EqualFold(strings.TrimSpace(s), string(IntervalYearly)) {
		return IntervalYearly
	}
	return IntervalMonthly
}

// Price is the provider price as far as plan resolution cares.
type Price struct {
	ID        string
	LookupKey string
	Interval  Interval
}

// Subscription is a provider subscription snapshot.
type Subscription struct {
	ID                string
	CustomerID        string
	Status            string
	CancelAtPeriodEnd bool
	Metadata          map[string]string
	ItemID            string
	Price             Price
	CurrentPeriodEnd  time.Time
}

// PendingPlan returns the scheduled downgrade marker, if any.
func (s *Subscription) PendingPlan() string {
	if s == nil || s.Metadata == nil {
		return ""
	}
	return strings.TrimSpace(s.Metadata[PendingPlanKey])
}

// PriceLookup is the part of the provider API used by the Resolver.
type PriceLookup interface {
	GetPrice(ctx context.Context, priceID string) (*Price, error)
	// FindPriceByLookupKey returns nil, nil when no active price has the key.
	FindPriceByLookupKey(ctx context.Context, lookupKey string) (*Price, error)
}

// CustomerDirectory is the part of the provider API used for linking.
type CustomerDirectory interface {
	// FindCustomerByEmail returns "" when no customer exists.
	FindCustomerByEmail(ctx context.Context, email string) (string, error)
	CreateCustomer(ctx context.Context, email string, userID uint) (string, error)
}

// SubscriptionAPI is the part of the provider API used for deferred downgrades.
type SubscriptionAPI interface {
	// LatestSubscription returns nil, nil when the customer has none.
	LatestSubscription(ctx context.Context, customerID string) (*Subscription, error)
	// ApplyDowngrade swaps the item price, clears cancel_at_period_end and the
	// pending plan marker in one update without proration.
	ApplyDowngrade(ctx context.Context, subscriptionID, itemID, priceID string) (*Subscription, error)
	// SetScheduledDowngrade sets cancel_at_period_end and the marker together;
	// an empty plan clears both.
	SetScheduledDowngrade(ctx context.Context, subscriptionID, plan string) (*Subscription, error)
	// ClearPendingMarker removes only the marker.
	ClearPendingMarker(ctx context.Context, subscriptionID string) error
}

// Provider is the full provider surface consumed by the billing engine.
type Provider interface {
	PriceLookup
	CustomerDirectory
	SubscriptionAPI
}
