// Package stripeprovider implements the billing provider surface on top of
// the Stripe API.
package stripeprovider

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/ManuelReschke/ReceiptFox/internal/pkg/billing"
)

// Provider talks to Stripe through the v83 client.
type Provider struct {
	client *stripe.Client
}

var _ billing.Provider = (*Provider)(nil)

func New(apiKey string) *Provider {
	return &Provider{client: stripe.NewClient(apiKey)}
}

// NewWithClient is used when the caller configures backends itself.
func NewWithClient(client *stripe.Client) *Provider {
	return &Provider{client: client}
}

func (p *Provider) GetPrice(ctx context.Context, priceID string) (*billing.Price, error) {
	price, err := p.client.V1Prices.Retrieve(ctx, priceID, nil)
	if err != nil {
		if isMissing(err) {
			return nil, nil
		}
		return nil, apiError("retrieve price "+priceID, err)
	}
	out := toPrice(price)
	return &out, nil
}

func (p *Provider) FindPriceByLookupKey(ctx context.Context, lookupKey string) (*billing.Price, error) {
	params := &stripe.PriceListParams{
		LookupKeys: []*string{stripe.String(lookupKey)},
		Active:     stripe.Bool(true),
	}
	params.Limit = stripe.Int64(1)
	for price, err := range p.client.V1Prices.List(ctx, params) {
		if err != nil {
			return nil, apiError("list prices by lookup key "+lookupKey, err)
		}
		out := toPrice(price)
		return &out, nil
	}
	return nil, nil
}

func (p *Provider) FindCustomerByEmail(ctx context.Context, email string) (string, error) {
	params := &stripe.CustomerListParams{Email: stripe.String(email)}
	params.Limit = stripe.Int64(1)
	for cust, err := range p.client.V1Customers.List(ctx, params) {
		if err != nil {
			return "", apiError("list customers", err)
		}
		return cust.ID, nil
	}
	return "", nil
}

func (p *Provider) CreateCustomer(ctx context.Context, email string, userID uint) (string, error) {
	params := &stripe.CustomerCreateParams{Email: stripe.String(email)}
	params.AddMetadata(billing.UserIDMetadataKey, strconv.FormatUint(uint64(userID), 10))
	cust, err := p.client.V1Customers.Create(ctx, params)
	if err != nil {
		return "", apiError("create customer", err)
	}
	return cust.ID, nil
}

// LatestSubscription returns the most recently created subscription in any
// status.
func (p *Provider) LatestSubscription(ctx context.Context, customerID string) (*billing.Subscription, error) {
	params := &stripe.SubscriptionListParams{}
	params.Customer = stripe.String(customerID)
	params.Status = stripe.String("all")
	params.Limit = stripe.Int64(1)
	for sub, err := range p.client.V1Subscriptions.List(ctx, params) {
		if err != nil {
			return nil, apiError("list subscriptions for "+customerID, err)
		}
		return toSubscription(sub), nil
	}
	return nil, nil
}

func (p *Provider) ApplyDowngrade(ctx context.Context, subscriptionID, itemID, priceID string) (*billing.Subscription, error) {
	params := &stripe.SubscriptionUpdateParams{
		Items: []*stripe.SubscriptionUpdateItemParams{
			{ID: stripe.String(itemID), Price: stripe.String(priceID)},
		},
		CancelAtPeriodEnd: stripe.Bool(false),
		ProrationBehavior: stripe.String("none"),
	}
	params.AddMetadata(billing.PendingPlanKey, "")
	return p.update(ctx, subscriptionID, params)
}

func (p *Provider) SetScheduledDowngrade(ctx context.Context, subscriptionID, plan string) (*billing.Subscription, error) {
	params := &stripe.SubscriptionUpdateParams{
		CancelAtPeriodEnd: stripe.Bool(plan != ""),
	}
	params.AddMetadata(billing.PendingPlanKey, plan)
	return p.update(ctx, subscriptionID, params)
}

func (p *Provider) ClearPendingMarker(ctx context.Context, subscriptionID string) error {
	params := &stripe.SubscriptionUpdateParams{}
	params.AddMetadata(billing.PendingPlanKey, "")
	_, err := p.update(ctx, subscriptionID, params)
	return err
}

func (p *Provider) update(ctx context.Context, subscriptionID string, params *stripe.SubscriptionUpdateParams) (*billing.Subscription, error) {
	sub, err := p.client.V1Subscriptions.Update(ctx, subscriptionID, params)
	if err != nil {
		return nil, apiError("update subscription "+subscriptionID, err)
	}
	return toSubscription(sub), nil
}

func toPrice(price *stripe.Price) billing.Price {
	if price == nil {
		return billing.Price{}
	}
	out := billing.Price{ID: price.ID, LookupKey: price.LookupKey}
	if price.Recurring != nil {
		out.Interval = billing.ParseInterval(string(price.Recurring.Interval))
	}
	return out
}

func toSubscription(sub *stripe.Subscription) *billing.Subscription {
	out := &billing.Subscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		Metadata:          sub.Metadata,
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		out.ItemID = item.ID
		out.Price = toPrice(item.Price)
		if item.CurrentPeriodEnd > 0 {
			out.CurrentPeriodEnd = time.Unix(item.CurrentPeriodEnd, 0).UTC()
		}
	}
	return out
}

func isMissing(err error) bool {
	var serr *stripe.Error
	return errors.As(err, &serr) && serr.Code == stripe.ErrorCodeResourceMissing
}

func apiError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", billing.ErrProviderAPI, op, err)
}
