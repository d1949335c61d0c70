package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	"github.com/samber/lo"

	"github.com/ManuelReschke/ReceiptFox/internal/pkg/config"
	"github.com/ManuelReschke/ReceiptFox/internal/pkg/entitlements"
)

// PriceEntry maps one configured price id and/or lookup key to a tier.
type PriceEntry struct {
	Plan      entitlements.Plan
	Interval  Interval
	PriceID   string
	LookupKey string
}

// Resolution is the outcome of mapping a provider price to a tier.
type Resolution struct {
	Plan     entitlements.Plan
	Interval Interval
}

// Resolver maps provider prices to internal plan tiers and back.
type Resolver struct {
	entries []PriceEntry
	lookup  PriceLookup
}

// NewResolver builds a resolver. lookup may be nil when the provider API is
// not configured; lookup-key resolution is then limited to keys carried on
// event snapshots.
func NewResolver(entries []PriceEntry, lookup PriceLookup) *Resolver {
	clean := lo.Filter(entries, func(e PriceEntry, _ int) bool {
		return e.Plan.IsPaid() && (e.PriceID != "" || e.LookupKey != "")
	})
	return &Resolver{entries: clean, lookup: lookup}
}

// EntriesFromConfig converts configured prices.
func EntriesFromConfig(prices []config.PriceConfig) []PriceEntry {
	return lo.Map(prices, func(p config.PriceConfig, _ int) PriceEntry {
		return PriceEntry{
			Plan:      p.Plan,
			Interval:  ParseInterval(p.Interval),
			PriceID:   strings.TrimSpace(p.PriceID),
			LookupKey: strings.TrimSpace(p.LookupKey),
		}
	})
}

func (r *Resolver) hasLookupKeys() bool {
	return lo.ContainsBy(r.entries, func(e PriceEntry) bool { return e.LookupKey != "" })
}

// Resolve maps a price to a tier: direct id match first, then the lookup
// key on the snapshot, then the lookup key fetched from the provider.
// Returns ErrUnresolvedPrice when nothing matches.
func (r *Resolver) Resolve(ctx context.Context, price Price) (Resolution, error) {
	if price.ID == "" && price.LookupKey == "" {
		return Resolution{}, ErrUnresolvedPrice
	}
	if price.ID != "" {
		if e, ok := lo.Find(r.entries, func(e PriceEntry) bool { return e.PriceID == price.ID }); ok {
			return Resolution{Plan: e.Plan, Interval: e.Interval}, nil
		}
	}
	if !r.hasLookupKeys() {
		return Resolution{}, ErrUnresolvedPrice
	}

	key := price.LookupKey
	interval := price.Interval
	if key == "" && price.ID != "" && r.lookup != nil {
		fetched, err := r.lookup.GetPrice(ctx, price.ID)
		if err != nil {
			return Resolution{}, fmt.Errorf("resolve price %s: %w", price.ID, err)
		}
		if fetched != nil {
			key = fetched.LookupKey
			interval = fetched.Interval
		}
	}
	if key == "" {
		return Resolution{}, ErrUnresolvedPrice
	}
	if e, ok := lo.Find(r.entries, func(e PriceEntry) bool { return e.LookupKey == key }); ok {
		if interval == "" {
			interval = e.Interval
		}
		return Resolution{Plan: e.Plan, Interval: interval}, nil
	}
	return Resolution{}, ErrUnresolvedPrice
}

// PriceFor returns the price id to bill plan at interval. When no yearly
// price exists for the tier the monthly one is used.
func (r *Resolver) PriceFor(ctx context.Context, plan entitlements.Plan, interval Interval) (string, error) {
	id, err := r.priceFor(ctx, plan, interval)
	if err == nil || interval == IntervalMonthly {
		return id, err
	}
	if !errors.Is(err, ErrUnresolvedPrice) {
		return "", err
	}
	log.Debugf("[Billing] No %s price for plan %s, falling back to monthly", interval, plan)
	return r.priceFor(ctx, plan, IntervalMonthly)
}

func (r *Resolver) priceFor(ctx context.Context, plan entitlements.Plan, interval Interval) (string, error) {
	e, ok := lo.Find(r.entries, func(e PriceEntry) bool { return e.Plan == plan && e.Interval == interval })
	if !ok {
		return "", ErrUnresolvedPrice
	}
	if e.PriceID != "" {
		return e.PriceID, nil
	}
	if r.lookup == nil {
		return "", ErrUnresolvedPrice
	}
	p, err := r.lookup.FindPriceByLookupKey(ctx, e.LookupKey)
	if err != nil {
		return "", fmt.Errorf("find price by lookup key %s: %w", e.LookupKey, err)
	}
	if p == nil || p.ID == "" {
		return "", ErrUnresolvedPrice
	}
	return p.ID, nil
}
