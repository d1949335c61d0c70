package entitlements

import (
	"strings"
)

type Plan string

const (
	PlanFree       Plan = "free"
	PlanPersonal   Plan = "personal"
	PlanPro        Plan = "pro"
	PlanBusiness   Plan = "business"
	PlanEnterprise Plan = "enterprise"
)

var paidPlans = []Plan{PlanPersonal, PlanPro, PlanBusiness, PlanEnterprise}

// PaidPlans returns all non-free tiers in ascending order.
func PaidPlans() []Plan {
	out := make([]Plan, len(paidPlans))
	copy(out, paidPlans)
	return out
}

// ParsePlan returns the tier for s and whether s named a known tier.
func ParsePlan(s string) (Plan, bool) {
	p := Plan(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case PlanFree, PlanPersonal, PlanPro, PlanBusiness, PlanEnterprise:
		return p, true
	default:
		return PlanFree, false
	}
}

// Normalize maps unknown values to the free tier.
func Normalize(s string) Plan {
	p, _ := ParsePlan(s)
	return p
}

func (p Plan) Rank() int {
	switch p {
	case PlanEnterprise:
		return 4
	case PlanBusiness:
		return 3
	case PlanPro:
		return 2
	case PlanPersonal:
		return 1
	default:
		return 0
	}
}

func (p Plan) IsPaid() bool {
	return p.Rank() > 0
}

func (p Plan) String() string {
	return string(p)
}
