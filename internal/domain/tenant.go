package domain

import "time"

// SubscriptionPlan determines a tenant's effective daily bot limit.
type SubscriptionPlan string

const (
	PlanFree       SubscriptionPlan = "FREE"
	PlanPro        SubscriptionPlan = "PRO"
	PlanPayAsYouGo SubscriptionPlan = "PAY_AS_YOU_GO"
	PlanCustom     SubscriptionPlan = "CUSTOM"
)

// IsValidPlan returns true if the plan is recognized.
func IsValidPlan(p SubscriptionPlan) bool {
	switch p {
	case PlanFree, PlanPro, PlanPayAsYouGo, PlanCustom:
		return true
	}
	return false
}

// Tenant is one customer account submitting bot requests.
type Tenant struct {
	ID         string           `json:"id"`
	Name       string           `json:"name"`
	Plan       SubscriptionPlan `json:"plan"`
	Timezone   string           `json:"timezone"` // IANA name; quota days roll over in this zone
	DailyLimit *int             `json:"daily_limit,omitempty"` // CUSTOM plan override
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// Plan base limits. nil means unlimited.
var planDailyLimits = map[SubscriptionPlan]*int{
	PlanFree:       intPtr(10),
	PlanPro:        intPtr(250),
	PlanPayAsYouGo: nil,
}

func intPtr(v int) *int { return &v }

// EffectiveDailyLimit returns the tenant's daily bot limit, or nil for
// unlimited. CUSTOM tenants use their per-tenant override.
func (t *Tenant) EffectiveDailyLimit() *int {
	if t.Plan == PlanCustom {
		return t.DailyLimit
	}
	return planDailyLimits[t.Plan]
}

// LocalDate returns the tenant-local calendar date (YYYY-MM-DD) for the
// given instant, falling back to UTC when the timezone is unknown.
func (t *Tenant) LocalDate(at time.Time) string {
	loc, err := time.LoadLocation(t.Timezone)
	if err != nil || t.Timezone == "" {
		loc = time.UTC
	}
	return at.In(loc).Format("2006-01-02")
}
