// Package quota gates bot creation on the tenant's daily allowance. The
// check and the increment are one conditional upsert in the store, so
// concurrent creations can never over-admit.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oriys/usher/internal/domain"
	"github.com/oriys/usher/internal/logging"
	"github.com/oriys/usher/internal/metrics"
	"github.com/oriys/usher/internal/store"
)

// ErrQuotaExceeded rejects bot creation once the tenant's daily limit is
// reached.
var ErrQuotaExceeded = errors.New("daily bot quota exceeded")

// Decision reports the quota state after an admission attempt.
type Decision struct {
	TenantID string `json:"tenant_id"`
	Date     string `json:"date"` // tenant-local calendar day
	Used     int    `json:"used"`
	Limit    *int   `json:"limit,omitempty"` // nil means unlimited
}

// Gate admits or rejects bot creation per tenant and day.
type Gate struct {
	tenants store.TenantStore
}

func NewGate(tenants store.TenantStore) *Gate {
	return &Gate{tenants: tenants}
}

// Admit consumes one unit of the tenant's daily allowance. The quota day
// rolls over at midnight in the tenant's timezone. Unknown tenants are
// admitted as FREE-plan accounts in UTC; the default row is persisted first
// so the usage counter and the bot row have a tenant to reference.
func (g *Gate) Admit(ctx context.Context, tenantID string) (*Decision, error) {
	tenant, err := g.tenants.GetTenant(ctx, tenantID)
	if err != nil {
		if !errors.Is(err, store.ErrTenantNotFound) {
			return nil, err
		}
		tenant = &domain.Tenant{ID: tenantID, Plan: domain.PlanFree}
		if err := g.tenants.SaveTenant(ctx, tenant); err != nil {
			return nil, fmt.Errorf("bootstrap tenant %s: %w", tenantID, err)
		}
		logging.Op().Info("unknown tenant bootstrapped on the free plan", "tenant_id", tenantID)
	}

	limit := tenant.EffectiveDailyLimit()
	date := tenant.LocalDate(time.Now())

	used, allowed, err := g.tenants.ConsumeDailyUsage(ctx, tenantID, date, limit)
	if err != nil {
		return nil, err
	}

	decision := &Decision{TenantID: tenantID, Date: date, Used: used, Limit: limit}
	if !allowed {
		metrics.QuotaDecisions.WithLabelValues("rejected").Inc()
		logging.Op().Info("bot creation rejected by quota",
			"tenant_id", tenantID, "date", date, "used", used, "limit", *limit)
		return decision, fmt.Errorf("%w: tenant %s used %d of %d for %s",
			ErrQuotaExceeded, tenantID, used, *limit, date)
	}
	metrics.QuotaDecisions.WithLabelValues("admitted").Inc()
	return decision, nil
}

// Usage reports consumption without consuming.
func (g *Gate) Usage(ctx context.Context, tenantID string) (*Decision, error) {
	tenant, err := g.tenants.GetTenant(ctx, tenantID)
	if err != nil {
		if !errors.Is(err, store.ErrTenantNotFound) {
			return nil, err
		}
		tenant = &domain.Tenant{ID: tenantID, Plan: domain.PlanFree}
	}
	date := tenant.LocalDate(time.Now())
	used, err := g.tenants.GetDailyUsage(ctx, tenantID, date)
	if err != nil {
		return nil, err
	}
	return &Decision{
		TenantID: tenantID,
		Date:     date,
		Used:     used,
		Limit:    tenant.EffectiveDailyLimit(),
	}, nil
}
