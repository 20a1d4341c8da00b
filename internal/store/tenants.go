package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/oriys/usher/internal/domain"
)

func (s *PostgresStore) GetTenant(ctx context.Context, id string) (*domain.Tenant, error) {
	var t domain.Tenant
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, plan, timezone, daily_limit, created_at, updated_at
		FROM tenants WHERE id = $1`, id).
		Scan(&t.ID, &t.Name, &t.Plan, &t.Timezone, &t.DailyLimit, &t.CreatedAt, &t.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	return &t, nil
}

func (s *PostgresStore) SaveTenant(ctx context.Context, t *domain.Tenant) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenants (id, name, plan, timezone, daily_limit)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			plan = EXCLUDED.plan,
			timezone = EXCLUDED.timezone,
			daily_limit = EXCLUDED.daily_limit,
			updated_at = NOW()`,
		t.ID, t.Name, t.Plan, t.Timezone, t.DailyLimit)
	if err != nil {
		return fmt.Errorf("save tenant: %w", err)
	}
	return nil
}

// ConsumeDailyUsage is the quota gate's single atomic section: one
// conditional upsert that increments the counter only while it is below the
// limit. Burst over-approval is impossible because the predicate and the
// increment execute in the same statement.
func (s *PostgresStore) ConsumeDailyUsage(ctx context.Context, tenantID, date string, limit *int) (int, bool, error) {
	if limit == nil {
		var used int
		err := s.pool.QueryRow(ctx, `
			INSERT INTO tenant_daily_usage (tenant_id, usage_date, bot_count)
			VALUES ($1, $2, 1)
			ON CONFLICT (tenant_id, usage_date)
			DO UPDATE SET bot_count = tenant_daily_usage.bot_count + 1
			RETURNING bot_count`, tenantID, date).Scan(&used)
		if err != nil {
			return 0, false, fmt.Errorf("consume daily usage: %w", err)
		}
		return used, true, nil
	}

	// The insert arm is guarded too: a zero limit must not seed the day's
	// row with a count for a creation that was rejected.
	var used int
	err := s.pool.QueryRow(ctx, `
		INSERT INTO tenant_daily_usage (tenant_id, usage_date, bot_count)
		SELECT $1, $2, 1 WHERE $3 > 0
		ON CONFLICT (tenant_id, usage_date)
		DO UPDATE SET bot_count = tenant_daily_usage.bot_count + 1
		WHERE tenant_daily_usage.bot_count < $3
		RETURNING bot_count`, tenantID, date, *limit).Scan(&used)
	if err == pgx.ErrNoRows {
		// The conditional upsert matched nothing: the counter is at the limit.
		current, gerr := s.GetDailyUsage(ctx, tenantID, date)
		if gerr != nil {
			return 0, false, gerr
		}
		return current, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("consume daily usage: %w", err)
	}
	return used, true, nil
}

func (s *PostgresStore) GetDailyUsage(ctx context.Context, tenantID, date string) (int, error) {
	var used int
	err := s.pool.QueryRow(ctx, `
		SELECT bot_count FROM tenant_daily_usage
		WHERE tenant_id = $1 AND usage_date = $2`, tenantID, date).Scan(&used)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get daily usage: %w", err)
	}
	return used, nil
}
