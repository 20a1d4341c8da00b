package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oriys/usher/internal/domain"
)

const slotColumns = `id, slot_name, container_service_id, platform, status,
	assigned_bot_id, last_used_at, recovery_attempts, error_message, created_at`

func scanSlot(row pgx.Row) (*domain.PoolSlot, error) {
	var (
		sl           domain.PoolSlot
		errorMessage *string
	)
	err := row.Scan(
		&sl.ID, &sl.SlotName, &sl.ServiceID, &sl.Platform, &sl.Status,
		&sl.AssignedBotID, &sl.LastUsedAt, &sl.RecoveryAttempts,
		&errorMessage, &sl.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if errorMessage != nil {
		sl.ErrorMessage = *errorMessage
	}
	return &sl, nil
}

// AcquireIdleSlot flips one idle slot to busy for the bot. SKIP LOCKED makes
// N concurrent acquirers obtain N distinct slots (or nulls); the oldest idle
// slot wins the tie-break.
func (s *PostgresStore) AcquireIdleSlot(ctx context.Context, platform domain.MeetingPlatform, botID int64) (*domain.PoolSlot, error) {
	slot, err := scanSlot(s.pool.QueryRow(ctx, `
		UPDATE pool_slots SET
			status = 'busy',
			assigned_bot_id = $2,
			last_used_at = NOW()
		WHERE id = (
			SELECT id FROM pool_slots
			WHERE platform = $1 AND status = 'idle'
			ORDER BY last_used_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+slotColumns, platform, botID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("acquire idle slot: %w", err)
	}
	return slot, nil
}

// CreateSlot grows the pool by one slot under the pool advisory lock so that
// concurrent growers see a consistent count, respect the cap, and derive
// distinct ordinals. The serviceID callback creates the backing container
// once the name is fixed; its error aborts the insert.
func (s *PostgresStore) CreateSlot(ctx context.Context, platform domain.MeetingPlatform, serviceID func(slotName string) (string, error), botID int64, maxSize int) (*domain.PoolSlot, int, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, 0, fmt.Errorf("begin create slot: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.acquirePoolGrowthLock(ctx, tx, platform); err != nil {
		return nil, 0, err
	}

	var count int
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM pool_slots WHERE platform = $1`, platform).Scan(&count); err != nil {
		return nil, 0, fmt.Errorf("count pool slots: %w", err)
	}
	if count >= maxSize {
		return nil, count, nil
	}

	slotName := fmt.Sprintf("pool-%s-%03d", platform, count+1)
	svcID, err := serviceID(slotName)
	if err != nil {
		return nil, count, err
	}

	slot, err := scanSlot(tx.QueryRow(ctx, `
		INSERT INTO pool_slots (slot_name, container_service_id, platform, status, assigned_bot_id, last_used_at)
		VALUES ($1, $2, $3, 'deploying', NULLIF($4, 0), NOW())
		RETURNING `+slotColumns, slotName, svcID, platform, botID))
	if err != nil {
		return nil, count, fmt.Errorf("insert pool slot: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, count, fmt.Errorf("commit create slot: %w", err)
	}
	return slot, count + 1, nil
}

func (s *PostgresStore) GetSlotByBot(ctx context.Context, botID int64) (*domain.PoolSlot, error) {
	slot, err := scanSlot(s.pool.QueryRow(ctx,
		`SELECT `+slotColumns+` FROM pool_slots WHERE assigned_bot_id = $1`, botID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get slot by bot: %w", err)
	}
	return slot, nil
}

func (s *PostgresStore) GetSlot(ctx context.Context, id int64) (*domain.PoolSlot, error) {
	slot, err := scanSlot(s.pool.QueryRow(ctx,
		`SELECT `+slotColumns+` FROM pool_slots WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: %d", ErrSlotNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get slot: %w", err)
	}
	return slot, nil
}

func (s *PostgresStore) ListSlots(ctx context.Context, platform domain.MeetingPlatform) ([]*domain.PoolSlot, error) {
	query := `SELECT ` + slotColumns + ` FROM pool_slots`
	args := []any{}
	if platform != "" {
		query += ` WHERE platform = $1`
		args = append(args, platform)
	}
	query += ` ORDER BY slot_name ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	defer rows.Close()

	var out []*domain.PoolSlot
	for rows.Next() {
		sl, err := scanSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan slot: %w", err)
		}
		out = append(out, sl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list slots rows: %w", err)
	}
	return out, nil
}

// ReleaseSlot returns a slot to the idle set, clearing assignment, error
// state and the recovery budget.
func (s *PostgresStore) ReleaseSlot(ctx context.Context, id int64) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE pool_slots SET
			status = 'idle',
			assigned_bot_id = NULL,
			last_used_at = NOW(),
			error_message = NULL,
			recovery_attempts = 0
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("release slot: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrSlotNotFound, id)
	}
	return nil
}

func (s *PostgresStore) MarkSlotBusy(ctx context.Context, id int64, botID int64) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE pool_slots SET status = 'busy', assigned_bot_id = $2, last_used_at = NOW()
		WHERE id = $1`, id, botID)
	if err != nil {
		return fmt.Errorf("mark slot busy: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrSlotNotFound, id)
	}
	return nil
}

func (s *PostgresStore) MarkSlotError(ctx context.Context, id int64, message string) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE pool_slots SET status = 'error', error_message = $2, last_used_at = NOW()
		WHERE id = $1`, id, message)
	if err != nil {
		return fmt.Errorf("mark slot error: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrSlotNotFound, id)
	}
	return nil
}

// ResetSlot is the recovery path back to idle after a successful stop.
func (s *PostgresStore) ResetSlot(ctx context.Context, id int64) error {
	return s.ReleaseSlot(ctx, id)
}

func (s *PostgresStore) IncrementSlotRecovery(ctx context.Context, id int64) (int, error) {
	var attempts int
	err := s.pool.QueryRow(ctx, `
		UPDATE pool_slots SET recovery_attempts = recovery_attempts + 1
		WHERE id = $1
		RETURNING recovery_attempts`, id).Scan(&attempts)
	if err == pgx.ErrNoRows {
		return 0, fmt.Errorf("%w: %d", ErrSlotNotFound, id)
	}
	if err != nil {
		return 0, fmt.Errorf("increment slot recovery: %w", err)
	}
	return attempts, nil
}

func (s *PostgresStore) DeleteSlot(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM pool_slots WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete slot: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListBrokenSlots(ctx context.Context, stuckSince time.Time) ([]*domain.PoolSlot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+slotColumns+` FROM pool_slots
		WHERE status = 'error'
		   OR (status = 'deploying' AND last_used_at < $1)
		ORDER BY last_used_at ASC`, stuckSince)
	if err != nil {
		return nil, fmt.Errorf("list broken slots: %w", err)
	}
	defer rows.Close()

	var out []*domain.PoolSlot
	for rows.Next() {
		sl, err := scanSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan broken slot: %w", err)
		}
		out = append(out, sl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list broken slots rows: %w", err)
	}
	return out, nil
}
