package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oriys/usher/internal/domain"
)

const queueColumns = `id, bot_id, priority, queued_at, timeout_at`

func scanQueueEntry(row pgx.Row) (*domain.QueueEntry, error) {
	var e domain.QueueEntry
	if err := row.Scan(&e.ID, &e.BotID, &e.Priority, &e.QueuedAt, &e.TimeoutAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresStore) Enqueue(ctx context.Context, botID int64, priority int, timeoutAt time.Time) (*domain.QueueEntry, error) {
	entry, err := scanQueueEntry(s.pool.QueryRow(ctx, `
		INSERT INTO queue_entries (bot_id, priority, timeout_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (bot_id) DO UPDATE SET timeout_at = EXCLUDED.timeout_at
		RETURNING `+queueColumns, botID, priority, timeoutAt))
	if err != nil {
		return nil, fmt.Errorf("enqueue bot %d: %w", botID, err)
	}
	return entry, nil
}

// QueuePosition returns the 1-indexed position of the bot under the
// canonical (priority ASC, queued_at ASC, id ASC) ordering, or 0 when the
// bot is not queued.
func (s *PostgresStore) QueuePosition(ctx context.Context, botID int64) (int, error) {
	var position int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM queue_entries q, queue_entries me
		WHERE me.bot_id = $1
		  AND (q.priority, q.queued_at, q.id) <= (me.priority, me.queued_at, me.id)`,
		botID).Scan(&position)
	if err != nil {
		return 0, fmt.Errorf("queue position: %w", err)
	}
	return position, nil
}

// ClaimNextQueueEntry leases the head of the queue for one drain worker.
// Claims are leases, not removals: the worker deletes the entry only after
// a slot is secured, and releases the claim otherwise. Expired leases are
// reclaimable so a crashed worker cannot wedge the queue.
func (s *PostgresStore) ClaimNextQueueEntry(ctx context.Context, workerID string, lease time.Duration) (*domain.QueueEntry, error) {
	if workerID == "" {
		workerID = "drain-worker"
	}
	if lease <= 0 {
		lease = 30 * time.Second
	}
	now := time.Now().UTC()
	entry, err := scanQueueEntry(s.pool.QueryRow(ctx, `
		UPDATE queue_entries SET locked_by = $1, locked_until = $2
		WHERE id = (
			SELECT id FROM queue_entries
			WHERE locked_until IS NULL OR locked_until < $3
			ORDER BY priority ASC, queued_at ASC, id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+queueColumns, workerID, now.Add(lease), now))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim queue entry: %w", err)
	}
	return entry, nil
}

func (s *PostgresStore) ReleaseQueueEntry(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE queue_entries SET locked_by = NULL, locked_until = NULL
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("release queue entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteQueueEntry(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM queue_entries WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete queue entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteQueueEntryByBot(ctx context.Context, botID int64) (bool, error) {
	ct, err := s.pool.Exec(ctx, `DELETE FROM queue_entries WHERE bot_id = $1`, botID)
	if err != nil {
		return false, fmt.Errorf("delete queue entry by bot: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

func (s *PostgresStore) ExpiredQueueEntries(ctx context.Context, now time.Time) ([]*domain.QueueEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+queueColumns+` FROM queue_entries
		WHERE timeout_at < $1
		ORDER BY timeout_at ASC`, now)
	if err != nil {
		return nil, fmt.Errorf("expired queue entries: %w", err)
	}
	defer rows.Close()

	var out []*domain.QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("expired queue entries rows: %w", err)
	}
	return out, nil
}
