package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/oriys/usher/internal/domain"
)

const eventColumns = `id, bot_id, event_type, event_time, data`

func scanEvent(row pgx.Row) (*domain.Event, error) {
	var (
		ev   domain.Event
		data []byte
	)
	if err := row.Scan(&ev.ID, &ev.BotID, &ev.Type, &ev.EventTime, &data); err != nil {
		return nil, err
	}
	if len(data) > 0 {
		ev.Data = &domain.EventData{}
		if err := json.Unmarshal(data, ev.Data); err != nil {
			return nil, fmt.Errorf("parse event data: %w", err)
		}
	}
	return &ev, nil
}

// AppendEvent inserts one event. The log is insert-only; re-delivery of the
// same event produces a duplicate row, which the status projection tolerates.
func (s *PostgresStore) AppendEvent(ctx context.Context, ev *domain.Event) (*domain.Event, error) {
	var data []byte
	if ev.Data != nil {
		var err error
		data, err = json.Marshal(ev.Data)
		if err != nil {
			return nil, fmt.Errorf("marshal event data: %w", err)
		}
	}
	inserted, err := scanEvent(s.pool.QueryRow(ctx, `
		INSERT INTO bot_events (bot_id, event_type, event_time, data)
		VALUES ($1, $2, $3, $4)
		RETURNING `+eventColumns,
		ev.BotID, ev.Type, ev.EventTime, data))
	if err != nil {
		return nil, fmt.Errorf("append event: %w", err)
	}
	return inserted, nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, botID int64, limit int) ([]*domain.Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+` FROM bot_events
		WHERE bot_id = $1
		ORDER BY event_time ASC, id ASC
		LIMIT $2`, botID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.Event, 0, limit)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) LatestStatusEvent(ctx context.Context, botID int64) (*domain.Event, error) {
	ev, err := scanEvent(s.pool.QueryRow(ctx, `
		SELECT `+eventColumns+` FROM bot_events
		WHERE bot_id = $1
		  AND event_type IN ('DEPLOYING','JOINING_CALL','IN_WAITING_ROOM','IN_CALL','CALL_ENDED','DONE','FATAL')
		ORDER BY event_time DESC, id DESC
		LIMIT 1`, botID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest status event: %w", err)
	}
	return ev, nil
}
