package store

import (
	"context"
	"fmt"
	"time"
)

func (s *PostgresStore) AddScreenshot(ctx context.Context, sc *Screenshot) (*Screenshot, error) {
	out := *sc
	var capturedAt *time.Time
	if !sc.CapturedAt.IsZero() {
		capturedAt = &sc.CapturedAt
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO screenshots (bot_id, object_key, shot_type, bot_state, trigger_event, captured_at)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))
		RETURNING id, captured_at`,
		sc.BotID, sc.ObjectKey, sc.Type, sc.State, nullIfEmpty(sc.Trigger), capturedAt).
		Scan(&out.ID, &out.CapturedAt)
	if err != nil {
		return nil, fmt.Errorf("add screenshot: %w", err)
	}
	return &out, nil
}

func (s *PostgresStore) ListScreenshots(ctx context.Context, botID int64, limit int) ([]*Screenshot, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, bot_id, object_key, shot_type, bot_state, COALESCE(trigger_event, ''), captured_at
		FROM screenshots
		WHERE bot_id = $1
		ORDER BY captured_at DESC, id DESC
		LIMIT $2`, botID, limit)
	if err != nil {
		return nil, fmt.Errorf("list screenshots: %w", err)
	}
	defer rows.Close()

	out := make([]*Screenshot, 0, limit)
	for rows.Next() {
		var sc Screenshot
		if err := rows.Scan(&sc.ID, &sc.BotID, &sc.ObjectKey, &sc.Type, &sc.State, &sc.Trigger, &sc.CapturedAt); err != nil {
			return nil, fmt.Errorf("scan screenshot: %w", err)
		}
		out = append(out, &sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list screenshots rows: %w", err)
	}
	return out, nil
}
