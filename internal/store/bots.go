package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oriys/usher/internal/domain"
)

const botColumns = `id, tenant_id, meeting_info, meeting_title, display_name,
	scheduled_start, scheduled_end, recording_enabled, chat_enabled,
	heartbeat_interval_ms, automatic_leave, callback_url, status,
	last_heartbeat, deployment_platform, platform_identifier, recording_key,
	speaker_timeframes, deployment_error, leave_requested, desired_log_level,
	created_at, updated_at`

func scanBot(row pgx.Row) (*domain.Bot, error) {
	var (
		b                 domain.Bot
		meetingInfo       []byte
		automaticLeave    []byte
		speakerTimeframes []byte
		callbackURL       *string
		deployPlatform    *string
		platformID        *string
		recordingKey      *string
		deploymentError   *string
		desiredLogLevel   *string
	)
	err := row.Scan(
		&b.ID, &b.TenantID, &meetingInfo, &b.MeetingTitle, &b.DisplayName,
		&b.ScheduledStart, &b.ScheduledEnd, &b.RecordingEnabled, &b.ChatEnabled,
		&b.HeartbeatInterval, &automaticLeave, &callbackURL, &b.Status,
		&b.LastHeartbeat, &deployPlatform, &platformID, &recordingKey,
		&speakerTimeframes, &deploymentError, &b.LeaveRequested, &desiredLogLevel,
		&b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(meetingInfo, &b.MeetingInfo); err != nil {
		return nil, fmt.Errorf("parse meeting info: %w", err)
	}
	if len(automaticLeave) > 0 {
		if err := json.Unmarshal(automaticLeave, &b.AutomaticLeave); err != nil {
			return nil, fmt.Errorf("parse automatic leave: %w", err)
		}
	}
	if len(speakerTimeframes) > 0 {
		if err := json.Unmarshal(speakerTimeframes, &b.SpeakerTimeframes); err != nil {
			return nil, fmt.Errorf("parse speaker timeframes: %w", err)
		}
	}
	if callbackURL != nil {
		b.CallbackURL = *callbackURL
	}
	if deployPlatform != nil {
		b.DeploymentPlatform = *deployPlatform
	}
	if platformID != nil {
		b.PlatformIdentifier = *platformID
	}
	if recordingKey != nil {
		b.RecordingKey = *recordingKey
	}
	if deploymentError != nil {
		b.DeploymentError = *deploymentError
	}
	if desiredLogLevel != nil {
		b.DesiredLogLevel = *desiredLogLevel
	}
	return &b, nil
}

func (s *PostgresStore) CreateBot(ctx context.Context, bot *domain.Bot) (*domain.Bot, error) {
	meetingInfo, err := json.Marshal(bot.MeetingInfo)
	if err != nil {
		return nil, fmt.Errorf("marshal meeting info: %w", err)
	}
	automaticLeave, err := json.Marshal(bot.AutomaticLeave)
	if err != nil {
		return nil, fmt.Errorf("marshal automatic leave: %w", err)
	}

	created, err := scanBot(s.pool.QueryRow(ctx, `
		INSERT INTO bots (tenant_id, meeting_info, meeting_title, display_name,
			scheduled_start, scheduled_end, recording_enabled, chat_enabled,
			heartbeat_interval_ms, automatic_leave, callback_url, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING `+botColumns,
		bot.TenantID, meetingInfo, bot.MeetingTitle, bot.DisplayName,
		bot.ScheduledStart, bot.ScheduledEnd, bot.RecordingEnabled, bot.ChatEnabled,
		bot.HeartbeatInterval, automaticLeave, nullIfEmpty(bot.CallbackURL),
		domain.StatusCreated,
	))
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetBot(ctx context.Context, id int64) (*domain.Bot, error) {
	bot, err := scanBot(s.pool.QueryRow(ctx,
		`SELECT `+botColumns+` FROM bots WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: %d", ErrBotNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get bot: %w", err)
	}
	return bot, nil
}

func (s *PostgresStore) ListBots(ctx context.Context, tenantID string, limit int) ([]*domain.Bot, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+botColumns+` FROM bots
		WHERE tenant_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list bots: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.Bot, 0, limit)
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bot: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list bots rows: %w", err)
	}
	return out, nil
}

// ListDeployableBots returns CREATED bots whose scheduled start (if any)
// falls at or before the horizon. The scheduler sweep deploys them.
func (s *PostgresStore) ListDeployableBots(ctx context.Context, horizon time.Time, limit int) ([]*domain.Bot, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+botColumns+` FROM bots
		WHERE status = 'CREATED'
		  AND (scheduled_start IS NULL OR scheduled_start <= $1)
		ORDER BY scheduled_start ASC NULLS FIRST, id ASC
		LIMIT $2`, horizon, limit)
	if err != nil {
		return nil, fmt.Errorf("list deployable bots: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.Bot, 0, limit)
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bot: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list deployable bots rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) DeleteBots(ctx context.Context, tenantID string, ids []int64) (int64, error) {
	ct, err := s.pool.Exec(ctx,
		`DELETE FROM bots WHERE tenant_id = $1 AND id = ANY($2)`, tenantID, ids)
	if err != nil {
		return 0, fmt.Errorf("delete bots: %w", err)
	}
	return ct.RowsAffected(), nil
}

// UpdateBotStatus is the single write path for status transitions. Terminal
// statuses are monotonic: once DONE, FATAL or CANCELLED the row rejects any
// further transition.
func (s *PostgresStore) UpdateBotStatus(ctx context.Context, id int64, status domain.BotStatus) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE bots SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('DONE','FATAL','CANCELLED')`,
		id, status)
	if err != nil {
		return fmt.Errorf("update bot status: %w", err)
	}
	if ct.RowsAffected() == 0 {
		if _, err := s.GetBot(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: bot %d", ErrTerminalStatus, id)
	}
	return nil
}

func (s *PostgresStore) SetBotDeployment(ctx context.Context, id int64, platform, identifier string) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE bots SET deployment_platform = $2, platform_identifier = $3, updated_at = NOW()
		WHERE id = $1`, id, platform, identifier)
	if err != nil {
		return fmt.Errorf("set bot deployment: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrBotNotFound, id)
	}
	return nil
}

// SetBotFatal records a deployment failure. Unlike UpdateBotStatus it writes
// the error message together with the FATAL transition, still honoring
// terminal monotonicity.
func (s *PostgresStore) SetBotFatal(ctx context.Context, id int64, deploymentError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE bots SET status = 'FATAL', deployment_error = $2, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('DONE','FATAL','CANCELLED')`,
		id, deploymentError)
	if err != nil {
		return fmt.Errorf("set bot fatal: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetBotHeartbeat(ctx context.Context, id int64, at time.Time) error {
	ct, err := s.pool.Exec(ctx,
		`UPDATE bots SET last_heartbeat = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("set bot heartbeat: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrBotNotFound, id)
	}
	return nil
}

func (s *PostgresStore) SetLeaveRequested(ctx context.Context, id int64, requested bool) error {
	ct, err := s.pool.Exec(ctx,
		`UPDATE bots SET leave_requested = $2, updated_at = NOW() WHERE id = $1`, id, requested)
	if err != nil {
		return fmt.Errorf("set leave requested: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrBotNotFound, id)
	}
	return nil
}

func (s *PostgresStore) SetDesiredLogLevel(ctx context.Context, id int64, level string) error {
	ct, err := s.pool.Exec(ctx,
		`UPDATE bots SET desired_log_level = $2, updated_at = NOW() WHERE id = $1`,
		id, nullIfEmpty(level))
	if err != nil {
		return fmt.Errorf("set desired log level: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrBotNotFound, id)
	}
	return nil
}

func (s *PostgresStore) AttachRecording(ctx context.Context, id int64, recordingKey string, timeframes []domain.SpeakerTimeframe) error {
	var tf []byte
	if len(timeframes) > 0 {
		var err error
		tf, err = json.Marshal(timeframes)
		if err != nil {
			return fmt.Errorf("marshal speaker timeframes: %w", err)
		}
	}
	ct, err := s.pool.Exec(ctx, `
		UPDATE bots SET recording_key = $2, speaker_timeframes = $3, updated_at = NOW()
		WHERE id = $1`, id, nullIfEmpty(recordingKey), tf)
	if err != nil {
		return fmt.Errorf("attach recording: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrBotNotFound, id)
	}
	return nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
