package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the durable source of truth for bots, slots, the waiting
// queue, events, chat messages, screenshots, tenants and API keys.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &PostgresStore{pool: pool}

	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tenants (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			plan TEXT NOT NULL DEFAULT 'FREE',
			timezone TEXT NOT NULL DEFAULT 'UTC',
			daily_limit INTEGER,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS bots (
			id BIGSERIAL PRIMARY KEY,
			tenant_id TEXT NOT NULL REFERENCES tenants(id),
			meeting_info JSONB NOT NULL,
			meeting_title TEXT NOT NULL DEFAULT '',
			display_name TEXT NOT NULL,
			scheduled_start TIMESTAMPTZ,
			scheduled_end TIMESTAMPTZ,
			recording_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			chat_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			heartbeat_interval_ms INTEGER NOT NULL DEFAULT 10000,
			automatic_leave JSONB NOT NULL DEFAULT '{}'::jsonb,
			callback_url TEXT,
			status TEXT NOT NULL DEFAULT 'CREATED',
			last_heartbeat TIMESTAMPTZ,
			deployment_platform TEXT,
			platform_identifier TEXT,
			recording_key TEXT,
			speaker_timeframes JSONB,
			deployment_error TEXT,
			leave_requested BOOLEAN NOT NULL DEFAULT FALSE,
			desired_log_level TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bots_tenant ON bots(tenant_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_bots_status ON bots(status)`,
		`CREATE TABLE IF NOT EXISTS pool_slots (
			id BIGSERIAL PRIMARY KEY,
			slot_name TEXT NOT NULL UNIQUE,
			container_service_id TEXT NOT NULL,
			platform TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'deploying',
			assigned_bot_id BIGINT,
			last_used_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			recovery_attempts INTEGER NOT NULL DEFAULT 0,
			error_message TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pool_slots_status ON pool_slots(platform, status, last_used_at)`,
		`CREATE TABLE IF NOT EXISTS queue_entries (
			id BIGSERIAL PRIMARY KEY,
			bot_id BIGINT NOT NULL UNIQUE REFERENCES bots(id) ON DELETE CASCADE,
			priority INTEGER NOT NULL DEFAULT 100,
			queued_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			timeout_at TIMESTAMPTZ NOT NULL,
			locked_by TEXT,
			locked_until TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_order ON queue_entries(priority ASC, queued_at ASC, id ASC)`,
		`CREATE TABLE IF NOT EXISTS bot_events (
			id BIGSERIAL PRIMARY KEY,
			bot_id BIGINT NOT NULL REFERENCES bots(id) ON DELETE CASCADE,
			event_type TEXT NOT NULL,
			event_time TIMESTAMPTZ NOT NULL,
			data JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bot_events_bot ON bot_events(bot_id, event_time ASC, id ASC)`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id BIGSERIAL PRIMARY KEY,
			bot_id BIGINT NOT NULL REFERENCES bots(id) ON DELETE CASCADE,
			message_text TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_messages_bot ON chat_messages(bot_id, id ASC)`,
		`CREATE TABLE IF NOT EXISTS screenshots (
			id BIGSERIAL PRIMARY KEY,
			bot_id BIGINT NOT NULL REFERENCES bots(id) ON DELETE CASCADE,
			object_key TEXT NOT NULL,
			shot_type TEXT NOT NULL,
			bot_state TEXT NOT NULL,
			trigger_event TEXT,
			captured_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_screenshots_bot ON screenshots(bot_id, captured_at DESC)`,
		`CREATE TABLE IF NOT EXISTS tenant_daily_usage (
			tenant_id TEXT NOT NULL REFERENCES tenants(id),
			usage_date DATE NOT NULL,
			bot_count INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (tenant_id, usage_date)
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			name TEXT PRIMARY KEY,
			key_hash TEXT NOT NULL UNIQUE,
			tenant_id TEXT NOT NULL REFERENCES tenants(id),
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			expires_at TIMESTAMPTZ,
			last_used_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_hash ON api_keys(key_hash)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
