package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

func (s *PostgresStore) SaveAPIKey(ctx context.Context, key *APIKey) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO api_keys (name, key_hash, tenant_id, enabled, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name) DO UPDATE SET
			key_hash = EXCLUDED.key_hash,
			tenant_id = EXCLUDED.tenant_id,
			enabled = EXCLUDED.enabled,
			expires_at = EXCLUDED.expires_at,
			updated_at = NOW()`,
		key.Name, key.KeyHash, key.TenantID, key.Enabled, key.ExpiresAt)
	if err != nil {
		return fmt.Errorf("save api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAPIKeyByHash(ctx context.Context, keyHash string) (*APIKey, error) {
	var k APIKey
	err := s.pool.QueryRow(ctx, `
		SELECT name, key_hash, tenant_id, enabled, expires_at, last_used_at, created_at, updated_at
		FROM api_keys WHERE key_hash = $1`, keyHash).
		Scan(&k.Name, &k.KeyHash, &k.TenantID, &k.Enabled, &k.ExpiresAt, &k.LastUsedAt, &k.CreatedAt, &k.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return &k, nil
}

// TouchAPIKey records key usage for audit; failures are the caller's to log.
func (s *PostgresStore) TouchAPIKey(ctx context.Context, name string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = $2 WHERE name = $1`, name, at)
	if err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteAPIKey(ctx context.Context, name string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM api_keys WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	return nil
}
