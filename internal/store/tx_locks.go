package store

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/jackc/pgx/v5"
	"github.com/oriys/usher/internal/domain"
)

const poolGrowthLockBase int64 = 0x75736872_706f6f6c // "ushr" "pool"

// acquirePoolGrowthLock serializes slot creation per platform so the pool
// cap and slot ordinals stay consistent under concurrent growers. The lock
// is transaction-scoped and released on commit or rollback.
func (s *PostgresStore) acquirePoolGrowthLock(ctx context.Context, tx pgx.Tx, platform domain.MeetingPlatform) error {
	h := fnv.New32a()
	h.Write([]byte(platform))
	key := poolGrowthLockBase + int64(h.Sum32())
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, key); err != nil {
		return fmt.Errorf("acquire pool growth lock: %w", err)
	}
	return nil
}
