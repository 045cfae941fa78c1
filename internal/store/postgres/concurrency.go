package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/runcore/core/internal/model"
)

// TryAcquireConcurrencyLock upserts a lock row: it succeeds if no row
// exists, the row is already held by executionID (reentrant extension), or
// the existing lease has expired.
func (s *Store) TryAcquireConcurrencyLock(ctx context.Context, key string, runID, executionID model.ID, expiresAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO core_concurrency_locks (lock_key, run_id, execution_id, acquired_at, expires_at)
		VALUES ($1, $2, $3, now(), $4)
		ON CONFLICT (lock_key) DO UPDATE SET
			run_id = EXCLUDED.run_id, execution_id = EXCLUDED.execution_id,
			acquired_at = now(), expires_at = EXCLUDED.expires_at
		WHERE core_concurrency_locks.execution_id = EXCLUDED.execution_id
		   OR core_concurrency_locks.expires_at < now()`,
		key, runID, executionID, expiresAt)
	if err != nil {
		return false, fmt.Errorf("acquire concurrency lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) ReleaseConcurrencyLock(ctx context.Context, key string, executionID model.ID) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM core_concurrency_locks WHERE lock_key = $1 AND execution_id = $2`, key, executionID)
	if err != nil {
		return fmt.Errorf("release concurrency lock: %w", err)
	}
	return nil
}
