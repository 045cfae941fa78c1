package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/runcore/core/internal/model"
)

func (s *Store) TryAcquireConcurrencyLock(ctx context.Context, key string, runID, executionID model.ID, expiresAt time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var existingExecution, existingExpiry string
	err = tx.QueryRowContext(ctx, `SELECT execution_id, expires_at FROM core_concurrency_locks WHERE lock_key = ?`, key).
		Scan(&existingExecution, &existingExpiry)
	now := time.Now().UTC()
	switch {
	case err == sql.ErrNoRows:
		// no lock held
	case err != nil:
		return false, err
	default:
		expiry, _ := time.Parse(time.RFC3339Nano, existingExpiry)
		if existingExecution != executionID.String() && now.Before(expiry) {
			return false, nil
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO core_concurrency_locks (lock_key, run_id, execution_id, acquired_at, expires_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT (lock_key) DO UPDATE SET
			run_id = excluded.run_id, execution_id = excluded.execution_id,
			acquired_at = excluded.acquired_at, expires_at = excluded.expires_at`,
		key, runID.String(), executionID.String(), now.Format(time.RFC3339Nano), expiresAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return false, fmt.Errorf("acquire concurrency lock: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) ReleaseConcurrencyLock(ctx context.Context, key string, executionID model.ID) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM core_concurrency_locks WHERE lock_key = ? AND execution_id = ?`, key, executionID.String())
	if err != nil {
		return fmt.Errorf("release concurrency lock: %w", err)
	}
	return nil
}
