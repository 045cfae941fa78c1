package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/runcore/core/internal/model"
)

func (s *Store) CreatePlan(ctx context.Context, plan *model.BackfillPlan) (*model.BackfillPlan, error) {
	err := s.Tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO core_backfill_plans (
				plan_id, domain, source, reason, status, checkpoint, created_by, created_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			plan.PlanID, plan.Domain, plan.Source, plan.Reason, plan.Status, plan.Checkpoint, plan.CreatedBy, plan.CreatedAt); err != nil {
			return fmt.Errorf("insert backfill plan: %w", err)
		}
		for _, key := range plan.PartitionKeys {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO core_backfill_partitions (plan_id, partition_key, status)
				VALUES ($1, $2, 'PENDING')`, plan.PlanID, key); err != nil {
				return fmt.Errorf("insert backfill partition %s: %w", key, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return plan, nil
}

func (s *Store) GetPlan(ctx context.Context, id model.ID) (*model.BackfillPlan, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT plan_id, domain, source, reason, status, checkpoint, created_by,
			created_at, started_at, completed_at
		FROM core_backfill_plans WHERE plan_id = $1`, id)
	plan, err := scanBackfillPlan(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("backfill plan %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get backfill plan: %w", err)
	}
	if err := s.loadPartitions(ctx, plan); err != nil {
		return nil, err
	}
	return plan, nil
}

func (s *Store) ListPlans(ctx context.Context, domain, source string) ([]model.BackfillPlan, error) {
	query := `SELECT plan_id, domain, source, reason, status, checkpoint, created_by,
		created_at, started_at, completed_at FROM core_backfill_plans WHERE 1=1`
	var args []any
	if domain != "" {
		args = append(args, domain)
		query += fmt.Sprintf(" AND domain = $%d", len(args))
	}
	if source != "" {
		args = append(args, source)
		query += fmt.Sprintf(" AND source = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list backfill plans: %w", err)
	}
	defer rows.Close()

	var plans []model.BackfillPlan
	for rows.Next() {
		plan, err := scanBackfillPlan(rows)
		if err != nil {
			return nil, err
		}
		if err := s.loadPartitions(ctx, plan); err != nil {
			return nil, err
		}
		plans = append(plans, *plan)
	}
	return plans, rows.Err()
}

// SavePlan persists plan's full current state: its own fields plus every
// partition's derived status (DONE/FAILED/PENDING).
func (s *Store) SavePlan(ctx context.Context, plan *model.BackfillPlan) error {
	return s.Tx(ctx, func(tx *sql.Tx) error {
		cancelledAt := sql.NullTime{}
		if plan.Status == model.BackfillCancelled && plan.CompletedAt != nil {
			cancelledAt = sql.NullTime{Time: *plan.CompletedAt, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE core_backfill_plans SET status = $1, checkpoint = $2,
				started_at = $3, completed_at = $4, cancelled_at = $5
			WHERE plan_id = $6`,
			plan.Status, plan.Checkpoint, plan.StartedAt, plan.CompletedAt, cancelledAt, plan.PlanID); err != nil {
			return fmt.Errorf("update backfill plan: %w", err)
		}
		for _, key := range plan.PartitionKeys {
			status := "PENDING"
			var failureReason sql.NullString
			if plan.CompletedKeys[key] {
				status = "DONE"
			} else if reason, failed := plan.FailedKeys[key]; failed {
				status = "FAILED"
				failureReason = sql.NullString{String: reason, Valid: true}
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE core_backfill_partitions SET status = $1, failure_reason = $2
				WHERE plan_id = $3 AND partition_key = $4`,
				status, failureReason, plan.PlanID, key); err != nil {
				return fmt.Errorf("update backfill partition %s: %w", key, err)
			}
		}
		return nil
	})
}

func (s *Store) loadPartitions(ctx context.Context, plan *model.BackfillPlan) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT partition_key, status, failure_reason
		FROM core_backfill_partitions WHERE plan_id = $1 ORDER BY partition_key`, plan.PlanID)
	if err != nil {
		return fmt.Errorf("list backfill partitions: %w", err)
	}
	defer rows.Close()

	plan.PartitionKeys = nil
	plan.CompletedKeys = map[string]bool{}
	plan.FailedKeys = map[string]string{}
	for rows.Next() {
		var key, status string
		var failureReason sql.NullString
		if err := rows.Scan(&key, &status, &failureReason); err != nil {
			return err
		}
		plan.PartitionKeys = append(plan.PartitionKeys, key)
		switch status {
		case "DONE":
			plan.CompletedKeys[key] = true
		case "FAILED":
			plan.FailedKeys[key] = failureReason.String
		}
	}
	return rows.Err()
}

func scanBackfillPlan(row rowScanner) (*model.BackfillPlan, error) {
	var plan model.BackfillPlan
	var startedAt, completedAt sql.NullTime

	err := row.Scan(&plan.PlanID, &plan.Domain, &plan.Source, &plan.Reason, &plan.Status,
		&plan.Checkpoint, &plan.CreatedBy, &plan.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if startedAt.Valid {
		plan.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		plan.CompletedAt = &completedAt.Time
	}
	return &plan, nil
}
