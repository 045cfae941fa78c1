package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/runcore/core/internal/model"
)

func (s *Store) CreatePlan(ctx context.Context, plan *model.BackfillPlan) (*model.BackfillPlan, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO core_backfill_plans (
			plan_id, domain, source, reason, status, checkpoint, created_by, created_at
		) VALUES (?,?,?,?,?,?,?,?)`,
		plan.PlanID.String(), plan.Domain, plan.Source, string(plan.Reason), string(plan.Status),
		plan.Checkpoint, plan.CreatedBy, plan.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert backfill plan: %w", err)
	}
	for _, key := range plan.PartitionKeys {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO core_backfill_partitions (plan_id, partition_key, status)
			VALUES (?, ?, 'PENDING')`, plan.PlanID.String(), key); err != nil {
			return nil, fmt.Errorf("insert backfill partition %s: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return plan, nil
}

func (s *Store) GetPlan(ctx context.Context, id model.ID) (*model.BackfillPlan, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT plan_id, domain, source, reason, status, checkpoint, created_by,
			created_at, started_at, completed_at
		FROM core_backfill_plans WHERE plan_id = ?`, id.String())
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
		query += " AND domain = ?"
		args = append(args, domain)
	}
	if source != "" {
		query += " AND source = ?"
		args = append(args, source)
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

func (s *Store) SavePlan(ctx context.Context, plan *model.BackfillPlan) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	cancelledAt := sql.NullString{}
	if plan.Status == model.BackfillCancelled && plan.CompletedAt != nil {
		cancelledAt = sql.NullString{String: plan.CompletedAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE core_backfill_plans SET status = ?, checkpoint = ?, started_at = ?, completed_at = ?, cancelled_at = ?
		WHERE plan_id = ?`,
		string(plan.Status), plan.Checkpoint, nullableTimeString(plan.StartedAt), nullableTimeString(plan.CompletedAt),
		cancelledAt, plan.PlanID.String())
	if err != nil {
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
			UPDATE core_backfill_partitions SET status = ?, failure_reason = ?
			WHERE plan_id = ? AND partition_key = ?`,
			status, failureReason, plan.PlanID.String(), key); err != nil {
			return fmt.Errorf("update backfill partition %s: %w", key, err)
		}
	}
	return tx.Commit()
}

func (s *Store) loadPartitions(ctx context.Context, plan *model.BackfillPlan) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT partition_key, status, failure_reason
		FROM core_backfill_partitions WHERE plan_id = ? ORDER BY partition_key`, plan.PlanID.String())
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
	var planID string
	var reason, status string
	var createdAt string
	var startedAt, completedAt sql.NullString

	err := row.Scan(&planID, &plan.Domain, &plan.Source, &reason, &status,
		&plan.Checkpoint, &plan.CreatedBy, &createdAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	id, err := model.ParseID(planID)
	if err != nil {
		return nil, fmt.Errorf("parse plan_id: %w", err)
	}
	plan.PlanID = id
	plan.Reason = model.BackfillReason(reason)
	plan.Status = model.BackfillStatus(status)
	plan.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if startedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, startedAt.String)
		plan.StartedAt = &t
	}
	if completedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, completedAt.String)
		plan.CompletedAt = &t
	}
	return &plan, nil
}
