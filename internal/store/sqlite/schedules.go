package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/runcore/core/internal/model"
)

const scheduleSelectColumns = `SELECT
	schedule_id, name, target_type, target_name, params, schedule_type,
	cron_expr, interval_seconds, run_at, timezone, enabled, max_instances,
	misfire_grace_seconds, last_run_at, next_run_at, last_run_status, version
	FROM core_schedules`

func (s *Store) CreateSchedule(ctx context.Context, sched *model.Schedule) (*model.Schedule, error) {
	paramsJSON, err := json.Marshal(sched.Params)
	if err != nil {
		return nil, fmt.Errorf("marshal schedule params: %w", err)
	}
	sched.Version = 1
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO core_schedules (
			schedule_id, name, target_type, target_name, params, schedule_type,
			cron_expr, interval_seconds, run_at, timezone, enabled, max_instances,
			misfire_grace_seconds, next_run_at, version, created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		sched.ScheduleID.String(), sched.Name, sched.TargetType, sched.TargetName, string(paramsJSON), sched.ScheduleType,
		nullableString(sched.CronExpr), nullableScheduleInt(sched.IntervalSecs), nullableTimeString(sched.RunAt),
		sched.Timezone, sched.Enabled, sched.MaxInstances, sched.MisfireGraceSeconds,
		nullableTimeString(sched.NextRunAt), sched.Version, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert schedule: %w", err)
	}
	return sched, nil
}

func (s *Store) GetSchedule(ctx context.Context, id model.ID) (*model.Schedule, error) {
	row := s.db.QueryRowContext(ctx, scheduleSelectColumns+` WHERE schedule_id = ?`, id.String())
	return scanSchedule(row)
}

func (s *Store) ListDueSchedules(ctx context.Context, asOf time.Time) ([]model.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, scheduleSelectColumns+`
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC`, asOf.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("list due schedules: %w", err)
	}
	defer rows.Close()
	return collectSchedules(rows)
}

func (s *Store) ListSchedules(ctx context.Context) ([]model.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, scheduleSelectColumns+` ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()
	return collectSchedules(rows)
}

func (s *Store) UpdateSchedule(ctx context.Context, sched *model.Schedule) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE core_schedules SET
			enabled = ?, last_run_at = ?, next_run_at = ?, last_run_status = ?,
			version = version + 1, updated_at = ?
		WHERE schedule_id = ? AND version = ?`,
		sched.Enabled, nullableTimeString(sched.LastRunAt), nullableTimeString(sched.NextRunAt),
		nullableString(sched.LastRunStatus), time.Now().UTC().Format(time.RFC3339Nano),
		sched.ScheduleID.String(), sched.Version)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("update schedule %s: version conflict", sched.ScheduleID)
	}
	sched.Version++
	return nil
}

func (s *Store) DeleteSchedule(ctx context.Context, id model.ID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM core_schedules WHERE schedule_id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	return nil
}

// TryAcquireLock mimics Postgres's conditional upsert with a select-then-
// write pair inside a transaction — SQLite's single-writer serialization
// makes this race-free without needing an ON CONFLICT...WHERE clause.
func (s *Store) TryAcquireLock(ctx context.Context, scheduleID model.ID, owner string, expiresAt time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var existingOwner, existingExpiry string
	err = tx.QueryRowContext(ctx, `SELECT owner_id, expires_at FROM core_schedule_locks WHERE schedule_id = ?`, scheduleID.String()).
		Scan(&existingOwner, &existingExpiry)
	now := time.Now().UTC()
	switch {
	case err == sql.ErrNoRows:
		// no lock held
	case err != nil:
		return false, err
	default:
		expiry, _ := time.Parse(time.RFC3339Nano, existingExpiry)
		if existingOwner != owner && now.Before(expiry) {
			return false, nil
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO core_schedule_locks (schedule_id, owner_id, acquired_at, expires_at)
		VALUES (?,?,?,?)
		ON CONFLICT (schedule_id) DO UPDATE SET owner_id = excluded.owner_id, acquired_at = excluded.acquired_at, expires_at = excluded.expires_at`,
		scheduleID.String(), owner, now.Format(time.RFC3339Nano), expiresAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return false, fmt.Errorf("acquire schedule lock: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) ReleaseLock(ctx context.Context, scheduleID model.ID, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM core_schedule_locks WHERE schedule_id = ? AND owner_id = ?`, scheduleID.String(), owner)
	if err != nil {
		return fmt.Errorf("release schedule lock: %w", err)
	}
	return nil
}

func (s *Store) RecordScheduleRun(ctx context.Context, run *model.ScheduleRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO core_schedule_runs (schedule_run_id, schedule_id, run_id, scheduled_for, fired_at, misfired, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		model.NewID().String(), run.ScheduleID.String(), nullableIDString(&run.RunID),
		run.ScheduledAt.UTC().Format(time.RFC3339Nano), time.Now().UTC().Format(time.RFC3339Nano),
		run.Status == "SKIPPED_MISFIRE", time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record schedule run: %w", err)
	}
	return nil
}

func collectSchedules(rows *sql.Rows) ([]model.Schedule, error) {
	var out []model.Schedule
	for rows.Next() {
		sched, err := scanScheduleRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sched)
	}
	return out, rows.Err()
}

func scanSchedule(row rowScanner) (*model.Schedule, error) { return scanScheduleRow(row) }

func scanScheduleRow(row rowScanner) (*model.Schedule, error) {
	var sched model.Schedule
	var scheduleID string
	var paramsJSON string
	var cronExpr, lastRunStatus sql.NullString
	var intervalSecs sql.NullInt64
	var runAt, lastRunAt, nextRunAt sql.NullString

	err := row.Scan(
		&scheduleID, &sched.Name, &sched.TargetType, &sched.TargetName, &paramsJSON, &sched.ScheduleType,
		&cronExpr, &intervalSecs, &runAt, &sched.Timezone, &sched.Enabled, &sched.MaxInstances,
		&sched.MisfireGraceSeconds, &lastRunAt, &nextRunAt, &lastRunStatus, &sched.Version)
	if err != nil {
		return nil, err
	}
	id, err := model.ParseID(scheduleID)
	if err != nil {
		return nil, fmt.Errorf("parse schedule_id: %w", err)
	}
	sched.ScheduleID = id

	if paramsJSON != "" {
		_ = json.Unmarshal([]byte(paramsJSON), &sched.Params)
	}
	sched.CronExpr = cronExpr.String
	sched.LastRunStatus = lastRunStatus.String
	if intervalSecs.Valid {
		sched.IntervalSecs = int(intervalSecs.Int64)
	}
	if runAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, runAt.String)
		sched.RunAt = &t
	}
	if lastRunAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, lastRunAt.String)
		sched.LastRunAt = &t
	}
	if nextRunAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, nextRunAt.String)
		sched.NextRunAt = &t
	}
	return &sched, nil
}

func nullableScheduleInt(v int) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(v), Valid: true}
}
