package postgres

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
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO core_schedules (
			schedule_id, name, target_type, target_name, params, schedule_type,
			cron_expr, interval_seconds, run_at, timezone, enabled, max_instances,
			misfire_grace_seconds, next_run_at, version
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		sched.ScheduleID, sched.Name, sched.TargetType, sched.TargetName, paramsJSON, sched.ScheduleType,
		nullableString(sched.CronExpr), nullableScheduleInt(sched.IntervalSecs), sched.RunAt, sched.Timezone,
		sched.Enabled, sched.MaxInstances, sched.MisfireGraceSeconds, sched.NextRunAt, sched.Version)
	if err != nil {
		return nil, fmt.Errorf("insert schedule: %w", err)
	}
	return sched, nil
}

func (s *Store) GetSchedule(ctx context.Context, id model.ID) (*model.Schedule, error) {
	row := s.db.QueryRowContext(ctx, scheduleSelectColumns+` WHERE schedule_id = $1`, id)
	return scanSchedule(row)
}

func (s *Store) ListDueSchedules(ctx context.Context, asOf time.Time) ([]model.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, scheduleSelectColumns+`
		WHERE enabled = true AND next_run_at IS NOT NULL AND next_run_at <= $1
		ORDER BY next_run_at ASC`, asOf)
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

// UpdateSchedule writes back NextRunAt/LastRunAt/LastRunStatus/Enabled,
// guarded by an optimistic version bump so a scheduler that read a stale
// schedule can't clobber a concurrent edit.
func (s *Store) UpdateSchedule(ctx context.Context, sched *model.Schedule) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE core_schedules SET
			enabled = $1, last_run_at = $2, next_run_at = $3, last_run_status = $4,
			version = version + 1, updated_at = now()
		WHERE schedule_id = $5 AND version = $6`,
		sched.Enabled, sched.LastRunAt, sched.NextRunAt, nullableString(sched.LastRunStatus),
		sched.ScheduleID, sched.Version)
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
	_, err := s.db.ExecContext(ctx, `DELETE FROM core_schedules WHERE schedule_id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	return nil
}

// TryAcquireLock upserts a lease row: it succeeds if no row exists, the
// existing lease already belongs to owner, or the existing lease has
// expired. Otherwise another scheduler instance holds it.
func (s *Store) TryAcquireLock(ctx context.Context, scheduleID model.ID, owner string, expiresAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO core_schedule_locks (schedule_id, owner_id, acquired_at, expires_at)
		VALUES ($1, $2, now(), $3)
		ON CONFLICT (schedule_id) DO UPDATE SET
			owner_id = EXCLUDED.owner_id, acquired_at = now(), expires_at = EXCLUDED.expires_at
		WHERE core_schedule_locks.owner_id = EXCLUDED.owner_id OR core_schedule_locks.expires_at < now()`,
		scheduleID, owner, expiresAt)
	if err != nil {
		return false, fmt.Errorf("acquire schedule lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) ReleaseLock(ctx context.Context, scheduleID model.ID, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM core_schedule_locks WHERE schedule_id = $1 AND owner_id = $2`, scheduleID, owner)
	if err != nil {
		return fmt.Errorf("release schedule lock: %w", err)
	}
	return nil
}

func (s *Store) RecordScheduleRun(ctx context.Context, run *model.ScheduleRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO core_schedule_runs (schedule_run_id, schedule_id, run_id, scheduled_for, fired_at, misfired)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		model.NewID(), run.ScheduleID, nullableID(&run.RunID), run.ScheduledAt, time.Now(), run.Status == "SKIPPED_MISFIRE")
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

func scanSchedule(row rowScanner) (*model.Schedule, error) {
	return scanScheduleRow(row)
}

func scanScheduleRow(row rowScanner) (*model.Schedule, error) {
	var sched model.Schedule
	var paramsJSON []byte
	var cronExpr, lastRunStatus sql.NullString
	var intervalSecs sql.NullInt64
	var runAt, lastRunAt, nextRunAt sql.NullTime

	err := row.Scan(
		&sched.ScheduleID, &sched.Name, &sched.TargetType, &sched.TargetName, &paramsJSON, &sched.ScheduleType,
		&cronExpr, &intervalSecs, &runAt, &sched.Timezone, &sched.Enabled, &sched.MaxInstances,
		&sched.MisfireGraceSeconds, &lastRunAt, &nextRunAt, &lastRunStatus, &sched.Version)
	if err != nil {
		return nil, err
	}
	if len(paramsJSON) > 0 {
		_ = json.Unmarshal(paramsJSON, &sched.Params)
	}
	sched.CronExpr = cronExpr.String
	sched.LastRunStatus = lastRunStatus.String
	if intervalSecs.Valid {
		sched.IntervalSecs = int(intervalSecs.Int64)
	}
	if runAt.Valid {
		sched.RunAt = &runAt.Time
	}
	if lastRunAt.Valid {
		sched.LastRunAt = &lastRunAt.Time
	}
	if nextRunAt.Valid {
		sched.NextRunAt = &nextRunAt.Time
	}
	return &sched, nil
}

func nullableScheduleInt(v int) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(v), Valid: true}
}
