package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/runcore/core/internal/model"
)

// CreateRun inserts a PENDING run. If the WorkSpec carries an
// IdempotencyKey already present in core_runs, the existing row is
// returned instead (spec.md §3's idempotent-submit requirement).
func (s *Store) CreateRun(ctx context.Context, run *model.RunRecord) (*model.RunRecord, error) {
	if run.Spec.IdempotencyKey != "" {
		existing, err := s.getRunByIdempotencyKey(ctx, run.Spec.IdempotencyKey)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	paramsJSON, err := json.Marshal(run.Spec.Params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	metadataJSON, err := json.Marshal(run.Spec.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	idempotencyKey := sql.NullString{String: run.Spec.IdempotencyKey, Valid: run.Spec.IdempotencyKey != ""}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO core_runs (
			run_id, kind, name, params, priority, lane, idempotency_key,
			max_retries, retry_delay_seconds, timeout_seconds, trigger_source,
			correlation_id, parent_run_id, metadata, status, retry_count, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		run.RunID, run.Spec.Kind, run.Spec.Name, paramsJSON, run.Spec.Priority, run.Spec.Lane,
		idempotencyKey, run.Spec.MaxRetries, run.Spec.RetryDelaySeconds, nullableInt(run.Spec.TimeoutSeconds),
		run.Spec.TriggerSource, nullableID(run.Spec.CorrelationID), nullableID(run.Spec.ParentRunID),
		metadataJSON, run.Status, run.RetryCount, run.CreatedAt)
	if err != nil {
		// Unique violation on idempotency_key means a concurrent submit won
		// the race; fetch and return its row instead of failing the caller.
		if isUniqueViolation(err) && run.Spec.IdempotencyKey != "" {
			return s.getRunByIdempotencyKey(ctx, run.Spec.IdempotencyKey)
		}
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

func (s *Store) GetRun(ctx context.Context, runID model.ID) (*model.RunRecord, error) {
	row := s.db.QueryRowContext(ctx, runSelectColumns+` FROM core_runs WHERE run_id = $1`, runID)
	return scanRun(row)
}

func (s *Store) getRunByIdempotencyKey(ctx context.Context, key string) (*model.RunRecord, error) {
	row := s.db.QueryRowContext(ctx, runSelectColumns+` FROM core_runs WHERE idempotency_key = $1`, key)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

// TransitionRun validates the requested transition, applies fn for any
// additional field changes, and writes the row — all inside one
// transaction so a concurrent transition can't interleave.
func (s *Store) TransitionRun(ctx context.Context, runID model.ID, to model.RunStatus, fn func(*model.RunRecord)) (*model.RunRecord, error) {
	var result *model.RunRecord
	err := s.Tx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, runSelectColumns+` FROM core_runs WHERE run_id = $1 FOR UPDATE`, runID)
		run, err := scanRun(row)
		if err != nil {
			return err
		}
		if !model.CanTransition(run.Status, to) {
			return &model.ErrInvalidTransition{From: run.Status, To: to}
		}
		run.Status = to
		now := time.Now()
		switch to {
		case model.RunRunning:
			run.StartedAt = &now
		case model.RunCompleted, model.RunFailed, model.RunCancelled, model.RunDeadLettered:
			run.CompletedAt = &now
		}
		if fn != nil {
			fn(run)
		}

		resultJSON, err := json.Marshal(run.Result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE core_runs SET
				status = $1, started_at = $2, completed_at = $3, result = $4,
				error = $5, error_type = $6, error_category = $7, retry_count = $8,
				capture_id = $9
			WHERE run_id = $10`,
			run.Status, run.StartedAt, run.CompletedAt, resultJSON,
			nullableString(run.Error), nullableString(run.ErrorType), nullableString(run.ErrorCategory),
			run.RetryCount, nullableID(run.CaptureID), run.RunID)
		if err != nil {
			return fmt.Errorf("update run: %w", err)
		}
		result = run
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) ListRuns(ctx context.Context, filter model.RunFilter, page model.Pagination) (model.Page[model.RunRecord], error) {
	var where []string
	var args []any
	argN := 1

	if filter.Status != nil {
		where = append(where, fmt.Sprintf("status = $%d", argN))
		args = append(args, *filter.Status)
		argN++
	}
	if filter.Kind != nil {
		where = append(where, fmt.Sprintf("kind = $%d", argN))
		args = append(args, *filter.Kind)
		argN++
	}
	if filter.Name != "" {
		where = append(where, fmt.Sprintf("name = $%d", argN))
		args = append(args, filter.Name)
		argN++
	}
	if filter.Lane != "" {
		where = append(where, fmt.Sprintf("lane = $%d", argN))
		args = append(args, filter.Lane)
		argN++
	}

	whereClause := ""
	if len(where) > 0 {
		whereClause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM core_runs`+whereClause, args...).Scan(&total); err != nil {
		return model.Page[model.RunRecord]{}, fmt.Errorf("count runs: %w", err)
	}

	orderBy := "created_at"
	switch filter.SortBy {
	case "status":
		orderBy = "status"
	case "workflow":
		orderBy = "name"
	}
	direction := "ASC"
	if filter.SortDesc {
		direction = "DESC"
	}

	limit := page.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, page.Offset)
	query := fmt.Sprintf("%s FROM core_runs%s ORDER BY %s %s LIMIT $%d OFFSET $%d",
		runSelectColumns, whereClause, orderBy, direction, argN, argN+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return model.Page[model.RunRecord]{}, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var items []model.RunRecord
	for rows.Next() {
		run, err := scanRunRow(rows)
		if err != nil {
			return model.Page[model.RunRecord]{}, err
		}
		items = append(items, *run)
	}
	if err := rows.Err(); err != nil {
		return model.Page[model.RunRecord]{}, err
	}

	return model.Page[model.RunRecord]{
		Items:   items,
		Total:   total,
		HasMore: page.Offset+len(items) < total,
	}, nil
}

// RecordEvent appends an ExecutionEvent. A (run_id, idempotency_key)
// collision is treated as "already recorded" and returns the existing row.
func (s *Store) RecordEvent(ctx context.Context, evt *model.ExecutionEvent) (*model.ExecutionEvent, error) {
	payloadJSON, err := json.Marshal(evt.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	var eventID int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO core_run_events (run_id, step_id, event_type, payload, idempotency_key, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING event_id`,
		evt.RunID, nullableID(evt.StepID), evt.EventType, payloadJSON,
		nullableString(evt.IdempotencyKey), evt.Timestamp).Scan(&eventID)
	if err != nil {
		if isUniqueViolation(err) && evt.IdempotencyKey != "" {
			return s.getEventByIdempotencyKey(ctx, evt.RunID, evt.IdempotencyKey)
		}
		return nil, fmt.Errorf("insert event: %w", err)
	}
	evt.EventID = eventID
	return evt, nil
}

func (s *Store) getEventByIdempotencyKey(ctx context.Context, runID model.ID, key string) (*model.ExecutionEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT event_id, run_id, step_id, event_type, payload, idempotency_key, created_at
		FROM core_run_events WHERE run_id = $1 AND idempotency_key = $2`, runID, key)
	return scanEvent(row)
}

func (s *Store) GetEvents(ctx context.Context, runID model.ID) ([]model.ExecutionEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, run_id, step_id, event_type, payload, idempotency_key, created_at
		FROM core_run_events WHERE run_id = $1 ORDER BY event_id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []model.ExecutionEvent
	for rows.Next() {
		evt, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *evt)
	}
	return events, rows.Err()
}

func (s *Store) PurgeOlderThanDays(ctx context.Context, days int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM core_runs
		WHERE status IN ('COMPLETED','FAILED','CANCELLED','DEAD_LETTERED')
		  AND created_at < now() - ($1 || ' days')::interval`, days)
	if err != nil {
		return 0, fmt.Errorf("purge runs: %w", err)
	}
	return res.RowsAffected()
}

const runSelectColumns = `SELECT
	run_id, kind, name, params, priority, lane, idempotency_key,
	max_retries, retry_delay_seconds, timeout_seconds, trigger_source,
	correlation_id, parent_run_id, metadata, status, result, error,
	error_type, error_category, retry_count, capture_id, created_at,
	started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*model.RunRecord, error) {
	return scanRunRow(row)
}

func scanRunRow(row rowScanner) (*model.RunRecord, error) {
	var run model.RunRecord
	var paramsJSON, metadataJSON, resultJSON []byte
	var idempotencyKey, errStr, errType, errCategory sql.NullString
	var timeoutSeconds sql.NullInt64
	var correlationID, parentRunID, captureID sql.NullString
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&run.RunID, &run.Spec.Kind, &run.Spec.Name, &paramsJSON, &run.Spec.Priority, &run.Spec.Lane,
		&idempotencyKey, &run.Spec.MaxRetries, &run.Spec.RetryDelaySeconds, &timeoutSeconds,
		&run.Spec.TriggerSource, &correlationID, &parentRunID, &metadataJSON, &run.Status,
		&resultJSON, &errStr, &errType, &errCategory, &run.RetryCount, &captureID,
		&run.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	if len(paramsJSON) > 0 {
		_ = json.Unmarshal(paramsJSON, &run.Spec.Params)
	}
	if len(metadataJSON) > 0 {
		_ = json.Unmarshal(metadataJSON, &run.Spec.Metadata)
	}
	if len(resultJSON) > 0 {
		_ = json.Unmarshal(resultJSON, &run.Result)
	}
	run.Spec.IdempotencyKey = idempotencyKey.String
	run.Error = errStr.String
	run.ErrorType = errType.String
	run.ErrorCategory = errCategory.String
	if timeoutSeconds.Valid {
		v := int(timeoutSeconds.Int64)
		run.Spec.TimeoutSeconds = &v
	}
	if correlationID.Valid {
		id, err := model.ParseID(correlationID.String)
		if err == nil {
			run.Spec.CorrelationID = &id
		}
	}
	if parentRunID.Valid {
		id, err := model.ParseID(parentRunID.String)
		if err == nil {
			run.Spec.ParentRunID = &id
		}
	}
	if captureID.Valid {
		id, err := model.ParseID(captureID.String)
		if err == nil {
			run.CaptureID = &id
		}
	}
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return &run, nil
}

func scanEvent(row rowScanner) (*model.ExecutionEvent, error) {
	return scanEventRow(row)
}

func scanEventRow(row rowScanner) (*model.ExecutionEvent, error) {
	var evt model.ExecutionEvent
	var stepID, idempotencyKey sql.NullString
	var payloadJSON []byte

	if err := row.Scan(&evt.EventID, &evt.RunID, &stepID, &evt.EventType, &payloadJSON, &idempotencyKey, &evt.Timestamp); err != nil {
		return nil, err
	}
	if len(payloadJSON) > 0 {
		_ = json.Unmarshal(payloadJSON, &evt.Payload)
	}
	evt.IdempotencyKey = idempotencyKey.String
	if stepID.Valid {
		id, err := model.ParseID(stepID.String)
		if err == nil {
			evt.StepID = &id
		}
	}
	return &evt, nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullableInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullableID(id *model.ID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: id.String(), Valid: true}
}

// isUniqueViolation reports whether err is a Postgres unique_violation
// (SQLSTATE 23505), without importing lib/pq's error type directly so
// callers that stub *sql.DB in tests don't need a live driver error.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "23505")
}
