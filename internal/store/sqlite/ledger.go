// Package sqlite is the embedded, single-node Ledger backend: a pure-Go
// modernc.org/sqlite database file, selected when database_url is empty or
// "sqlite", for dev-mode/test use where a Postgres instance isn't worth standing up.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/runcore/core/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// Store is the SQLite-backed Ledger. It implements the same store.Ledger
// interface as postgres.Store, at a smaller concurrency budget: SQLite
// serializes writers, so this backend targets single-process deployments.
type Store struct {
	db *sql.DB
}

// Open creates or opens a SQLite database file at path and applies the
// embedded schema. path may be ":memory:" for ephemeral/test use.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite allows one writer; avoid pool contention errors.

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) CreateRun(ctx context.Context, run *model.RunRecord) (*model.RunRecord, error) {
	if run.Spec.IdempotencyKey != "" {
		existing, err := s.getRunByIdempotencyKey(ctx, run.Spec.IdempotencyKey)
		if err != nil {
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

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO core_runs (
			run_id, kind, name, params, priority, lane, idempotency_key,
			max_retries, retry_delay_seconds, timeout_seconds, trigger_source,
			correlation_id, parent_run_id, metadata, status, retry_count, created_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		run.RunID.String(), run.Spec.Kind, run.Spec.Name, string(paramsJSON), run.Spec.Priority, run.Spec.Lane,
		nullableString(run.Spec.IdempotencyKey), run.Spec.MaxRetries, run.Spec.RetryDelaySeconds,
		nullableInt(run.Spec.TimeoutSeconds), run.Spec.TriggerSource, nullableIDString(run.Spec.CorrelationID),
		nullableIDString(run.Spec.ParentRunID), string(metadataJSON), run.Status, run.RetryCount,
		run.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		if isUniqueViolation(err) && run.Spec.IdempotencyKey != "" {
			return s.getRunByIdempotencyKey(ctx, run.Spec.IdempotencyKey)
		}
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

func (s *Store) GetRun(ctx context.Context, runID model.ID) (*model.RunRecord, error) {
	row := s.db.QueryRowContext(ctx, runSelectColumns+` FROM core_runs WHERE run_id = ?`, runID.String())
	return scanRun(row)
}

func (s *Store) getRunByIdempotencyKey(ctx context.Context, key string) (*model.RunRecord, error) {
	row := s.db.QueryRowContext(ctx, runSelectColumns+` FROM core_runs WHERE idempotency_key = ?`, key)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

func (s *Store) TransitionRun(ctx context.Context, runID model.ID, to model.RunStatus, fn func(*model.RunRecord)) (*model.RunRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, runSelectColumns+` FROM core_runs WHERE run_id = ?`, runID.String())
	run, err := scanRun(row)
	if err != nil {
		return nil, err
	}
	if !model.CanTransition(run.Status, to) {
		return nil, &model.ErrInvalidTransition{From: run.Status, To: to}
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
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE core_runs SET
			status = ?, started_at = ?, completed_at = ?, result = ?,
			error = ?, error_type = ?, error_category = ?, retry_count = ?, capture_id = ?
		WHERE run_id = ?`,
		run.Status, nullableTimeString(run.StartedAt), nullableTimeString(run.CompletedAt), string(resultJSON),
		nullableString(run.Error), nullableString(run.ErrorType), nullableString(run.ErrorCategory),
		run.RetryCount, nullableIDString(run.CaptureID), run.RunID.String())
	if err != nil {
		return nil, fmt.Errorf("update run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return run, nil
}

func (s *Store) ListRuns(ctx context.Context, filter model.RunFilter, page model.Pagination) (model.Page[model.RunRecord], error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, *filter.Status)
	}
	if filter.Kind != nil {
		where = append(where, "kind = ?")
		args = append(args, *filter.Kind)
	}
	if filter.Name != "" {
		where = append(where, "name = ?")
		args = append(args, filter.Name)
	}
	if filter.Lane != "" {
		where = append(where, "lane = ?")
		args = append(args, filter.Lane)
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
	query := fmt.Sprintf("%s FROM core_runs%s ORDER BY %s %s LIMIT ? OFFSET ?",
		runSelectColumns, whereClause, orderBy, direction)

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
	return model.Page[model.RunRecord]{
		Items:   items,
		Total:   total,
		HasMore: page.Offset+len(items) < total,
	}, rows.Err()
}

func (s *Store) RecordEvent(ctx context.Context, evt *model.ExecutionEvent) (*model.ExecutionEvent, error) {
	payloadJSON, err := json.Marshal(evt.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO core_run_events (run_id, step_id, event_type, payload, idempotency_key, created_at)
		VALUES (?,?,?,?,?,?)`,
		evt.RunID.String(), nullableIDString(evt.StepID), evt.EventType, string(payloadJSON),
		nullableString(evt.IdempotencyKey), evt.Timestamp.UTC().Format(time.RFC3339Nano))
	if err != nil {
		if isUniqueViolation(err) && evt.IdempotencyKey != "" {
			return s.getEventByIdempotencyKey(ctx, evt.RunID, evt.IdempotencyKey)
		}
		return nil, fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	evt.EventID = id
	return evt, nil
}

func (s *Store) getEventByIdempotencyKey(ctx context.Context, runID model.ID, key string) (*model.ExecutionEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT event_id, run_id, step_id, event_type, payload, idempotency_key, created_at
		FROM core_run_events WHERE run_id = ? AND idempotency_key = ?`, runID.String(), key)
	return scanEvent(row)
}

func (s *Store) GetEvents(ctx context.Context, runID model.ID) ([]model.ExecutionEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, run_id, step_id, event_type, payload, idempotency_key, created_at
		FROM core_run_events WHERE run_id = ? ORDER BY event_id ASC`, runID.String())
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
	cutoff := time.Now().AddDate(0, 0, -days).UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM core_runs
		WHERE status IN ('COMPLETED','FAILED','CANCELLED','DEAD_LETTERED')
		  AND created_at < ?`, cutoff)
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

func scanRun(row rowScanner) (*model.RunRecord, error) { return scanRunRow(row) }

func scanRunRow(row rowScanner) (*model.RunRecord, error) {
	var run model.RunRecord
	var runID, correlationID, parentRunID, captureID string
	var paramsJSON, metadataJSON string
	var resultJSON, errStr, errType, errCategory, idempotencyKey sql.NullString
	var timeoutSeconds sql.NullInt64
	var createdAt string
	var startedAt, completedAt sql.NullString

	err := row.Scan(
		&runID, &run.Spec.Kind, &run.Spec.Name, &paramsJSON, &run.Spec.Priority, &run.Spec.Lane,
		&idempotencyKey, &run.Spec.MaxRetries, &run.Spec.RetryDelaySeconds, &timeoutSeconds,
		&run.Spec.TriggerSource, &correlationID, &parentRunID, &metadataJSON, &run.Status,
		&resultJSON, &errStr, &errType, &errCategory, &run.RetryCount, &captureID,
		&createdAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	id, err := model.ParseID(runID)
	if err != nil {
		return nil, fmt.Errorf("parse run_id: %w", err)
	}
	run.RunID = id

	if paramsJSON != "" {
		_ = json.Unmarshal([]byte(paramsJSON), &run.Spec.Params)
	}
	if metadataJSON != "" {
		_ = json.Unmarshal([]byte(metadataJSON), &run.Spec.Metadata)
	}
	if resultJSON.Valid && resultJSON.String != "" {
		_ = json.Unmarshal([]byte(resultJSON.String), &run.Result)
	}
	run.Spec.IdempotencyKey = idempotencyKey.String
	run.Error = errStr.String
	run.ErrorType = errType.String
	run.ErrorCategory = errCategory.String
	if timeoutSeconds.Valid {
		v := int(timeoutSeconds.Int64)
		run.Spec.TimeoutSeconds = &v
	}
	if cid, err := model.ParseID(correlationID); err == nil {
		run.Spec.CorrelationID = &cid
	}
	if pid, err := model.ParseID(parentRunID); err == nil {
		run.Spec.ParentRunID = &pid
	}
	if capID, err := model.ParseID(captureID); err == nil {
		run.CaptureID = &capID
	}
	run.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if startedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, startedAt.String)
		run.StartedAt = &t
	}
	if completedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, completedAt.String)
		run.CompletedAt = &t
	}
	return &run, nil
}

func scanEvent(row rowScanner) (*model.ExecutionEvent, error) { return scanEventRow(row) }

func scanEventRow(row rowScanner) (*model.ExecutionEvent, error) {
	var evt model.ExecutionEvent
	var runID string
	var stepID, idempotencyKey sql.NullString
	var payloadJSON, createdAt string

	if err := row.Scan(&evt.EventID, &runID, &stepID, &evt.EventType, &payloadJSON, &idempotencyKey, &createdAt); err != nil {
		return nil, err
	}
	id, err := model.ParseID(runID)
	if err != nil {
		return nil, fmt.Errorf("parse run_id: %w", err)
	}
	evt.RunID = id
	if payloadJSON != "" {
		_ = json.Unmarshal([]byte(payloadJSON), &evt.Payload)
	}
	evt.IdempotencyKey = idempotencyKey.String
	if stepID.Valid {
		if sid, err := model.ParseID(stepID.String); err == nil {
			evt.StepID = &sid
		}
	}
	evt.Timestamp, _ = time.Parse(time.RFC3339Nano, createdAt)
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

func nullableIDString(id *model.ID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: id.String(), Valid: true}
}

func nullableTimeString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
