package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/runcore/core/internal/model"
)

const deadLetterSelectColumns = `SELECT
	dead_letter_id, run_id, workflow_name, params, error, retry_count,
	max_retries, created_at, last_retry_at, resolved_at, resolved_by
	FROM core_dead_letters`

func (s *Store) Record(ctx context.Context, dl *model.DeadLetter) (*model.DeadLetter, error) {
	paramsJSON, err := json.Marshal(dl.Params)
	if err != nil {
		return nil, fmt.Errorf("marshal dead letter params: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO core_dead_letters (
			dead_letter_id, run_id, workflow_name, params, error, retry_count, max_retries, created_at
		) VALUES (?,?,?,?,?,?,?,?)`,
		dl.ID.String(), dl.RunID.String(), dl.WorkflowName, string(paramsJSON), dl.Error,
		dl.RetryCount, dl.MaxRetries, dl.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert dead letter: %w", err)
	}
	return dl, nil
}

func (s *Store) Get(ctx context.Context, id model.ID) (*model.DeadLetter, error) {
	row := s.db.QueryRowContext(ctx, deadLetterSelectColumns+` WHERE dead_letter_id = ?`, id.String())
	return scanDeadLetter(row)
}

func (s *Store) List(ctx context.Context, onlyUnresolved bool, page model.Pagination) (model.Page[model.DeadLetter], error) {
	where := ""
	if onlyUnresolved {
		where = " WHERE resolved_at IS NULL"
	}
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM core_dead_letters`+where).Scan(&total); err != nil {
		return model.Page[model.DeadLetter]{}, fmt.Errorf("count dead letters: %w", err)
	}

	limit := page.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, deadLetterSelectColumns+where+` ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, page.Offset)
	if err != nil {
		return model.Page[model.DeadLetter]{}, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var items []model.DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetterRow(rows)
		if err != nil {
			return model.Page[model.DeadLetter]{}, err
		}
		items = append(items, *dl)
	}
	return model.Page[model.DeadLetter]{Items: items, Total: total, HasMore: page.Offset+len(items) < total}, rows.Err()
}

func (s *Store) MarkRetried(ctx context.Context, id model.ID, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE core_dead_letters SET last_retry_at = ? WHERE dead_letter_id = ?`,
		at.UTC().Format(time.RFC3339Nano), id.String())
	if err != nil {
		return fmt.Errorf("mark dead letter retried: %w", err)
	}
	return nil
}

func (s *Store) Resolve(ctx context.Context, id model.ID, resolvedBy string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE core_dead_letters SET resolved_at = ?, resolved_by = ? WHERE dead_letter_id = ?`,
		at.UTC().Format(time.RFC3339Nano), resolvedBy, id.String())
	if err != nil {
		return fmt.Errorf("resolve dead letter: %w", err)
	}
	return nil
}

func scanDeadLetter(row rowScanner) (*model.DeadLetter, error) { return scanDeadLetterRow(row) }

func scanDeadLetterRow(row rowScanner) (*model.DeadLetter, error) {
	var dl model.DeadLetter
	var idStr, runIDStr string
	var paramsJSON string
	var createdAt string
	var lastRetryAt, resolvedAt, resolvedBy sql.NullString

	err := row.Scan(&idStr, &runIDStr, &dl.WorkflowName, &paramsJSON, &dl.Error, &dl.RetryCount,
		&dl.MaxRetries, &createdAt, &lastRetryAt, &resolvedAt, &resolvedBy)
	if err != nil {
		return nil, err
	}

	id, err := model.ParseID(idStr)
	if err != nil {
		return nil, fmt.Errorf("parse dead_letter_id: %w", err)
	}
	dl.ID = id
	runID, err := model.ParseID(runIDStr)
	if err != nil {
		return nil, fmt.Errorf("parse run_id: %w", err)
	}
	dl.RunID = runID

	if paramsJSON != "" {
		_ = json.Unmarshal([]byte(paramsJSON), &dl.Params)
	}
	dl.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if lastRetryAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, lastRetryAt.String)
		dl.LastRetryAt = &t
	}
	if resolvedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, resolvedAt.String)
		dl.ResolvedAt = &t
	}
	dl.ResolvedBy = resolvedBy.String
	return &dl, nil
}
