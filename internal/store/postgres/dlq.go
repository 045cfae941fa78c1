package postgres

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
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		dl.ID, dl.RunID, dl.WorkflowName, paramsJSON, dl.Error, dl.RetryCount, dl.MaxRetries, dl.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert dead letter: %w", err)
	}
	return dl, nil
}

func (s *Store) Get(ctx context.Context, id model.ID) (*model.DeadLetter, error) {
	row := s.db.QueryRowContext(ctx, deadLetterSelectColumns+` WHERE dead_letter_id = $1`, id)
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
	rows, err := s.db.QueryContext(ctx, deadLetterSelectColumns+where+` ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, page.Offset)
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
	_, err := s.db.ExecContext(ctx, `UPDATE core_dead_letters SET last_retry_at = $1 WHERE dead_letter_id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("mark dead letter retried: %w", err)
	}
	return nil
}

func (s *Store) Resolve(ctx context.Context, id model.ID, resolvedBy string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE core_dead_letters SET resolved_at = $1, resolved_by = $2 WHERE dead_letter_id = $3`, at, resolvedBy, id)
	if err != nil {
		return fmt.Errorf("resolve dead letter: %w", err)
	}
	return nil
}

func scanDeadLetter(row rowScanner) (*model.DeadLetter, error) { return scanDeadLetterRow(row) }

func scanDeadLetterRow(row rowScanner) (*model.DeadLetter, error) {
	var dl model.DeadLetter
	var paramsJSON []byte
	var lastRetryAt, resolvedAt sql.NullTime
	var resolvedBy sql.NullString

	err := row.Scan(&dl.ID, &dl.RunID, &dl.WorkflowName, &paramsJSON, &dl.Error, &dl.RetryCount,
		&dl.MaxRetries, &dl.CreatedAt, &lastRetryAt, &resolvedAt, &resolvedBy)
	if err != nil {
		return nil, err
	}
	if len(paramsJSON) > 0 {
		_ = json.Unmarshal(paramsJSON, &dl.Params)
	}
	if lastRetryAt.Valid {
		dl.LastRetryAt = &lastRetryAt.Time
	}
	if resolvedAt.Valid {
		dl.ResolvedAt = &resolvedAt.Time
	}
	dl.ResolvedBy = resolvedBy.String
	return &dl, nil
}
