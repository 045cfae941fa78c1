package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/runcore/core/internal/model"
)

// AdvanceWatermark mirrors the postgres backend's conditional upsert, but
// SQLite's ON CONFLICT DO UPDATE ... WHERE clause works the same way here,
// so a single statement suffices without an explicit transaction.
func (s *Store) AdvanceWatermark(ctx context.Context, domain, source, partitionKey, newHighWater string) (*model.Watermark, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO core_watermarks (domain, source, partition_key, high_water, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (domain, source, partition_key) DO UPDATE
			SET high_water = excluded.high_water, updated_at = excluded.updated_at
			WHERE core_watermarks.high_water < excluded.high_water`,
		domain, source, partitionKey, newHighWater, now)
	if err != nil {
		return nil, fmt.Errorf("advance watermark: %w", err)
	}
	return s.GetWatermark(ctx, domain, source, partitionKey)
}

func (s *Store) GetWatermark(ctx context.Context, domain, source, partitionKey string) (*model.Watermark, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT domain, source, partition_key, high_water, low_water, updated_at
		FROM core_watermarks WHERE domain = ? AND source = ? AND partition_key = ?`,
		domain, source, partitionKey)
	wm, err := scanWatermark(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return wm, err
}

func (s *Store) ListWatermarks(ctx context.Context, domain string) ([]model.Watermark, error) {
	var rows *sql.Rows
	var err error
	if domain == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT domain, source, partition_key, high_water, low_water, updated_at
			FROM core_watermarks ORDER BY domain, source, partition_key`)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT domain, source, partition_key, high_water, low_water, updated_at
			FROM core_watermarks WHERE domain = ? ORDER BY source, partition_key`, domain)
	}
	if err != nil {
		return nil, fmt.Errorf("list watermarks: %w", err)
	}
	defer rows.Close()

	var out []model.Watermark
	for rows.Next() {
		wm, err := scanWatermark(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *wm)
	}
	return out, rows.Err()
}

func (s *Store) DeleteWatermark(ctx context.Context, domain, source, partitionKey string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM core_watermarks WHERE domain = ? AND source = ? AND partition_key = ?`,
		domain, source, partitionKey)
	if err != nil {
		return fmt.Errorf("delete watermark: %w", err)
	}
	return nil
}

func scanWatermark(row rowScanner) (*model.Watermark, error) {
	var wm model.Watermark
	var lowWater sql.NullString
	var updatedAt string
	if err := row.Scan(&wm.Domain, &wm.Source, &wm.PartitionKey, &wm.HighWater, &lowWater, &updatedAt); err != nil {
		return nil, err
	}
	wm.LowWater = lowWater.String
	wm.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &wm, nil
}
