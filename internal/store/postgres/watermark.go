package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/runcore/core/internal/model"
)

// AdvanceWatermark upserts the triple's row, advancing high_water only if
// the new value sorts strictly after the current one — the conditional
// `UPDATE ... WHERE high_water < :new` the concurrency model calls for.
func (s *Store) AdvanceWatermark(ctx context.Context, domain, source, partitionKey, newHighWater string) (*model.Watermark, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO core_watermarks (domain, source, partition_key, high_water, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (domain, source, partition_key) DO UPDATE
			SET high_water = EXCLUDED.high_water, updated_at = now()
			WHERE core_watermarks.high_water < EXCLUDED.high_water`,
		domain, source, partitionKey, newHighWater)
	if err != nil {
		return nil, fmt.Errorf("advance watermark: %w", err)
	}
	return s.GetWatermark(ctx, domain, source, partitionKey)
}

func (s *Store) GetWatermark(ctx context.Context, domain, source, partitionKey string) (*model.Watermark, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT domain, source, partition_key, high_water, low_water, updated_at
		FROM core_watermarks WHERE domain = $1 AND source = $2 AND partition_key = $3`,
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
			FROM core_watermarks WHERE domain = $1 ORDER BY source, partition_key`, domain)
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
		DELETE FROM core_watermarks WHERE domain = $1 AND source = $2 AND partition_key = $3`,
		domain, source, partitionKey)
	if err != nil {
		return fmt.Errorf("delete watermark: %w", err)
	}
	return nil
}

func scanWatermark(row rowScanner) (*model.Watermark, error) {
	var wm model.Watermark
	var lowWater sql.NullString
	if err := row.Scan(&wm.Domain, &wm.Source, &wm.PartitionKey, &wm.HighWater, &lowWater, &wm.UpdatedAt); err != nil {
		return nil, err
	}
	wm.LowWater = lowWater.String
	return &wm, nil
}
