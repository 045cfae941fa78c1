package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/runcore/core/internal/model"
)

func (s *Store) GetSource(ctx context.Context, id model.ID) (*model.Source, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT source_id, name, type, config, domain, enabled FROM core_sources WHERE source_id = $1`, id)
	return scanSource(row)
}

func (s *Store) GetSourceByName(ctx context.Context, name string) (*model.Source, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT source_id, name, type, config, domain, enabled FROM core_sources WHERE name = $1`, name)
	return scanSource(row)
}

func (s *Store) ListSources(ctx context.Context, domain string) ([]model.Source, error) {
	var rows *sql.Rows
	var err error
	if domain == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT source_id, name, type, config, domain, enabled FROM core_sources ORDER BY name`)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT source_id, name, type, config, domain, enabled FROM core_sources WHERE domain = $1 ORDER BY name`, domain)
	}
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var out []model.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *src)
	}
	return out, rows.Err()
}

func (s *Store) RecordFetch(ctx context.Context, fetch *model.SourceFetch) (*model.SourceFetch, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO core_source_fetches (
			fetch_id, source_id, status, record_count, byte_count, content_hash, etag,
			last_modified, started_at, completed_at, duration_ms, error, retry_count, capture_id
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		fetch.ID, fetch.SourceID, fetch.Status, fetch.RecordCount, fetch.ByteCount,
		nullIfEmpty(fetch.ContentHash), nullIfEmpty(fetch.ETag), nullIfEmpty(fetch.LastModified),
		fetch.StartedAt, fetch.CompletedAt, fetch.Duration.Milliseconds(), nullIfEmpty(fetch.Error),
		fetch.RetryCount, nullableID(fetch.CaptureID))
	if err != nil {
		return nil, fmt.Errorf("record fetch: %w", err)
	}
	return fetch, nil
}

func (s *Store) ListFetches(ctx context.Context, sourceID model.ID, limit int) ([]model.SourceFetch, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT fetch_id, source_id, status, record_count, byte_count, content_hash, etag,
			last_modified, started_at, completed_at, duration_ms, error, retry_count, capture_id
		FROM core_source_fetches WHERE source_id = $1 ORDER BY started_at DESC LIMIT $2`, sourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list fetches: %w", err)
	}
	defer rows.Close()

	var out []model.SourceFetch
	for rows.Next() {
		f, err := scanSourceFetch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

func (s *Store) GetCachedHash(ctx context.Context, sourceID model.ID, cacheKey string) (*model.SourceFetch, error) {
	var contentHash string
	var etag sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT content_hash, etag FROM core_source_cache WHERE source_id = $1 AND cache_key = $2`, sourceID, cacheKey).
		Scan(&contentHash, &etag)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cached hash: %w", err)
	}
	return &model.SourceFetch{SourceID: sourceID, ContentHash: contentHash, ETag: etag.String}, nil
}

func (s *Store) PutCachedHash(ctx context.Context, sourceID model.ID, cacheKey, contentHash, etag string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO core_source_cache (source_id, cache_key, content_hash, etag, cached_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (source_id, cache_key) DO UPDATE
			SET content_hash = EXCLUDED.content_hash, etag = EXCLUDED.etag, cached_at = now()`,
		sourceID, cacheKey, contentHash, nullIfEmpty(etag))
	if err != nil {
		return fmt.Errorf("put cached hash: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func scanSource(row rowScanner) (*model.Source, error) {
	var src model.Source
	var configJSON []byte
	if err := row.Scan(&src.ID, &src.Name, &src.Type, &configJSON, &src.Domain, &src.Enabled); err != nil {
		return nil, err
	}
	if len(configJSON) > 0 {
		_ = json.Unmarshal(configJSON, &src.Config)
	}
	return &src, nil
}

func scanSourceFetch(row rowScanner) (*model.SourceFetch, error) {
	var f model.SourceFetch
	var recordCount sql.NullInt64
	var byteCount sql.NullInt64
	var contentHash, etag, lastModified, errStr sql.NullString
	var completedAt sql.NullTime
	var durationMs sql.NullInt64
	var captureID sql.NullString

	err := row.Scan(&f.ID, &f.SourceID, &f.Status, &recordCount, &byteCount, &contentHash, &etag,
		&lastModified, &f.StartedAt, &completedAt, &durationMs, &errStr, &f.RetryCount, &captureID)
	if err != nil {
		return nil, err
	}
	if recordCount.Valid {
		v := int(recordCount.Int64)
		f.RecordCount = &v
	}
	if byteCount.Valid {
		v := byteCount.Int64
		f.ByteCount = &v
	}
	f.ContentHash = contentHash.String
	f.ETag = etag.String
	f.LastModified = lastModified.String
	f.Error = errStr.String
	if completedAt.Valid {
		f.CompletedAt = &completedAt.Time
	}
	if durationMs.Valid {
		f.Duration = time.Duration(durationMs.Int64) * time.Millisecond
	}
	if captureID.Valid {
		if id, err := model.ParseID(captureID.String); err == nil {
			f.CaptureID = &id
		}
	}
	return &f, nil
}
