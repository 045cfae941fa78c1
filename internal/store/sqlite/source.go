package sqlite

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
		SELECT source_id, name, type, config, domain, enabled FROM core_sources WHERE source_id = ?`, id.String())
	return scanSource(row)
}

func (s *Store) GetSourceByName(ctx context.Context, name string) (*model.Source, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT source_id, name, type, config, domain, enabled FROM core_sources WHERE name = ?`, name)
	return scanSource(row)
}

func (s *Store) ListSources(ctx context.Context, domain string) ([]model.Source, error) {
	var rows *sql.Rows
	var err error
	if domain == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT source_id, name, type, config, domain, enabled FROM core_sources ORDER BY name`)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT source_id, name, type, config, domain, enabled FROM core_sources WHERE domain = ? ORDER BY name`, domain)
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

// CreateSource is a test/bootstrap helper; production sources are seeded
// via migration or an admin surface outside this package's scope.
func (s *Store) CreateSource(ctx context.Context, src *model.Source) error {
	configJSON, err := json.Marshal(src.Config)
	if err != nil {
		return fmt.Errorf("marshal source config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO core_sources (source_id, name, type, config, domain, enabled)
		VALUES (?,?,?,?,?,?)`,
		src.ID.String(), src.Name, src.Type, string(configJSON), src.Domain, src.Enabled)
	if err != nil {
		return fmt.Errorf("insert source: %w", err)
	}
	return nil
}

func (s *Store) RecordFetch(ctx context.Context, fetch *model.SourceFetch) (*model.SourceFetch, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO core_source_fetches (
			fetch_id, source_id, status, record_count, byte_count, content_hash, etag,
			last_modified, started_at, completed_at, duration_ms, error, retry_count, capture_id
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		fetch.ID.String(), fetch.SourceID.String(), string(fetch.Status), nullableInt(fetch.RecordCount),
		nullableInt64(fetch.ByteCount), nullableString(fetch.ContentHash), nullableString(fetch.ETag),
		nullableString(fetch.LastModified), fetch.StartedAt.UTC().Format(time.RFC3339Nano),
		nullableTimeString(fetch.CompletedAt), fetch.Duration.Milliseconds(), nullableString(fetch.Error),
		fetch.RetryCount, nullableIDString(fetch.CaptureID))
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
		FROM core_source_fetches WHERE source_id = ? ORDER BY started_at DESC LIMIT ?`, sourceID.String(), limit)
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
		SELECT content_hash, etag FROM core_source_cache WHERE source_id = ? AND cache_key = ?`,
		sourceID.String(), cacheKey).Scan(&contentHash, &etag)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cached hash: %w", err)
	}
	return &model.SourceFetch{SourceID: sourceID, ContentHash: contentHash, ETag: etag.String}, nil
}

func (s *Store) PutCachedHash(ctx context.Context, sourceID model.ID, cacheKey, contentHash, etag string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO core_source_cache (source_id, cache_key, content_hash, etag, cached_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (source_id, cache_key) DO UPDATE
			SET content_hash = excluded.content_hash, etag = excluded.etag, cached_at = excluded.cached_at`,
		sourceID.String(), cacheKey, contentHash, nullableString(etag), now)
	if err != nil {
		return fmt.Errorf("put cached hash: %w", err)
	}
	return nil
}

func nullableInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func scanSource(row rowScanner) (*model.Source, error) {
	var src model.Source
	var idStr, configJSON string
	var enabled bool
	if err := row.Scan(&idStr, &src.Name, &src.Type, &configJSON, &src.Domain, &enabled); err != nil {
		return nil, err
	}
	id, err := model.ParseID(idStr)
	if err != nil {
		return nil, fmt.Errorf("parse source_id: %w", err)
	}
	src.ID = id
	src.Enabled = enabled
	if configJSON != "" {
		_ = json.Unmarshal([]byte(configJSON), &src.Config)
	}
	return &src, nil
}

func scanSourceFetch(row rowScanner) (*model.SourceFetch, error) {
	var f model.SourceFetch
	var idStr, sourceIDStr, status string
	var recordCount, byteCount, durationMs sql.NullInt64
	var contentHash, etag, lastModified, errStr, captureID sql.NullString
	var startedAt string
	var completedAt sql.NullString

	err := row.Scan(&idStr, &sourceIDStr, &status, &recordCount, &byteCount, &contentHash, &etag,
		&lastModified, &startedAt, &completedAt, &durationMs, &errStr, &f.RetryCount, &captureID)
	if err != nil {
		return nil, err
	}

	id, err := model.ParseID(idStr)
	if err != nil {
		return nil, fmt.Errorf("parse fetch_id: %w", err)
	}
	f.ID = id
	sourceID, err := model.ParseID(sourceIDStr)
	if err != nil {
		return nil, fmt.Errorf("parse source_id: %w", err)
	}
	f.SourceID = sourceID
	f.Status = model.FetchStatus(status)

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
	f.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	if completedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, completedAt.String)
		f.CompletedAt = &t
	}
	if durationMs.Valid {
		f.Duration = time.Duration(durationMs.Int64) * time.Millisecond
	}
	if captureID.Valid {
		if cid, err := model.ParseID(captureID.String); err == nil {
			f.CaptureID = &cid
		}
	}
	return &f, nil
}
