// Package source implements the cursor-resumable fetch abstraction
// spec.md's Source & Fetch layer describes: the core never parses what an
// upstream returns, it only tracks that a fetch happened, what it cost,
// and whether the content changed since last time — the same
// book-keeping-not-business-logic split the teacher draws between its
// trigger/poll layer and the connectors it polls, generalized here to any
// registered Fetcher instead of one hardcoded integration. Per-source
// circuit breaking (BR-NOT-055-style per-channel isolation in the wider
// retrieval pack) stops a flapping upstream from burning the whole
// scheduler tick on repeated timeouts.
package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/runcore/core/internal/model"
)

// Fetcher performs the actual upstream call for one Source. Implementations
// live outside this package — this layer only wraps whatever they return
// with history, caching, and circuit breaking.
type Fetcher interface {
	Fetch(ctx context.Context, src model.Source, cursor string) (Result, error)
}

// Result is a Fetcher's raw output before Service reconciles it against the
// content cache.
type Result struct {
	Body         []byte
	RecordCount  *int
	ETag         string
	LastModified string
	NextCursor   string
}

// Store persists Source/SourceFetch/cache rows over core_sources,
// core_source_fetches, and core_source_cache.
type Store interface {
	GetSource(ctx context.Context, id model.ID) (*model.Source, error)
	GetSourceByName(ctx context.Context, name string) (*model.Source, error)
	ListSources(ctx context.Context, domain string) ([]model.Source, error)
	RecordFetch(ctx context.Context, fetch *model.SourceFetch) (*model.SourceFetch, error)
	ListFetches(ctx context.Context, sourceID model.ID, limit int) ([]model.SourceFetch, error)
	GetCachedHash(ctx context.Context, sourceID model.ID, cacheKey string) (*model.SourceFetch, error)
	PutCachedHash(ctx context.Context, sourceID model.ID, cacheKey, contentHash, etag string) error
}

// Service drives a Fetcher through a Source's lifecycle: fetch, hash,
// compare against cache, record history, and trip its breaker on repeated
// failure.
type Service struct {
	store    Store
	fetchers map[string]Fetcher
	breakers map[model.ID]*gobreaker.CircuitBreaker
	logger   *zap.Logger
}

// New builds a Service. fetchers maps Source.Type to the Fetcher that
// knows how to poll that kind of upstream.
func New(st Store, fetchers map[string]Fetcher, logger *zap.Logger) *Service {
	return &Service{store: st, fetchers: fetchers, breakers: map[model.ID]*gobreaker.CircuitBreaker{}, logger: logger}
}

func (s *Service) breakerFor(src model.Source) *gobreaker.CircuitBreaker {
	if cb, ok := s.breakers[src.ID]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        src.Name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("source circuit breaker state change",
				zap.String("source", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	s.breakers[src.ID] = cb
	return cb
}

// Fetch runs one fetch attempt against src's cursor, through its circuit
// breaker, and records the resulting SourceFetch. cacheKey scopes the
// content-hash cache (e.g. a partition key); fetches whose hash matches
// the cache are recorded UNCHANGED.
func (s *Service) Fetch(ctx context.Context, sourceName, cursor, cacheKey string) (*model.SourceFetch, error) {
	src, err := s.store.GetSourceByName(ctx, sourceName)
	if err != nil {
		return nil, fmt.Errorf("fetch: lookup source %s: %w", sourceName, err)
	}
	if !src.Enabled {
		return nil, fmt.Errorf("fetch: source %s is disabled", sourceName)
	}
	fetcher, ok := s.fetchers[src.Type]
	if !ok {
		return nil, fmt.Errorf("fetch: no fetcher registered for source type %q", src.Type)
	}

	started := time.Now()
	raw, err := s.breakerFor(*src).Execute(func() (any, error) {
		return fetcher.Fetch(ctx, *src, cursor)
	})
	completed := time.Now()

	fetch := &model.SourceFetch{
		ID:        model.NewID(),
		SourceID:  src.ID,
		StartedAt: started,
	}
	if err != nil {
		fetch.Status = model.FetchFailed
		fetch.Error = err.Error()
		fetch.CompletedAt = &completed
		fetch.Duration = completed.Sub(started)
		recorded, recErr := s.store.RecordFetch(ctx, fetch)
		if recErr != nil {
			return nil, fmt.Errorf("fetch: record failure: %w", recErr)
		}
		return recorded, err
	}

	result := raw.(Result)
	hash := contentHash(result.Body)

	cached, cacheErr := s.store.GetCachedHash(ctx, src.ID, cacheKey)
	if cacheErr == nil && cached != nil && cached.ContentHash == hash {
		fetch.Status = model.FetchUnchanged
		fetch.ContentHash = hash
		fetch.ETag = result.ETag
		fetch.LastModified = result.LastModified
	} else {
		fetch.Status = model.FetchSuccess
		fetch.ContentHash = hash
		fetch.ETag = result.ETag
		fetch.LastModified = result.LastModified
		fetch.RecordCount = result.RecordCount
		byteCount := int64(len(result.Body))
		fetch.ByteCount = &byteCount
		if err := s.store.PutCachedHash(ctx, src.ID, cacheKey, hash, result.ETag); err != nil {
			s.logger.Warn("fetch: put cached hash failed", zap.String("source", sourceName), zap.Error(err))
		}
	}
	fetch.CompletedAt = &completed
	fetch.Duration = completed.Sub(started)

	return s.store.RecordFetch(ctx, fetch)
}

// History returns the most recent fetches for a source, newest first.
func (s *Service) History(ctx context.Context, sourceID model.ID, limit int) ([]model.SourceFetch, error) {
	return s.store.ListFetches(ctx, sourceID, limit)
}

func contentHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
