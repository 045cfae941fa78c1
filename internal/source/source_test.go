package source_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/runcore/core/internal/model"
	"github.com/runcore/core/internal/source"
	"github.com/runcore/core/internal/store/sqlite"
)

type stubFetcher struct {
	results []source.Result
	errs    []error
	calls   int
}

func (f *stubFetcher) Fetch(context.Context, model.Source, string) (source.Result, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return source.Result{}, f.errs[i]
	}
	if i < len(f.results) {
		return f.results[i], nil
	}
	return f.results[len(f.results)-1], nil
}

func newTestService(t *testing.T, fetcher source.Fetcher) (*source.Service, *sqlite.Store, model.Source) {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	src := &model.Source{ID: model.NewID(), Name: "edgar", Type: "http", Domain: "sec_filings", Enabled: true}
	require.NoError(t, db.CreateSource(context.Background(), src))

	svc := source.New(db, map[string]source.Fetcher{"http": fetcher}, zap.NewNop())
	return svc, db, *src
}

func TestFetchRecordsSuccessAndCachesHash(t *testing.T) {
	fetcher := &stubFetcher{results: []source.Result{{Body: []byte("v1"), ETag: "e1"}}}
	svc, _, _ := newTestService(t, fetcher)

	fetch, err := svc.Fetch(context.Background(), "edgar", "", "10-K")
	require.NoError(t, err)
	assert.Equal(t, model.FetchSuccess, fetch.Status)
	assert.NotEmpty(t, fetch.ContentHash)
}

func TestFetchDetectsUnchangedContent(t *testing.T) {
	fetcher := &stubFetcher{results: []source.Result{{Body: []byte("same")}, {Body: []byte("same")}}}
	svc, _, _ := newTestService(t, fetcher)

	_, err := svc.Fetch(context.Background(), "edgar", "", "10-K")
	require.NoError(t, err)

	fetch, err := svc.Fetch(context.Background(), "edgar", "", "10-K")
	require.NoError(t, err)
	assert.Equal(t, model.FetchUnchanged, fetch.Status)
}

func TestFetchRecordsFailure(t *testing.T) {
	fetcher := &stubFetcher{errs: []error{errors.New("upstream 500")}}
	svc, _, _ := newTestService(t, fetcher)

	fetch, err := svc.Fetch(context.Background(), "edgar", "", "10-K")
	assert.Error(t, err)
	require.NotNil(t, fetch)
	assert.Equal(t, model.FetchFailed, fetch.Status)
	assert.Contains(t, fetch.Error, "upstream 500")
}

func TestFetchRejectsDisabledSource(t *testing.T) {
	fetcher := &stubFetcher{results: []source.Result{{Body: []byte("v1")}}}
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	src := &model.Source{ID: model.NewID(), Name: "edgar", Type: "http", Domain: "sec_filings", Enabled: false}
	require.NoError(t, db.CreateSource(context.Background(), src))
	svc := source.New(db, map[string]source.Fetcher{"http": fetcher}, zap.NewNop())

	_, err = svc.Fetch(context.Background(), "edgar", "", "10-K")
	assert.Error(t, err)
}

func TestHistoryReturnsRecordedFetches(t *testing.T) {
	fetcher := &stubFetcher{results: []source.Result{{Body: []byte("v1")}, {Body: []byte("v2")}}}
	svc, _, src := newTestService(t, fetcher)

	_, err := svc.Fetch(context.Background(), "edgar", "", "10-K")
	require.NoError(t, err)
	_, err = svc.Fetch(context.Background(), "edgar", "", "10-K")
	require.NoError(t, err)

	history, err := svc.History(context.Background(), src.ID, 10)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}
