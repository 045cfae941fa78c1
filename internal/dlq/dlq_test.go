package dlq_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/runcore/core/internal/dispatcher"
	"github.com/runcore/core/internal/dlq"
	"github.com/runcore/core/internal/errs"
	"github.com/runcore/core/internal/eventbus"
	"github.com/runcore/core/internal/executor"
	"github.com/runcore/core/internal/model"
	"github.com/runcore/core/internal/registry"
	"github.com/runcore/core/internal/store/sqlite"
)

type fakeNotifier struct{ notified []model.ID }

func (f *fakeNotifier) NotifyDeadLettered(_ context.Context, dl *model.DeadLetter) {
	f.notified = append(f.notified, dl.ID)
}

func newTestService(t *testing.T) (*dlq.Service, *sqlite.Store, *dispatcher.Dispatcher, *fakeNotifier) {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg := registry.New()
	require.NoError(t, reg.Register(model.KindTask, "flaky", registry.HandlerFunc(
		func(_ context.Context, _ map[string]any) (map[string]any, error) {
			return map[string]any{"ok": true}, nil
		}), nil, false))

	bus := eventbus.NewInProcessBus(16)
	exec := executor.New(executor.DefaultConfig(), db, reg, bus, nil, zap.NewNop())
	exec.Start(context.Background())
	t.Cleanup(exec.Stop)

	disp := dispatcher.New(db, reg, exec, bus, nil, zap.NewNop())
	notifier := &fakeNotifier{}
	svc := dlq.New(db, db, disp, notifier, zap.NewNop())
	return svc, db, disp, notifier
}

func submitFailedRun(t *testing.T, db *sqlite.Store, disp *dispatcher.Dispatcher) *model.RunRecord {
	t.Helper()
	ctx := context.Background()
	run, err := disp.SubmitTask(ctx, "flaky", map[string]any{})
	require.NoError(t, err)

	_, err = db.TransitionRun(ctx, run.RunID, model.RunRunning, nil)
	require.NoError(t, err)
	run, err = db.TransitionRun(ctx, run.RunID, model.RunFailed, func(r *model.RunRecord) {
		r.Error = "boom"
		r.ErrorType = "SomeError"
		r.ErrorCategory = string(errs.Transient)
	})
	require.NoError(t, err)
	return run
}

func TestRecordCreatesDeadLetterAndNotifies(t *testing.T) {
	svc, db, disp, notifier := newTestService(t)
	run := submitFailedRun(t, db, disp)

	dl, err := svc.Record(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, run.RunID, dl.RunID)
	assert.Equal(t, "boom", dl.Error)
	assert.Len(t, notifier.notified, 1)
	assert.Equal(t, dl.ID, notifier.notified[0])

	fetched, err := svc.Get(context.Background(), dl.ID)
	require.NoError(t, err)
	assert.Equal(t, dl.ID, fetched.ID)
}

func TestListFiltersUnresolved(t *testing.T) {
	svc, db, disp, _ := newTestService(t)
	run := submitFailedRun(t, db, disp)
	dl, err := svc.Record(context.Background(), run)
	require.NoError(t, err)

	page, err := svc.List(context.Background(), true, model.Pagination{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)

	require.NoError(t, svc.Resolve(context.Background(), dl.ID, "operator@example.com"))

	page, err = svc.List(context.Background(), true, model.Pagination{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 0, page.Total)
}

func TestReplayRejectsResolvedDeadLetter(t *testing.T) {
	svc, db, disp, _ := newTestService(t)
	run := submitFailedRun(t, db, disp)
	dl, err := svc.Record(context.Background(), run)
	require.NoError(t, err)
	require.NoError(t, svc.Resolve(context.Background(), dl.ID, "operator@example.com"))

	_, err = svc.Replay(context.Background(), dl.ID)
	assert.Error(t, err)
}

func TestReplayResubmitsRetryableDeadLetter(t *testing.T) {
	svc, db, disp, _ := newTestService(t)
	run := submitFailedRun(t, db, disp)
	dl, err := svc.Record(context.Background(), run)
	require.NoError(t, err)

	newRun, err := svc.Replay(context.Background(), dl.ID)
	require.NoError(t, err)
	require.NotNil(t, newRun.Spec.ParentRunID)
	assert.Equal(t, run.RunID, *newRun.Spec.ParentRunID)

	time.Sleep(10 * time.Millisecond)
	refetched, err := svc.Get(context.Background(), dl.ID)
	require.NoError(t, err)
	assert.NotNil(t, refetched.LastRetryAt)
}
