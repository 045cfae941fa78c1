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

func newWatcherHarness(t *testing.T, handlerErr error) (*sqlite.Store, *dispatcher.Dispatcher, *dlq.Watcher, *fakeNotifier) {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg := registry.New()
	require.NoError(t, reg.Register(model.KindTask, "doomed", registry.HandlerFunc(
		func(context.Context, map[string]any) (map[string]any, error) {
			return nil, handlerErr
		}), nil, false))

	bus := eventbus.NewInProcessBus(16)
	exec := executor.New(executor.DefaultConfig(), db, reg, bus, nil, zap.NewNop())
	exec.Start(context.Background())
	t.Cleanup(exec.Stop)

	disp := dispatcher.New(db, reg, exec, bus, nil, zap.NewNop())
	notifier := &fakeNotifier{}
	svc := dlq.New(db, db, disp, notifier, zap.NewNop())
	watcher := dlq.NewWatcher(bus, db, disp, svc, zap.NewNop())
	_, err = watcher.Start(context.Background())
	require.NoError(t, err)

	return db, disp, watcher, notifier
}

func TestWatcherDeadLettersNonRetryableFailure(t *testing.T) {
	db, disp, _, notifier := newWatcherHarness(t, errs.New(errs.Validation, "bad params", nil, nil))

	run, err := disp.SubmitTask(context.Background(), "doomed", map[string]any{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(notifier.notified) == 1
	}, time.Second, 10*time.Millisecond)

	failed, err := db.GetRun(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunDeadLettered, failed.Status)
}

func TestWatcherRetriesTransientFailureWithinBudget(t *testing.T) {
	db, disp, _, notifier := newWatcherHarness(t, errs.New(errs.Transient, "connection reset", nil, nil))

	_, err := disp.Submit(context.Background(), model.WorkSpec{
		Kind: model.KindTask, Name: "doomed", RetryDelaySeconds: 1,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		page, err := db.ListRuns(context.Background(), model.RunFilter{}, model.Pagination{Limit: 50})
		if err != nil {
			return false
		}
		return len(page.Items) >= 2
	}, 6*time.Second, 50*time.Millisecond)

	assert.Empty(t, notifier.notified)
}
