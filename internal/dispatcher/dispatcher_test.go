package dispatcher_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/runcore/core/internal/concurrency"
	"github.com/runcore/core/internal/dispatcher"
	"github.com/runcore/core/internal/eventbus"
	"github.com/runcore/core/internal/executor"
	"github.com/runcore/core/internal/model"
	"github.com/runcore/core/internal/registry"
	"github.com/runcore/core/internal/store/sqlite"
)

func newTestDispatcher(t *testing.T) (*dispatcher.Dispatcher, *sqlite.Store, *registry.Registry) {
	d, store, reg, _ := newTestDispatcherWithGuard(t)
	return d, store, reg
}

func newTestDispatcherWithGuard(t *testing.T) (*dispatcher.Dispatcher, *sqlite.Store, *registry.Registry, concurrency.Guard) {
	t.Helper()
	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg := registry.New()
	bus := eventbus.NewInProcessBus(16)
	t.Cleanup(bus.Close)

	guard := concurrency.NewStoreGuard(store)
	exec := executor.New(executor.DefaultConfig(), store, reg, bus, guard, zap.NewNop())
	exec.Start(context.Background())
	t.Cleanup(exec.Stop)

	return dispatcher.New(store, reg, exec, bus, guard, zap.NewNop()), store, reg, guard
}

func waitForStatus(t *testing.T, store *sqlite.Store, runID model.ID, want model.RunStatus) *model.RunRecord {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		run, err := store.GetRun(context.Background(), runID)
		require.NoError(t, err)
		if run.Status == want {
			return run
		}
		select {
		case <-deadline:
			t.Fatalf("run %s did not reach status %s, last status %s", runID, want, run.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSubmitRejectsUnregisteredHandler(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	_, err := d.SubmitTask(context.Background(), "nonexistent", nil)
	require.Error(t, err)
}

func TestSubmitRunsToCompletion(t *testing.T) {
	d, store, reg := newTestDispatcher(t)
	require.NoError(t, reg.Register(model.KindTask, "echo", registry.HandlerFunc(
		func(_ context.Context, params map[string]any) (map[string]any, error) {
			return params, nil
		}), nil, false))

	run, err := d.SubmitTask(context.Background(), "echo", map[string]any{"a": float64(1)})
	require.NoError(t, err)

	completed := waitForStatus(t, store, run.RunID, model.RunCompleted)
	assert.Equal(t, map[string]any{"a": float64(1)}, completed.Result)
}

func TestSubmitIdempotencyKeyDeduplicates(t *testing.T) {
	d, _, reg := newTestDispatcher(t)
	require.NoError(t, reg.Register(model.KindTask, "echo", registry.HandlerFunc(
		func(_ context.Context, params map[string]any) (map[string]any, error) {
			return params, nil
		}), nil, false))

	spec := model.WorkSpec{Kind: model.KindTask, Name: "echo", IdempotencyKey: "fixed-key"}
	first, err := d.Submit(context.Background(), spec)
	require.NoError(t, err)

	second, err := d.Submit(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, first.RunID, second.RunID)
}

func TestCancelPendingRun(t *testing.T) {
	d, store, reg := newTestDispatcher(t)
	require.NoError(t, reg.Register(model.KindTask, "blocker", registry.HandlerFunc(
		func(ctx context.Context, _ map[string]any) (map[string]any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}), nil, false))

	run, err := d.SubmitTask(context.Background(), "blocker", nil)
	require.NoError(t, err)

	// There's an inherent race between cancel and the executor claiming
	// the run; assert only that Cancel succeeds from a non-terminal state.
	_, getErr := store.GetRun(context.Background(), run.RunID)
	require.NoError(t, getErr)

	cancelled, err := d.Cancel(context.Background(), run.RunID)
	if err != nil {
		// Already past PENDING/RUNNING by the time Cancel ran; acceptable
		// under the inherent race, but the error must say so.
		assert.Contains(t, err.Error(), "not cancellable")
		return
	}
	assert.Equal(t, model.RunCancelled, cancelled.Status)
}

func TestRetryCreatesNewRunWithParent(t *testing.T) {
	d, store, reg := newTestDispatcher(t)
	require.NoError(t, reg.Register(model.KindTask, "boom", registry.HandlerFunc(
		func(_ context.Context, _ map[string]any) (map[string]any, error) {
			return nil, assertError{}
		}), nil, false))

	run, err := d.SubmitTask(context.Background(), "boom", nil)
	require.NoError(t, err)
	waitForStatus(t, store, run.RunID, model.RunFailed)

	retried, err := d.Retry(context.Background(), run.RunID)
	require.NoError(t, err)
	require.NotNil(t, retried.Spec.ParentRunID)
	assert.Equal(t, run.RunID, *retried.Spec.ParentRunID)
	assert.Equal(t, model.TriggerRetry, retried.Spec.TriggerSource)
	assert.NotEqual(t, run.RunID, retried.RunID)
}

func TestRetryStampsRetryCountAndRejectsPastBudget(t *testing.T) {
	d, store, reg := newTestDispatcher(t)
	require.NoError(t, reg.Register(model.KindTask, "boom", registry.HandlerFunc(
		func(_ context.Context, _ map[string]any) (map[string]any, error) {
			return nil, assertError{}
		}), nil, false))

	run, err := d.Submit(context.Background(), model.WorkSpec{Kind: model.KindTask, Name: "boom", MaxRetries: 1})
	require.NoError(t, err)
	waitForStatus(t, store, run.RunID, model.RunFailed)

	retried, err := d.Retry(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, 1, retried.RetryCount)
	waitForStatus(t, store, retried.RunID, model.RunFailed)

	_, err = d.Retry(context.Background(), retried.RunID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exhausted its retry budget")
}

func TestSubmitRejectsLockContentionThenSucceedsAfterRelease(t *testing.T) {
	d, store, reg, guard := newTestDispatcherWithGuard(t)
	require.NoError(t, reg.Register(model.KindTask, "echo", registry.HandlerFunc(
		func(_ context.Context, params map[string]any) (map[string]any, error) {
			return params, nil
		}), nil, false))

	holder := model.NewID()
	require.NoError(t, guard.TryAcquire(context.Background(), "tenant-a:ingest", holder, holder, time.Minute))

	_, err := d.Submit(context.Background(), model.WorkSpec{Kind: model.KindTask, Name: "echo", LockKey: "tenant-a:ingest"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lock contention")

	require.NoError(t, guard.Release(context.Background(), "tenant-a:ingest", holder))

	run, err := d.Submit(context.Background(), model.WorkSpec{Kind: model.KindTask, Name: "echo", LockKey: "tenant-a:ingest"})
	require.NoError(t, err)
	waitForStatus(t, store, run.RunID, model.RunCompleted)
}

type assertError struct{}

func (assertError) Error() string { return "boom" }
