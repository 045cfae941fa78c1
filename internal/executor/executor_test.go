package executor_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/runcore/core/internal/errs"
	"github.com/runcore/core/internal/eventbus"
	"github.com/runcore/core/internal/executor"
	"github.com/runcore/core/internal/model"
	"github.com/runcore/core/internal/registry"
	"github.com/runcore/core/internal/store/sqlite"
)

func newTestExecutor(t *testing.T) (*executor.InProcess, *sqlite.Store, *registry.Registry) {
	t.Helper()
	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg := registry.New()
	bus := eventbus.NewInProcessBus(16)
	t.Cleanup(bus.Close)

	cfg := executor.DefaultConfig()
	cfg.DefaultTimeout = 2 * time.Second
	exec := executor.New(cfg, store, reg, bus, nil, zap.NewNop())
	exec.Start(context.Background())
	t.Cleanup(exec.Stop)

	return exec, store, reg
}

func createPendingRun(t *testing.T, store *sqlite.Store, name string, params map[string]any) *model.RunRecord {
	t.Helper()
	spec := model.WorkSpec{Kind: model.KindTask, Name: name, Params: params}
	spec.Normalize()
	run := &model.RunRecord{RunID: model.NewID(), Spec: spec, Status: model.RunPending}
	created, err := store.CreateRun(context.Background(), run)
	require.NoError(t, err)
	return created
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

func TestExecuteSucceeds(t *testing.T) {
	exec, store, reg := newTestExecutor(t)

	require.NoError(t, reg.Register(model.KindTask, "echo", registry.HandlerFunc(
		func(_ context.Context, params map[string]any) (map[string]any, error) {
			return params, nil
		}), nil, false))

	run := createPendingRun(t, store, "echo", map[string]any{"x": float64(1)})
	require.NoError(t, exec.Submit(context.Background(), executor.Item{Run: run}))

	completed := waitForStatus(t, store, run.RunID, model.RunCompleted)
	assert.Equal(t, map[string]any{"x": float64(1)}, completed.Result)

	events, err := store.GetEvents(context.Background(), run.RunID)
	require.NoError(t, err)
	var types []string
	for _, e := range events {
		types = append(types, e.EventType)
	}
	assert.Contains(t, types, model.EventRunStarted)
	assert.Contains(t, types, model.EventRunCompleted)
}

func TestExecuteHandlerErrorMarksFailed(t *testing.T) {
	exec, store, reg := newTestExecutor(t)

	require.NoError(t, reg.Register(model.KindTask, "boom", registry.HandlerFunc(
		func(_ context.Context, _ map[string]any) (map[string]any, error) {
			return nil, errs.Wrap(errs.Source, "upstream rejected payload", errors.New("400"))
		}), nil, false))

	run := createPendingRun(t, store, "boom", nil)
	require.NoError(t, exec.Submit(context.Background(), executor.Item{Run: run}))

	failed := waitForStatus(t, store, run.RunID, model.RunFailed)
	assert.Equal(t, "SOURCE", failed.ErrorCategory)
	assert.Contains(t, failed.Error, "upstream rejected payload")
}

func TestExecuteUnregisteredHandlerMarksFailed(t *testing.T) {
	exec, store, _ := newTestExecutor(t)

	run := createPendingRun(t, store, "missing", nil)
	require.NoError(t, exec.Submit(context.Background(), executor.Item{Run: run}))

	failed := waitForStatus(t, store, run.RunID, model.RunFailed)
	assert.Equal(t, "CONFIG", failed.ErrorCategory)
}

func TestExecuteHandlerPanicRecovered(t *testing.T) {
	exec, store, reg := newTestExecutor(t)

	require.NoError(t, reg.Register(model.KindTask, "panics", registry.HandlerFunc(
		func(_ context.Context, _ map[string]any) (map[string]any, error) {
			panic("unexpected")
		}), nil, false))

	run := createPendingRun(t, store, "panics", nil)
	require.NoError(t, exec.Submit(context.Background(), executor.Item{Run: run}))

	failed := waitForStatus(t, store, run.RunID, model.RunFailed)
	assert.Contains(t, failed.Error, "panicked")
}

func TestExecuteTimeout(t *testing.T) {
	exec, store, reg := newTestExecutor(t)

	require.NoError(t, reg.Register(model.KindTask, "slow", registry.HandlerFunc(
		func(ctx context.Context, _ map[string]any) (map[string]any, error) {
			select {
			case <-time.After(5 * time.Second):
				return map[string]any{}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}), nil, false))

	spec := model.WorkSpec{Kind: model.KindTask, Name: "slow"}
	spec.Normalize()
	timeoutSeconds := 0
	spec.TimeoutSeconds = &timeoutSeconds
	run := &model.RunRecord{RunID: model.NewID(), Spec: spec, Status: model.RunPending}
	created, err := store.CreateRun(context.Background(), run)
	require.NoError(t, err)

	require.NoError(t, exec.Submit(context.Background(), executor.Item{Run: created}))
	failed := waitForStatus(t, store, created.RunID, model.RunFailed)
	assert.Equal(t, "TIMEOUT", failed.ErrorCategory)
}
