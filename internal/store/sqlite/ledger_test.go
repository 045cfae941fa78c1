package sqlite_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runcore/core/internal/model"
	"github.com/runcore/core/internal/store/sqlite"
)

func newPendingRun(name string) *model.RunRecord {
	spec := model.WorkSpec{Kind: model.KindTask, Name: name}
	spec.Normalize()
	return &model.RunRecord{RunID: model.NewID(), Spec: spec, Status: model.RunPending}
}

func TestSQLiteCreateTransitionAndEvents(t *testing.T) {
	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	run := newPendingRun("send_email")
	_, err = store.CreateRun(ctx, run)
	require.NoError(t, err)

	fetched, err := store.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunPending, fetched.Status)

	running, err := store.TransitionRun(ctx, run.RunID, model.RunRunning, nil)
	require.NoError(t, err)
	assert.Equal(t, model.RunRunning, running.Status)

	_, err = store.RecordEvent(ctx, &model.ExecutionEvent{RunID: run.RunID, EventType: model.EventRunStarted})
	require.NoError(t, err)

	events, err := store.GetEvents(ctx, run.RunID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventRunStarted, events[0].EventType)
}

func TestSQLiteIdempotentCreate(t *testing.T) {
	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	run := newPendingRun("send_email")
	run.Spec.IdempotencyKey = "dedup-1"
	first, err := store.CreateRun(ctx, run)
	require.NoError(t, err)

	duplicate := newPendingRun("send_email")
	duplicate.Spec.IdempotencyKey = "dedup-1"
	second, err := store.CreateRun(ctx, duplicate)
	require.NoError(t, err)
	assert.Equal(t, first.RunID, second.RunID)
}

func TestSQLiteInvalidTransitionRejected(t *testing.T) {
	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	run := newPendingRun("send_email")
	_, err = store.CreateRun(ctx, run)
	require.NoError(t, err)

	_, err = store.TransitionRun(ctx, run.RunID, model.RunCompleted, nil)
	require.Error(t, err)
	var invalidErr *model.ErrInvalidTransition
	require.ErrorAs(t, err, &invalidErr)
}
