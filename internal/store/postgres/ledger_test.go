package postgres_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/runcore/core/internal/model"
	"github.com/runcore/core/internal/store/postgres"
	"github.com/runcore/core/internal/testutil"
)

func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	ctx := context.Background()
	_, db, cleanup := testutil.SetupPostgresWithMigrations(ctx, t)
	t.Cleanup(cleanup)
	return postgres.NewWithDB(db, zap.NewNop())
}

func newPendingRun(name string) *model.RunRecord {
	spec := model.WorkSpec{Kind: model.KindTask, Name: name}
	spec.Normalize()
	return &model.RunRecord{
		RunID:  model.NewID(),
		Spec:   spec,
		Status: model.RunPending,
	}
}

func TestCreateAndGetRun(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run := newPendingRun("send_email")
	run.CreatedAt = run.CreatedAt // zero value is fine; DB defaults apply via explicit column
	created, err := store.CreateRun(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, run.RunID, created.RunID)

	fetched, err := store.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunPending, fetched.Status)
	assert.Equal(t, "send_email", fetched.Spec.Name)
}

func TestCreateRunIdempotencyKeyDeduplicates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run := newPendingRun("send_email")
	run.Spec.IdempotencyKey = "dedup-key-1"
	first, err := store.CreateRun(ctx, run)
	require.NoError(t, err)

	duplicate := newPendingRun("send_email")
	duplicate.Spec.IdempotencyKey = "dedup-key-1"
	second, err := store.CreateRun(ctx, duplicate)
	require.NoError(t, err)

	assert.Equal(t, first.RunID, second.RunID, "second submit with same idempotency key returns the original run")
}

func TestTransitionRunEnforcesStateMachine(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run := newPendingRun("send_email")
	_, err := store.CreateRun(ctx, run)
	require.NoError(t, err)

	running, err := store.TransitionRun(ctx, run.RunID, model.RunRunning, nil)
	require.NoError(t, err)
	assert.Equal(t, model.RunRunning, running.Status)
	assert.NotNil(t, running.StartedAt)

	completed, err := store.TransitionRun(ctx, run.RunID, model.RunCompleted, func(r *model.RunRecord) {
		r.Result = map[string]any{"ok": true}
	})
	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, completed.Status)
	assert.NotNil(t, completed.CompletedAt)
	assert.Equal(t, map[string]any{"ok": true}, completed.Result)

	_, err = store.TransitionRun(ctx, run.RunID, model.RunRunning, nil)
	require.Error(t, err)
	var invalidErr *model.ErrInvalidTransition
	require.ErrorAs(t, err, &invalidErr)
}

func TestRecordAndListEvents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run := newPendingRun("send_email")
	_, err := store.CreateRun(ctx, run)
	require.NoError(t, err)

	_, err = store.RecordEvent(ctx, &model.ExecutionEvent{
		RunID:     run.RunID,
		EventType: model.EventRunCreated,
		Payload:   map[string]any{"name": "send_email"},
	})
	require.NoError(t, err)

	second, err := store.RecordEvent(ctx, &model.ExecutionEvent{
		RunID:     run.RunID,
		EventType: model.EventRunStarted,
	})
	require.NoError(t, err)
	assert.Greater(t, second.EventID, int64(0))

	events, err := store.GetEvents(ctx, run.RunID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, model.EventRunCreated, events[0].EventType)
	assert.Equal(t, model.EventRunStarted, events[1].EventType)
	assert.Less(t, events[0].EventID, events[1].EventID)
}

func TestRecordEventIdempotencyKeyDeduplicates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run := newPendingRun("send_email")
	_, err := store.CreateRun(ctx, run)
	require.NoError(t, err)

	first, err := store.RecordEvent(ctx, &model.ExecutionEvent{
		RunID:          run.RunID,
		EventType:      model.EventRunStarted,
		IdempotencyKey: "evt-1",
	})
	require.NoError(t, err)

	second, err := store.RecordEvent(ctx, &model.ExecutionEvent{
		RunID:          run.RunID,
		EventType:      model.EventRunStarted,
		IdempotencyKey: "evt-1",
	})
	require.NoError(t, err)
	assert.Equal(t, first.EventID, second.EventID)

	events, err := store.GetEvents(ctx, run.RunID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestListRunsFiltersByStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	pending := newPendingRun("alpha")
	_, err := store.CreateRun(ctx, pending)
	require.NoError(t, err)

	running := newPendingRun("beta")
	_, err = store.CreateRun(ctx, running)
	require.NoError(t, err)
	_, err = store.TransitionRun(ctx, running.RunID, model.RunRunning, nil)
	require.NoError(t, err)

	runningStatus := model.RunRunning
	page, err := store.ListRuns(ctx, model.RunFilter{Status: &runningStatus}, model.Pagination{Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "beta", page.Items[0].Spec.Name)
	assert.Equal(t, 1, page.Total)
}

func TestListRunsPagination(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := store.CreateRun(ctx, newPendingRun("paginated"))
		require.NoError(t, err)
	}

	page, err := store.ListRuns(ctx, model.RunFilter{Name: "paginated"}, model.Pagination{Limit: 2, Offset: 0})
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
	assert.Equal(t, 5, page.Total)
	assert.True(t, page.HasMore)

	last, err := store.ListRuns(ctx, model.RunFilter{Name: "paginated"}, model.Pagination{Limit: 2, Offset: 4})
	require.NoError(t, err)
	assert.Len(t, last.Items, 1)
	assert.False(t, last.HasMore)
}
