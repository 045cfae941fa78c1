// Package store defines the Ledger contract and the other store interfaces
// that the postgres and sqlite backends in its subpackages implement.
// Connection and schema bootstrap live in those subpackages.
package store

import (
	"context"
	"time"

	"github.com/runcore/core/internal/model"
)

// TableNames lists every table the core's schema creates, across both the
// postgres and sqlite migration sets, for operator-facing tooling (`runcore
// db tables`) rather than any runtime query path.
var TableNames = []string{
	"core_runs", "core_run_events", "core_workflow_defs", "core_steps", "core_queue",
	"core_schedules", "core_schedule_runs",
	"core_schedule_locks", "core_concurrency_locks", "core_dead_letters",
	"core_watermarks", "core_backfill_plans", "core_backfill_partitions",
	"core_sources", "core_source_fetches", "core_source_cache", "goose_db_version",
}

// Ledger is the single source of truth for run state and history:
// spec.md §3's create/read/transition/append-event operations over
// core_runs and core_run_events. Both internal/store/postgres and
// internal/store/sqlite implement it.
type Ledger interface {
	// CreateRun persists a new RunRecord in PENDING status. If
	// run.Spec.IdempotencyKey is set and already present, CreateRun
	// returns the existing RunRecord instead of creating a duplicate.
	CreateRun(ctx context.Context, run *model.RunRecord) (*model.RunRecord, error)

	// GetRun fetches a single run by id.
	GetRun(ctx context.Context, runID model.ID) (*model.RunRecord, error)

	// TransitionRun moves a run to a new status, validating against
	// model.CanTransition, and stamps StartedAt/CompletedAt as
	// appropriate. fn may mutate additional fields (Result, Error,
	// RetryCount, CaptureID) before the row is written.
	TransitionRun(ctx context.Context, runID model.ID, to model.RunStatus, fn func(*model.RunRecord)) (*model.RunRecord, error)

	// ListRuns returns a page of runs matching filter.
	ListRuns(ctx context.Context, filter model.RunFilter, page model.Pagination) (model.Page[model.RunRecord], error)

	// RecordEvent appends an ExecutionEvent, assigning a monotonic
	// EventID. If evt.IdempotencyKey is set and already recorded for this
	// run, RecordEvent is a no-op and returns the prior event.
	RecordEvent(ctx context.Context, evt *model.ExecutionEvent) (*model.ExecutionEvent, error)

	// GetEvents returns a run's events in EventID order.
	GetEvents(ctx context.Context, runID model.ID) ([]model.ExecutionEvent, error)

	// PurgeOlderThanDays deletes terminal runs (and their cascading
	// events) created more than days ago; returns the count removed.
	PurgeOlderThanDays(ctx context.Context, days int) (int64, error)

	// Health reports whether the backing store is reachable.
	Health(ctx context.Context) error

	Close() error
}

// ScheduleStore persists Schedule/ScheduleRun/ScheduleLock records over
// core_schedules, core_schedule_runs, and core_schedule_locks — the
// Scheduler's durable state so a restart (or a second scheduler instance)
// never double-fires or loses a cadence.
type ScheduleStore interface {
	// CreateSchedule inserts a new Schedule.
	CreateSchedule(ctx context.Context, sched *model.Schedule) (*model.Schedule, error)

	// GetSchedule fetches one schedule by id.
	GetSchedule(ctx context.Context, id model.ID) (*model.Schedule, error)

	// ListDueSchedules returns enabled schedules whose NextRunAt is at or
	// before asOf, ordered by NextRunAt ascending.
	ListDueSchedules(ctx context.Context, asOf time.Time) ([]model.Schedule, error)

	// ListSchedules returns every schedule, enabled or not.
	ListSchedules(ctx context.Context) ([]model.Schedule, error)

	// UpdateSchedule persists sched's NextRunAt/LastRunAt/LastRunStatus and
	// Enabled fields, optimistically guarded by Version.
	UpdateSchedule(ctx context.Context, sched *model.Schedule) error

	// DeleteSchedule removes a schedule and its locks/run history.
	DeleteSchedule(ctx context.Context, id model.ID) error

	// TryAcquireLock attempts to lease scheduleID for owner until
	// expiresAt, failing if a live lock is already held by a different
	// owner. Used so only one scheduler instance fires a given tick.
	TryAcquireLock(ctx context.Context, scheduleID model.ID, owner string, expiresAt time.Time) (bool, error)

	// ReleaseLock drops owner's lock on scheduleID, if still held.
	ReleaseLock(ctx context.Context, scheduleID model.ID, owner string) error

	// RecordScheduleRun appends a ScheduleRun produced by one tick.
	RecordScheduleRun(ctx context.Context, run *model.ScheduleRun) error
}

// WatermarkStore persists forward-only progress markers over
// core_watermarks, one row per (domain, source, partitionKey) triple.
type WatermarkStore interface {
	// AdvanceWatermark moves the high-water mark for the triple forward.
	// If newHighWater is not strictly greater than the current value
	// (lexicographic compare, since watermarks are opaque cursor strings
	// such as RFC3339 timestamps or monotonic ids), the existing row is
	// left untouched and returned as-is.
	AdvanceWatermark(ctx context.Context, domain, source, partitionKey, newHighWater string) (*model.Watermark, error)

	// GetWatermark fetches a single watermark row, or nil if none exists yet.
	GetWatermark(ctx context.Context, domain, source, partitionKey string) (*model.Watermark, error)

	// ListWatermarks returns every watermark under domain (all sources and
	// partitions); an empty domain lists across all domains.
	ListWatermarks(ctx context.Context, domain string) ([]model.Watermark, error)

	// DeleteWatermark removes a single watermark row.
	DeleteWatermark(ctx context.Context, domain, source, partitionKey string) error
}

// BackfillStore persists BackfillPlan lifecycle state over
// core_backfill_plans and core_backfill_partitions.
type BackfillStore interface {
	// CreatePlan inserts a new plan along with one pending-status row per
	// partition key.
	CreatePlan(ctx context.Context, plan *model.BackfillPlan) (*model.BackfillPlan, error)

	// GetPlan fetches one plan, reconstructing CompletedKeys/FailedKeys
	// from its partition rows.
	GetPlan(ctx context.Context, id model.ID) (*model.BackfillPlan, error)

	// ListPlans returns plans, optionally narrowed to one domain+source.
	ListPlans(ctx context.Context, domain, source string) ([]model.BackfillPlan, error)

	// SavePlan persists the full current state of plan: Status, Checkpoint,
	// StartedAt/CompletedAt, and every partition's status/failure reason.
	SavePlan(ctx context.Context, plan *model.BackfillPlan) error
}
