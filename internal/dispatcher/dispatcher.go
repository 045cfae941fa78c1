// Package dispatcher implements the single canonical entrypoint for
// submitting work. Every caller — the HTTP API, the CLI, the scheduler,
// and DLQ replay — goes through Dispatcher.Submit: create the Ledger
// record, hand it to the Executor, and report back the RunRecord. No
// other path is allowed to create a run.
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/runcore/core/internal/concurrency"
	"github.com/runcore/core/internal/errs"
	"github.com/runcore/core/internal/eventbus"
	"github.com/runcore/core/internal/executor"
	"github.com/runcore/core/internal/metrics"
	"github.com/runcore/core/internal/model"
	"github.com/runcore/core/internal/registry"
	"github.com/runcore/core/internal/store"
	"github.com/runcore/core/internal/tracing"
)

// Dispatcher is the single canonical entrypoint for submitting a WorkSpec.
type Dispatcher struct {
	ledger   store.Ledger
	registry *registry.Registry
	executor executor.Executor
	bus      eventbus.Bus
	guard    concurrency.Guard
	logger   *zap.Logger
	validate *validator.Validate
}

// New builds a Dispatcher over its collaborators. guard may be nil, in
// which case WorkSpec.LockKey is ignored (no exclusivity enforced).
func New(ledger store.Ledger, reg *registry.Registry, exec executor.Executor, bus eventbus.Bus, guard concurrency.Guard, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		ledger:   ledger,
		registry: reg,
		executor: exec,
		bus:      bus,
		guard:    guard,
		logger:   logger,
		validate: validator.New(),
	}
}

// Submit validates spec, creates its Ledger record, and hands it to the
// Executor. A spec with an IdempotencyKey matching an already-recorded
// run returns that prior RunRecord instead of creating a new one.
func (d *Dispatcher) Submit(ctx context.Context, spec model.WorkSpec) (*model.RunRecord, error) {
	return d.submit(ctx, spec, 0)
}

// submit is Submit's implementation, parameterized on the retry depth so
// Retry can stamp RetryCount onto the freshly-created RunRecord at
// creation time — legalTransitions has no same-status entries, so there
// is no way to set the field after CreateRun runs.
func (d *Dispatcher) submit(ctx context.Context, spec model.WorkSpec, retryCount int) (*model.RunRecord, error) {
	spec.Normalize()

	if err := d.validate.Struct(spec); err != nil {
		return nil, errs.New(errs.Validation, "invalid work spec", err, nil)
	}

	if !d.registry.Has(spec.Kind, spec.Name) {
		return nil, errs.New(errs.Config, fmt.Sprintf("no handler registered for %s:%s", spec.Kind, spec.Name), nil, nil)
	}

	run := &model.RunRecord{
		RunID:      model.NewID(),
		Spec:       spec,
		Status:     model.RunPending,
		RetryCount: retryCount,
	}

	created, err := d.ledger.CreateRun(ctx, run)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "failed to create run", err)
	}
	if created.RunID != run.RunID {
		// An existing run with this idempotency key was returned.
		return created, nil
	}

	_, span := tracing.StartRun(ctx, created.RunID.String(), string(spec.Kind), spec.Name)
	defer span.End()

	if _, err := d.ledger.RecordEvent(ctx, &model.ExecutionEvent{
		RunID:     created.RunID,
		EventType: model.EventRunCreated,
		Payload:   map[string]any{"kind": spec.Kind, "name": spec.Name},
	}); err != nil {
		d.logger.Warn("failed to record run.created event", zap.Error(err))
	}
	metrics.RunsTotal.WithLabelValues(string(created.Status)).Inc()
	metrics.ActiveRuns.WithLabelValues(created.Spec.Lane).Inc()

	if created.Spec.LockKey != "" && d.guard != nil {
		ttl := time.Duration(model.DefaultLockTTL) * time.Second
		if created.Spec.TimeoutSeconds != nil {
			ttl = time.Duration(*created.Spec.TimeoutSeconds) * time.Second
		}
		if err := d.guard.TryAcquire(ctx, created.Spec.LockKey, created.RunID, created.RunID, ttl); err != nil {
			failed, transErr := d.ledger.TransitionRun(ctx, created.RunID, model.RunFailed, func(r *model.RunRecord) {
				r.Error = fmt.Sprintf("lock %q held by another execution", created.Spec.LockKey)
				r.ErrorCategory = string(errs.Transient)
			})
			if transErr != nil {
				d.logger.Error("failed to mark run FAILED after lock contention", zap.Error(transErr))
			}
			metrics.RunsTotal.WithLabelValues(string(model.RunFailed)).Inc()
			metrics.ActiveRuns.WithLabelValues(created.Spec.Lane).Dec()
			lockErr := errs.New(errs.Transient, fmt.Sprintf("lock contention on %q", created.Spec.LockKey), err, map[string]any{"lockKey": created.Spec.LockKey})
			span.RecordError(lockErr)
			return failed, lockErr
		}
	}

	if err := d.executor.Submit(ctx, executor.Item{Run: created}); err != nil {
		failed, transErr := d.ledger.TransitionRun(ctx, created.RunID, model.RunFailed, func(r *model.RunRecord) {
			r.Error = fmt.Sprintf("executor submission failed: %v", err)
			r.ErrorCategory = string(errs.Internal)
		})
		if transErr != nil {
			d.logger.Error("failed to mark run FAILED after executor rejection", zap.Error(transErr))
		}
		metrics.RunsTotal.WithLabelValues(string(model.RunFailed)).Inc()
		metrics.ActiveRuns.WithLabelValues(created.Spec.Lane).Dec()
		if created.Spec.LockKey != "" && d.guard != nil {
			if relErr := d.guard.Release(ctx, created.Spec.LockKey, created.RunID); relErr != nil {
				d.logger.Warn("failed to release lock after executor rejection", zap.Error(relErr))
			}
		}
		submitErr := errs.Wrap(errs.Internal, "executor submission failed", err)
		span.RecordError(submitErr)
		return failed, submitErr
	}

	if d.bus != nil {
		_ = d.bus.Publish(ctx, eventbus.Event{Topic: model.EventRunCreated, RunID: &created.RunID})
	}
	return created, nil
}

// SubmitTask is sugar for Submit with Kind=task.
func (d *Dispatcher) SubmitTask(ctx context.Context, name string, params map[string]any) (*model.RunRecord, error) {
	return d.Submit(ctx, model.WorkSpec{Kind: model.KindTask, Name: name, Params: params})
}

// SubmitOperation is sugar for Submit with Kind=operation.
func (d *Dispatcher) SubmitOperation(ctx context.Context, name string, params map[string]any) (*model.RunRecord, error) {
	return d.Submit(ctx, model.WorkSpec{Kind: model.KindOperation, Name: name, Params: params})
}

// SubmitWorkflow is sugar for Submit with Kind=workflow.
func (d *Dispatcher) SubmitWorkflow(ctx context.Context, name string, params map[string]any) (*model.RunRecord, error) {
	return d.Submit(ctx, model.WorkSpec{Kind: model.KindWorkflow, Name: name, Params: params})
}

// GetRun fetches a run by id.
func (d *Dispatcher) GetRun(ctx context.Context, runID model.ID) (*model.RunRecord, error) {
	return d.ledger.GetRun(ctx, runID)
}

// ListRuns pages through runs matching filter.
func (d *Dispatcher) ListRuns(ctx context.Context, filter model.RunFilter, page model.Pagination) (model.Page[model.RunRecord], error) {
	return d.ledger.ListRuns(ctx, filter, page)
}

// GetRunEvents returns a run's event history in order.
func (d *Dispatcher) GetRunEvents(ctx context.Context, runID model.ID) ([]model.ExecutionEvent, error) {
	return d.ledger.GetEvents(ctx, runID)
}

// Cancel requests cancellation of a PENDING or RUNNING run. It cannot
// stop work already executing inside a handler; it only prevents a
// not-yet-started run from being picked up and marks the Ledger row
// CANCELLED so the Executor's eventual completion report (if any) is
// rejected by the state machine.
func (d *Dispatcher) Cancel(ctx context.Context, runID model.ID) (*model.RunRecord, error) {
	run, err := d.ledger.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != model.RunPending && run.Status != model.RunRunning {
		return nil, errs.New(errs.Validation, fmt.Sprintf("run %s is not cancellable from status %s", runID, run.Status), nil, nil)
	}

	updated, err := d.ledger.TransitionRun(ctx, runID, model.RunCancelled, nil)
	if err != nil {
		return nil, err
	}
	if _, err := d.ledger.RecordEvent(ctx, &model.ExecutionEvent{RunID: runID, EventType: model.EventRunCancelled}); err != nil {
		d.logger.Warn("failed to record run.cancelled event", zap.Error(err))
	}
	metrics.RunsTotal.WithLabelValues(string(model.RunCancelled)).Inc()
	metrics.ActiveRuns.WithLabelValues(run.Spec.Lane).Dec()
	if run.Spec.LockKey != "" && d.guard != nil {
		if err := d.guard.Release(ctx, run.Spec.LockKey, run.RunID); err != nil {
			d.logger.Warn("failed to release lock on cancel", zap.Error(err))
		}
	}
	if d.bus != nil {
		_ = d.bus.Publish(ctx, eventbus.Event{Topic: model.EventRunCancelled, RunID: &runID})
	}
	return updated, nil
}

// Retry resubmits a FAILED or DEAD_LETTERED run as a brand-new run
// carrying the original as ParentRunID, per spec.md §5's retry semantics
// (a new RunID, not a resurrection of the old one).
func (d *Dispatcher) Retry(ctx context.Context, runID model.ID) (*model.RunRecord, error) {
	run, err := d.ledger.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != model.RunFailed && run.Status != model.RunDeadLettered {
		return nil, errs.New(errs.Validation, fmt.Sprintf("run %s is not retryable from status %s", runID, run.Status), nil, nil)
	}
	depth := retryDepth(ctx, d.ledger, run)
	if depth >= run.Spec.MaxRetries {
		return nil, errs.New(errs.Validation, fmt.Sprintf("run %s has exhausted its retry budget (%d/%d)", runID, depth, run.Spec.MaxRetries), nil, nil)
	}

	spec := run.Spec
	spec.TriggerSource = model.TriggerRetry
	spec.ParentRunID = &run.RunID
	spec.IdempotencyKey = "" // a retry is a new attempt, not a dedup target
	return d.submit(ctx, spec, depth+1)
}

// retryDepth counts how many times run's lineage has already been
// retried, by walking ParentRunID back to the original submission. A run
// with no parent is depth 0 (first attempt). Mirrors dlq.retryDepth,
// kept private to each package to avoid an import between them.
func retryDepth(ctx context.Context, ledger store.Ledger, run *model.RunRecord) int {
	depth := 0
	current := run
	for current.Spec.ParentRunID != nil {
		parent, err := ledger.GetRun(ctx, *current.Spec.ParentRunID)
		if err != nil {
			break
		}
		depth++
		current = parent
	}
	return depth
}
