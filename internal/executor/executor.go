// Package executor runs claimed work: it pulls a run off its lane queue,
// resolves a Handler from the Registry, invokes it under a timeout, and
// reports the outcome back to the Ledger — the same
// claim/execute/report cycle the teacher's Worker.processQueueItem loop
// drives, minus the SQL claim step (this executor is fed an in-process
// channel by the Dispatcher instead of polling a shared queue table).
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/runcore/core/internal/concurrency"
	"github.com/runcore/core/internal/errs"
	"github.com/runcore/core/internal/eventbus"
	"github.com/runcore/core/internal/metrics"
	"github.com/runcore/core/internal/model"
	"github.com/runcore/core/internal/registry"
	"github.com/runcore/core/internal/store"
	"github.com/runcore/core/internal/tracing"
)

// Item is one unit of work handed to the Executor.
type Item struct {
	Run *model.RunRecord
}

// Executor accepts work and runs it against the Registry, reporting
// outcomes to the Ledger and EventBus. Submit is non-blocking once the
// Executor has capacity in the item's lane; it blocks only while that
// lane's queue is full, applying backpressure to the Dispatcher.
type Executor interface {
	Submit(ctx context.Context, item Item) error
	Start(ctx context.Context)
	Stop()
}

// Config tunes the in-process worker pool.
type Config struct {
	WorkersPerLane int
	QueueDepth     int
	DefaultTimeout time.Duration
}

// DefaultConfig mirrors the teacher's DefaultWorkerConfig shape.
func DefaultConfig() Config {
	return Config{
		WorkersPerLane: 4,
		QueueDepth:     256,
		DefaultTimeout: 5 * time.Minute,
	}
}

// InProcess is the default Executor: a fixed pool of goroutines per lane,
// each pulling from that lane's buffered channel.
type InProcess struct {
	cfg      Config
	ledger   store.Ledger
	registry *registry.Registry
	bus      eventbus.Bus
	guard    concurrency.Guard
	logger   *zap.Logger

	mu     sync.Mutex
	lanes  map[string]chan Item
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds an InProcess executor. guard may be nil, in which case a
// WorkSpec's LockKey (already honored by the Dispatcher at submission) is
// simply never released here, and the lease expires on its own TTL instead.
func New(cfg Config, ledger store.Ledger, reg *registry.Registry, bus eventbus.Bus, guard concurrency.Guard, logger *zap.Logger) *InProcess {
	return &InProcess{
		cfg:      cfg,
		ledger:   ledger,
		registry: reg,
		bus:      bus,
		guard:    guard,
		logger:   logger,
		lanes:    make(map[string]chan Item),
	}
}

// Start brings up the executor; it is idempotent until Stop is called.
func (e *InProcess) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ctx, e.cancel = context.WithCancel(ctx)
}

// Stop cancels every worker goroutine and waits for them to drain.
func (e *InProcess) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
}

// Submit enqueues item onto its lane, starting that lane's worker pool on
// first use.
func (e *InProcess) Submit(ctx context.Context, item Item) error {
	lane := item.Run.Spec.Lane
	if lane == "" {
		lane = model.DefaultLane
	}
	queue := e.laneQueue(lane)

	select {
	case queue <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *InProcess) laneQueue(lane string) chan Item {
	e.mu.Lock()
	defer e.mu.Unlock()
	queue, ok := e.lanes[lane]
	if ok {
		return queue
	}
	queue = make(chan Item, e.cfg.QueueDepth)
	e.lanes[lane] = queue
	for i := 0; i < e.cfg.WorkersPerLane; i++ {
		e.wg.Add(1)
		go e.runWorker(lane, queue)
	}
	return queue
}

func (e *InProcess) runWorker(lane string, queue chan Item) {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case item := <-queue:
			e.execute(item)
		}
	}
}

func (e *InProcess) execute(item Item) {
	run := item.Run
	logger := e.logger.With(zap.String("run_id", run.RunID.String()), zap.String("name", run.Spec.Name))

	stepCtx, span := tracing.StartStep(e.ctx, run.RunID.String(), string(run.Spec.Kind))
	defer span.End()

	handler := e.registry.Get(run.Spec.Kind, run.Spec.Name)
	if handler == nil {
		err := errs.New(errs.Config, fmt.Sprintf("no handler registered for %s:%s", run.Spec.Kind, run.Spec.Name), nil, nil)
		span.RecordError(err)
		e.fail(run, err)
		return
	}

	if _, err := e.ledger.TransitionRun(e.ctx, run.RunID, model.RunRunning, nil); err != nil {
		logger.Error("failed to transition run to RUNNING", zap.Error(err))
		return
	}
	e.emit(run, model.EventRunStarted, nil)

	timeout := e.cfg.DefaultTimeout
	if run.Spec.TimeoutSeconds != nil {
		timeout = time.Duration(*run.Spec.TimeoutSeconds) * time.Second
	}
	runCtx, cancel := context.WithTimeout(stepCtx, timeout)
	defer cancel()

	result, err := invoke(runCtx, handler, run.Spec.Params)
	if err != nil {
		category := errs.Classify(err)
		if runCtx.Err() != nil {
			category = errs.Timeout
		}
		failure := errs.New(category, err.Error(), err, nil)
		span.RecordError(failure)
		e.fail(run, failure)
		return
	}

	e.succeed(run, result)
}

// invoke recovers from handler panics so one misbehaving handler can't
// crash the executor pool.
func invoke(ctx context.Context, handler registry.Handler, params map[string]any) (result map[string]any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()
	return handler.Invoke(ctx, params)
}

func (e *InProcess) succeed(run *model.RunRecord, result map[string]any) {
	updated, err := e.ledger.TransitionRun(e.ctx, run.RunID, model.RunCompleted, func(r *model.RunRecord) {
		r.Result = result
	})
	if err != nil {
		e.logger.Error("failed to transition run to COMPLETED", zap.Error(err), zap.String("run_id", run.RunID.String()))
		return
	}
	metrics.ActiveRuns.WithLabelValues(runLane(run)).Dec()
	e.releaseLock(run)
	e.emit(updated, model.EventRunCompleted, map[string]any{"result": result})
}

func (e *InProcess) fail(run *model.RunRecord, failure *errs.Error) {
	updated, err := e.ledger.TransitionRun(e.ctx, run.RunID, model.RunFailed, func(r *model.RunRecord) {
		r.Error = failure.Message
		r.ErrorType = fmt.Sprintf("%T", failure.Cause)
		r.ErrorCategory = string(failure.Category)
	})
	if err != nil {
		e.logger.Error("failed to transition run to FAILED", zap.Error(err), zap.String("run_id", run.RunID.String()))
		return
	}
	metrics.ActiveRuns.WithLabelValues(runLane(run)).Dec()
	e.releaseLock(run)
	e.emit(updated, model.EventRunFailed, map[string]any{
		"error":    failure.Message,
		"category": failure.Category,
	})
}

func runLane(run *model.RunRecord) string {
	if run.Spec.Lane == "" {
		return model.DefaultLane
	}
	return run.Spec.Lane
}

func (e *InProcess) releaseLock(run *model.RunRecord) {
	if run.Spec.LockKey == "" || e.guard == nil {
		return
	}
	if err := e.guard.Release(e.ctx, run.Spec.LockKey, run.RunID); err != nil {
		e.logger.Warn("failed to release concurrency lock", zap.Error(err), zap.String("lock_key", run.Spec.LockKey))
	}
}

func (e *InProcess) emit(run *model.RunRecord, eventType string, payload map[string]any) {
	evt := &model.ExecutionEvent{RunID: run.RunID, EventType: eventType, Payload: payload}
	if _, err := e.ledger.RecordEvent(e.ctx, evt); err != nil {
		e.logger.Error("failed to record event", zap.Error(err), zap.String("event_type", eventType))
	}
	if e.bus != nil {
		_ = e.bus.Publish(e.ctx, eventbus.Event{Topic: eventType, RunID: &run.RunID, Payload: payload})
	}
}
