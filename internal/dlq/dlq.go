// Package dlq implements the dead-letter queue: runs that exhaust their
// retry budget land here for inspection and operator-triggered replay, the
// same terminal-failure bookkeeping the teacher's workflow engine performs
// on definitive node failures, generalized to the uniform RunRecord and
// widened with an auto-retry watcher and Slack notification hook that the
// distilled spec's DLQ routes imply but don't themselves implement.
package dlq

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/runcore/core/internal/errs"
	"github.com/runcore/core/internal/metrics"
	"github.com/runcore/core/internal/model"
	"github.com/runcore/core/internal/store"
)

// Store persists DeadLetter records over core_dead_letters.
type Store interface {
	Record(ctx context.Context, dl *model.DeadLetter) (*model.DeadLetter, error)
	Get(ctx context.Context, id model.ID) (*model.DeadLetter, error)
	List(ctx context.Context, onlyUnresolved bool, page model.Pagination) (model.Page[model.DeadLetter], error)
	MarkRetried(ctx context.Context, id model.ID, at time.Time) error
	Resolve(ctx context.Context, id model.ID, resolvedBy string, at time.Time) error
}

// Retrier resubmits a failed run as a brand-new run. dispatcher.Dispatcher
// satisfies this.
type Retrier interface {
	Retry(ctx context.Context, runID model.ID) (*model.RunRecord, error)
}

// Notifier is an outbound alert hook, e.g. Slack, fired when a run lands
// in the dead-letter queue. Implementations must not block Record.
type Notifier interface {
	NotifyDeadLettered(ctx context.Context, dl *model.DeadLetter)
}

// NoopNotifier drops every notification; the default when no Notifier is
// configured.
type NoopNotifier struct{}

func (NoopNotifier) NotifyDeadLettered(context.Context, *model.DeadLetter) {}

// Service is the DLQ's read/write surface: list, get, replay, resolve.
type Service struct {
	store    Store
	ledger   store.Ledger
	retrier  Retrier
	notifier Notifier
	logger   *zap.Logger
}

// New builds a Service. notifier may be nil, in which case NoopNotifier is used.
func New(st Store, ledger store.Ledger, retrier Retrier, notifier Notifier, logger *zap.Logger) *Service {
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	return &Service{store: st, ledger: ledger, retrier: retrier, notifier: notifier, logger: logger}
}

// Record captures a terminally-failed run as a dead letter and fires the
// configured Notifier. Called once a run's retry budget (spec.md §5) is
// exhausted — see Watcher for the automatic decision of when that is.
func (s *Service) Record(ctx context.Context, run *model.RunRecord) (*model.DeadLetter, error) {
	dl := &model.DeadLetter{
		ID:           model.NewID(),
		RunID:        run.RunID,
		WorkflowName: run.Spec.Name,
		Params:       run.Spec.Params,
		Error:        run.Error,
		RetryCount:   run.RetryCount,
		MaxRetries:   run.Spec.MaxRetries,
		CreatedAt:    time.Now(),
	}
	recorded, err := s.store.Record(ctx, dl)
	if err != nil {
		return nil, fmt.Errorf("record dead letter: %w", err)
	}
	if _, err := s.ledger.TransitionRun(ctx, run.RunID, model.RunDeadLettered, nil); err != nil {
		s.logger.Error("failed to transition run to DEAD_LETTERED", zap.Error(err), zap.String("run_id", run.RunID.String()))
	}
	if _, err := s.ledger.RecordEvent(ctx, &model.ExecutionEvent{
		RunID:     run.RunID,
		EventType: model.EventRunDeadLettered,
		Payload:   map[string]any{"retryCount": run.RetryCount, "maxRetries": run.Spec.MaxRetries},
	}); err != nil {
		s.logger.Warn("failed to record run.dead_lettered event", zap.Error(err))
	}
	metrics.DeadLettersTotal.WithLabelValues("recorded").Inc()
	s.notifier.NotifyDeadLettered(ctx, recorded)
	return recorded, nil
}

// Get fetches one dead letter.
func (s *Service) Get(ctx context.Context, id model.ID) (*model.DeadLetter, error) {
	return s.store.Get(ctx, id)
}

// List returns dead letters, optionally filtered to unresolved ones.
func (s *Service) List(ctx context.Context, onlyUnresolved bool, page model.Pagination) (model.Page[model.DeadLetter], error) {
	return s.store.List(ctx, onlyUnresolved, page)
}

// Replay resubmits the dead letter's underlying run as a new run, provided
// it is still within its retry budget, and records the attempt.
func (s *Service) Replay(ctx context.Context, id model.ID) (*model.RunRecord, error) {
	dl, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !dl.CanRetry() {
		return nil, errs.New(errs.Validation, fmt.Sprintf("dead letter %s is not retryable (resolved or retry budget exhausted)", id), nil, nil)
	}
	run, err := s.retrier.Retry(ctx, dl.RunID)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "replay dead letter", err)
	}
	now := time.Now()
	if err := s.store.MarkRetried(ctx, id, now); err != nil {
		s.logger.Warn("mark dead letter retried failed", zap.Error(err))
	}
	metrics.DeadLettersTotal.WithLabelValues("replayed").Inc()
	return run, nil
}

// Resolve marks a dead letter as handled without replaying it (e.g. an
// operator decided the underlying data no longer needs reprocessing).
func (s *Service) Resolve(ctx context.Context, id model.ID, resolvedBy string) error {
	if err := s.store.Resolve(ctx, id, resolvedBy, time.Now()); err != nil {
		return fmt.Errorf("resolve dead letter: %w", err)
	}
	metrics.DeadLettersTotal.WithLabelValues("resolved").Inc()
	return nil
}

// retryDepth counts how many times run's lineage has already been retried,
// by walking ParentRunID back to the original submission. A run with no
// parent is depth 0 (first attempt).
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
