package dlq

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/runcore/core/internal/errs"
	"github.com/runcore/core/internal/eventbus"
	"github.com/runcore/core/internal/model"
	"github.com/runcore/core/internal/store"
)

// Watcher subscribes to run.failed and decides, per spec.md §5's retry
// policy, whether a failed run still has retry budget left. If so it
// schedules a backoff-delayed Retry; once the lineage has been retried
// MaxRetries times, it records the run to the dead-letter queue instead.
type Watcher struct {
	bus     eventbus.Bus
	ledger  store.Ledger
	retrier Retrier
	service *Service
	logger  *zap.Logger
}

// NewWatcher builds a Watcher. Call Start to begin consuming run.failed events.
func NewWatcher(bus eventbus.Bus, ledger store.Ledger, retrier Retrier, service *Service, logger *zap.Logger) *Watcher {
	return &Watcher{bus: bus, ledger: ledger, retrier: retrier, service: service, logger: logger}
}

// Start subscribes to run.failed and processes each occurrence in its own
// goroutine so a slow backoff sleep for one run never delays another.
func (w *Watcher) Start(ctx context.Context) (eventbus.Subscription, error) {
	return w.bus.Subscribe(model.EventRunFailed, func(_ context.Context, evt eventbus.Event) {
		if evt.RunID == nil {
			return
		}
		go w.handle(ctx, *evt.RunID)
	})
}

func (w *Watcher) handle(ctx context.Context, runID model.ID) {
	run, err := w.ledger.GetRun(ctx, runID)
	if err != nil {
		w.logger.Warn("dlq watcher: fetch failed run", zap.String("runId", runID.String()), zap.Error(err))
		return
	}
	if run.Status != model.RunFailed {
		return
	}

	depth := retryDepth(ctx, w.ledger, run)
	retryable := errs.Category(run.ErrorCategory).Retryable()
	if depth >= run.Spec.MaxRetries || !retryable {
		run.RetryCount = depth
		if _, err := w.service.Record(ctx, run); err != nil {
			w.logger.Error("dlq watcher: record dead letter", zap.String("runId", runID.String()), zap.Error(err))
		}
		return
	}

	delay := retryDelay(run.Spec.RetryDelaySeconds, depth)
	w.logger.Info("dlq watcher: scheduling retry",
		zap.String("runId", runID.String()), zap.Int("attempt", depth+1), zap.Duration("delay", delay))

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return
	}

	if _, err := w.retrier.Retry(ctx, runID); err != nil {
		w.logger.Error("dlq watcher: auto-retry failed", zap.String("runId", runID.String()), zap.Error(err))
	}
}

// retryDelay applies an exponential backoff curve seeded from the spec's
// RetryDelaySeconds, matching model.DefaultRetryPolicy's x2 multiplier —
// the "auto-retry backoff curve" open question resolved as exponential
// rather than fixed-interval.
func retryDelay(baseSeconds, attempt int) time.Duration {
	if baseSeconds <= 0 {
		baseSeconds = 5
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(baseSeconds) * time.Second
	b.Multiplier = 2.0
	b.MaxInterval = 5 * time.Minute
	b.MaxElapsedTime = 0 // never give up on our own; the caller bounds attempts via MaxRetries

	var d time.Duration
	for i := 0; i <= attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
