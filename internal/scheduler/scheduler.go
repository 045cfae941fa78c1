// Package scheduler evaluates Schedule cadences (cron, fixed interval, and
// one-shot) on a tick and dispatches the schedule's target WorkSpec through
// the Dispatcher. It leases each due schedule via store.ScheduleStore's
// TryAcquireLock before firing so that running more than one scheduler
// instance for high availability never double-fires a tick — the same
// lease-then-act shape the teacher's trigger engine uses for cron jobs,
// generalized from an in-process job map to a durable, multi-instance-safe
// lock row.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/runcore/core/internal/dispatcher"
	"github.com/runcore/core/internal/metrics"
	"github.com/runcore/core/internal/model"
	"github.com/runcore/core/internal/store"
)

// cronParser accepts the standard 5-field crontab format used by the rest
// of the corpus (minute hour dom month dow); seconds are never required.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Scheduler ticks over due schedules and dispatches them.
type Scheduler struct {
	store      store.ScheduleStore
	dispatcher *dispatcher.Dispatcher
	logger     *zap.Logger
	ownerID    string
	leaseTTL   time.Duration
	tick       time.Duration
}

// Config tunes tick cadence and lock ownership.
type Config struct {
	OwnerID      string
	TickInterval time.Duration
	LeaseTTL     time.Duration
}

// DefaultConfig ticks every 5 seconds with a 30 second lease — long enough
// to survive a slow Dispatcher.Submit, short enough that a crashed owner's
// lease expires well within the next few ticks.
func DefaultConfig(ownerID string) Config {
	return Config{OwnerID: ownerID, TickInterval: 5 * time.Second, LeaseTTL: 30 * time.Second}
}

// New builds a Scheduler.
func New(sched store.ScheduleStore, disp *dispatcher.Dispatcher, logger *zap.Logger, cfg Config) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	return &Scheduler{store: sched, dispatcher: disp, logger: logger, ownerID: cfg.OwnerID, leaseTTL: cfg.LeaseTTL, tick: cfg.TickInterval}
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick evaluates every due schedule once. Exported so callers (and tests)
// can drive the scheduler deterministically instead of waiting on a timer.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now().UTC()
	due, err := s.store.ListDueSchedules(ctx, now)
	if err != nil {
		s.logger.Error("list due schedules failed", zap.Error(err))
		return
	}
	for i := range due {
		s.fire(ctx, &due[i], now)
	}
}

func (s *Scheduler) fire(ctx context.Context, sched *model.Schedule, now time.Time) {
	acquired, err := s.store.TryAcquireLock(ctx, sched.ScheduleID, s.ownerID, now.Add(s.leaseTTL))
	if err != nil {
		s.logger.Error("acquire schedule lock failed", zap.String("schedule", sched.Name), zap.Error(err))
		return
	}
	if !acquired {
		// Another scheduler instance holds the lease for this tick.
		return
	}
	defer func() {
		if err := s.store.ReleaseLock(ctx, sched.ScheduleID, s.ownerID); err != nil {
			s.logger.Warn("release schedule lock failed", zap.String("schedule", sched.Name), zap.Error(err))
		}
	}()

	scheduledFor := *sched.NextRunAt
	misfired := sched.MisfireGraceSeconds > 0 && now.Sub(scheduledFor) > time.Duration(sched.MisfireGraceSeconds)*time.Second

	var runID model.ID
	status := "DISPATCHED"
	if misfired {
		status = "SKIPPED_MISFIRE"
		sched.LastRunStatus = status
		metrics.SchedulesFiredTotal.WithLabelValues("misfired_skipped").Inc()
		s.logger.Warn("schedule misfired past grace period, skipping this tick",
			zap.String("schedule", sched.Name), zap.Time("scheduledFor", scheduledFor))
	} else {
		spec := model.WorkSpec{
			Kind:          sched.TargetType,
			Name:          sched.TargetName,
			Params:        sched.Params,
			TriggerSource: model.TriggerScheduler,
		}
		run, err := s.dispatcher.Submit(ctx, spec)
		if err != nil {
			status = "FAILED"
			sched.LastRunStatus = fmt.Sprintf("submit error: %v", err)
			s.logger.Error("schedule dispatch failed", zap.String("schedule", sched.Name), zap.Error(err))
		} else {
			runID = run.RunID
			sched.LastRunStatus = string(run.Status)
			metrics.SchedulesFiredTotal.WithLabelValues("fired").Inc()
		}
	}

	if err := s.store.RecordScheduleRun(ctx, &model.ScheduleRun{
		ScheduleID:  sched.ScheduleID,
		ScheduledAt: scheduledFor,
		RunID:       runID,
		Status:      status,
	}); err != nil {
		s.logger.Warn("record schedule run failed", zap.String("schedule", sched.Name), zap.Error(err))
	}

	sched.LastRunAt = &now
	next, err := NextRunAt(sched, scheduledFor)
	if err != nil {
		s.logger.Error("compute next run failed, disabling schedule", zap.String("schedule", sched.Name), zap.Error(err))
		sched.Enabled = false
		sched.NextRunAt = nil
	} else {
		sched.NextRunAt = next
		if next == nil {
			sched.Enabled = false // one-shot schedules disable themselves after firing
		}
	}

	if err := s.store.UpdateSchedule(ctx, sched); err != nil {
		s.logger.Error("update schedule failed", zap.String("schedule", sched.Name), zap.Error(err))
	}
}

// NextRunAt computes a schedule's next fire time strictly after `after`.
// The result is computed from `after` alone and can still be in the past
// when a scheduler has fallen behind; each missed occurrence is then taken
// up by the following ticks, and misfire handling above decides whether a
// late tick still counts as a dispatch or is recorded as skipped.
func NextRunAt(sched *model.Schedule, after time.Time) (*time.Time, error) {
	switch sched.ScheduleType {
	case model.ScheduleCron:
		schedule, err := cronParser.Parse(sched.CronExpr)
		if err != nil {
			return nil, fmt.Errorf("parse cron expression %q: %w", sched.CronExpr, err)
		}
		next := schedule.Next(after)
		return &next, nil
	case model.ScheduleInterval:
		if sched.IntervalSecs <= 0 {
			return nil, fmt.Errorf("schedule %s: interval schedule requires intervalSeconds > 0", sched.Name)
		}
		next := after.Add(time.Duration(sched.IntervalSecs) * time.Second)
		return &next, nil
	case model.ScheduleOneShot:
		// Already fired once; one-shot schedules do not recur.
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown schedule type %q", sched.ScheduleType)
	}
}

// InitialNextRunAt computes the first NextRunAt for a newly-created
// schedule: for ScheduleOneShot this is simply RunAt; for cron/interval it
// is the first occurrence strictly after now.
func InitialNextRunAt(sched *model.Schedule, now time.Time) (*time.Time, error) {
	if sched.ScheduleType == model.ScheduleOneShot {
		if sched.RunAt == nil {
			return nil, fmt.Errorf("schedule %s: oneShot schedule requires runAt", sched.Name)
		}
		return sched.RunAt, nil
	}
	return NextRunAt(sched, now)
}
