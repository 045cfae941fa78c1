// Package backfill wraps model.BackfillPlan's lifecycle methods with
// durable persistence and event publication, the same thin
// service-over-domain-object shape internal/dlq wraps model.DeadLetter in:
// the plan carries its own transition rules (spec.md §4.9's
// PLANNED->RUNNING->{COMPLETED,PARTIAL,FAILED}/CANCELLED state machine);
// this package is only responsible for loading it, calling the mutation,
// and saving the result back atomically.
package backfill

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/runcore/core/internal/eventbus"
	"github.com/runcore/core/internal/metrics"
	"github.com/runcore/core/internal/model"
	"github.com/runcore/core/internal/qualitygate"
	"github.com/runcore/core/internal/store"
)

// Service is the BackfillStore's typed, event-publishing façade.
type Service struct {
	store  store.BackfillStore
	bus    eventbus.Bus
	gate   *qualitygate.Gate
	logger *zap.Logger
}

// New builds a Service over a BackfillStore. gate may be nil, in which case
// partitions are marked done unconditionally.
func New(st store.BackfillStore, bus eventbus.Bus, gate *qualitygate.Gate, logger *zap.Logger) *Service {
	return &Service{store: st, bus: bus, gate: gate, logger: logger}
}

// Create builds a new plan in PLANNED status and persists it along with
// one pending-status partition row per key.
func (s *Service) Create(ctx context.Context, domain, source string, reason model.BackfillReason, partitionKeys []string, createdBy string) (*model.BackfillPlan, error) {
	plan := model.NewBackfillPlan(domain, source, reason, partitionKeys, createdBy, time.Now())
	created, err := s.store.CreatePlan(ctx, plan)
	if err != nil {
		return nil, fmt.Errorf("create backfill plan: %w", err)
	}
	s.publish(ctx, model.EventBackfillPlanned, created, nil)
	return created, nil
}

// Get fetches one plan.
func (s *Service) Get(ctx context.Context, id model.ID) (*model.BackfillPlan, error) {
	return s.store.GetPlan(ctx, id)
}

// List returns plans, optionally narrowed by domain/source.
func (s *Service) List(ctx context.Context, domain, source string) ([]model.BackfillPlan, error) {
	return s.store.ListPlans(ctx, domain, source)
}

// Start transitions a plan PLANNED -> RUNNING.
func (s *Service) Start(ctx context.Context, id model.ID) (*model.BackfillPlan, error) {
	plan, err := s.store.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := plan.Start(time.Now()); err != nil {
		return nil, err
	}
	if err := s.store.SavePlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("save started backfill plan: %w", err)
	}
	s.publish(ctx, model.EventBackfillStarted, plan, nil)
	return plan, nil
}

// MarkPartitionDone records a successful partition, recomputes the plan's
// terminal status if every partition is now accounted for, and persists
// both.
func (s *Service) MarkPartitionDone(ctx context.Context, id model.ID, partitionKey string) (*model.BackfillPlan, error) {
	plan, err := s.store.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.gate != nil {
		decision, err := s.gate.Evaluate(ctx, map[string]any{
			"domain": plan.Domain, "source": plan.Source, "partitionKey": partitionKey,
		})
		if err != nil {
			return nil, fmt.Errorf("quality gate evaluation failed: %w", err)
		}
		if !decision.Allowed {
			return nil, fmt.Errorf("partition %q rejected by quality gate: %s", partitionKey, decision.Reason)
		}
	}
	plan.MarkPartitionDone(partitionKey, time.Now())
	if err := s.store.SavePlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("save backfill plan after partition done: %w", err)
	}
	metrics.BackfillPartitionsTotal.WithLabelValues("done").Inc()
	s.publish(ctx, model.EventBackfillPartitionDone, plan, map[string]any{"partitionKey": partitionKey, "status": "done"})
	s.publishTerminal(ctx, plan)
	return plan, nil
}

// MarkPartitionFailed records a failed partition with its error, recomputes
// terminal status, and persists both.
func (s *Service) MarkPartitionFailed(ctx context.Context, id model.ID, partitionKey, errMsg string) (*model.BackfillPlan, error) {
	plan, err := s.store.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	plan.MarkPartitionFailed(partitionKey, errMsg, time.Now())
	if err := s.store.SavePlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("save backfill plan after partition failed: %w", err)
	}
	metrics.BackfillPartitionsTotal.WithLabelValues("failed").Inc()
	s.publish(ctx, model.EventBackfillPartitionDone, plan, map[string]any{"partitionKey": partitionKey, "status": "failed", "error": errMsg})
	s.publishTerminal(ctx, plan)
	return plan, nil
}

// SaveCheckpoint records a resume token on the plan.
func (s *Service) SaveCheckpoint(ctx context.Context, id model.ID, token string) (*model.BackfillPlan, error) {
	plan, err := s.store.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	plan.SaveCheckpoint(token)
	if err := s.store.SavePlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("save backfill checkpoint: %w", err)
	}
	return plan, nil
}

// Resume returns the plan's RemainingKeys so a caller can re-drive only the
// partitions that are neither completed nor failed, provided the plan
// IsResumable.
func (s *Service) Resume(ctx context.Context, id model.ID) (*model.BackfillPlan, []string, error) {
	plan, err := s.store.GetPlan(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !plan.IsResumable() {
		return nil, nil, fmt.Errorf("backfill plan %s is not resumable", id)
	}
	return plan, plan.RemainingKeys(), nil
}

// Cancel transitions any non-terminal plan to CANCELLED.
func (s *Service) Cancel(ctx context.Context, id model.ID) (*model.BackfillPlan, error) {
	plan, err := s.store.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := plan.Cancel(time.Now()); err != nil {
		return nil, err
	}
	if err := s.store.SavePlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("save cancelled backfill plan: %w", err)
	}
	s.publish(ctx, model.EventBackfillCancelled, plan, nil)
	return plan, nil
}

// publishTerminal emits backfill.completed once recomputeTerminal has moved
// the plan out of RUNNING, whatever the final status (COMPLETED or PARTIAL
// both count as the plan finishing its run — FAILED too, since every
// partition has been accounted for either way).
func (s *Service) publishTerminal(ctx context.Context, plan *model.BackfillPlan) {
	switch plan.Status {
	case model.BackfillCompleted, model.BackfillPartial, model.BackfillFailed:
		s.publish(ctx, model.EventBackfillCompleted, plan, map[string]any{"status": string(plan.Status)})
	}
}

func (s *Service) publish(ctx context.Context, topic string, plan *model.BackfillPlan, extra map[string]any) {
	if s.bus == nil {
		return
	}
	payload := map[string]any{"planId": plan.PlanID.String(), "domain": plan.Domain, "source": plan.Source}
	for k, v := range extra {
		payload[k] = v
	}
	if err := s.bus.Publish(ctx, eventbus.Event{Topic: topic, Payload: payload}); err != nil {
		s.logger.Warn("backfill: publish event failed", zap.String("topic", topic), zap.Error(err))
	}
}
