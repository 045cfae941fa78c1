// Package watermark implements the forward-only progress markers spec.md
// §4.9 describes: one row per (domain, source, partitionKey) triple,
// advanced only when the new value sorts after the current one, plus gap
// detection against an expected partition set — the same
// high-water-mark-over-a-conditional-UPDATE idiom the teacher's queue
// claim logic uses for its own monotonic cursor, generalized here to an
// arbitrary caller-supplied cursor string instead of a fixed `claimed_at`.
package watermark

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/runcore/core/internal/eventbus"
	"github.com/runcore/core/internal/metrics"
	"github.com/runcore/core/internal/model"
	"github.com/runcore/core/internal/store"
)

// Service is the WatermarkStore's typed, event-publishing façade.
type Service struct {
	store  store.WatermarkStore
	bus    eventbus.Bus
	logger *zap.Logger
}

// New builds a Service over a WatermarkStore.
func New(st store.WatermarkStore, bus eventbus.Bus, logger *zap.Logger) *Service {
	return &Service{store: st, bus: bus, logger: logger}
}

// Advance moves the (domain, source, partitionKey) high-water mark forward.
// If newHighWater does not sort strictly after the current value, the
// existing row is returned unchanged — advance is idempotent and never
// regresses.
func (s *Service) Advance(ctx context.Context, domain, source, partitionKey, newHighWater string) (*model.Watermark, error) {
	before, err := s.store.GetWatermark(ctx, domain, source, partitionKey)
	if err != nil {
		return nil, fmt.Errorf("advance watermark: get current: %w", err)
	}

	after, err := s.store.AdvanceWatermark(ctx, domain, source, partitionKey, newHighWater)
	if err != nil {
		return nil, fmt.Errorf("advance watermark: %w", err)
	}

	if before != nil && before.HighWater == after.HighWater {
		metrics.WatermarksAdvancedTotal.WithLabelValues("noop").Inc()
		return after, nil
	}

	metrics.WatermarksAdvancedTotal.WithLabelValues("advanced").Inc()
	if s.bus != nil {
		_ = s.bus.Publish(ctx, eventbus.Event{
			Topic: model.EventWatermarkAdvanced,
			Payload: map[string]any{
				"domain": domain, "source": source, "partitionKey": partitionKey,
				"highWater": after.HighWater,
			},
		})
	}
	return after, nil
}

// Get fetches a single watermark, or nil if none has been recorded yet.
func (s *Service) Get(ctx context.Context, domain, source, partitionKey string) (*model.Watermark, error) {
	return s.store.GetWatermark(ctx, domain, source, partitionKey)
}

// ListAll returns every watermark under domain (or across all domains if
// domain is empty).
func (s *Service) ListAll(ctx context.Context, domain string) ([]model.Watermark, error) {
	return s.store.ListWatermarks(ctx, domain)
}

// Delete removes a single watermark row.
func (s *Service) Delete(ctx context.Context, domain, source, partitionKey string) error {
	return s.store.DeleteWatermark(ctx, domain, source, partitionKey)
}

// ListGaps compares expectedPartitions against the watermarks recorded for
// (domain, source) and returns, in expectedPartitions order, one Gap per
// partition that has no watermark row at all.
func (s *Service) ListGaps(ctx context.Context, domain, source string, expectedPartitions []string) ([]model.Gap, error) {
	existing, err := s.store.ListWatermarks(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("list gaps: %w", err)
	}
	present := make(map[string]bool, len(existing))
	for _, wm := range existing {
		if wm.Source == source {
			present[wm.PartitionKey] = true
		}
	}

	var gaps []model.Gap
	for _, key := range expectedPartitions {
		if !present[key] {
			gaps = append(gaps, model.Gap{PartitionKey: key})
		}
	}
	return gaps, nil
}
