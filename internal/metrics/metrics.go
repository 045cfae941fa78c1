// Package metrics holds the Prometheus collectors every component
// increments on state transitions — run/step/schedule/dlq counters and
// gauges, registered once at package init and shared process-wide the
// way the teacher's own background loops log a single line per
// transition (here, counted instead of logged).
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// RunsTotal counts the run statuses the Dispatcher writes (PENDING on
	// creation, FAILED when submission is rejected, CANCELLED), labeled by
	// status. Transitions made by the Executor or the DLQ are not counted.
	RunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "runcore_runs_total",
		Help: "Total run statuses written by the Dispatcher, labeled by status.",
	}, []string{"status"})

	// StepsTotal counts workflow step completions, labeled by outcome.
	StepsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "runcore_steps_total",
		Help: "Total workflow step outcomes, labeled by status.",
	}, []string{"status"})

	// SchedulesFiredTotal counts schedule firings, labeled by whether the
	// firing was on-time or a misfire.
	SchedulesFiredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "runcore_schedules_fired_total",
		Help: "Total schedule firings, labeled by outcome (fired, misfired_skipped).",
	}, []string{"outcome"})

	// DeadLettersTotal counts DLQ record/replay/resolve events.
	DeadLettersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "runcore_dead_letters_total",
		Help: "Total dead-letter events, labeled by action (recorded, replayed, resolved).",
	}, []string{"action"})

	// ActiveRuns tracks the current count of non-terminal runs, labeled
	// by lane.
	ActiveRuns = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "runcore_active_runs",
		Help: "Current count of PENDING/RUNNING runs, labeled by lane.",
	}, []string{"lane"})

	// WatermarksAdvancedTotal counts advance() calls, labeled by whether
	// the call actually moved the high-water mark forward or was a no-op
	// (the new value did not sort after the current one).
	WatermarksAdvancedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "runcore_watermarks_advanced_total",
		Help: "Total watermark advance() calls, labeled by outcome (advanced, noop).",
	}, []string{"outcome"})

	// BackfillPartitionsTotal counts backfill partition outcomes, labeled
	// by status (done, failed).
	BackfillPartitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "runcore_backfill_partitions_total",
		Help: "Total backfill partition outcomes, labeled by status (done, failed).",
	}, []string{"status"})
)

func init() {
	prometheus.MustRegister(RunsTotal, StepsTotal, SchedulesFiredTotal, DeadLettersTotal, ActiveRuns,
		WatermarksAdvancedTotal, BackfillPartitionsTotal)
}
