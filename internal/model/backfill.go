package model

import "time"

// BackfillReason records why a BackfillPlan was created.
type BackfillReason string

const (
	BackfillGap            BackfillReason = "GAP"
	BackfillCorrection     BackfillReason = "CORRECTION"
	BackfillSchemaChange   BackfillReason = "SCHEMA_CHANGE"
	BackfillQualityFailure BackfillReason = "QUALITY_FAILURE"
	BackfillManual         BackfillReason = "MANUAL"
)

// BackfillStatus is the lifecycle state of a BackfillPlan.
type BackfillStatus string

const (
	BackfillPlanned   BackfillStatus = "PLANNED"
	BackfillRunning   BackfillStatus = "RUNNING"
	BackfillCompleted BackfillStatus = "COMPLETED"
	BackfillFailed    BackfillStatus = "FAILED"
	BackfillPartial   BackfillStatus = "PARTIAL"
	BackfillCancelled BackfillStatus = "CANCELLED"
)

// BackfillPlan is a structured, resumable replay of historical partitions
// (spec.md §4.9). It carries its own lifecycle methods so callers — the
// backfill package's store-backed wrapper included — manipulate a single
// authoritative representation of plan state.
type BackfillPlan struct {
	PlanID        ID                `json:"planId"`
	Domain        string            `json:"domain"`
	Source        string            `json:"source"`
	Reason        BackfillReason    `json:"reason"`
	PartitionKeys []string          `json:"partitionKeys"`
	Status        BackfillStatus    `json:"status"`
	CompletedKeys map[string]bool   `json:"completedKeys"`
	FailedKeys    map[string]string `json:"failedKeys"`
	Checkpoint    string            `json:"checkpoint,omitempty"`
	CreatedBy     string            `json:"createdBy,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	StartedAt     *time.Time        `json:"startedAt,omitempty"`
	CompletedAt   *time.Time        `json:"completedAt,omitempty"`
}

// NewBackfillPlan constructs a plan in PLANNED status.
func NewBackfillPlan(domain, source string, reason BackfillReason, partitionKeys []string, createdBy string, now time.Time) *BackfillPlan {
	return &BackfillPlan{
		PlanID:        NewID(),
		Domain:        domain,
		Source:        source,
		Reason:        reason,
		PartitionKeys: partitionKeys,
		Status:        BackfillPlanned,
		CompletedKeys: map[string]bool{},
		FailedKeys:    map[string]string{},
		CreatedBy:     createdBy,
		CreatedAt:     now,
	}
}

// Start transitions PLANNED -> RUNNING.
func (p *BackfillPlan) Start(now time.Time) error {
	if p.Status != BackfillPlanned {
		return errStatus(p.Status, "start")
	}
	p.Status = BackfillRunning
	p.StartedAt = &now
	return nil
}

// MarkPartitionDone records a successful partition and recomputes terminal
// status if every partition has been accounted for.
func (p *BackfillPlan) MarkPartitionDone(key string, now time.Time) {
	p.CompletedKeys[key] = true
	delete(p.FailedKeys, key)
	p.recomputeTerminal(now)
}

// MarkPartitionFailed records a failed partition and recomputes terminal
// status.
func (p *BackfillPlan) MarkPartitionFailed(key, errMsg string, now time.Time) {
	p.FailedKeys[key] = errMsg
	p.recomputeTerminal(now)
}

func (p *BackfillPlan) recomputeTerminal(now time.Time) {
	if p.Status != BackfillRunning {
		return
	}
	accountedFor := len(p.CompletedKeys) + len(p.FailedKeys)
	if accountedFor < len(p.PartitionKeys) {
		return
	}
	switch {
	case len(p.FailedKeys) == 0:
		p.Status = BackfillCompleted
	case len(p.CompletedKeys) == 0:
		p.Status = BackfillFailed
	default:
		p.Status = BackfillPartial
	}
	p.CompletedAt = &now
}

// SaveCheckpoint records a resume token.
func (p *BackfillPlan) SaveCheckpoint(token string) {
	p.Checkpoint = token
}

// IsResumable reports whether the plan has a checkpoint and is not terminal.
func (p *BackfillPlan) IsResumable() bool {
	return p.Checkpoint != "" && !p.isTerminal()
}

// Cancel transitions any non-terminal plan to CANCELLED.
func (p *BackfillPlan) Cancel(now time.Time) error {
	if p.isTerminal() {
		return errStatus(p.Status, "cancel")
	}
	p.Status = BackfillCancelled
	p.CompletedAt = &now
	return nil
}

func (p *BackfillPlan) isTerminal() bool {
	switch p.Status {
	case BackfillCompleted, BackfillFailed, BackfillPartial, BackfillCancelled:
		return true
	default:
		return false
	}
}

// RemainingKeys returns partitions neither completed nor failed.
func (p *BackfillPlan) RemainingKeys() []string {
	var remaining []string
	for _, k := range p.PartitionKeys {
		if p.CompletedKeys[k] {
			continue
		}
		if _, failed := p.FailedKeys[k]; failed {
			continue
		}
		remaining = append(remaining, k)
	}
	return remaining
}

// ProgressPct is the percentage of partitions completed; failed
// partitions do not count toward progress.
func (p *BackfillPlan) ProgressPct() int {
	if len(p.PartitionKeys) == 0 {
		return 100
	}
	return len(p.CompletedKeys) * 100 / len(p.PartitionKeys)
}

func errStatus(status BackfillStatus, op string) error {
	return &InvalidBackfillTransition{Status: status, Op: op}
}

// InvalidBackfillTransition is returned when a BackfillPlan lifecycle
// method is called from the wrong status.
type InvalidBackfillTransition struct {
	Status BackfillStatus
	Op     string
}

func (e *InvalidBackfillTransition) Error() string {
	return "backfill plan: cannot " + e.Op + " from status " + string(e.Status)
}
