package model

// WorkKind is the kind of work a WorkSpec describes.
type WorkKind string

const (
	KindTask     WorkKind = "task"
	KindOperation WorkKind = "operation"
	KindWorkflow WorkKind = "workflow"
)

// Priority is recorded on a WorkSpec; lane routing does not read it. A
// run goes to its explicit Lane, or to DefaultLane when none is set.
type Priority string

const (
	PriorityRealtime Priority = "realtime"
	PriorityHigh     Priority = "high"
	PriorityDefault  Priority = "default"
	PriorityLow      Priority = "low"
)

// TriggerSource records the provenance of a submission.
type TriggerSource string

const (
	TriggerCLI          TriggerSource = "cli"
	TriggerAPI          TriggerSource = "api"
	TriggerScheduler    TriggerSource = "scheduler"
	TriggerWebhook      TriggerSource = "webhook"
	TriggerRetry        TriggerSource = "retry"
	TriggerDLQReplay    TriggerSource = "dlq_replay"
	TriggerWorkflowStep TriggerSource = "workflow_step"
)

// WorkSpec is the uniform description of one unit of work: a task,
// operation, or workflow. The Dispatcher is the only component that turns a
// WorkSpec into a RunRecord.
type WorkSpec struct {
	Kind              WorkKind       `json:"kind" validate:"required,oneof=task operation workflow"`
	Name              string         `json:"name" validate:"required"`
	Params            map[string]any `json:"params,omitempty"`
	Priority          Priority       `json:"priority,omitempty"`
	Lane              string         `json:"lane,omitempty"`
	IdempotencyKey    string         `json:"idempotencyKey,omitempty"`
	MaxRetries        int            `json:"maxRetries" validate:"gte=0"`
	RetryDelaySeconds int            `json:"retryDelaySeconds" validate:"gte=0"`
	TimeoutSeconds    *int           `json:"timeoutSeconds,omitempty"`
	TriggerSource     TriggerSource  `json:"triggerSource,omitempty"`
	CorrelationID     *ID            `json:"correlationId,omitempty"`
	ParentRunID       *ID            `json:"parentRunId,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`

	// LockKey, when set, names a ConcurrencyLock the Dispatcher must hold
	// for the lifetime of the run. Two specs declaring the same LockKey
	// never execute concurrently.
	LockKey string `json:"lockKey,omitempty"`
}

// DefaultLockTTL bounds how long a ConcurrencyLock is held when a WorkSpec
// declares a LockKey without an explicit TimeoutSeconds.
const DefaultLockTTL = 5 * 60

// DefaultLane is used when a WorkSpec does not name one.
const DefaultLane = "default"

// Normalize fills in the defaults spec.md §3 describes (maxRetries=3,
// lane=default, priority=default) plus triggerSource=api, for each field
// left at its zero value. An explicit MaxRetries of 0 is also replaced by 3.
func (w *WorkSpec) Normalize() {
	if w.MaxRetries == 0 {
		w.MaxRetries = 3
	}
	if w.Lane == "" {
		w.Lane = DefaultLane
	}
	if w.Priority == "" {
		w.Priority = PriorityDefault
	}
	if w.TriggerSource == "" {
		w.TriggerSource = TriggerAPI
	}
}
