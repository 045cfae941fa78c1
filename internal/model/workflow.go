package model

// ErrorPolicy controls how a workflow reacts to a failed step.
type ErrorPolicy string

const (
	ErrorPolicyStop     ErrorPolicy = "STOP"
	ErrorPolicyContinue ErrorPolicy = "CONTINUE"
	ErrorPolicyRetry    ErrorPolicy = "RETRY"
)

// ExecutionPolicy controls whether independent steps may run concurrently.
// PARALLEL_WHERE_POSSIBLE is accepted but treated as Phase-2 per spec.md §9
// open questions — the runner always linearises to declared order today.
type ExecutionPolicy string

const (
	ExecutionSequential           ExecutionPolicy = "SEQUENTIAL"
	ExecutionParallelWherePossible ExecutionPolicy = "PARALLEL_WHERE_POSSIBLE"
)

// WorkflowDef is the design-time description of a DAG-shaped workflow.
type WorkflowDef struct {
	Name            string          `json:"name"`
	Version         int             `json:"version"`
	Steps           []StepDef       `json:"steps"`
	ErrorPolicy     ErrorPolicy     `json:"errorPolicy"`
	ExecutionPolicy ExecutionPolicy `json:"executionPolicy"`
}

// StepType discriminates the StepDef tagged union. The runner dispatches on
// this tag rather than modelling variants through inheritance, per spec.md
// §9's guidance to use a sum type over a sealed-class hierarchy.
type StepType string

const (
	StepOperation StepType = "operation"
	StepTask      StepType = "task"
	StepLambda    StepType = "lambda"
	StepChoice    StepType = "choice"
	StepWait      StepType = "wait"
	StepMap       StepType = "map"
)

// RetryPolicy holds step-level retry settings. The workflow Runner does not
// read it: a step is evaluated once, and under ErrorPolicyRetry a failed
// step falls through to the next step as under ErrorPolicyContinue.
type RetryPolicy struct {
	MaxAttempts       int     `json:"maxAttempts"`
	InitialDelayMS    int64   `json:"initialDelayMs"`
	BackoffMultiplier float64 `json:"backoffMultiplier"`
	MaxDelayMS        int64   `json:"maxDelayMs"`
}

// DefaultRetryPolicy mirrors the teacher's DefaultRetryPolicy (1s initial
// delay, x2 backoff, 5 minute ceiling) — see DESIGN.md for the exponential
// backoff-with-jitter decision on the open "auto-retry backoff curve"
// question.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		InitialDelayMS:    1000,
		BackoffMultiplier: 2.0,
		MaxDelayMS:        300000,
	}
}

// StepDef is one node in a WorkflowDef's step list. Exactly the fields for
// its Type are meaningful; the runner ignores the rest.
type StepDef struct {
	Name      string      `json:"name"`
	Type      StepType    `json:"type"`
	OnError   ErrorPolicy `json:"onError,omitempty"`
	Retry     *RetryPolicy `json:"retry,omitempty"`
	Strict    bool        `json:"strict,omitempty"`
	DependsOn []string    `json:"dependsOn,omitempty"`

	// OperationStep / TaskStep
	OperationName string         `json:"operationName,omitempty"`
	Config        map[string]any `json:"config,omitempty"`

	// LambdaStep
	HandlerRef string `json:"handlerRef,omitempty"`

	// ChoiceStep — Condition is an expression evaluated against the
	// WorkflowContext by the configured condition language (expr or gojq).
	Condition string `json:"condition,omitempty"`
	ThenStep  string `json:"thenStep,omitempty"`
	ElseStep  string `json:"elseStep,omitempty"`

	// WaitStep
	WaitSeconds     int        `json:"waitSeconds,omitempty"`
	WaitUntilField  string     `json:"waitUntilField,omitempty"`

	// MapStep
	ItemsKey     string `json:"itemsKey,omitempty"`
	IteratorStep *StepDef `json:"iteratorStep,omitempty"`
	MaxParallel  int    `json:"maxParallel,omitempty"`
}

// StepStatus is the outcome of evaluating one step.
type StepStatus string

const (
	StepOK      StepStatus = "OK"
	StepFail    StepStatus = "FAIL"
	StepSkipped StepStatus = "SKIPPED"
)

// StepResult is what a step's evaluation produces: a status, an optional
// output to merge into context state, and (for dynamic routing) the name of
// the next step to run.
type StepResult struct {
	Status   StepStatus     `json:"status"`
	Output   map[string]any `json:"output,omitempty"`
	Error    string         `json:"error,omitempty"`
	NextStep string         `json:"nextStep,omitempty"`
	Reason   string         `json:"reason,omitempty"`
}

// WorkflowContext is the per-run scratch space threaded through step
// evaluation: immutable run/params, mutable state, and a record of every
// step's result so far.
type WorkflowContext struct {
	RunID       ID                    `json:"runId"`
	Params      map[string]any        `json:"params"`
	State       map[string]any        `json:"state"`
	StepResults map[string]StepResult `json:"stepResults"`
}

// NewWorkflowContext builds an empty context for a run.
func NewWorkflowContext(runID ID, params map[string]any) *WorkflowContext {
	if params == nil {
		params = map[string]any{}
	}
	return &WorkflowContext{
		RunID:       runID,
		Params:      params,
		State:       map[string]any{},
		StepResults: map[string]StepResult{},
	}
}

// WorkflowStatus is the terminal or in-flight status of a workflow run.
type WorkflowStatus string

const (
	WorkflowRunning   WorkflowStatus = "RUNNING"
	WorkflowCompleted WorkflowStatus = "COMPLETED"
	WorkflowPartial   WorkflowStatus = "PARTIAL"
	WorkflowFailed    WorkflowStatus = "FAILED"
	WorkflowCancelled WorkflowStatus = "CANCELLED"
)
