// Package workflow executes a WorkflowDef: a flat, ordered step list
// (arena+index, not a pointer graph) evaluated top to bottom, with
// ChoiceStep able to jump the cursor forward and MapStep fanning a single
// iterator step out over a data-driven item list. This mirrors the
// teacher's own node-by-node execution loop, generalized from a fixed
// node graph to the tagged-union StepDef the spec describes.
package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/runcore/core/internal/condition"
	"github.com/runcore/core/internal/errs"
	"github.com/runcore/core/internal/eventbus"
	"github.com/runcore/core/internal/metrics"
	"github.com/runcore/core/internal/model"
	"github.com/runcore/core/internal/registry"
	"github.com/runcore/core/internal/tracing"
)

// stepLane isolates Operation/Task steps submitted by a running workflow
// from the lane the parent workflow run itself occupies, so a workflow's
// own executor worker polling for its steps' completion can never
// exhaust the pool it is waiting on.
const stepLane = "workflow-steps"

// stepPollInterval is how often awaitTerminal re-checks a dispatched
// step's RunRecord while it waits for a terminal status.
const stepPollInterval = 50 * time.Millisecond

// Submitter is the narrow Dispatcher surface the Runner needs to route
// Operation/Task steps through the canonical submission path instead of
// invoking registry handlers in-process. Keeping it local (rather than
// importing internal/dispatcher directly) follows the same
// narrow-interface-over-concrete-package convention internal/dlq uses for
// its own Retrier/Store/Notifier.
type Submitter interface {
	Submit(ctx context.Context, spec model.WorkSpec) (*model.RunRecord, error)
	GetRun(ctx context.Context, runID model.ID) (*model.RunRecord, error)
}

// Runner evaluates a WorkflowDef's steps against a WorkflowContext.
type Runner struct {
	registry  *registry.Registry
	evaluator condition.Evaluator
	bus       eventbus.Bus
	submitter Submitter
	logger    *zap.Logger
}

// New builds a Runner. evaluator resolves ChoiceStep.Condition and
// MapStep.ItemsKey expressions; callers choose gojq or expr-lang per
// config (spec.md §4's condition-language selection knob). submitter
// routes Operation/Task steps through Dispatcher.Submit so each gets its
// own RunRecord, ledger row, and retry/timeout handling.
func New(reg *registry.Registry, evaluator condition.Evaluator, bus eventbus.Bus, submitter Submitter, logger *zap.Logger) *Runner {
	return &Runner{registry: reg, evaluator: evaluator, bus: bus, submitter: submitter, logger: logger}
}

// Outcome is the terminal result of one workflow execution.
type Outcome struct {
	Status  model.WorkflowStatus
	Context *model.WorkflowContext
}

// Execute runs def's steps against ctx in order, honoring each step's
// on-error policy, choice branching, wait, and map fan-out. dryRun skips
// side-effecting Operation/Task/Lambda invocation and instead records a
// SKIPPED result annotated "dry_run" for every step that would have run.
func (r *Runner) Execute(ctx context.Context, def *model.WorkflowDef, wfCtx *model.WorkflowContext, dryRun bool) (Outcome, error) {
	ctx, span := tracing.StartRun(ctx, wfCtx.RunID.String(), string(model.KindWorkflow), def.Name)
	defer span.End()

	r.publishEvent(ctx, wfCtx.RunID, model.EventWorkflowStarted, map[string]any{"workflow": def.Name})

	index := stepIndex(def.Steps)
	anyFailed := false
	anyOK := false

	// pendingSkip holds step names that a ChoiceStep decided are on the
	// untaken branch but that lie *after* the taken branch's own target in
	// declared order, so the main loop's ordinary cursor++ fallthrough
	// would otherwise reach and execute them once the taken branch
	// finishes. skipIntervening handles the complementary case — steps
	// strictly between the choice and its jump target — immediately,
	// since the jump itself means the loop never visits those indices at
	// all.
	pendingSkip := map[string]string{}

	cursor := 0
	visited := map[string]bool{}
	for cursor < len(def.Steps) {
		step := def.Steps[cursor]
		if visited[step.Name] {
			// A choice loop or malformed jump target would otherwise spin
			// forever; treat a revisit as the end of the reachable path.
			break
		}
		visited[step.Name] = true

		if reason, ok := pendingSkip[step.Name]; ok {
			delete(pendingSkip, step.Name)
			result := model.StepResult{Status: model.StepSkipped, Reason: reason}
			wfCtx.StepResults[step.Name] = result
			metrics.StepsTotal.WithLabelValues(strings.ToLower(string(result.Status))).Inc()
			r.publishEvent(ctx, wfCtx.RunID, model.EventStepSkipped, map[string]any{"step": step.Name, "reason": reason})
			cursor++
			continue
		}

		r.publishEvent(ctx, wfCtx.RunID, model.EventStepStarted, map[string]any{"step": step.Name, "type": string(step.Type)})

		result := r.evaluateStep(ctx, &step, wfCtx, dryRun)
		wfCtx.StepResults[step.Name] = result
		metrics.StepsTotal.WithLabelValues(strings.ToLower(string(result.Status))).Inc()

		switch result.Status {
		case model.StepOK:
			anyOK = true
			for k, v := range result.Output {
				wfCtx.State[k] = v
			}
			r.publishEvent(ctx, wfCtx.RunID, model.EventStepCompleted, map[string]any{"step": step.Name, "output": result.Output})
		case model.StepSkipped:
			// Branch-exclusive or dry-run skip; contributes to neither
			// anyOK nor anyFailed.
			r.publishEvent(ctx, wfCtx.RunID, model.EventStepSkipped, map[string]any{"step": step.Name, "reason": result.Reason})
		case model.StepFail:
			anyFailed = true
			r.publishEvent(ctx, wfCtx.RunID, model.EventStepFailed, map[string]any{"step": step.Name, "error": result.Error})
			policy := step.OnError
			if policy == "" {
				policy = def.ErrorPolicy
			}
			if policy == model.ErrorPolicyStop || policy == "" {
				return r.finish(ctx, wfCtx, model.WorkflowFailed), nil
			}
			// CONTINUE and RETRY both fall through to the next step; the
			// failed step is not re-run.
		}

		if result.NextStep != "" {
			next, ok := index[result.NextStep]
			if !ok {
				err := errs.New(errs.Validation, fmt.Sprintf("step %q: unknown next step %q", step.Name, result.NextStep), nil, nil)
				span.RecordError(err)
				return Outcome{}, err
			}

			if step.Type == model.StepChoice {
				r.skipIntervening(ctx, def.Steps, cursor, next, wfCtx, visited)

				other := step.ElseStep
				if result.NextStep == step.ElseStep {
					other = step.ThenStep
				}
				if other != "" && other != result.NextStep {
					if otherIdx, ok := index[other]; ok && otherIdx > next {
						pendingSkip[other] = "branch_not_taken"
					}
				}
			}

			cursor = next
			continue
		}
		cursor++
	}

	status := model.WorkflowCompleted
	switch {
	case anyFailed && anyOK:
		status = model.WorkflowPartial
	case anyFailed && !anyOK:
		status = model.WorkflowFailed
	}
	return r.finish(ctx, wfCtx, status), nil
}

// skipIntervening marks every step strictly between from and to (in
// declared order) as SKIPPED/branch_not_taken. These are the steps a
// ChoiceStep's forward jump leaps over entirely — the main loop's cursor
// never lands on them, so without this pass they would never get a
// StepResult recorded or a step.skipped event emitted at all.
func (r *Runner) skipIntervening(ctx context.Context, steps []model.StepDef, from, to int, wfCtx *model.WorkflowContext, visited map[string]bool) {
	for i := from + 1; i < to; i++ {
		s := steps[i]
		if visited[s.Name] {
			continue
		}
		visited[s.Name] = true
		result := model.StepResult{Status: model.StepSkipped, Reason: "branch_not_taken"}
		wfCtx.StepResults[s.Name] = result
		metrics.StepsTotal.WithLabelValues(strings.ToLower(string(result.Status))).Inc()
		r.publishEvent(ctx, wfCtx.RunID, model.EventStepSkipped, map[string]any{"step": s.Name, "reason": result.Reason})
	}
}

// finish records the terminal workflow event and wraps status into an
// Outcome — the single point every Execute return path funnels through
// so workflow.completed/failed/partial is always published exactly once.
func (r *Runner) finish(ctx context.Context, wfCtx *model.WorkflowContext, status model.WorkflowStatus) Outcome {
	topic := model.EventWorkflowCompleted
	switch status {
	case model.WorkflowFailed:
		topic = model.EventWorkflowFailed
	case model.WorkflowPartial:
		topic = model.EventWorkflowPartial
	}
	r.publishEvent(ctx, wfCtx.RunID, topic, map[string]any{"status": string(status)})
	return Outcome{Status: status, Context: wfCtx}
}

func (r *Runner) publishEvent(ctx context.Context, runID model.ID, topic string, payload map[string]any) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(ctx, eventbus.Event{Topic: topic, RunID: &runID, Payload: payload}); err != nil {
		r.logger.Warn("failed to publish workflow event", zap.String("topic", topic), zap.Error(err))
	}
}

func stepIndex(steps []model.StepDef) map[string]int {
	idx := make(map[string]int, len(steps))
	for i, s := range steps {
		idx[s.Name] = i
	}
	return idx
}

func (r *Runner) evaluateStep(ctx context.Context, step *model.StepDef, wfCtx *model.WorkflowContext, dryRun bool) model.StepResult {
	ctx, span := tracing.StartStep(ctx, step.Name, string(step.Type))
	defer span.End()

	if dryRun && step.Type != model.StepChoice && step.Type != model.StepWait {
		return model.StepResult{Status: model.StepSkipped, Reason: "dry_run"}
	}

	result := r.dispatchStep(ctx, step, wfCtx, dryRun)
	if result.Status == model.StepFail {
		span.RecordError(fmt.Errorf("%s", result.Error))
	}
	return result
}

func (r *Runner) dispatchStep(ctx context.Context, step *model.StepDef, wfCtx *model.WorkflowContext, dryRun bool) model.StepResult {
	switch step.Type {
	case model.StepOperation, model.StepTask:
		return r.evaluateDispatchedStep(ctx, step, wfCtx)
	case model.StepLambda:
		return r.evaluateLambdaStep(ctx, step, wfCtx)
	case model.StepChoice:
		return r.evaluateChoiceStep(step, wfCtx)
	case model.StepWait:
		return r.evaluateWaitStep(ctx, step)
	case model.StepMap:
		return r.evaluateMapStep(ctx, step, wfCtx, dryRun)
	default:
		return model.StepResult{Status: model.StepFail, Error: fmt.Sprintf("unknown step type %q", step.Type)}
	}
}

// evaluateDispatchedStep runs an Operation/Task step through
// Dispatcher.Submit (via the narrow Submitter interface) and polls for
// its terminal status, so the step gets its own ledger row, parentRunId
// linkage, and retry/timeout handling instead of being invoked as a bare
// in-process function call.
func (r *Runner) evaluateDispatchedStep(ctx context.Context, step *model.StepDef, wfCtx *model.WorkflowContext) model.StepResult {
	kind := model.KindOperation
	if step.Type == model.StepTask {
		kind = model.KindTask
	}
	name := step.OperationName

	if !r.registry.Has(kind, name) {
		if !step.Strict {
			return model.StepResult{Status: model.StepSkipped, Reason: fmt.Sprintf("handler %q not registered, non-strict step skipped", name)}
		}
		return model.StepResult{Status: model.StepFail, Error: fmt.Sprintf("no handler registered for %s:%s", kind, name)}
	}

	if r.submitter == nil {
		return model.StepResult{Status: model.StepFail, Error: "workflow runner has no submitter configured"}
	}

	params := mergeParams(wfCtx, step.Config)
	spec := model.WorkSpec{
		Kind:          kind,
		Name:          name,
		Params:        params,
		Lane:          stepLane,
		TriggerSource: model.TriggerWorkflowStep,
		ParentRunID:   &wfCtx.RunID,
	}

	run, err := r.submitter.Submit(ctx, spec)
	if err != nil {
		return model.StepResult{Status: model.StepFail, Error: err.Error()}
	}

	run, err = r.awaitTerminal(ctx, run.RunID)
	if err != nil {
		return model.StepResult{Status: model.StepFail, Error: err.Error()}
	}

	if run.Status != model.RunCompleted {
		return model.StepResult{Status: model.StepFail, Error: run.Error}
	}
	return model.StepResult{Status: model.StepOK, Output: run.Result}
}

// awaitTerminal polls the submitted step's RunRecord until it reaches a
// terminal status. There is no synchronous submit-and-wait primitive on
// the Dispatcher/Executor path, so this is the bridge between the
// Runner's synchronous step evaluation and the Executor's async pool.
func (r *Runner) awaitTerminal(ctx context.Context, runID model.ID) (*model.RunRecord, error) {
	ticker := time.NewTicker(stepPollInterval)
	defer ticker.Stop()
	for {
		run, err := r.submitter.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Status.IsTerminal() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// evaluateLambdaStep invokes a registered lambda handler directly,
// in-process, with no ledger trace — lambdas are lightweight in-workflow
// callbacks, not independently retryable/observable units of work.
func (r *Runner) evaluateLambdaStep(ctx context.Context, step *model.StepDef, wfCtx *model.WorkflowContext) model.StepResult {
	name := step.HandlerRef
	handler := r.registry.Get(model.KindOperation, name)
	if handler == nil {
		if !step.Strict {
			return model.StepResult{Status: model.StepSkipped, Reason: fmt.Sprintf("handler %q not registered, non-strict step skipped", name)}
		}
		return model.StepResult{Status: model.StepFail, Error: fmt.Sprintf("no handler registered for lambda:%s", name)}
	}

	params := mergeParams(wfCtx, step.Config)
	output, err := invoke(ctx, handler, params)
	if err != nil {
		return model.StepResult{Status: model.StepFail, Error: err.Error()}
	}
	return model.StepResult{Status: model.StepOK, Output: output}
}

func invoke(ctx context.Context, handler registry.Handler, params map[string]any) (result map[string]any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()
	return handler.Invoke(ctx, params)
}

func mergeParams(wfCtx *model.WorkflowContext, config map[string]any) map[string]any {
	merged := make(map[string]any, len(wfCtx.Params)+len(wfCtx.State)+len(config))
	for k, v := range wfCtx.Params {
		merged[k] = v
	}
	for k, v := range wfCtx.State {
		merged[k] = v
	}
	for k, v := range config {
		merged[k] = v
	}
	return merged
}

func (r *Runner) evaluateChoiceStep(step *model.StepDef, wfCtx *model.WorkflowContext) model.StepResult {
	truthy, err := r.evaluator.EvalBool(step.Condition, evalContext(wfCtx))
	if err != nil {
		return model.StepResult{Status: model.StepFail, Error: fmt.Sprintf("condition evaluation failed: %v", err)}
	}
	next := step.ElseStep
	if truthy {
		next = step.ThenStep
	}
	return model.StepResult{Status: model.StepOK, NextStep: next}
}

func (r *Runner) evaluateWaitStep(ctx context.Context, step *model.StepDef) model.StepResult {
	if step.WaitSeconds <= 0 {
		return model.StepResult{Status: model.StepOK}
	}
	timer := time.NewTimer(time.Duration(step.WaitSeconds) * time.Second)
	defer timer.Stop()
	select {
	case <-timer.C:
		return model.StepResult{Status: model.StepOK}
	case <-ctx.Done():
		return model.StepResult{Status: model.StepFail, Error: ctx.Err().Error()}
	}
}

func (r *Runner) evaluateMapStep(ctx context.Context, step *model.StepDef, wfCtx *model.WorkflowContext, dryRun bool) model.StepResult {
	if step.IteratorStep == nil {
		return model.StepResult{Status: model.StepFail, Error: "map step has no iterator step"}
	}
	items, err := r.evaluator.EvalList(step.ItemsKey, evalContext(wfCtx))
	if err != nil {
		return model.StepResult{Status: model.StepFail, Error: fmt.Sprintf("itemsKey evaluation failed: %v", err)}
	}

	maxParallel := step.MaxParallel
	if maxParallel <= 0 {
		maxParallel = 1
	}

	type itemResult struct {
		index  int
		result model.StepResult
	}

	sem := make(chan struct{}, maxParallel)
	results := make([]model.StepResult, len(items))
	var wg sync.WaitGroup
	resultsCh := make(chan itemResult, len(items))

	for i, item := range items {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, item any) {
			defer wg.Done()
			defer func() { <-sem }()
			itemCtx := &model.WorkflowContext{
				RunID:       wfCtx.RunID,
				Params:      wfCtx.Params,
				State:       map[string]any{"item": item},
				StepResults: map[string]model.StepResult{},
			}
			res := r.evaluateStep(ctx, step.IteratorStep, itemCtx, dryRun)
			resultsCh <- itemResult{index: i, result: res}
		}(i, item)
	}
	wg.Wait()
	close(resultsCh)

	failures := 0
	for r := range resultsCh {
		results[r.index] = r.result
		if r.result.Status == model.StepFail {
			failures++
		}
	}

	if failures == len(items) && len(items) > 0 {
		return model.StepResult{Status: model.StepFail, Error: fmt.Sprintf("all %d map items failed", len(items))}
	}
	if failures > 0 {
		return model.StepResult{Status: model.StepOK, Output: map[string]any{"mapResults": results, "failures": failures}}
	}
	return model.StepResult{Status: model.StepOK, Output: map[string]any{"mapResults": results}}
}

func evalContext(wfCtx *model.WorkflowContext) map[string]any {
	return map[string]any{
		"params":  wfCtx.Params,
		"state":   wfCtx.State,
		"results": wfCtx.StepResults,
	}
}
