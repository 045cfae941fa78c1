package workflow_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/runcore/core/internal/condition"
	"github.com/runcore/core/internal/dispatcher"
	"github.com/runcore/core/internal/eventbus"
	"github.com/runcore/core/internal/executor"
	"github.com/runcore/core/internal/model"
	"github.com/runcore/core/internal/registry"
	"github.com/runcore/core/internal/store/sqlite"
	"github.com/runcore/core/internal/workflow"
)

// newRunner builds a Runner wired to a real Dispatcher (sqlite ledger +
// in-process executor + event bus), the same fixture dlq_test.go uses, so
// Operation/Task steps routed through Dispatcher.Submit get a real ledger
// row to poll for completion instead of a fake.
func newRunner(t *testing.T) (*workflow.Runner, *registry.Registry, *eventbus.InProcessBus) {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg := registry.New()
	bus := eventbus.NewInProcessBus(64)
	t.Cleanup(func() { bus.Close() })

	exec := executor.New(executor.DefaultConfig(), db, reg, bus, nil, zap.NewNop())
	exec.Start(context.Background())
	t.Cleanup(exec.Stop)

	disp := dispatcher.New(db, reg, exec, bus, nil, zap.NewNop())
	runner := workflow.New(reg, condition.NewGojqEvaluator(), bus, disp, zap.NewNop())
	return runner, reg, bus
}

func TestSequentialStepsMergeOutputIntoState(t *testing.T) {
	runner, reg, _ := newRunner(t)
	require.NoError(t, reg.Register(model.KindOperation, "step_one", registry.HandlerFunc(
		func(_ context.Context, _ map[string]any) (map[string]any, error) {
			return map[string]any{"a": 1.0}, nil
		}), nil, false))
	require.NoError(t, reg.Register(model.KindOperation, "step_two", registry.HandlerFunc(
		func(_ context.Context, params map[string]any) (map[string]any, error) {
			assert.Equal(t, 1.0, params["a"])
			return map[string]any{"b": 2.0}, nil
		}), nil, false))

	def := &model.WorkflowDef{
		Name:        "seq",
		ErrorPolicy: model.ErrorPolicyStop,
		Steps: []model.StepDef{
			{Name: "one", Type: model.StepOperation, OperationName: "step_one", Strict: true},
			{Name: "two", Type: model.StepOperation, OperationName: "step_two", Strict: true},
		},
	}

	ctx := model.NewWorkflowContext(model.NewID(), nil)
	outcome, err := runner.Execute(context.Background(), def, ctx, false)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowCompleted, outcome.Status)
	assert.Equal(t, 2.0, outcome.Context.State["b"])
}

func TestErrorPolicyStopHaltsOnFailure(t *testing.T) {
	runner, reg, _ := newRunner(t)
	require.NoError(t, reg.Register(model.KindOperation, "fails", registry.HandlerFunc(
		func(_ context.Context, _ map[string]any) (map[string]any, error) {
			return nil, errors.New("boom")
		}), nil, false))
	var neverCalled bool
	require.NoError(t, reg.Register(model.KindOperation, "after", registry.HandlerFunc(
		func(_ context.Context, _ map[string]any) (map[string]any, error) {
			neverCalled = true
			return nil, nil
		}), nil, false))

	def := &model.WorkflowDef{
		Name:        "stopper",
		ErrorPolicy: model.ErrorPolicyStop,
		Steps: []model.StepDef{
			{Name: "fail_step", Type: model.StepOperation, OperationName: "fails", Strict: true},
			{Name: "after_step", Type: model.StepOperation, OperationName: "after", Strict: true},
		},
	}

	ctx := model.NewWorkflowContext(model.NewID(), nil)
	outcome, err := runner.Execute(context.Background(), def, ctx, false)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowFailed, outcome.Status)
	assert.False(t, neverCalled)
}

func TestErrorPolicyContinueYieldsPartial(t *testing.T) {
	runner, reg, _ := newRunner(t)
	require.NoError(t, reg.Register(model.KindOperation, "ok1", registry.HandlerFunc(
		func(_ context.Context, _ map[string]any) (map[string]any, error) {
			return map[string]any{}, nil
		}), nil, false))
	require.NoError(t, reg.Register(model.KindOperation, "fails", registry.HandlerFunc(
		func(_ context.Context, _ map[string]any) (map[string]any, error) {
			return nil, errors.New("boom")
		}), nil, false))
	require.NoError(t, reg.Register(model.KindOperation, "ok2", registry.HandlerFunc(
		func(_ context.Context, _ map[string]any) (map[string]any, error) {
			return map[string]any{}, nil
		}), nil, false))

	def := &model.WorkflowDef{
		Name:        "continuer",
		ErrorPolicy: model.ErrorPolicyContinue,
		Steps: []model.StepDef{
			{Name: "step_ok_1", Type: model.StepOperation, OperationName: "ok1", Strict: true},
			{Name: "step_fail", Type: model.StepOperation, OperationName: "fails", Strict: true},
			{Name: "step_ok_2", Type: model.StepOperation, OperationName: "ok2", Strict: true},
		},
	}

	ctx := model.NewWorkflowContext(model.NewID(), nil)
	outcome, err := runner.Execute(context.Background(), def, ctx, false)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowPartial, outcome.Status)
	assert.Equal(t, model.StepFail, outcome.Context.StepResults["step_fail"].Status)
	assert.Equal(t, model.StepOK, outcome.Context.StepResults["step_ok_2"].Status)
}

func TestChoiceStepBranchesAndSkipsOtherBranch(t *testing.T) {
	runner, reg, _ := newRunner(t)
	var annualCalled, quarterlyCalled bool
	require.NoError(t, reg.Register(model.KindOperation, "process_annual", registry.HandlerFunc(
		func(_ context.Context, _ map[string]any) (map[string]any, error) {
			annualCalled = true
			return map[string]any{}, nil
		}), nil, false))
	require.NoError(t, reg.Register(model.KindOperation, "process_quarterly", registry.HandlerFunc(
		func(_ context.Context, _ map[string]any) (map[string]any, error) {
			quarterlyCalled = true
			return map[string]any{}, nil
		}), nil, false))

	// process_quarterly (the else-branch target) sits between the choice
	// and process_annual (the then-branch target, placed last), so jumping
	// straight to process_annual proves the cursor skipped over it rather
	// than merely running both in declared order.
	def := &model.WorkflowDef{
		Name:        "routing",
		ErrorPolicy: model.ErrorPolicyStop,
		Steps: []model.StepDef{
			{Name: "route", Type: model.StepChoice, Condition: ".params.is_annual", ThenStep: "process_annual", ElseStep: "process_quarterly"},
			{Name: "process_quarterly", Type: model.StepOperation, OperationName: "process_quarterly", Strict: true},
			{Name: "process_annual", Type: model.StepOperation, OperationName: "process_annual", Strict: true},
		},
	}

	ctx := model.NewWorkflowContext(model.NewID(), map[string]any{"is_annual": true})
	outcome, err := runner.Execute(context.Background(), def, ctx, false)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowCompleted, outcome.Status)
	assert.True(t, annualCalled)
	assert.False(t, quarterlyCalled, "else-branch step should be skipped when the then-branch is taken")
	assert.Equal(t, model.StepSkipped, outcome.Context.StepResults["process_quarterly"].Status)
	assert.Equal(t, "branch_not_taken", outcome.Context.StepResults["process_quarterly"].Reason)
}

// TestChoiceStepConvergesPastUntakenBranchTarget reproduces spec §8
// scenario 3's exact layout: [classify, route(choice), annual, quarterly,
// store], where the taken branch's target (annual) is declared *before*
// the untaken branch's own target (quarterly). A plain cursor++
// fallthrough after annual completes would otherwise land on and execute
// quarterly; it must instead be recorded SKIPPED/branch_not_taken, and
// the workflow must converge on "store" afterward.
func TestChoiceStepConvergesPastUntakenBranchTarget(t *testing.T) {
	runner, reg, _ := newRunner(t)
	var classifyCalled, annualCalled, quarterlyCalled, storeCalled bool
	require.NoError(t, reg.Register(model.KindOperation, "classify", registry.HandlerFunc(
		func(_ context.Context, _ map[string]any) (map[string]any, error) {
			classifyCalled = true
			return map[string]any{}, nil
		}), nil, false))
	require.NoError(t, reg.Register(model.KindOperation, "annual", registry.HandlerFunc(
		func(_ context.Context, _ map[string]any) (map[string]any, error) {
			annualCalled = true
			return map[string]any{}, nil
		}), nil, false))
	require.NoError(t, reg.Register(model.KindOperation, "quarterly", registry.HandlerFunc(
		func(_ context.Context, _ map[string]any) (map[string]any, error) {
			quarterlyCalled = true
			return map[string]any{}, nil
		}), nil, false))
	require.NoError(t, reg.Register(model.KindOperation, "store", registry.HandlerFunc(
		func(_ context.Context, _ map[string]any) (map[string]any, error) {
			storeCalled = true
			return map[string]any{}, nil
		}), nil, false))

	def := &model.WorkflowDef{
		Name:        "convergence",
		ErrorPolicy: model.ErrorPolicyStop,
		Steps: []model.StepDef{
			{Name: "classify", Type: model.StepOperation, OperationName: "classify", Strict: true},
			{Name: "route", Type: model.StepChoice, Condition: ".params.is_annual", ThenStep: "annual", ElseStep: "quarterly"},
			{Name: "annual", Type: model.StepOperation, OperationName: "annual", Strict: true},
			{Name: "quarterly", Type: model.StepOperation, OperationName: "quarterly", Strict: true},
			{Name: "store", Type: model.StepOperation, OperationName: "store", Strict: true},
		},
	}

	ctx := model.NewWorkflowContext(model.NewID(), map[string]any{"is_annual": true})
	outcome, err := runner.Execute(context.Background(), def, ctx, false)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowCompleted, outcome.Status)
	assert.True(t, classifyCalled)
	assert.True(t, annualCalled)
	assert.False(t, quarterlyCalled, "quarterly must not execute once annual (the taken branch) has run")
	assert.True(t, storeCalled, "execution must converge on the shared step after the untaken branch's target")
	assert.Equal(t, model.StepSkipped, outcome.Context.StepResults["quarterly"].Status)
	assert.Equal(t, "branch_not_taken", outcome.Context.StepResults["quarterly"].Reason)
}

func TestMapStepFansOutOverItems(t *testing.T) {
	runner, reg, _ := newRunner(t)
	require.NoError(t, reg.Register(model.KindOperation, "process_item", registry.HandlerFunc(
		func(_ context.Context, params map[string]any) (map[string]any, error) {
			return map[string]any{"doubled": params["item"].(float64) * 2}, nil
		}), nil, false))

	def := &model.WorkflowDef{
		Name:        "mapper",
		ErrorPolicy: model.ErrorPolicyStop,
		Steps: []model.StepDef{
			{
				Name:        "fan_out",
				Type:        model.StepMap,
				ItemsKey:    ".state.items",
				MaxParallel: 2,
				IteratorStep: &model.StepDef{
					Name:          "process_item",
					Type:          model.StepOperation,
					OperationName: "process_item",
					Strict:        true,
				},
			},
		},
	}

	ctx := model.NewWorkflowContext(model.NewID(), nil)
	ctx.State["items"] = []any{1.0, 2.0, 3.0}
	outcome, err := runner.Execute(context.Background(), def, ctx, false)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowCompleted, outcome.Status)
	results := outcome.Context.State["mapResults"].([]model.StepResult)
	assert.Len(t, results, 3)
}

func TestDryRunSkipsSideEffectingSteps(t *testing.T) {
	runner, reg, _ := newRunner(t)
	var called bool
	require.NoError(t, reg.Register(model.KindOperation, "side_effect", registry.HandlerFunc(
		func(_ context.Context, _ map[string]any) (map[string]any, error) {
			called = true
			return map[string]any{}, nil
		}), nil, false))

	def := &model.WorkflowDef{
		Name:        "dry",
		ErrorPolicy: model.ErrorPolicyStop,
		Steps: []model.StepDef{
			{Name: "effect", Type: model.StepOperation, OperationName: "side_effect", Strict: true},
		},
	}

	ctx := model.NewWorkflowContext(model.NewID(), nil)
	outcome, err := runner.Execute(context.Background(), def, ctx, true)
	require.NoError(t, err)
	assert.False(t, called)
	assert.Equal(t, model.StepSkipped, outcome.Context.StepResults["effect"].Status)
}
