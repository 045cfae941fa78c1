// Package condition evaluates ChoiceStep conditions and MapStep itemsKey
// expressions against a WorkflowContext, behind a common Evaluator
// interface so the language is a config-selectable detail (spec.md §4's
// "condition language, config-selectable" requirement) rather than baked
// into the workflow runner.
package condition

// Evaluator resolves an expression string against a context of plain
// Go values (params/state/results, see workflow.evalContext).
type Evaluator interface {
	// EvalBool evaluates expr and coerces the result to a bool. An empty
	// expr evaluates to false.
	EvalBool(expr string, data map[string]any) (bool, error)

	// EvalList evaluates expr (typically a field path) and returns it as
	// a slice for MapStep fan-out. A missing or nil value returns an
	// empty slice.
	EvalList(expr string, data map[string]any) ([]any, error)
}
