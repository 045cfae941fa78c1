package condition

import (
	"fmt"

	"github.com/expr-lang/expr"
)

// ExprEvaluator evaluates expr-lang expressions (e.g. "params.amount > 100",
// "state.items") against the workflow context — an alternative to
// GojqEvaluator for authors who prefer a Go-like expression syntax over
// jq's pipe syntax.
type ExprEvaluator struct{}

// NewExprEvaluator builds an ExprEvaluator.
func NewExprEvaluator() *ExprEvaluator { return &ExprEvaluator{} }

func (e *ExprEvaluator) EvalBool(exprStr string, data map[string]any) (bool, error) {
	if exprStr == "" {
		return false, nil
	}
	v, err := expr.Eval(exprStr, data)
	if err != nil {
		return false, fmt.Errorf("evaluate expr %q: %w", exprStr, err)
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("expr %q did not evaluate to a bool: %T", exprStr, v)
	}
	return b, nil
}

func (e *ExprEvaluator) EvalList(exprStr string, data map[string]any) ([]any, error) {
	if exprStr == "" {
		return nil, nil
	}
	v, err := expr.Eval(exprStr, data)
	if err != nil {
		return nil, fmt.Errorf("evaluate expr %q: %w", exprStr, err)
	}
	if v == nil {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expr %q did not evaluate to a list: %T", exprStr, v)
	}
	return list, nil
}
