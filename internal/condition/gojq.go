package condition

import (
	"fmt"

	"github.com/itchyny/gojq"
)

// GojqEvaluator evaluates jq query expressions (e.g. ".params.amount > 100",
// ".state.items") against the workflow context. Only the first value a
// query emits is used.
type GojqEvaluator struct{}

// NewGojqEvaluator builds a GojqEvaluator.
func NewGojqEvaluator() *GojqEvaluator { return &GojqEvaluator{} }

func (e *GojqEvaluator) EvalBool(expr string, data map[string]any) (bool, error) {
	if expr == "" {
		return false, nil
	}
	v, err := e.evalFirst(expr, data)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

func (e *GojqEvaluator) EvalList(expr string, data map[string]any) ([]any, error) {
	if expr == "" {
		return nil, nil
	}
	v, err := e.evalFirst(expr, data)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("gojq expression %q did not evaluate to a list: %T", expr, v)
	}
	return list, nil
}

func (e *GojqEvaluator) evalFirst(expr string, data map[string]any) (any, error) {
	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse gojq expression %q: %w", expr, err)
	}
	iter := query.Run(data)
	v, ok := iter.Next()
	if !ok {
		return nil, nil
	}
	if err, ok := v.(error); ok {
		return nil, fmt.Errorf("evaluate gojq expression %q: %w", expr, err)
	}
	return v, nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case int:
		return t != 0
	case string:
		return t != ""
	default:
		return true
	}
}
