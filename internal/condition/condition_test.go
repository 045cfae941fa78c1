package condition_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runcore/core/internal/condition"
)

func TestGojqEvalBool(t *testing.T) {
	e := condition.NewGojqEvaluator()
	data := map[string]any{"params": map[string]any{"amount": 150.0}}

	truthy, err := e.EvalBool(".params.amount > 100", data)
	require.NoError(t, err)
	assert.True(t, truthy)

	falsy, err := e.EvalBool(".params.amount > 1000", data)
	require.NoError(t, err)
	assert.False(t, falsy)
}

func TestGojqEvalBoolEmptyExprIsFalse(t *testing.T) {
	e := condition.NewGojqEvaluator()
	truthy, err := e.EvalBool("", nil)
	require.NoError(t, err)
	assert.False(t, truthy)
}

func TestGojqEvalList(t *testing.T) {
	e := condition.NewGojqEvaluator()
	data := map[string]any{"state": map[string]any{"items": []any{1.0, 2.0, 3.0}}}

	list, err := e.EvalList(".state.items", data)
	require.NoError(t, err)
	assert.Equal(t, []any{1.0, 2.0, 3.0}, list)
}

func TestExprEvalBool(t *testing.T) {
	e := condition.NewExprEvaluator()
	data := map[string]any{"params": map[string]any{"amount": 150.0}}

	truthy, err := e.EvalBool("params.amount > 100", data)
	require.NoError(t, err)
	assert.True(t, truthy)
}

func TestExprEvalList(t *testing.T) {
	e := condition.NewExprEvaluator()
	data := map[string]any{"state": map[string]any{"items": []any{"a", "b"}}}

	list, err := e.EvalList("state.items", data)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, list)
}
