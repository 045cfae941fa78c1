// Package qualitygate implements the optional admission check that
// backfill.Service.MarkPartitionDone runs before a BackfillPlan partition
// is marked done. It evaluates a Rego policy bundle against an output envelope,
// the same schema-validation-before-accept posture the teacher's plugin
// loader applies to node definitions, generalized from static JSON-schema
// checks to a general-purpose policy engine.
package qualitygate

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"
)

// Decision is the outcome of one gate evaluation.
type Decision struct {
	Allowed bool
	Reason  string
}

// Gate evaluates a compiled Rego policy against an output envelope. One
// Gate is built per policy and reused concurrently; rego's PreparedEvalQuery
// is safe for concurrent Eval calls.
type Gate struct {
	query  rego.PreparedEvalQuery
	logger *zap.Logger
}

// New compiles the given Rego module (policy source) and binds it to the
// query `x := data.runcore.qualitygate`, reading that package's rules under
// the convention every policy passed to this package must follow: a
// boolean `allow` rule, plus an optional `reason` string rule explaining a
// deny.
func New(ctx context.Context, policyModule string, logger *zap.Logger) (*Gate, error) {
	r := rego.New(
		rego.Query("x := data.runcore.qualitygate"),
		rego.Module("qualitygate.rego", policyModule),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("qualitygate: prepare policy: %w", err)
	}
	return &Gate{query: query, logger: logger}, nil
}

// Evaluate runs the policy against envelope (the step's output, as a plain
// JSON-shaped map) and returns whether it passes admission.
func (g *Gate) Evaluate(ctx context.Context, envelope map[string]any) (Decision, error) {
	input := map[string]any{"output": envelope}
	results, err := g.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("qualitygate: eval: %w", err)
	}
	if len(results) == 0 || len(results[0].Bindings) == 0 {
		return Decision{}, fmt.Errorf("qualitygate: policy produced no result")
	}
	binding, ok := results[0].Bindings["x"].(map[string]any)
	if !ok {
		return Decision{}, fmt.Errorf("qualitygate: policy result missing data.runcore.qualitygate document")
	}
	allowed, _ := binding["allow"].(bool)
	reason, _ := binding["reason"].(string)
	if !allowed && reason == "" {
		reason = "policy denied admission"
	}
	return Decision{Allowed: allowed, Reason: reason}, nil
}

// DefaultPolicy allows everything; used when no policy is configured so a
// caller can unconditionally call through a Gate rather than branching
// on whether one is configured.
const DefaultPolicy = `
package runcore.qualitygate

default allow := true
reason := ""
`
