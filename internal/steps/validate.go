package steps

import (
	"context"
	"fmt"

	"github.com/reportflow/reportflow/internal/engine"
	"github.com/reportflow/reportflow/internal/expressions"
	"github.com/reportflow/reportflow/pkg/schema"
)

// RuleSpec is one data-quality rule. The expression runs against the dataset
// environment (rows, row_count, columns, inputs) and must return a boolean.
type RuleSpec struct {
	Name       string `json:"name"`
	Expression string `json:"expression"`
	// Severity "error" (default) fails the run on violation; "warning" only
	// records the violation in the step output.
	Severity string `json:"severity,omitempty"`
}

// validateParams configure the pre_validation and post_validation steps.
type validateParams struct {
	Rules []RuleSpec `json:"rules"`
}

// ValidateStep runs data-quality rules against the dataset produced by its
// input step: the fetched rows for pre_validation, the transformed rows for
// post_validation. Rule violations are not transient, so they fail the run
// without retries.
type ValidateStep struct {
	name  schema.StepName
	expr  *expressions.ExprEngine
	input schema.StepName
}

func (s *ValidateStep) Execute(ctx context.Context, sc *engine.StepContext) engine.Outcome {
	var params validateParams
	if err := decodeParams(sc.Spec.Params, &params); err != nil {
		return engine.Fatal("", err)
	}

	// post_validation falls back to the raw dataset when transform was
	// skipped by its condition.
	ds, producer, err := datasetFrom(sc, s.input, schema.StepFetchData)
	if err != nil {
		return engine.Fatal("", err)
	}

	env := ds.env(sc.Inputs)
	var warnings []string
	for _, rule := range params.Rules {
		if rule.Expression == "" {
			return engine.Fatal(fmt.Sprintf("rule %q has no expression", rule.Name), nil)
		}

		ok, err := s.expr.EvaluateBool(ctx, rule.Expression, env)
		if err != nil {
			return engine.Fatal(fmt.Sprintf("rule %q is broken: %s", rule.Name, err.Error()), err)
		}
		if ok {
			continue
		}

		if rule.Severity == "warning" {
			warnings = append(warnings, rule.Name)
			sc.Logger.WarnContext(ctx, "validation rule violated", "rule", rule.Name)
			continue
		}
		return engine.Fatal(fmt.Sprintf("validation rule %q failed", rule.Name), nil)
	}

	return engine.Succeed(map[string]any{
		"validated": string(producer),
		"evaluated": len(params.Rules),
		"warnings":  warnings,
	})
}
