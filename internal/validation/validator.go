// Package validation checks execution plans at submission time. Validation
// runs in two stages: a JSON Schema pass for structure and bounds, then
// semantic checks (step ordering, known step kinds, condition syntax) that a
// schema cannot express.
package validation

import (
	"github.com/google/cel-go/cel"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/reportflow/reportflow/pkg/schema"
)

// PlanValidator validates execution plans before a run is created. Safe for
// concurrent use.
type PlanValidator struct {
	planSchema *jsonschema.Schema
	celEnv     *cel.Env
}

// NewPlanValidator compiles the embedded plan schema and the condition
// environment. The embedded schema is a build-time constant, so compilation
// failures are programming errors and panic.
func NewPlanValidator() *PlanValidator {
	planSchema, err := compilePlanSchema()
	if err != nil {
		panic("validation: compile plan schema: " + err.Error())
	}

	// Mirrors the runtime condition environment so a condition accepted
	// here is guaranteed to compile at execution time.
	mapType := cel.MapType(cel.StringType, cel.DynType)
	celEnv, err := cel.NewEnv(
		cel.Variable("inputs", mapType),
		cel.Variable("outputs", mapType),
		cel.Variable("run", mapType),
	)
	if err != nil {
		panic("validation: create CEL environment: " + err.Error())
	}

	return &PlanValidator{planSchema: planSchema, celEnv: celEnv}
}

// Validate runs all validation stages and aggregates every issue found, so
// the caller sees the full list rather than the first failure.
func (v *PlanValidator) Validate(plan *schema.ExecutionPlan) *schema.ValidationResult {
	res := &schema.ValidationResult{}

	if plan == nil {
		res.AddError("/", "nil_plan", "execution plan is nil")
		return res
	}

	doc, err := toJSONValue(plan)
	if err != nil {
		res.AddError("/", "serialize", "failed to serialize plan: "+err.Error())
		return res
	}
	if err := v.planSchema.Validate(doc); err != nil {
		collectStructuralIssues(res, err)
		// Structural failures make the semantic checks unreliable; stop here.
		return res
	}

	checkSemantics(plan, res)
	checkConditions(plan, v.compileCondition, res)
	return res
}

func (v *PlanValidator) compileCondition(condition string) error {
	ast, issues := v.celEnv.Compile(condition)
	if issues != nil && issues.Err() != nil {
		return issues.Err()
	}
	if out := ast.OutputType(); out.String() != cel.BoolType.String() && out.String() != cel.DynType.String() {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"condition must evaluate to a boolean, got %s", out)
	}
	return nil
}
