package validation

import (
	"fmt"

	"github.com/reportflow/reportflow/pkg/schema"
)

// checkSemantics runs the plan checks JSON Schema cannot express: known step
// kinds, unique names and orders, strictly increasing order values, and CEL
// condition syntax.
func checkSemantics(plan *schema.ExecutionPlan, res *schema.ValidationResult) {
	seenNames := make(map[schema.StepName]struct{}, len(plan.Steps))
	seenOrders := make(map[int]struct{}, len(plan.Steps))
	prevOrder := -1

	for i, step := range plan.Steps {
		path := fmt.Sprintf("/steps/%d", i)

		if !schema.IsKnownStepName(step.StepName) {
			res.AddError(path+"/step_name", "unknown_step",
				fmt.Sprintf("unknown step name %q", step.StepName))
		}
		if _, dup := seenNames[step.StepName]; dup {
			res.AddError(path+"/step_name", "duplicate_step",
				fmt.Sprintf("step %q appears more than once", step.StepName))
		}
		seenNames[step.StepName] = struct{}{}

		if _, dup := seenOrders[step.StepOrder]; dup {
			res.AddError(path+"/step_order", "duplicate_order",
				fmt.Sprintf("step_order %d appears more than once", step.StepOrder))
		}
		seenOrders[step.StepOrder] = struct{}{}

		if step.StepOrder <= prevOrder {
			res.AddError(path+"/step_order", "order_not_increasing",
				fmt.Sprintf("step_order %d is not greater than the previous step's", step.StepOrder))
		}
		prevOrder = step.StepOrder
	}
}

// checkConditions compiles every non-empty step condition so a malformed
// expression is rejected at submission rather than mid-run.
func checkConditions(plan *schema.ExecutionPlan, compile func(string) error, res *schema.ValidationResult) {
	for i, step := range plan.Steps {
		if step.Condition == "" {
			continue
		}
		if err := compile(step.Condition); err != nil {
			res.AddError(fmt.Sprintf("/steps/%d/condition", i), "bad_condition", err.Error())
		}
	}
}
