package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reportflow/reportflow/pkg/schema"
)

func validPlan() *schema.ExecutionPlan {
	return &schema.ExecutionPlan{
		WorkflowName:    "monthly-sales",
		WorkflowVersion: "1.0.0",
		Steps: []schema.StepSpec{
			{StepName: schema.StepInitialize, StepOrder: 1},
			{StepName: schema.StepFetchData, StepOrder: 2},
			{StepName: schema.StepTransform, StepOrder: 3},
			{StepName: schema.StepDeliver, StepOrder: 4},
		},
	}
}

func TestValidate_ValidPlan(t *testing.T) {
	v := NewPlanValidator()
	res := v.Validate(validPlan())
	assert.True(t, res.Valid())
	assert.Empty(t, res.Errors)
}

func TestValidate_NilPlan(t *testing.T) {
	v := NewPlanValidator()
	res := v.Validate(nil)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "nil_plan", res.Errors[0].Code)
}

func TestValidate_MissingWorkflowName(t *testing.T) {
	v := NewPlanValidator()
	plan := validPlan()
	plan.WorkflowName = ""
	res := v.Validate(plan)
	assert.False(t, res.Valid())
}

func TestValidate_EmptySteps(t *testing.T) {
	v := NewPlanValidator()
	plan := validPlan()
	plan.Steps = nil
	res := v.Validate(plan)
	assert.False(t, res.Valid())
}

func TestValidate_UnknownStepName(t *testing.T) {
	v := NewPlanValidator()
	plan := validPlan()
	plan.Steps[1].StepName = "mystery_step"
	res := v.Validate(plan)
	require.NotEmpty(t, res.Errors)
	assert.Equal(t, "unknown_step", res.Errors[0].Code)
	assert.Equal(t, "/steps/1/step_name", res.Errors[0].Path)
}

func TestValidate_DuplicateStepName(t *testing.T) {
	v := NewPlanValidator()
	plan := validPlan()
	plan.Steps[2].StepName = schema.StepFetchData
	res := v.Validate(plan)
	require.NotEmpty(t, res.Errors)
	assert.Equal(t, "duplicate_step", res.Errors[0].Code)
}

func TestValidate_OrderNotIncreasing(t *testing.T) {
	v := NewPlanValidator()
	plan := validPlan()
	plan.Steps[2].StepOrder = 2 // duplicates step 1's order

	res := v.Validate(plan)
	require.NotEmpty(t, res.Errors)

	codes := make([]string, 0, len(res.Errors))
	for _, e := range res.Errors {
		codes = append(codes, e.Code)
	}
	assert.Contains(t, codes, "duplicate_order")
	assert.Contains(t, codes, "order_not_increasing")
}

func TestValidate_MaxAttemptsOutOfRange(t *testing.T) {
	v := NewPlanValidator()
	plan := validPlan()
	plan.Steps[0].MaxAttempts = 500
	res := v.Validate(plan)
	assert.False(t, res.Valid())
}

func TestValidate_ConditionSyntax(t *testing.T) {
	v := NewPlanValidator()

	plan := validPlan()
	plan.Steps[1].Condition = `inputs.region == "emea"`
	res := v.Validate(plan)
	assert.True(t, res.Valid())

	plan = validPlan()
	plan.Steps[1].Condition = `inputs.region ==`
	res = v.Validate(plan)
	require.NotEmpty(t, res.Errors)
	assert.Equal(t, "bad_condition", res.Errors[0].Code)
	assert.Equal(t, "/steps/1/condition", res.Errors[0].Path)
}

func TestValidate_ConditionMustBeBoolean(t *testing.T) {
	v := NewPlanValidator()
	plan := validPlan()
	plan.Steps[1].Condition = `"just a string"`
	res := v.Validate(plan)
	require.NotEmpty(t, res.Errors)
	assert.Equal(t, "bad_condition", res.Errors[0].Code)
}

func TestValidate_AggregatesAllIssues(t *testing.T) {
	v := NewPlanValidator()
	plan := validPlan()
	plan.Steps[0].StepName = "bogus"
	plan.Steps[3].Condition = `1 +`
	res := v.Validate(plan)
	assert.GreaterOrEqual(t, len(res.Errors), 2)
}
