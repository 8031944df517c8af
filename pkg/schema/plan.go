package schema

import "encoding/json"

// ExecutionPlan is the JSON-serializable description of a report run.
// Configuration collaborators (field mapping editors, package catalogs)
// produce it; the engine only consumes it. The plan is frozen at submission:
// later edits to a report's configuration never alter an in-flight run.
type ExecutionPlan struct {
	WorkflowName    string          `json:"workflow_name"`
	WorkflowVersion string          `json:"workflow_version"`
	Steps           []StepSpec      `json:"steps"`
	ResourceLimits  *ResourceLimits `json:"resource_limits,omitempty"`
	StepInputs      map[string]any  `json:"step_inputs,omitempty"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
}

// StepSpec describes a single step in an execution plan.
type StepSpec struct {
	StepName    StepName        `json:"step_name"`
	StepOrder   int             `json:"step_order"`
	MaxAttempts int             `json:"max_attempts,omitempty"` // default: engine config
	Weight      int             `json:"weight,omitempty"`       // progress weight, default 1
	Condition   string          `json:"condition,omitempty"`    // CEL expression; false -> skipped
	Params      json.RawMessage `json:"params,omitempty"`       // step-specific parameters
}

// ResourceLimits bounds a single step attempt. Zero values fall back to the
// engine defaults (2 cores, 4096 MB, 1 hour).
type ResourceLimits struct {
	CPUCores  int   `json:"cpu_cores,omitempty"`
	MemoryMB  int   `json:"memory_mb,omitempty"`
	TimeoutMS int64 `json:"timeout_ms,omitempty"`
}

// StepName identifies a step semantically, not by display text.
type StepName string

const (
	StepInitialize        StepName = "initialize"
	StepFetchData         StepName = "fetch_data"
	StepPreValidation     StepName = "pre_validation"
	StepTransform         StepName = "transform"
	StepPostValidation    StepName = "post_validation"
	StepGenerateArtifacts StepName = "generate_artifacts"
	StepDeliver           StepName = "deliver"
)

// KnownStepNames lists every step name the engine can schedule, in canonical
// pipeline order.
var KnownStepNames = []StepName{
	StepInitialize,
	StepFetchData,
	StepPreValidation,
	StepTransform,
	StepPostValidation,
	StepGenerateArtifacts,
	StepDeliver,
}

// IsKnownStepName reports whether name is one of the schedulable step kinds.
func IsKnownStepName(name StepName) bool {
	for _, n := range KnownStepNames {
		if n == name {
			return true
		}
	}
	return false
}
