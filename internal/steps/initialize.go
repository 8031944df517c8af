package steps

import (
	"context"
	"fmt"
	"time"

	"github.com/reportflow/reportflow/internal/engine"
)

// initializeParams configure the initialize step.
type initializeParams struct {
	// RequiredInputs lists plan input keys that must be present before any
	// data is fetched. Missing inputs fail the run immediately.
	RequiredInputs []string `json:"required_inputs"`
}

// InitializeStep verifies the run's inputs and pins the resolved resource
// limits into its output so the rest of the pipeline (and auditors) see what
// the run actually executed with.
type InitializeStep struct{}

func (s *InitializeStep) Execute(ctx context.Context, sc *engine.StepContext) engine.Outcome {
	var params initializeParams
	if err := decodeParams(sc.Spec.Params, &params); err != nil {
		return engine.Fatal("", err)
	}

	var missing []string
	for _, key := range params.RequiredInputs {
		if _, ok := sc.Inputs[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return engine.Fatal(fmt.Sprintf("missing required inputs: %v", missing), nil)
	}

	return engine.Succeed(map[string]any{
		"workflow":       sc.Plan.WorkflowName,
		"version":        sc.Plan.WorkflowVersion,
		"initialized_at": time.Now().UTC().Format(time.RFC3339),
		"resource_limits": map[string]any{
			"cpu_cores":  sc.Limits.CPUCores,
			"memory_mb":  sc.Limits.MemoryMB,
			"timeout_ms": sc.Limits.TimeoutMS,
		},
	})
}
