package schema

// RunState represents the lifecycle state of a job run. The run-level state
// is a superset mirroring step names: while a step executes, the run state is
// the state named after that step.
type RunState string

const (
	RunStatePending             RunState = "pending"
	RunStateInitializing        RunState = "initializing"
	RunStateFetchingData        RunState = "fetching_data"
	RunStatePreValidation       RunState = "pre_validation"
	RunStateTransforming        RunState = "transforming"
	RunStatePostValidation      RunState = "post_validation"
	RunStateGeneratingArtifacts RunState = "generating_artifacts"
	RunStateDelivering          RunState = "delivering"
	RunStateWaitingRetry        RunState = "waiting_retry"
	RunStatePaused              RunState = "paused"
	RunStateCompleted           RunState = "completed"
	RunStateFailed              RunState = "failed"
	RunStateCancelled           RunState = "cancelled"
)

// IsTerminal reports whether the run state admits no further transitions.
func (s RunState) IsTerminal() bool {
	return s == RunStateCompleted || s == RunStateFailed || s == RunStateCancelled
}

// stepStates maps each step kind to the run state reported while it executes.
var stepStates = map[StepName]RunState{
	StepInitialize:        RunStateInitializing,
	StepFetchData:         RunStateFetchingData,
	StepPreValidation:     RunStatePreValidation,
	StepTransform:         RunStateTransforming,
	StepPostValidation:    RunStatePostValidation,
	StepGenerateArtifacts: RunStateGeneratingArtifacts,
	StepDeliver:           RunStateDelivering,
}

// StateForStep returns the run state that mirrors the given step while it is
// running. Unknown step names map to pending so a bad plan cannot fabricate a
// terminal state.
func StateForStep(name StepName) RunState {
	if s, ok := stepStates[name]; ok {
		return s
	}
	return RunStatePending
}

// StepStatus represents the lifecycle state of a single step within a run.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// IsTerminal reports whether the step status admits no further transitions.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed || s == StepStatusSkipped
}
