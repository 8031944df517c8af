package engine

import (
	"github.com/reportflow/reportflow/internal/store"
	"github.com/reportflow/reportflow/pkg/schema"
)

// stepRunStates lists the run states that mirror an executing step.
var stepRunStates = []schema.RunState{
	schema.RunStateInitializing,
	schema.RunStateFetchingData,
	schema.RunStatePreValidation,
	schema.RunStateTransforming,
	schema.RunStatePostValidation,
	schema.RunStateGeneratingArtifacts,
	schema.RunStateDelivering,
}

// ValidRunTransitions defines the allowed run state transitions. Plans may
// schedule any subset of the step kinds in any order, so every step-mirroring
// state can reach every other one; the side states and terminals are fixed.
var ValidRunTransitions = buildRunTransitions()

func buildRunTransitions() map[schema.RunState][]schema.RunState {
	t := make(map[schema.RunState][]schema.RunState)

	terminal := []schema.RunState{
		schema.RunStateCompleted,
		schema.RunStateFailed,
		schema.RunStateCancelled,
	}

	// pending -> first step state, or straight to a terminal/side state.
	t[schema.RunStatePending] = append(append([]schema.RunState{}, stepRunStates...),
		schema.RunStatePaused, schema.RunStateCancelled, schema.RunStateFailed)

	// Each step state -> any step state (next step), side states, terminals.
	for _, s := range stepRunStates {
		targets := append([]schema.RunState{}, stepRunStates...)
		targets = append(targets, schema.RunStateWaitingRetry, schema.RunStatePaused)
		targets = append(targets, terminal...)
		t[s] = targets
	}

	// waiting_retry returns to the retried step's state, or leaves sideways.
	t[schema.RunStateWaitingRetry] = append(append([]schema.RunState{}, stepRunStates...),
		schema.RunStatePaused, schema.RunStateFailed, schema.RunStateCancelled)

	// paused resumes to the parked step's state (or back to pending when the
	// run was paused before it ever started), or is cancelled.
	t[schema.RunStatePaused] = append(append([]schema.RunState{}, stepRunStates...),
		schema.RunStatePending, schema.RunStateWaitingRetry, schema.RunStateCancelled)

	t[schema.RunStateCompleted] = nil
	t[schema.RunStateFailed] = nil
	t[schema.RunStateCancelled] = nil

	return t
}

// ValidStepTransitions defines the allowed step status transitions. A failed
// attempt with retries remaining parks the step back at pending; an aborted
// (cancelled) running step becomes skipped.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:   {schema.StepStatusRunning, schema.StepStatusSkipped},
	schema.StepStatusRunning:   {schema.StepStatusCompleted, schema.StepStatusFailed, schema.StepStatusPending, schema.StepStatusSkipped},
	schema.StepStatusCompleted: {},
	schema.StepStatusFailed:    {},
	schema.StepStatusSkipped:   {},
}

// IsValidRunTransition reports whether the run may move from one state to
// another.
func IsValidRunTransition(from, to schema.RunState) bool {
	for _, a := range ValidRunTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// IsValidStepTransition reports whether a step may move from one status to
// another.
func IsValidStepTransition(from, to schema.StepStatus) bool {
	for _, a := range ValidStepTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// CheckRunTransition returns an INVALID_TRANSITION error when the run
// transition is not allowed.
func CheckRunTransition(runID string, from, to schema.RunState) error {
	if IsValidRunTransition(from, to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid run transition: %s -> %s", from, to).
		WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
}

// RunFlags are the run-level flags that, together with step statuses, fully
// determine the run state.
type RunFlags struct {
	Started      bool
	Cancelled    bool
	Paused       bool
	WaitingRetry bool
}

// DeriveRunState computes the run state purely from step records and
// run-level flags. The orchestrator writes exactly this value on every
// transition, so stored state can never drift from step state.
func DeriveRunState(steps []*store.StepRecord, flags RunFlags) schema.RunState {
	if flags.Cancelled {
		return schema.RunStateCancelled
	}

	for _, st := range steps {
		if st.Status == schema.StepStatusFailed {
			return schema.RunStateFailed
		}
	}

	allSettled := len(steps) > 0
	for _, st := range steps {
		if st.Status != schema.StepStatusCompleted && st.Status != schema.StepStatusSkipped {
			allSettled = false
			break
		}
	}
	if allSettled {
		return schema.RunStateCompleted
	}

	if flags.Paused {
		return schema.RunStatePaused
	}
	if flags.WaitingRetry {
		return schema.RunStateWaitingRetry
	}
	if !flags.Started {
		return schema.RunStatePending
	}

	// First unsettled step names the state, whether it is already running or
	// about to: completing step k atomically moves the run to step k+1's
	// state.
	for _, st := range steps {
		if !st.Status.IsTerminal() {
			return schema.StateForStep(st.StepName)
		}
	}
	return schema.RunStatePending
}

// runEventType maps a run state entered to the event recorded for it, or ""
// when no run-level event applies.
func runEventType(to schema.RunState) string {
	switch to {
	case schema.RunStateCompleted:
		return schema.EventRunCompleted
	case schema.RunStateFailed:
		return schema.EventRunFailed
	case schema.RunStateCancelled:
		return schema.EventRunCancelled
	case schema.RunStatePaused:
		return schema.EventRunPaused
	default:
		return ""
	}
}
