package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reportflow/reportflow/internal/store"
	"github.com/reportflow/reportflow/pkg/schema"
)

func stepRecs(statuses ...schema.StepStatus) []*store.StepRecord {
	names := schema.KnownStepNames
	recs := make([]*store.StepRecord, len(statuses))
	for i, s := range statuses {
		recs[i] = &store.StepRecord{
			StepName:  names[i%len(names)],
			StepOrder: i + 1,
			Status:    s,
		}
	}
	return recs
}

func TestRunTransitions_HappyPath(t *testing.T) {
	path := []schema.RunState{
		schema.RunStatePending,
		schema.RunStateInitializing,
		schema.RunStateFetchingData,
		schema.RunStatePreValidation,
		schema.RunStateTransforming,
		schema.RunStatePostValidation,
		schema.RunStateGeneratingArtifacts,
		schema.RunStateDelivering,
		schema.RunStateCompleted,
	}
	for i := 0; i < len(path)-1; i++ {
		assert.True(t, IsValidRunTransition(path[i], path[i+1]),
			"%s -> %s should be valid", path[i], path[i+1])
	}
}

func TestRunTransitions_TerminalStatesAreFinal(t *testing.T) {
	for _, terminal := range []schema.RunState{
		schema.RunStateCompleted,
		schema.RunStateFailed,
		schema.RunStateCancelled,
	} {
		for to := range ValidRunTransitions {
			assert.False(t, IsValidRunTransition(terminal, to),
				"%s -> %s must be rejected", terminal, to)
		}
	}
}

func TestRunTransitions_RetryAndPauseCycles(t *testing.T) {
	assert.True(t, IsValidRunTransition(schema.RunStateFetchingData, schema.RunStateWaitingRetry))
	assert.True(t, IsValidRunTransition(schema.RunStateWaitingRetry, schema.RunStateFetchingData))
	assert.True(t, IsValidRunTransition(schema.RunStateWaitingRetry, schema.RunStateFailed))

	assert.True(t, IsValidRunTransition(schema.RunStateTransforming, schema.RunStatePaused))
	assert.True(t, IsValidRunTransition(schema.RunStatePaused, schema.RunStateTransforming))
	assert.True(t, IsValidRunTransition(schema.RunStatePaused, schema.RunStateCancelled))
	// A run paused before it started resumes back to pending.
	assert.True(t, IsValidRunTransition(schema.RunStatePaused, schema.RunStatePending))

	// A paused run never finishes without resuming first.
	assert.False(t, IsValidRunTransition(schema.RunStatePaused, schema.RunStateCompleted))
	// pending cannot jump straight to completed.
	assert.False(t, IsValidRunTransition(schema.RunStatePending, schema.RunStateCompleted))
}

func TestCheckRunTransition_ErrorCode(t *testing.T) {
	err := CheckRunTransition("run-1", schema.RunStateCompleted, schema.RunStateDelivering)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))
}

func TestStepTransitions(t *testing.T) {
	assert.True(t, IsValidStepTransition(schema.StepStatusPending, schema.StepStatusRunning))
	assert.True(t, IsValidStepTransition(schema.StepStatusPending, schema.StepStatusSkipped))
	assert.True(t, IsValidStepTransition(schema.StepStatusRunning, schema.StepStatusCompleted))
	assert.True(t, IsValidStepTransition(schema.StepStatusRunning, schema.StepStatusFailed))
	// Retry parks a failed attempt back at pending.
	assert.True(t, IsValidStepTransition(schema.StepStatusRunning, schema.StepStatusPending))
	// Cancellation aborts a running step to skipped.
	assert.True(t, IsValidStepTransition(schema.StepStatusRunning, schema.StepStatusSkipped))

	for _, terminal := range []schema.StepStatus{
		schema.StepStatusCompleted, schema.StepStatusFailed, schema.StepStatusSkipped,
	} {
		assert.False(t, IsValidStepTransition(terminal, schema.StepStatusRunning))
		assert.False(t, IsValidStepTransition(terminal, schema.StepStatusPending))
	}
}

func TestDeriveRunState_Basics(t *testing.T) {
	steps := stepRecs(schema.StepStatusPending, schema.StepStatusPending)

	assert.Equal(t, schema.RunStatePending, DeriveRunState(steps, RunFlags{}))
	assert.Equal(t, schema.RunStateInitializing, DeriveRunState(steps, RunFlags{Started: true}))

	steps[0].Status = schema.StepStatusCompleted
	assert.Equal(t, schema.RunStateFetchingData, DeriveRunState(steps, RunFlags{Started: true}))

	steps[1].Status = schema.StepStatusCompleted
	assert.Equal(t, schema.RunStateCompleted, DeriveRunState(steps, RunFlags{Started: true}))
}

func TestDeriveRunState_SkippedCountsAsSettled(t *testing.T) {
	steps := stepRecs(schema.StepStatusCompleted, schema.StepStatusSkipped, schema.StepStatusCompleted)
	assert.Equal(t, schema.RunStateCompleted, DeriveRunState(steps, RunFlags{Started: true}))
}

func TestDeriveRunState_Precedence(t *testing.T) {
	steps := stepRecs(schema.StepStatusCompleted, schema.StepStatusFailed, schema.StepStatusPending)

	// Cancelled beats everything, failure beats pause and retry.
	assert.Equal(t, schema.RunStateCancelled,
		DeriveRunState(steps, RunFlags{Started: true, Cancelled: true, Paused: true}))
	assert.Equal(t, schema.RunStateFailed,
		DeriveRunState(steps, RunFlags{Started: true, Paused: true, WaitingRetry: true}))

	steps[1].Status = schema.StepStatusPending
	assert.Equal(t, schema.RunStatePaused,
		DeriveRunState(steps, RunFlags{Started: true, Paused: true, WaitingRetry: true}))
	assert.Equal(t, schema.RunStateWaitingRetry,
		DeriveRunState(steps, RunFlags{Started: true, WaitingRetry: true}))
}

func TestDeriveRunState_EmptyStepsIsNeverCompleted(t *testing.T) {
	assert.Equal(t, schema.RunStatePending, DeriveRunState(nil, RunFlags{}))
}

// Every state DeriveRunState produces while replaying a run must be reachable
// from the previous one through the transition table.
func TestDeriveRunState_ReplayRespectsTransitionTable(t *testing.T) {
	steps := stepRecs(
		schema.StepStatusPending, schema.StepStatusPending, schema.StepStatusPending,
		schema.StepStatusPending, schema.StepStatusPending,
	)

	prev := DeriveRunState(steps, RunFlags{})
	advance := func(flags RunFlags) {
		next := DeriveRunState(steps, flags)
		if next != prev {
			require.True(t, IsValidRunTransition(prev, next), "%s -> %s", prev, next)
			prev = next
		}
	}

	flags := RunFlags{Started: true}
	advance(flags)

	// Step 1 completes, step 2 retries once then completes, step 3 is
	// skipped, pause happens before step 4, then the tail completes.
	steps[0].Status = schema.StepStatusCompleted
	advance(flags)

	advance(RunFlags{Started: true, WaitingRetry: true})
	advance(flags)
	steps[1].Status = schema.StepStatusCompleted
	advance(flags)

	steps[2].Status = schema.StepStatusSkipped
	advance(flags)

	advance(RunFlags{Started: true, Paused: true})
	advance(flags)

	steps[3].Status = schema.StepStatusCompleted
	advance(flags)
	steps[4].Status = schema.StepStatusCompleted
	advance(flags)

	assert.Equal(t, schema.RunStateCompleted, prev)
}

func TestRunEventType(t *testing.T) {
	assert.Equal(t, schema.EventRunCompleted, runEventType(schema.RunStateCompleted))
	assert.Equal(t, schema.EventRunFailed, runEventType(schema.RunStateFailed))
	assert.Equal(t, schema.EventRunCancelled, runEventType(schema.RunStateCancelled))
	assert.Equal(t, "", runEventType(schema.RunStateTransforming))
}
