package engine

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reportflow/reportflow/pkg/schema"
)

func testStepContext(timeoutMS int64) *StepContext {
	return &StepContext{
		RunID:   "run-1",
		Limits:  schema.ResourceLimits{CPUCores: 1, MemoryMB: 64, TimeoutMS: timeoutMS},
		Attempt: 1,
		Logger:  slog.Default(),
	}
}

func TestExecute_Success(t *testing.T) {
	step := StepFunc(func(ctx context.Context, sc *StepContext) Outcome {
		return Succeed(map[string]any{"rows": 10})
	})
	out := execute(context.Background(), step, testStepContext(0))
	assert.Equal(t, OutcomeSuccess, out.Kind)
	assert.Equal(t, map[string]any{"rows": 10}, out.Output)
}

func TestExecute_PanicBecomesFatal(t *testing.T) {
	step := StepFunc(func(ctx context.Context, sc *StepContext) Outcome {
		panic("template exploded")
	})
	out := execute(context.Background(), step, testStepContext(0))
	assert.Equal(t, OutcomeFatal, out.Kind)
	assert.Contains(t, out.FailureMessage(), "template exploded")
}

func TestExecute_DeadlineAppliedToStepContext(t *testing.T) {
	step := StepFunc(func(ctx context.Context, sc *StepContext) Outcome {
		select {
		case <-ctx.Done():
			return Retryable("interrupted", ctx.Err())
		case <-time.After(5 * time.Second):
			return Succeed(nil)
		}
	})
	out := execute(context.Background(), step, testStepContext(20))
	assert.Equal(t, OutcomeRetryable, out.Kind)
}

func TestExecute_IgnoredDeadlineStillTimesOut(t *testing.T) {
	step := StepFunc(func(ctx context.Context, sc *StepContext) Outcome {
		time.Sleep(30 * time.Millisecond) // does not watch ctx
		return Succeed("late")
	})
	out := execute(context.Background(), step, testStepContext(5))
	assert.Equal(t, OutcomeRetryable, out.Kind)
	assert.Contains(t, out.Reason, "timed out")
}

func TestOutcome_FailureMessage(t *testing.T) {
	assert.Equal(t, "disk full", Retryable("disk full", nil).FailureMessage())
	assert.Equal(t, "io: eof", Fatal("", errors.New("io: eof")).FailureMessage())
	assert.Equal(t, "step failed", Outcome{Kind: OutcomeFatal}.FailureMessage())
}

func TestRegistry_LookupUnknown(t *testing.T) {
	r := NewRegistry()
	_, err := r.Lookup(schema.StepTransform)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	r.Register(schema.StepTransform, StepFunc(func(ctx context.Context, sc *StepContext) Outcome {
		return Succeed(nil)
	}))
	_, err = r.Lookup(schema.StepTransform)
	assert.NoError(t, err)
}

func TestResolveLimits(t *testing.T) {
	limits := ResolveLimits(nil)
	assert.Equal(t, DefaultCPUCores, limits.CPUCores)
	assert.Equal(t, DefaultMemoryMB, limits.MemoryMB)
	assert.Equal(t, DefaultTimeout.Milliseconds(), limits.TimeoutMS)

	limits = ResolveLimits(&schema.ExecutionPlan{
		ResourceLimits: &schema.ResourceLimits{CPUCores: 8, TimeoutMS: 1234},
	})
	assert.Equal(t, 8, limits.CPUCores)
	assert.Equal(t, DefaultMemoryMB, limits.MemoryMB)
	assert.Equal(t, int64(1234), limits.TimeoutMS)
}
