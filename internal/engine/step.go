package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/reportflow/reportflow/pkg/schema"
)

// Default resource limits applied when the plan does not override them.
const (
	DefaultCPUCores = 2
	DefaultMemoryMB = 4096
	DefaultTimeout  = time.Hour
)

// StepContext carries everything a step needs for one execution attempt: the
// frozen plan, outputs of prior steps, resolved resource limits, and a
// correlation logger. The outputs map is read-only from the step's point of
// view.
type StepContext struct {
	RunID   string
	Plan    *schema.ExecutionPlan
	Spec    schema.StepSpec
	Inputs  map[string]any
	Outputs map[schema.StepName]any
	Limits  schema.ResourceLimits
	Attempt int
	Logger  *slog.Logger
}

// OutcomeKind is the tag of the Outcome variant.
type OutcomeKind int

const (
	// OutcomeSuccess means the step produced output (artifact optional).
	OutcomeSuccess OutcomeKind = iota
	// OutcomeRetryable means a transient condition; the step is eligible for
	// retry while attempts remain.
	OutcomeRetryable
	// OutcomeFatal means a non-retryable condition; the run fails regardless
	// of remaining attempts.
	OutcomeFatal
)

// Outcome is the tagged-variant result of one step execution attempt.
type Outcome struct {
	Kind     OutcomeKind
	Output   any
	Artifact *schema.Artifact
	Reason   string
	Err      error
}

// Succeed builds a success outcome with the given output.
func Succeed(output any) Outcome {
	return Outcome{Kind: OutcomeSuccess, Output: output}
}

// SucceedWithArtifact builds a success outcome carrying an artifact for
// object-storage handoff.
func SucceedWithArtifact(output any, artifact *schema.Artifact) Outcome {
	return Outcome{Kind: OutcomeSuccess, Output: output, Artifact: artifact}
}

// Retryable builds a transient-failure outcome.
func Retryable(reason string, cause error) Outcome {
	return Outcome{Kind: OutcomeRetryable, Reason: reason, Err: cause}
}

// Fatal builds a non-retryable failure outcome.
func Fatal(reason string, cause error) Outcome {
	return Outcome{Kind: OutcomeFatal, Reason: reason, Err: cause}
}

// FailureMessage returns the human-readable reason of a failed outcome,
// falling back to the cause's message.
func (o Outcome) FailureMessage() string {
	if o.Reason != "" {
		return o.Reason
	}
	if o.Err != nil {
		return o.Err.Error()
	}
	return "step failed"
}

// Step is the contract every executable step implements. Execute must honor
// ctx cancellation (the engine signals aborts cooperatively) and must be
// idempotent with respect to side effects visible outside its own attempt:
// re-running it must not double-deliver artifacts. That contract belongs to
// the implementation; the engine cannot verify it.
type Step interface {
	Execute(ctx context.Context, sc *StepContext) Outcome
}

// StepFunc adapts a plain function to the Step interface.
type StepFunc func(ctx context.Context, sc *StepContext) Outcome

func (f StepFunc) Execute(ctx context.Context, sc *StepContext) Outcome {
	return f(ctx, sc)
}

// Registry maps step names to their implementations. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	steps map[schema.StepName]Step
}

// NewRegistry creates an empty step registry.
func NewRegistry() *Registry {
	return &Registry{steps: make(map[schema.StepName]Step)}
}

// Register binds an implementation to a step name, replacing any previous one.
func (r *Registry) Register(name schema.StepName, step Step) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[name] = step
}

// Lookup returns the implementation for a step name.
func (r *Registry) Lookup(name schema.StepName) (Step, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	step, ok := r.steps[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"no step implementation registered for %q", name).WithStep(name)
	}
	return step, nil
}

// ResolveLimits merges plan-level overrides onto the engine defaults.
func ResolveLimits(plan *schema.ExecutionPlan) schema.ResourceLimits {
	limits := schema.ResourceLimits{
		CPUCores:  DefaultCPUCores,
		MemoryMB:  DefaultMemoryMB,
		TimeoutMS: DefaultTimeout.Milliseconds(),
	}
	if plan == nil || plan.ResourceLimits == nil {
		return limits
	}
	if plan.ResourceLimits.CPUCores > 0 {
		limits.CPUCores = plan.ResourceLimits.CPUCores
	}
	if plan.ResourceLimits.MemoryMB > 0 {
		limits.MemoryMB = plan.ResourceLimits.MemoryMB
	}
	if plan.ResourceLimits.TimeoutMS > 0 {
		limits.TimeoutMS = plan.ResourceLimits.TimeoutMS
	}
	return limits
}

// execute runs one attempt with the wall-clock timeout applied and converts
// panics into fatal outcomes so a misbehaving step cannot take down the
// worker.
func execute(ctx context.Context, step Step, sc *StepContext) (out Outcome) {
	timeout := time.Duration(sc.Limits.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			out = Fatal(fmt.Sprintf("step panic: %v", r), nil)
		}
	}()

	out = step.Execute(attemptCtx, sc)

	// A step that ignored the deadline still reports a timeout, which is a
	// transient condition.
	if out.Kind == OutcomeSuccess && attemptCtx.Err() == context.DeadlineExceeded {
		return Retryable("step timed out", attemptCtx.Err())
	}
	return out
}
