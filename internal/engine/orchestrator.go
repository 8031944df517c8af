package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/reportflow/reportflow/internal/artifacts"
	"github.com/reportflow/reportflow/internal/logging"
	"github.com/reportflow/reportflow/internal/store"
	"github.com/reportflow/reportflow/internal/validation"
	"github.com/reportflow/reportflow/pkg/schema"
)

// DefaultPoolSize is the default cross-run concurrency.
const DefaultPoolSize = 10

// OrchestratorConfig holds the engine's operational tuning parameters.
type OrchestratorConfig struct {
	PoolSize           int
	Backoff            BackoffPolicy
	DefaultMaxAttempts int
}

// Orchestrator sequences each run's steps, owns the canonical state, and
// applies every transition through the store as one atomic write. Steps
// within a run are strictly sequential; runs fan out across the worker pool.
type Orchestrator struct {
	store     store.Store
	registry  *Registry
	artifacts artifacts.ObjectStore
	validator *validation.PlanValidator
	cond      *ConditionEngine
	cfg       OrchestratorConfig
	pool      *WorkerPool
	logger    *slog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc

	// mu guards running. At most one driver per run id at a time; the
	// cross-process guarantee comes from the dispatch layer.
	mu      sync.Mutex
	running map[string]*runHandle
}

// runHandle tracks one in-flight run driver and its control flags.
type runHandle struct {
	cancelRun context.CancelFunc
	cancelled atomic.Bool
	pauseReq  atomic.Bool
}

// NewOrchestrator creates an Orchestrator with the given dependencies.
func NewOrchestrator(s store.Store, registry *Registry, objStore artifacts.ObjectStore, logger *slog.Logger, cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.Backoff == (BackoffPolicy{}) {
		cfg.Backoff = DefaultBackoffPolicy()
	}
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = DefaultMaxAttempts
	}

	cond, err := NewConditionEngine()
	if err != nil {
		return nil, err
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())

	return &Orchestrator{
		store:      s,
		registry:   registry,
		artifacts:  objStore,
		validator:  validation.NewPlanValidator(),
		cond:       cond,
		cfg:        cfg,
		pool:       NewWorkerPool(cfg.PoolSize),
		logger:     logger,
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		running:    make(map[string]*runHandle),
	}, nil
}

// Shutdown stops accepting work and waits for active drivers to park.
func (o *Orchestrator) Shutdown() {
	o.baseCancel()
	o.pool.Shutdown()
}

// Submit validates an execution plan and creates a pending run. The plan is
// frozen into the run record; later configuration edits never touch it.
func (o *Orchestrator) Submit(ctx context.Context, plan *schema.ExecutionPlan) (*store.RunRecord, error) {
	if err := o.validator.Validate(plan).ToError(); err != nil {
		return nil, err
	}

	run := &store.RunRecord{
		ID:              uuid.New().String(),
		WorkflowName:    plan.WorkflowName,
		WorkflowVersion: plan.WorkflowVersion,
		Plan:            *plan,
		State:           schema.RunStatePending,
		CreatedAt:       time.Now().UTC(),
	}

	steps := make([]*store.StepRecord, 0, len(plan.Steps))
	for _, spec := range plan.Steps {
		maxAttempts := spec.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = o.cfg.DefaultMaxAttempts
		}
		weight := spec.Weight
		if weight <= 0 {
			weight = 1
		}
		steps = append(steps, &store.StepRecord{
			ID:          uuid.New().String(),
			RunID:       run.ID,
			StepName:    spec.StepName,
			StepOrder:   spec.StepOrder,
			Weight:      weight,
			Status:      schema.StepStatusPending,
			MaxAttempts: maxAttempts,
		})
	}

	if err := o.store.CreateRun(ctx, run, steps); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create run: %s", err.Error()).WithCause(err)
	}

	o.logger.InfoContext(logging.WithRunID(ctx, run.ID), "run submitted",
		slog.String("workflow", run.WorkflowName),
		slog.String("version", run.WorkflowVersion),
		slog.Int("steps", len(steps)),
	)
	return run, nil
}

// Launch hands the run to the worker pool and returns once it is queued.
func (o *Orchestrator) Launch(runID string) error {
	return o.pool.Submit(o.baseCtx, func(ctx context.Context) error {
		return o.Run(ctx, runID)
	})
}

// Cancel requests cancellation of a run. An active driver is signaled and
// finalizes the cancellation cooperatively; a parked run (pending or paused)
// is cancelled directly. Returns CONFLICT when the run is already terminal.
func (o *Orchestrator) Cancel(ctx context.Context, runID string) error {
	o.mu.Lock()
	h := o.running[runID]
	o.mu.Unlock()

	if h != nil {
		h.cancelled.Store(true)
		h.cancelRun()
		return nil
	}

	run, steps, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.State.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %s is already %s", runID, run.State)
	}
	return o.applyCancellation(ctx, runID, steps)
}

// Pause requests a pause. An active driver parks at the next step boundary;
// a pending run is paused directly. Returns CONFLICT when the run is
// terminal or already paused.
func (o *Orchestrator) Pause(ctx context.Context, runID string) error {
	o.mu.Lock()
	h := o.running[runID]
	o.mu.Unlock()

	if h != nil {
		h.pauseReq.Store(true)
		return nil
	}

	run, _, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.State.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %s is already %s", runID, run.State)
	}
	if run.State == schema.RunStatePaused {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %s is already paused", runID)
	}

	paused := schema.RunStatePaused
	return o.store.ApplyTransition(ctx, runID, store.Transition{
		Run:    store.RunUpdate{State: &paused},
		Events: []store.Event{{Type: schema.EventRunPaused}},
	})
}

// Resume returns a paused run to the state of the step that was active when
// it was paused and relaunches its driver. Attempt counts and partial
// results are untouched. Returns CONFLICT when the run is terminal or not
// paused.
func (o *Orchestrator) Resume(ctx context.Context, runID string) error {
	run, steps, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.State.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %s is already %s", runID, run.State)
	}
	if run.State != schema.RunStatePaused {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %s is not paused (state %s)", runID, run.State)
	}

	target := DeriveRunState(steps, RunFlags{Started: run.StartedAt != nil})
	if err := CheckRunTransition(runID, run.State, target); err != nil {
		return err
	}
	if err := o.store.ApplyTransition(ctx, runID, store.Transition{
		Run:    store.RunUpdate{State: &target},
		Events: []store.Event{{Type: schema.EventRunResumed}},
	}); err != nil {
		return err
	}

	if target.IsTerminal() {
		return nil
	}
	// A run paused before it started resumes to pending; relaunching lets the
	// driver take it from there like a fresh submission.
	return o.Launch(runID)
}

// Run drives a run to a terminal state, a pause point, or cancellation. It
// is the only writer for the run while it holds the in-memory handle.
func (o *Orchestrator) Run(ctx context.Context, runID string) error {
	o.mu.Lock()
	if _, exists := o.running[runID]; exists {
		o.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeConflict, "run %s already has an active executor", runID)
	}
	runCtx, cancel := context.WithCancel(ctx)
	h := &runHandle{cancelRun: cancel}
	o.running[runID] = h
	o.mu.Unlock()

	defer func() {
		cancel()
		o.mu.Lock()
		delete(o.running, runID)
		o.mu.Unlock()
	}()

	ctx = logging.WithRunID(ctx, runID)

	run, steps, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.State.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %s is already %s", runID, run.State)
	}
	if run.State == schema.RunStatePaused {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %s is paused; resume it first", runID)
	}

	outputs, err := loadOutputs(steps)
	if err != nil {
		return err
	}

	limits := ResolveLimits(&run.Plan)
	flags := RunFlags{Started: run.StartedAt != nil}

	// First transition: the run leaves pending the moment orchestration
	// begins, entering the state named after the first unsettled step.
	if !flags.Started {
		flags.Started = true
		first := DeriveRunState(steps, flags)
		now := time.Now().UTC()
		if err := o.store.ApplyTransition(ctx, runID, store.Transition{
			Run:    store.RunUpdate{State: &first, StartedAt: &now},
			Events: []store.Event{{Type: schema.EventRunStarted}},
		}); err != nil {
			return err
		}
	}

	for i, st := range steps {
		if st.Status.IsTerminal() {
			continue
		}
		if h.cancelled.Load() {
			return o.applyCancellation(ctx, runID, steps)
		}
		if h.pauseReq.Load() {
			return o.applyPause(ctx, runID)
		}

		spec := specFor(&run.Plan, st)
		stepCtx := logging.WithStepName(ctx, string(st.StepName))

		// Skip condition: false parks the step as skipped and the run moves on.
		if spec.Condition != "" {
			ok, condErr := o.cond.ShouldRun(spec.Condition, map[string]any{
				"inputs":  run.Plan.StepInputs,
				"outputs": outputsByName(outputs),
				"run": map[string]any{
					"run_id":        runID,
					"workflow_name": run.WorkflowName,
				},
			})
			if condErr != nil {
				return o.failRun(ctx, runID, steps, i, condErr.Error())
			}
			if !ok {
				st.Status = schema.StepStatusSkipped
				next := DeriveRunState(steps, flags)
				skipped := schema.StepStatusSkipped
				tr := store.Transition{
					Run:   store.RunUpdate{State: &next},
					Steps: []store.StepUpdate{{StepOrder: st.StepOrder, Status: &skipped}},
					Events: []store.Event{{
						Type: schema.EventStepSkipped, StepName: st.StepName,
					}},
				}
				if next.IsTerminal() {
					now := time.Now().UTC()
					tr.Run.CompletedAt = &now
					tr.Events = append(tr.Events, store.Event{Type: runEventType(next)})
				}
				if err := o.store.ApplyTransition(ctx, runID, tr); err != nil {
					return err
				}
				o.logger.InfoContext(stepCtx, "step skipped by condition")
				continue
			}
		}

		impl, lookupErr := o.registry.Lookup(st.StepName)
		if lookupErr != nil {
			return o.failRun(ctx, runID, steps, i, lookupErr.Error())
		}

		done, err := o.runStepAttempts(stepCtx, runCtx, h, run, steps, i, impl, spec, limits, outputs, flags)
		if err != nil {
			return err
		}
		if done {
			return nil // run reached a terminal state or parked
		}
	}

	return nil
}

// runStepAttempts drives one step through its attempt loop. It returns
// done=true when the run has reached a terminal state, paused, or been
// cancelled, and done=false when the step completed and the run continues.
func (o *Orchestrator) runStepAttempts(
	ctx context.Context,
	runCtx context.Context,
	h *runHandle,
	run *store.RunRecord,
	steps []*store.StepRecord,
	idx int,
	impl Step,
	spec schema.StepSpec,
	limits schema.ResourceLimits,
	outputs map[schema.StepName]any,
	flags RunFlags,
) (bool, error) {
	st := steps[idx]
	runID := run.ID

	for {
		attempt := st.AttemptCount + 1

		// One atomic transition: step enters running, attempt count bumps,
		// the run state mirrors the step.
		running := schema.StepStatusRunning
		state := schema.StateForStep(st.StepName)
		upd := store.StepUpdate{
			StepOrder:    st.StepOrder,
			Status:       &running,
			AttemptCount: &attempt,
		}
		if st.StartedAt == nil {
			now := time.Now().UTC()
			upd.StartedAt = &now
			st.StartedAt = &now
		}
		payload, _ := json.Marshal(map[string]any{"attempt": attempt, "max_attempts": st.MaxAttempts})
		if err := o.store.ApplyTransition(ctx, runID, store.Transition{
			Run:   store.RunUpdate{State: &state},
			Steps: []store.StepUpdate{upd},
			Events: []store.Event{{
				Type: schema.EventStepStarted, StepName: st.StepName, Payload: payload,
			}},
		}); err != nil {
			return true, err
		}
		st.Status = schema.StepStatusRunning
		st.AttemptCount = attempt

		o.logger.InfoContext(ctx, "step attempt started",
			slog.Int("attempt", attempt), slog.Int("max_attempts", st.MaxAttempts))

		outcome := execute(runCtx, impl, &StepContext{
			RunID:   runID,
			Plan:    &run.Plan,
			Spec:    spec,
			Inputs:  run.Plan.StepInputs,
			Outputs: outputs,
			Limits:  limits,
			Attempt: attempt,
			Logger:  o.logger,
		})

		// Cancellation wins over whatever the aborted attempt reported.
		if h.cancelled.Load() {
			return true, o.applyCancellation(ctx, runID, steps)
		}

		switch outcome.Kind {
		case OutcomeSuccess:
			// Artifact handoff happens before the completion transition so a
			// crash between the two re-runs the (idempotent) step rather
			// than losing the artifact.
			if outcome.Artifact != nil {
				if err := o.artifacts.Put(ctx, runID, st.StepName, outcome.Artifact); err != nil {
					outcome = Retryable("artifact handoff failed: "+err.Error(), err)
					break
				}
			}
			return o.completeStep(ctx, runID, steps, idx, outcome, outputs, flags)

		case OutcomeFatal:
			return true, o.failRun(ctx, runID, steps, idx, outcome.FailureMessage())
		}

		// Retryable path (including artifact handoff failures rewritten above).
		if outcome.Kind == OutcomeRetryable {
			if attempt >= st.MaxAttempts {
				msg := outcome.FailureMessage()
				o.logger.WarnContext(ctx, "retries exhausted", slog.Int("attempts", attempt))
				return true, o.failRun(ctx, runID, steps, idx, msg)
			}

			waiting := schema.RunStateWaitingRetry
			pending := schema.StepStatusPending
			reason := outcome.FailureMessage()
			if err := o.store.ApplyTransition(ctx, runID, store.Transition{
				Run: store.RunUpdate{State: &waiting},
				Steps: []store.StepUpdate{{
					StepOrder:    st.StepOrder,
					Status:       &pending,
					ErrorMessage: &reason,
				}},
				Events: []store.Event{{
					Type: schema.EventStepRetrying, StepName: st.StepName,
				}},
			}); err != nil {
				return true, err
			}
			st.Status = schema.StepStatusPending
			st.ErrorMessage = reason

			delay := o.cfg.Backoff.Delay(attempt)
			o.logger.InfoContext(ctx, "step retry scheduled",
				slog.Duration("backoff", delay), slog.String("reason", reason))
			if err := WaitForBackoff(runCtx, delay); err != nil {
				if h.cancelled.Load() {
					return true, o.applyCancellation(ctx, runID, steps)
				}
				return true, err
			}
			if h.cancelled.Load() {
				return true, o.applyCancellation(ctx, runID, steps)
			}
			if h.pauseReq.Load() {
				return true, o.applyPause(ctx, runID)
			}
		}
	}
}

// completeStep records a successful step and advances the run state, setting
// completedAt when the last step finishes. Returns done=true when the run is
// terminal.
func (o *Orchestrator) completeStep(
	ctx context.Context,
	runID string,
	steps []*store.StepRecord,
	idx int,
	outcome Outcome,
	outputs map[schema.StepName]any,
	flags RunFlags,
) (bool, error) {
	st := steps[idx]
	st.Status = schema.StepStatusCompleted
	next := DeriveRunState(steps, flags)

	now := time.Now().UTC()
	completed := schema.StepStatusCompleted
	upd := store.StepUpdate{
		StepOrder:   st.StepOrder,
		Status:      &completed,
		ClearError:  true,
		CompletedAt: &now,
	}
	if outcome.Output != nil {
		if raw, err := json.Marshal(outcome.Output); err == nil {
			upd.Output = raw
		}
	}

	tr := store.Transition{
		Run:    store.RunUpdate{State: &next},
		Steps:  []store.StepUpdate{upd},
		Events: []store.Event{{Type: schema.EventStepCompleted, StepName: st.StepName}},
	}
	if outcome.Artifact != nil {
		payload, _ := json.Marshal(map[string]any{"artifact": outcome.Artifact.Name})
		tr.Events = append(tr.Events, store.Event{
			Type: schema.EventArtifactStored, StepName: st.StepName, Payload: payload,
		})
	}
	if next.IsTerminal() {
		tr.Run.CompletedAt = &now
		tr.Events = append(tr.Events, store.Event{Type: runEventType(next)})
	}

	if err := o.store.ApplyTransition(ctx, runID, tr); err != nil {
		return true, err
	}

	outputs[st.StepName] = outcome.Output
	o.logger.InfoContext(ctx, "step completed")

	if next.IsTerminal() {
		o.logger.InfoContext(ctx, "run completed")
		return true, nil
	}
	return false, nil
}

// failRun marks the failing step and the run failed in one transition. The
// run's clock stops here: completedAt is set on failure as well as success.
func (o *Orchestrator) failRun(ctx context.Context, runID string, steps []*store.StepRecord, idx int, message string) error {
	st := steps[idx]
	if message == "" {
		message = "workflow failed"
	}

	now := time.Now().UTC()
	failedStep := schema.StepStatusFailed
	failed := schema.RunStateFailed
	st.Status = schema.StepStatusFailed

	err := o.store.ApplyTransition(ctx, runID, store.Transition{
		Run: store.RunUpdate{
			State:        &failed,
			ErrorMessage: &message,
			FailedStep:   &st.StepName,
			CompletedAt:  &now,
		},
		Steps: []store.StepUpdate{{
			StepOrder:    st.StepOrder,
			Status:       &failedStep,
			ErrorMessage: &message,
			CompletedAt:  &now,
		}},
		Events: []store.Event{
			{Type: schema.EventStepFailed, StepName: st.StepName},
			{Type: schema.EventRunFailed},
		},
	})
	if err != nil {
		return err
	}

	o.logger.WarnContext(ctx, "run failed",
		slog.String("failed_step", string(st.StepName)), slog.String("error", message))
	return nil
}

// applyCancellation finalizes a cancel request: the aborted running step and
// every not-yet-started step become skipped, completed steps stay completed,
// and the run ends cancelled with its clock stopped.
func (o *Orchestrator) applyCancellation(ctx context.Context, runID string, steps []*store.StepRecord) error {
	now := time.Now().UTC()
	cancelled := schema.RunStateCancelled
	skipped := schema.StepStatusSkipped

	tr := store.Transition{
		Run:            store.RunUpdate{State: &cancelled, CompletedAt: &now},
		FreezeProgress: true,
	}
	for _, st := range steps {
		if st.Status.IsTerminal() {
			continue
		}
		st.Status = schema.StepStatusSkipped
		tr.Steps = append(tr.Steps, store.StepUpdate{StepOrder: st.StepOrder, Status: &skipped})
		tr.Events = append(tr.Events, store.Event{Type: schema.EventStepSkipped, StepName: st.StepName})
	}
	tr.Events = append(tr.Events, store.Event{Type: schema.EventRunCancelled})

	err := o.store.ApplyTransition(ctx, runID, tr)
	if schema.IsCode(err, schema.ErrCodeConflict) {
		// Already terminal: a direct cancellation landed first.
		return nil
	}
	if err != nil {
		return err
	}
	o.logger.InfoContext(ctx, "run cancelled")
	return nil
}

// applyPause parks the run without advancing any step; resume derives the
// return state from step statuses.
func (o *Orchestrator) applyPause(ctx context.Context, runID string) error {
	paused := schema.RunStatePaused
	err := o.store.ApplyTransition(ctx, runID, store.Transition{
		Run:    store.RunUpdate{State: &paused},
		Events: []store.Event{{Type: schema.EventRunPaused}},
	})
	if err != nil {
		return err
	}
	o.logger.InfoContext(ctx, "run paused")
	return nil
}

// specFor finds the plan spec matching a step record by order.
func specFor(plan *schema.ExecutionPlan, st *store.StepRecord) schema.StepSpec {
	for _, s := range plan.Steps {
		if s.StepOrder == st.StepOrder {
			return s
		}
	}
	return schema.StepSpec{StepName: st.StepName, StepOrder: st.StepOrder}
}

// loadOutputs rebuilds the prior-output map from persisted step records so a
// resumed run does not re-execute completed steps.
func loadOutputs(steps []*store.StepRecord) (map[schema.StepName]any, error) {
	outputs := make(map[schema.StepName]any, len(steps))
	for _, st := range steps {
		if st.Status != schema.StepStatusCompleted || len(st.Output) == 0 {
			continue
		}
		var v any
		if err := json.Unmarshal(st.Output, &v); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"corrupt output for step %s: %s", st.StepName, err.Error()).WithStep(st.StepName)
		}
		outputs[st.StepName] = v
	}
	return outputs, nil
}

// outputsByName converts the typed output map to string keys for CEL.
func outputsByName(outputs map[schema.StepName]any) map[string]any {
	m := make(map[string]any, len(outputs))
	for k, v := range outputs {
		m[string(k)] = v
	}
	return m
}
