package store

import (
	"encoding/json"
	"time"

	"github.com/reportflow/reportflow/pkg/schema"
)

// RunRecord is the persisted representation of a job run. The plan is frozen
// at creation; currentState, progress and the failure fields change only via
// ApplyTransition.
type RunRecord struct {
	ID              string               `json:"id"`
	WorkflowName    string               `json:"workflow_name"`
	WorkflowVersion string               `json:"workflow_version"`
	Plan            schema.ExecutionPlan `json:"plan"`
	State           schema.RunState      `json:"state"`
	Progress        int                  `json:"progress"`
	ErrorMessage    string               `json:"error_message,omitempty"`
	FailedStep      schema.StepName      `json:"failed_step,omitempty"`
	CreatedAt       time.Time            `json:"created_at"`
	StartedAt       *time.Time           `json:"started_at,omitempty"`
	CompletedAt     *time.Time           `json:"completed_at,omitempty"`
	UpdatedAt       time.Time            `json:"updated_at"`
}

// DurationMs returns completedAt - startedAt in milliseconds, or nil while
// either timestamp is unset.
func (r *RunRecord) DurationMs() *int64 {
	if r.StartedAt == nil || r.CompletedAt == nil {
		return nil
	}
	d := r.CompletedAt.Sub(*r.StartedAt).Milliseconds()
	return &d
}

// StepRecord is the persisted state of one step within a run. Output holds
// the step's JSON result so a paused or interrupted run can resume without
// re-executing completed steps.
type StepRecord struct {
	ID           string            `json:"id"`
	RunID        string            `json:"run_id"`
	StepName     schema.StepName   `json:"step_name"`
	StepOrder    int               `json:"step_order"`
	Weight       int               `json:"weight"`
	Status       schema.StepStatus `json:"status"`
	AttemptCount int               `json:"attempt_count"`
	MaxAttempts  int               `json:"max_attempts"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Output       json.RawMessage   `json:"output,omitempty"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

// DurationMs returns completedAt - startedAt in milliseconds, or nil while
// either timestamp is unset.
func (s *StepRecord) DurationMs() *int64 {
	if s.StartedAt == nil || s.CompletedAt == nil {
		return nil
	}
	d := s.CompletedAt.Sub(*s.StartedAt).Milliseconds()
	return &d
}

// Event is an immutable entry in the per-run transition log. Sequence is
// monotonically increasing within a run and assigned by the store.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	StepName  schema.StepName `json:"step_name,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// RunUpdate specifies the run-level fields of a transition. Nil fields are
// left untouched. Progress is always recomputed from step rows, never set
// directly.
type RunUpdate struct {
	State        *schema.RunState
	ErrorMessage *string
	FailedStep   *schema.StepName
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// StepUpdate specifies the step-level fields of a transition, addressed by
// step order (unique within a run).
type StepUpdate struct {
	StepOrder    int
	Status       *schema.StepStatus
	AttemptCount *int
	ErrorMessage *string
	ClearError   bool
	Output       json.RawMessage
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// Transition is one atomic state-machine transition: run update, step
// updates, and the events recording it, applied in a single transaction so
// any reader sees either the pre- or post-transition snapshot.
type Transition struct {
	Run    RunUpdate
	Steps  []StepUpdate
	Events []Event

	// FreezeProgress leaves the stored progress untouched instead of
	// recomputing it from step rows. Cancellation sets it: the steps it skips
	// were abandoned, not done, so the run keeps the progress it had earned.
	FreezeProgress bool
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	State        *schema.RunState
	WorkflowName string
	Since        *time.Time
	Limit        int
	Offset       int
}

// ScheduledReport is a cron-triggered recurring report submission.
type ScheduledReport struct {
	ID             string               `json:"id"`
	Name           string               `json:"name"`
	CronExpression string               `json:"cron_expression"`
	Plan           schema.ExecutionPlan `json:"plan"`
	Enabled        bool                 `json:"enabled"`
	LastRunAt      *time.Time           `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time           `json:"next_run_at,omitempty"`
	LastRunID      string               `json:"last_run_id,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
}

// ScheduledReportUpdate specifies mutable fields of a scheduled report.
type ScheduledReportUpdate struct {
	Enabled   *bool
	LastRunAt *time.Time
	NextRunAt *time.Time
	LastRunID *string
}

// ScheduledReportFilter specifies criteria for listing scheduled reports.
type ScheduledReportFilter struct {
	Enabled *bool
	Limit   int
}
