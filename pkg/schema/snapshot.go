package schema

import "time"

// RunSnapshot is an immutable, internally consistent read of a run's status.
// It matches exactly one store transition; it never mixes data across
// transitions. All timestamps are UTC.
type RunSnapshot struct {
	ID                 string         `json:"id"`
	WorkflowName       string         `json:"workflow_name"`
	WorkflowVersion    string         `json:"workflow_version"`
	CurrentState       RunState       `json:"current_state"`
	ProgressPercentage int            `json:"progress_percentage"`
	StartedAt          *time.Time     `json:"started_at,omitempty"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty"`
	DurationMs         *int64         `json:"duration_ms,omitempty"`
	ErrorMessage       string         `json:"error_message,omitempty"`
	FailedStep         StepName       `json:"failed_step,omitempty"`
	Steps              []StepSnapshot `json:"steps"`
	CreatedAt          time.Time      `json:"created_at"`
}

// StepSnapshot is the read view of one step within a run snapshot.
type StepSnapshot struct {
	ID           string     `json:"id"`
	StepName     StepName   `json:"step_name"`
	StepOrder    int        `json:"step_order"`
	Weight       int        `json:"weight"`
	Status       StepStatus `json:"status"`
	AttemptCount int        `json:"attempt_count"`
	MaxAttempts  int        `json:"max_attempts"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	DurationMs   *int64     `json:"duration_ms,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// Clone returns a deep copy of the snapshot so callers can hold it without
// observing later mutations.
func (s *RunSnapshot) Clone() *RunSnapshot {
	if s == nil {
		return nil
	}
	cp := *s
	cp.StartedAt = copyTime(s.StartedAt)
	cp.CompletedAt = copyTime(s.CompletedAt)
	cp.DurationMs = copyInt64(s.DurationMs)
	cp.Steps = make([]StepSnapshot, len(s.Steps))
	for i, st := range s.Steps {
		sc := st
		sc.StartedAt = copyTime(st.StartedAt)
		sc.CompletedAt = copyTime(st.CompletedAt)
		sc.DurationMs = copyInt64(st.DurationMs)
		cp.Steps[i] = sc
	}
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func copyInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
