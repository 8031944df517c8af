// Package status builds read-only run snapshots for pollers. A snapshot is a
// pure projection of one store read; the service never mutates run state.
package status

import (
	"context"
	"sort"

	"github.com/reportflow/reportflow/internal/store"
	"github.com/reportflow/reportflow/pkg/schema"
)

// Reader is the slice of the store the status service needs.
type Reader interface {
	GetRun(ctx context.Context, runID string) (*store.RunRecord, []*store.StepRecord, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.RunRecord, error)
	GetEvents(ctx context.Context, runID string, since int64) ([]*store.Event, error)
}

// Service answers status queries against the store.
type Service struct {
	reader Reader
}

// NewService creates a status service backed by the given reader.
func NewService(reader Reader) *Service {
	return &Service{reader: reader}
}

// GetRun returns a consistent snapshot of one run. The store reads run and
// step rows in a single transaction, so the snapshot can never mix state
// across transitions.
func (s *Service) GetRun(ctx context.Context, runID string) (*schema.RunSnapshot, error) {
	run, steps, err := s.reader.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return Snapshot(run, steps), nil
}

// ListRuns returns summary snapshots (without step detail) for runs matching
// the filter.
func (s *Service) ListRuns(ctx context.Context, filter store.RunFilter) ([]*schema.RunSnapshot, error) {
	runs, err := s.reader.ListRuns(ctx, filter)
	if err != nil {
		return nil, err
	}
	snapshots := make([]*schema.RunSnapshot, len(runs))
	for i, run := range runs {
		snapshots[i] = Snapshot(run, nil)
	}
	return snapshots, nil
}

// GetEvents returns the run's transition log after the given sequence.
func (s *Service) GetEvents(ctx context.Context, runID string, since int64) ([]*store.Event, error) {
	return s.reader.GetEvents(ctx, runID, since)
}

// Snapshot projects store records into the read model. Steps are ordered by
// step_order regardless of how the store returned them.
func Snapshot(run *store.RunRecord, steps []*store.StepRecord) *schema.RunSnapshot {
	snap := &schema.RunSnapshot{
		ID:                 run.ID,
		WorkflowName:       run.WorkflowName,
		WorkflowVersion:    run.WorkflowVersion,
		CurrentState:       run.State,
		ProgressPercentage: run.Progress,
		StartedAt:          run.StartedAt,
		CompletedAt:        run.CompletedAt,
		DurationMs:         run.DurationMs(),
		ErrorMessage:       run.ErrorMessage,
		FailedStep:         run.FailedStep,
		CreatedAt:          run.CreatedAt,
		Steps:              make([]schema.StepSnapshot, 0, len(steps)),
	}

	for _, st := range steps {
		snap.Steps = append(snap.Steps, schema.StepSnapshot{
			ID:           st.ID,
			StepName:     st.StepName,
			StepOrder:    st.StepOrder,
			Weight:       st.Weight,
			Status:       st.Status,
			AttemptCount: st.AttemptCount,
			MaxAttempts:  st.MaxAttempts,
			StartedAt:    st.StartedAt,
			CompletedAt:  st.CompletedAt,
			DurationMs:   st.DurationMs(),
			ErrorMessage: st.ErrorMessage,
		})
	}
	sort.Slice(snap.Steps, func(i, j int) bool {
		return snap.Steps[i].StepOrder < snap.Steps[j].StepOrder
	})

	return snap
}
