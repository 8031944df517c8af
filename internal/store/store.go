package store

import "context"

// Store defines the persistence layer contract. All implementations must be
// safe for concurrent use; reads are lock-free with respect to step
// execution.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *RunRecord, steps []*StepRecord) error
	GetRun(ctx context.Context, id string) (*RunRecord, []*StepRecord, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*RunRecord, error)

	// ApplyTransition applies one state-machine transition atomically.
	// The write is rejected with a CONFLICT error if the run is already in a
	// terminal state.
	ApplyTransition(ctx context.Context, runID string, tr Transition) error

	// Transition log (append-only, per-run monotone sequence)
	GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error)

	// Scheduled reports
	CreateScheduledReport(ctx context.Context, sr *ScheduledReport) error
	GetScheduledReport(ctx context.Context, id string) (*ScheduledReport, error)
	UpdateScheduledReport(ctx context.Context, id string, update ScheduledReportUpdate) error
	ListScheduledReports(ctx context.Context, filter ScheduledReportFilter) ([]*ScheduledReport, error)
	DeleteScheduledReport(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
