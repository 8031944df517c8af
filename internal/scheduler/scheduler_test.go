package scheduler

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reportflow/reportflow/internal/store"
	"github.com/reportflow/reportflow/pkg/schema"
)

type fakeSubmitter struct {
	mu        sync.Mutex
	submitted []string
	launched  []string
	err       error
}

func (f *fakeSubmitter) Submit(_ context.Context, plan *schema.ExecutionPlan) (*store.RunRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	run := &store.RunRecord{ID: uuid.New().String(), WorkflowName: plan.WorkflowName, State: schema.RunStatePending}
	f.mu.Lock()
	f.submitted = append(f.submitted, run.ID)
	f.mu.Unlock()
	return run, nil
}

func (f *fakeSubmitter) Launch(runID string) error {
	f.mu.Lock()
	f.launched = append(f.launched, runID)
	f.mu.Unlock()
	return nil
}

func (f *fakeSubmitter) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted), len(f.launched)
}

func newSchedulerFixture(t *testing.T) (*Scheduler, *store.LibSQLStore, *fakeSubmitter) {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "sched.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	submitter := &fakeSubmitter{}
	sched := NewScheduler(s, submitter, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return sched, s, submitter
}

func seedSchedule(t *testing.T, s *store.LibSQLStore, nextRunAt *time.Time, enabled bool) *store.ScheduledReport {
	t.Helper()
	report := &store.ScheduledReport{
		ID:             uuid.New().String(),
		Name:           "weekly revenue",
		CronExpression: "0 6 * * 1",
		Plan: schema.ExecutionPlan{
			WorkflowName:    "weekly-revenue",
			WorkflowVersion: "1",
			Steps:           []schema.StepSpec{{StepName: schema.StepDeliver, StepOrder: 1}},
		},
		Enabled:   enabled,
		NextRunAt: nextRunAt,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateScheduledReport(context.Background(), report))
	return report
}

func TestTick_SubmitsDueReport(t *testing.T) {
	sched, s, submitter := newSchedulerFixture(t)
	past := time.Now().UTC().Add(-time.Hour)
	report := seedSchedule(t, s, &past, true)

	sched.Tick(context.Background())

	require.Len(t, submitter.submitted, 1)
	assert.Equal(t, submitter.submitted, submitter.launched)

	updated, err := s.GetScheduledReport(context.Background(), report.ID)
	require.NoError(t, err)
	assert.Equal(t, submitter.submitted[0], updated.LastRunID)
	require.NotNil(t, updated.NextRunAt)
	assert.True(t, updated.NextRunAt.After(time.Now().UTC()), "schedule advanced")
}

func TestTick_NilNextRunCountsAsDue(t *testing.T) {
	sched, s, submitter := newSchedulerFixture(t)
	seedSchedule(t, s, nil, true)

	sched.Tick(context.Background())
	assert.Len(t, submitter.submitted, 1)
}

func TestTick_SkipsFutureAndDisabled(t *testing.T) {
	sched, s, submitter := newSchedulerFixture(t)
	future := time.Now().UTC().Add(time.Hour)
	seedSchedule(t, s, &future, true)
	past := time.Now().UTC().Add(-time.Hour)
	seedSchedule(t, s, &past, false)

	sched.Tick(context.Background())
	assert.Empty(t, submitter.submitted)
}

func TestTick_SkipsWhenPreviousRunStillExecuting(t *testing.T) {
	sched, s, submitter := newSchedulerFixture(t)
	past := time.Now().UTC().Add(-time.Hour)
	report := seedSchedule(t, s, &past, true)

	// Previous scheduled run is still transforming.
	prev := &store.RunRecord{
		ID:              uuid.New().String(),
		WorkflowName:    "weekly-revenue",
		WorkflowVersion: "1",
		Plan:            report.Plan,
		State:           schema.RunStatePending,
		CreatedAt:       time.Now().UTC(),
	}
	require.NoError(t, s.CreateRun(context.Background(), prev, []*store.StepRecord{{
		ID: uuid.New().String(), RunID: prev.ID,
		StepName: schema.StepDeliver, StepOrder: 1, Weight: 1,
		Status: schema.StepStatusPending, MaxAttempts: 3,
	}}))
	require.NoError(t, s.UpdateScheduledReport(context.Background(), report.ID,
		store.ScheduledReportUpdate{LastRunID: &prev.ID}))

	sched.Tick(context.Background())

	assert.Empty(t, submitter.submitted, "no stacked run while previous is in flight")
	updated, err := s.GetScheduledReport(context.Background(), report.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.NextRunAt)
	assert.True(t, updated.NextRunAt.After(time.Now().UTC()), "schedule still advanced")
}

func TestNextRun(t *testing.T) {
	sched, _, _ := newSchedulerFixture(t)

	from := time.Date(2026, 3, 4, 12, 30, 0, 0, time.UTC) // a Wednesday
	next, err := sched.NextRun("0 6 * * 1", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 9, 6, 0, 0, 0, time.UTC), next)

	_, err = sched.NextRun("not a cron", from)
	require.Error(t, err)
}

func TestStartStop(t *testing.T) {
	sched, s, submitter := newSchedulerFixture(t)
	past := time.Now().UTC().Add(-time.Hour)
	seedSchedule(t, s, &past, true)

	require.NoError(t, sched.Start(context.Background()))
	assert.Error(t, sched.Start(context.Background()), "double start rejected")

	deadline := time.Now().Add(2 * time.Second)
	for {
		if n, _ := submitter.counts(); n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	sched.Stop()
	sched.Stop() // idempotent

	n, _ := submitter.counts()
	assert.NotZero(t, n)
}
