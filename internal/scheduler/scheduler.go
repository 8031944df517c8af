// Package scheduler turns scheduled report definitions into run submissions
// on their cron cadence.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/reportflow/reportflow/internal/store"
	"github.com/reportflow/reportflow/pkg/schema"
)

// RunSubmitter creates and launches a run from a frozen plan. Satisfied by
// the engine orchestrator (interface here avoids an import cycle).
type RunSubmitter interface {
	Submit(ctx context.Context, plan *schema.ExecutionPlan) (*store.RunRecord, error)
	Launch(runID string) error
}

// Scheduler polls the store for due scheduled reports and submits runs for
// them. A report whose previous scheduled run is still executing skips the
// tick rather than stacking runs.
type Scheduler struct {
	store     store.Store
	submitter RunSubmitter
	parser    cron.Parser
	interval  time.Duration
	logger    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // scheduled report IDs currently submitting
}

// NewScheduler creates a scheduler ticking at the given interval (default
// one minute).
func NewScheduler(s store.Store, submitter RunSubmitter, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		store:     s,
		submitter: submitter,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		interval:  interval,
		logger:    logger,
		inflight:  make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

// Stop gracefully shuts down the scheduling loop.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Initial tick immediately so a restart picks up overdue reports.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick submits a run for every enabled report that is due. Exported so a
// restart hook can force a pass without waiting for the ticker.
func (s *Scheduler) Tick(ctx context.Context) {
	enabled := true
	reports, err := s.store.ListScheduledReports(ctx, store.ScheduledReportFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list scheduled reports", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, report := range reports {
		if report.NextRunAt != nil && report.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(report.ID) {
			continue
		}
		if err := s.submitReport(ctx, report, now); err != nil {
			s.logger.Error("failed to submit scheduled report",
				slog.String("schedule_id", report.ID),
				slog.String("error", err.Error()),
			)
		}
		s.release(report.ID)
	}
}

// submitReport creates a run for a due report, skipping when the previous
// scheduled run has not finished, and advances the schedule either way.
func (s *Scheduler) submitReport(ctx context.Context, report *store.ScheduledReport, now time.Time) error {
	if report.LastRunID != "" {
		prev, _, err := s.store.GetRun(ctx, report.LastRunID)
		if err == nil && !prev.State.IsTerminal() {
			s.logger.Warn("previous scheduled run still in flight, skipping tick",
				slog.String("schedule_id", report.ID),
				slog.String("run_id", report.LastRunID),
			)
			return s.advance(ctx, report, now, report.LastRunID)
		}
	}

	plan := report.Plan
	run, err := s.submitter.Submit(ctx, &plan)
	if err != nil {
		// Still advance next_run_at so a permanently broken plan does not
		// hot-loop every tick.
		if advErr := s.advance(ctx, report, now, report.LastRunID); advErr != nil {
			return advErr
		}
		return err
	}

	s.logger.Info("scheduled report submitted",
		slog.String("schedule_id", report.ID),
		slog.String("run_id", run.ID),
		slog.String("workflow", plan.WorkflowName),
	)

	if err := s.advance(ctx, report, now, run.ID); err != nil {
		return err
	}
	return s.submitter.Launch(run.ID)
}

func (s *Scheduler) advance(ctx context.Context, report *store.ScheduledReport, now time.Time, lastRunID string) error {
	next, err := s.NextRun(report.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for schedule %q: %w", report.ID, err)
	}
	return s.store.UpdateScheduledReport(ctx, report.ID, store.ScheduledReportUpdate{
		LastRunAt: &now,
		NextRunAt: &next,
		LastRunID: &lastRunID,
	})
}

// NextRun computes the next fire time for a cron expression.
func (s *Scheduler) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}
