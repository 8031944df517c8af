// Package monitor implements the polling client used to follow a run to
// completion. The watcher polls the status source on an interval and fires
// the terminal callback exactly once, no matter how many polls observe the
// terminal state.
package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/reportflow/reportflow/pkg/schema"
)

// DefaultPollInterval is how often a watcher polls when not configured.
const DefaultPollInterval = 2 * time.Second

// StatusSource is where the watcher reads run snapshots from. It is the
// status service in-process and an HTTP client across processes.
type StatusSource interface {
	GetRun(ctx context.Context, runID string) (*schema.RunSnapshot, error)
}

// Callbacks are the watcher's notification hooks. All callbacks run on the
// watch goroutine, serially; a nil callback is skipped. OnComplete and
// OnError are mutually exclusive and fire at most once per subscription.
type Callbacks struct {
	// OnProgress fires when the observed state or progress changes.
	OnProgress func(snap *schema.RunSnapshot)
	// OnComplete fires once when the run reaches completed.
	OnComplete func(snap *schema.RunSnapshot)
	// OnError fires once when the run reaches failed or cancelled.
	OnError func(snap *schema.RunSnapshot)
	// OnPollError fires when a poll fails; polling continues.
	OnPollError func(err error)
}

// Watcher polls run status. Safe for concurrent use; each Watch call owns an
// independent subscription.
type Watcher struct {
	source   StatusSource
	interval time.Duration
	logger   *slog.Logger
}

// NewWatcher creates a watcher with the given poll interval. A non-positive
// interval falls back to DefaultPollInterval.
func NewWatcher(source StatusSource, interval time.Duration, logger *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Watcher{source: source, interval: interval, logger: logger}
}

// Subscription is one active watch. Stop is idempotent and blocks until the
// watch goroutine has exited, so no callback ever fires after Stop returns.
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Stop ends the subscription and waits for the watch goroutine to exit.
func (s *Subscription) Stop() {
	s.cancel()
	<-s.done
}

// Done is closed when the watch goroutine exits, either after a terminal
// callback or after Stop.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Watch polls the run until it reaches a terminal state or the subscription
// is stopped. The first poll happens immediately, not after one interval.
func (w *Watcher) Watch(ctx context.Context, runID string, cb Callbacks) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{cancel: cancel, done: make(chan struct{})}

	go w.loop(ctx, runID, cb, sub)
	return sub
}

func (w *Watcher) loop(ctx context.Context, runID string, cb Callbacks, sub *Subscription) {
	defer close(sub.done)
	defer sub.cancel()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var lastState schema.RunState
	lastProgress := -1

	for {
		snap, err := w.source.GetRun(ctx, runID)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			w.logger.WarnContext(ctx, "status poll failed",
				slog.String("run_id", runID), slog.String("error", err.Error()))
			if cb.OnPollError != nil {
				cb.OnPollError(err)
			}
		default:
			if cb.OnProgress != nil &&
				(snap.CurrentState != lastState || snap.ProgressPercentage != lastProgress) {
				cb.OnProgress(snap)
			}
			lastState = snap.CurrentState
			lastProgress = snap.ProgressPercentage

			if snap.CurrentState.IsTerminal() {
				w.notifyTerminal(snap, cb)
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Watcher) notifyTerminal(snap *schema.RunSnapshot, cb Callbacks) {
	switch snap.CurrentState {
	case schema.RunStateCompleted:
		if cb.OnComplete != nil {
			cb.OnComplete(snap)
		}
	case schema.RunStateFailed, schema.RunStateCancelled:
		if cb.OnError != nil {
			if snap.ErrorMessage == "" {
				// Cancelled runs carry no stored error; failed runs normally
				// do, but the callback always gets a message either way.
				if snap.CurrentState == schema.RunStateCancelled {
					snap.ErrorMessage = "workflow cancelled"
				} else {
					snap.ErrorMessage = "workflow failed"
				}
			}
			cb.OnError(snap)
		}
	}
}
