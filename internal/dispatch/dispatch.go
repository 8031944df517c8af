// Package dispatch queues run execution across processes with asynq. The
// task ID is the run ID, so Redis enforces at most one queued or in-flight
// executor per run no matter how many API replicas enqueue it.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/reportflow/reportflow/internal/logging"
	"github.com/reportflow/reportflow/pkg/schema"
)

const (
	// TaskTypeRun is the asynq task type for executing a report run.
	TaskTypeRun = "reportflow:run"
	// queueRuns is the asynq queue runs are dispatched on.
	queueRuns = "runs"
)

// runPayload is the task body for TaskTypeRun.
type runPayload struct {
	RunID string `json:"run_id"`
}

// Runner drives a run to a terminal state or pause point. Implemented by the
// engine orchestrator.
type Runner interface {
	Run(ctx context.Context, runID string) error
}

// Dispatcher enqueues runs and hosts the worker that executes them.
type Dispatcher struct {
	client *asynq.Client
	server *asynq.Server
	mux    *asynq.ServeMux
	runner Runner
	logger *slog.Logger
}

// NewDispatcher builds a dispatcher against the given Redis URI. Concurrency
// bounds how many runs one worker process executes at a time.
func NewDispatcher(redisURI string, concurrency int, runner Runner, logger *slog.Logger) (*Dispatcher, error) {
	opt, err := asynq.ParseRedisURI(redisURI)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid redis uri: %s", err.Error()).WithCause(err)
	}
	if concurrency <= 0 {
		concurrency = 4
	}

	d := &Dispatcher{
		client: asynq.NewClient(opt),
		server: asynq.NewServer(opt, asynq.Config{
			Concurrency: concurrency,
			Queues:      map[string]int{queueRuns: 1},
		}),
		mux:    asynq.NewServeMux(),
		runner: runner,
		logger: logger,
	}
	d.mux.HandleFunc(TaskTypeRun, d.handleRun)
	return d, nil
}

// Enqueue queues a run for execution. Enqueueing the same run again while it
// is queued or executing is a CONFLICT, surfaced from asynq's task ID
// uniqueness.
func (d *Dispatcher) Enqueue(ctx context.Context, runID string) error {
	body, err := json.Marshal(runPayload{RunID: runID})
	if err != nil {
		return err
	}

	task := asynq.NewTask(TaskTypeRun, body, asynq.Queue(queueRuns))
	_, err = d.client.EnqueueContext(ctx, task,
		asynq.TaskID(runID),
		// The engine owns retry semantics; a redelivered task would race the
		// live executor.
		asynq.MaxRetry(0),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"run %s is already queued for execution", runID)
	}
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution,
			"enqueue run %s: %s", runID, err.Error()).WithCause(err)
	}

	d.logger.InfoContext(logging.WithRunID(ctx, runID), "run enqueued")
	return nil
}

// StartWorkers runs the asynq server in the background.
func (d *Dispatcher) StartWorkers() {
	go func() {
		if err := d.server.Run(d.mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
			d.logger.Error("dispatch server stopped", slog.String("error", err.Error()))
		}
	}()
}

// Shutdown stops the worker server and closes the client.
func (d *Dispatcher) Shutdown() {
	d.server.Shutdown()
	_ = d.client.Close()
}

func (d *Dispatcher) handleRun(ctx context.Context, task *asynq.Task) error {
	var payload runPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return err
	}
	if payload.RunID == "" {
		return errors.New("run task payload missing run_id")
	}

	ctx = logging.WithRunID(ctx, payload.RunID)
	err := d.runner.Run(ctx, payload.RunID)
	// A conflict here means another executor already owns the run (or it
	// finished while queued); redelivery would not help.
	if schema.IsCode(err, schema.ErrCodeConflict) {
		d.logger.WarnContext(ctx, "run already handled", slog.String("error", err.Error()))
		return nil
	}
	if err != nil {
		d.logger.ErrorContext(ctx, "run execution failed", slog.String("error", err.Error()))
	}
	return err
}
