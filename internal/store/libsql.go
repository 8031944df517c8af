package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/reportflow/reportflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Runs ---

// CreateRun inserts the run row and all of its step rows in one transaction.
func (s *LibSQLStore) CreateRun(ctx context.Context, run *RunRecord, steps []*StepRecord) error {
	plan, err := json.Marshal(run.Plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, workflow_name, workflow_version, plan, state, progress, error_message, failed_step, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowName, run.WorkflowVersion, string(plan), string(run.State), run.Progress,
		nullStr(run.ErrorMessage), nullStr(string(run.FailedStep)),
		timeOrNow(run.CreatedAt), nullTime(run.StartedAt), nullTime(run.CompletedAt), timeOrNow(run.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for _, st := range steps {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO run_steps (id, run_id, step_name, step_order, weight, status, attempt_count, max_attempts, error_message, output, started_at, completed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			st.ID, run.ID, string(st.StepName), st.StepOrder, st.Weight, string(st.Status),
			st.AttemptCount, st.MaxAttempts, nullStr(st.ErrorMessage), nullRaw(st.Output),
			nullTime(st.StartedAt), nullTime(st.CompletedAt),
		)
		if err != nil {
			return fmt.Errorf("insert step %d: %w", st.StepOrder, err)
		}
	}

	return tx.Commit()
}

// GetRun reads the run row and its step rows inside one transaction so the
// result matches exactly one transition.
func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*RunRecord, []*StepRecord, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	run, err := scanRun(tx.QueryRowContext(ctx, runColumns+` FROM runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, nil, err
	}

	steps, err := queryStepsTx(ctx, tx, id)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return run, steps, nil
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*RunRecord, error) {
	var where []string
	var args []any

	if filter.State != nil {
		where = append(where, "state = ?")
		args = append(args, string(*filter.State))
	}
	if filter.WorkflowName != "" {
		where = append(where, "workflow_name = ?")
		args = append(args, filter.WorkflowName)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := runColumns + " FROM runs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// --- Transitions ---

// ApplyTransition applies one state-machine transition in a single
// transaction: run-level updates, step-level updates, progress recomputation
// from step rows, and the transition's events with a per-run monotone
// sequence. A write against a run already in a terminal state is rejected
// with a CONFLICT error.
func (s *LibSQLStore) ApplyTransition(ctx context.Context, runID string, tr Transition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "begin tx: %s", err.Error()).WithCause(err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT state FROM runs WHERE id = ?`, runID).Scan(&current)
	if err == sql.ErrNoRows {
		return storeNotFound("run", runID)
	}
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "read run state: %s", err.Error()).WithCause(err)
	}
	if schema.RunState(current).IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"run %s is already %s", runID, current).
			WithDetails(map[string]any{"run_id": runID, "state": current})
	}

	if err := applyRunUpdate(ctx, tx, runID, tr.Run); err != nil {
		return err
	}
	for _, su := range tr.Steps {
		if err := applyStepUpdate(ctx, tx, runID, su); err != nil {
			return err
		}
	}

	// Recompute progress from step rows inside the same transaction so it can
	// never drift from step statuses. Condition-skipped steps contribute their
	// weight; a cancellation freezes progress instead, since the steps it
	// skips were abandoned rather than done.
	if !tr.FreezeProgress {
		var doneWeight, totalWeight int
		err = tx.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(CASE WHEN status IN ('completed', 'skipped') THEN weight ELSE 0 END), 0),
			        COALESCE(SUM(weight), 0)
			 FROM run_steps WHERE run_id = ?`, runID,
		).Scan(&doneWeight, &totalWeight)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "compute progress: %s", err.Error()).WithCause(err)
		}
		progress := 0
		if totalWeight > 0 {
			progress = 100 * doneWeight / totalWeight
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE runs SET progress = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, progress, runID,
		); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "update progress: %s", err.Error()).WithCause(err)
		}
	} else if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET updated_at = CURRENT_TIMESTAMP WHERE id = ?`, runID,
	); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "touch run: %s", err.Error()).WithCause(err)
	}

	if err := appendEvents(ctx, tx, runID, tr.Events); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "commit transition: %s", err.Error()).WithCause(err)
	}
	return nil
}

func applyRunUpdate(ctx context.Context, tx *sql.Tx, runID string, u RunUpdate) error {
	var sets []string
	var args []any

	if u.State != nil {
		sets = append(sets, "state = ?")
		args = append(args, string(*u.State))
	}
	if u.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, nullStr(*u.ErrorMessage))
	}
	if u.FailedStep != nil {
		sets = append(sets, "failed_step = ?")
		args = append(args, nullStr(string(*u.FailedStep)))
	}
	if u.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *u.StartedAt)
	}
	if u.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *u.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, runID)

	query := fmt.Sprintf("UPDATE runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "update run: %s", err.Error()).WithCause(err)
	}
	return nil
}

func applyStepUpdate(ctx context.Context, tx *sql.Tx, runID string, u StepUpdate) error {
	var sets []string
	var args []any

	if u.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*u.Status))
	}
	if u.AttemptCount != nil {
		sets = append(sets, "attempt_count = ?")
		args = append(args, *u.AttemptCount)
	}
	if u.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, nullStr(*u.ErrorMessage))
	} else if u.ClearError {
		sets = append(sets, "error_message = NULL")
	}
	if len(u.Output) > 0 {
		sets = append(sets, "output = ?")
		args = append(args, string(u.Output))
	}
	if u.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *u.StartedAt)
	}
	if u.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *u.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, runID, u.StepOrder)

	query := fmt.Sprintf("UPDATE run_steps SET %s WHERE run_id = ? AND step_order = ?", strings.Join(sets, ", "))
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "update step %d: %s", u.StepOrder, err.Error()).WithCause(err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return storeNotFound("step", fmt.Sprintf("%s/%d", runID, u.StepOrder))
	}
	return nil
}

func appendEvents(ctx context.Context, tx *sql.Tx, runID string, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	var seq int64
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM events WHERE run_id = ?`, runID,
	).Scan(&seq)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "next event sequence: %s", err.Error()).WithCause(err)
	}

	for i := range events {
		seq++
		ev := &events[i]
		ev.RunID = runID
		ev.Sequence = seq
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now().UTC()
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO events (run_id, step_name, event_type, payload, timestamp, sequence)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			runID, nullStr(string(ev.StepName)), ev.Type, nullRaw(ev.Payload), ev.Timestamp, seq,
		)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "insert event: %s", err.Error()).WithCause(err)
		}
	}
	return nil
}

// GetEvents returns events for a run with sequence > since, ordered by sequence ASC.
func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step_name, event_type, payload, timestamp, sequence
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		ev := &Event{}
		var stepName, payload sql.NullString
		if err := rows.Scan(&ev.ID, &ev.RunID, &stepName, &ev.Type, &payload, &ev.Timestamp, &ev.Sequence); err != nil {
			return nil, err
		}
		ev.StepName = schema.StepName(stepName.String)
		ev.Payload = rawOrNil(payload)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// --- Scheduled reports ---

func (s *LibSQLStore) CreateScheduledReport(ctx context.Context, sr *ScheduledReport) error {
	plan, err := json.Marshal(sr.Plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scheduled_reports (id, name, cron_expression, plan, enabled, last_run_at, next_run_at, last_run_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sr.ID, sr.Name, sr.CronExpression, string(plan), boolToInt(sr.Enabled),
		nullTime(sr.LastRunAt), nullTime(sr.NextRunAt), nullStr(sr.LastRunID), timeOrNow(sr.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetScheduledReport(ctx context.Context, id string) (*ScheduledReport, error) {
	sr, err := scanScheduledReport(s.db.QueryRowContext(ctx,
		`SELECT id, name, cron_expression, plan, enabled, last_run_at, next_run_at, last_run_id, created_at
		 FROM scheduled_reports WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("scheduled report", id)
	}
	return sr, err
}

func (s *LibSQLStore) UpdateScheduledReport(ctx context.Context, id string, update ScheduledReportUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolToInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunID != nil {
		sets = append(sets, "last_run_id = ?")
		args = append(args, *update.LastRunID)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE scheduled_reports SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled report", id)
}

func (s *LibSQLStore) ListScheduledReports(ctx context.Context, filter ScheduledReportFilter) ([]*ScheduledReport, error) {
	var where []string
	var args []any

	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolToInt(*filter.Enabled))
	}

	query := `SELECT id, name, cron_expression, plan, enabled, last_run_at, next_run_at, last_run_id, created_at FROM scheduled_reports`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []*ScheduledReport
	for rows.Next() {
		sr, err := scanScheduledReport(rows)
		if err != nil {
			return nil, err
		}
		reports = append(reports, sr)
	}
	return reports, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledReport(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_reports WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled report", id)
}

// --- Secrets ---

// StoreSecret upserts an already-encrypted secret value.
func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		key, value)
	return err
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("secret", key)
	}
	return value, err
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "secret", key)
}

func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// --- Scan helpers ---

const runColumns = `SELECT id, workflow_name, workflow_version, plan, state, progress, error_message, failed_step, created_at, started_at, completed_at, updated_at`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*RunRecord, error) {
	run := &RunRecord{}
	var (
		planJSON               string
		state                  string
		errMsg, failedStep     sql.NullString
		startedAt, completedAt sql.NullTime
	)
	err := row.Scan(&run.ID, &run.WorkflowName, &run.WorkflowVersion, &planJSON, &state, &run.Progress,
		&errMsg, &failedStep, &run.CreatedAt, &startedAt, &completedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	run.State = schema.RunState(state)
	run.ErrorMessage = errMsg.String
	run.FailedStep = schema.StepName(failedStep.String)
	if err := json.Unmarshal([]byte(planJSON), &run.Plan); err != nil {
		return nil, fmt.Errorf("unmarshal plan: %w", err)
	}
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}

func queryStepsTx(ctx context.Context, tx *sql.Tx, runID string) ([]*StepRecord, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, run_id, step_name, step_order, weight, status, attempt_count, max_attempts, error_message, output, started_at, completed_at
		 FROM run_steps WHERE run_id = ? ORDER BY step_order ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*StepRecord
	for rows.Next() {
		st := &StepRecord{}
		var (
			stepName, status       string
			errMsg, output         sql.NullString
			startedAt, completedAt sql.NullTime
		)
		if err := rows.Scan(&st.ID, &st.RunID, &stepName, &st.StepOrder, &st.Weight, &status,
			&st.AttemptCount, &st.MaxAttempts, &errMsg, &output, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		st.StepName = schema.StepName(stepName)
		st.Status = schema.StepStatus(status)
		st.ErrorMessage = errMsg.String
		st.Output = rawOrNil(output)
		if startedAt.Valid {
			st.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			st.CompletedAt = &completedAt.Time
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

func scanScheduledReport(row rowScanner) (*ScheduledReport, error) {
	sr := &ScheduledReport{}
	var (
		planJSON             string
		enabled              int
		lastRunAt, nextRunAt sql.NullTime
		lastRunID            sql.NullString
	)
	err := row.Scan(&sr.ID, &sr.Name, &sr.CronExpression, &planJSON, &enabled,
		&lastRunAt, &nextRunAt, &lastRunID, &sr.CreatedAt)
	if err != nil {
		return nil, err
	}
	sr.Enabled = enabled != 0
	sr.LastRunID = lastRunID.String
	if err := json.Unmarshal([]byte(planJSON), &sr.Plan); err != nil {
		return nil, fmt.Errorf("unmarshal plan: %w", err)
	}
	if lastRunAt.Valid {
		sr.LastRunAt = &lastRunAt.Time
	}
	if nextRunAt.Valid {
		sr.NextRunAt = &nextRunAt.Time
	}
	return sr, nil
}

// --- Value helpers ---

func storeNotFound(resource, id string) *schema.WorkflowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s not found: %s", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
