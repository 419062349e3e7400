package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/relaycrm/automaton/pkg/schema"
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

// DB returns the underlying *sql.DB for the CRM adapters that share the database.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Workflows ---

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	filter, err := nullableJSONMap(wf.Filter)
	if err != nil {
		return fmt.Errorf("marshal trigger filter: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, description, trigger_kind, filter, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.Name, wf.Description, string(wf.Trigger), filter,
		boolInt(wf.Active), timeOrNow(wf.CreatedAt), timeOrNow(wf.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, trigger_kind, filter, active, created_at, updated_at
		 FROM workflows WHERE id = ?`, id,
	)
	wf, err := scanWorkflow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	return wf, err
}

func (s *LibSQLStore) UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error {
	var sets []string
	var args []any

	if update.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *update.Name)
	}
	if update.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *update.Description)
	}
	if update.Filter != nil {
		filter, err := nullableJSONMap(*update.Filter)
		if err != nil {
			return fmt.Errorf("marshal trigger filter: %w", err)
		}
		sets = append(sets, "filter = ?")
		args = append(args, filter)
	}
	if update.Active != nil {
		sets = append(sets, "active = ?")
		args = append(args, boolInt(*update.Active))
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE workflows SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	var where []string
	var args []any

	if filter.Trigger != nil {
		where = append(where, "trigger_kind = ?")
		args = append(args, string(*filter.Trigger))
	}
	if filter.Active != nil {
		where = append(where, "active = ?")
		args = append(args, boolInt(*filter.Active))
	}
	if filter.Search != "" {
		where = append(where, "(name LIKE ? OR description LIKE ?)")
		pattern := "%" + filter.Search + "%"
		args = append(args, pattern, pattern)
	}

	query := `SELECT id, name, description, trigger_kind, filter, active, created_at, updated_at FROM workflows`
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

	var workflows []*Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows.Scan)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Soft-protect: a workflow stays while runs reference it.
	var refs int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs WHERE workflow_id = ?`, id,
	).Scan(&refs); err != nil {
		return err
	}
	if refs > 0 {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"workflow %q has %d runs and cannot be deleted", id, refs)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM workflow_steps WHERE workflow_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(res, "workflow", id); err != nil {
		return err
	}
	return tx.Commit()
}

func scanWorkflow(scan func(...any) error) (*Workflow, error) {
	wf := &Workflow{}
	var trigger string
	var filterJSON sql.NullString
	var active int
	err := scan(&wf.ID, &wf.Name, &wf.Description, &trigger, &filterJSON, &active, &wf.CreatedAt, &wf.UpdatedAt)
	if err != nil {
		return nil, err
	}
	wf.Trigger = schema.TriggerKind(trigger)
	wf.Active = active != 0
	if filterJSON.Valid && filterJSON.String != "" {
		if err := json.Unmarshal([]byte(filterJSON.String), &wf.Filter); err != nil {
			return nil, fmt.Errorf("unmarshal trigger filter: %w", err)
		}
	}
	return wf, nil
}

// --- Workflow steps ---

func (s *LibSQLStore) CreateStep(ctx context.Context, step *WorkflowStep) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_steps (id, workflow_id, ord, action, delay_ns, payload, enabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.WorkflowID, step.Order, string(step.Action),
		int64(step.Delay), nullRaw(step.Payload), boolInt(step.Enabled), timeOrNow(step.CreatedAt),
	)
	if err != nil && isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"workflow %q already has a step at order %d", step.WorkflowID, step.Order).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetStep(ctx context.Context, id string) (*WorkflowStep, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, ord, action, delay_ns, payload, enabled, created_at
		 FROM workflow_steps WHERE id = ?`, id,
	)
	step, err := scanStep(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("step", id)
	}
	return step, err
}

func (s *LibSQLStore) UpdateStep(ctx context.Context, id string, update StepUpdate) error {
	var sets []string
	var args []any

	if update.Order != nil {
		sets = append(sets, "ord = ?")
		args = append(args, *update.Order)
	}
	if update.Delay != nil {
		sets = append(sets, "delay_ns = ?")
		args = append(args, int64(*update.Delay))
	}
	if update.Payload != nil {
		sets = append(sets, "payload = ?")
		args = append(args, nullRaw(*update.Payload))
	}
	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*update.Enabled))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE workflow_steps SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return schema.NewErrorf(schema.ErrCodeConflict, "step order collision on %q", id).WithCause(err)
		}
		return err
	}
	return checkRowsAffected(res, "step", id)
}

func (s *LibSQLStore) DeleteStep(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflow_steps WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "step", id)
}

func (s *LibSQLStore) ListSteps(ctx context.Context, workflowID string, onlyEnabled bool) ([]*WorkflowStep, error) {
	query := `SELECT id, workflow_id, ord, action, delay_ns, payload, enabled, created_at
	 FROM workflow_steps WHERE workflow_id = ?`
	if onlyEnabled {
		query += ` AND enabled = 1`
	}
	query += ` ORDER BY ord ASC`

	rows, err := s.db.QueryContext(ctx, query, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*WorkflowStep
	for rows.Next() {
		step, err := scanStep(rows.Scan)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func scanStep(scan func(...any) error) (*WorkflowStep, error) {
	step := &WorkflowStep{}
	var action string
	var delayNs int64
	var payload sql.NullString
	var enabled int
	err := scan(&step.ID, &step.WorkflowID, &step.Order, &action, &delayNs, &payload, &enabled, &step.CreatedAt)
	if err != nil {
		return nil, err
	}
	step.Action = schema.ActionKind(action)
	step.Delay = time.Duration(delayNs)
	step.Payload = rawOrNil(payload)
	step.Enabled = enabled != 0
	return step, nil
}

// --- Runs ---

func (s *LibSQLStore) GetOrCreateRun(ctx context.Context, workflowID, entityID string, now time.Time) (*Run, bool, error) {
	// The unique constraint on (workflow_id, entity_id) resolves concurrent
	// duplicate triggers: exactly one INSERT wins, everyone else reads the
	// winner's row.
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, workflow_id, entity_id, status, started_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(workflow_id, entity_id) DO NOTHING`,
		newID(), workflowID, entityID, string(schema.RunPending), now,
	)
	if err != nil {
		return nil, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	run := &Run{}
	var status string
	var completedAt sql.NullTime
	err = s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, entity_id, status, started_at, completed_at
		 FROM runs WHERE workflow_id = ? AND entity_id = ?`, workflowID, entityID,
	).Scan(&run.ID, &run.WorkflowID, &run.EntityID, &status, &run.StartedAt, &completedAt)
	if err != nil {
		return nil, false, err
	}
	run.Status = schema.RunStatus(status)
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, n > 0, nil
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	run := &Run{}
	var status string
	var completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, entity_id, status, started_at, completed_at
		 FROM runs WHERE id = ?`, id,
	).Scan(&run.ID, &run.WorkflowID, &run.EntityID, &status, &run.StartedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, err
	}
	run.Status = schema.RunStatus(status)
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}

func (s *LibSQLStore) MarkRunInProgress(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ? WHERE id = ? AND status = ?`,
		string(schema.RunInProgress), id, string(schema.RunPending),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *LibSQLStore) CompleteRunIfQuiescent(ctx context.Context, id string, now time.Time) (bool, error) {
	// Single conditional UPDATE: transition happens only while in_progress
	// and no sibling step run remains pending. Writing completed twice is
	// impossible here, and racing callers both observe a consistent result.
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, completed_at = ?
		 WHERE id = ? AND status = ?
		   AND NOT EXISTS (SELECT 1 FROM step_runs WHERE run_id = runs.id AND status = ?)`,
		string(schema.RunCompleted), now, id,
		string(schema.RunInProgress), string(schema.StepRunPending),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *LibSQLStore) CancelRun(ctx context.Context, id string, now time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return 0, storeNotFound("run", id)
	}
	if err != nil {
		return 0, err
	}
	if schema.RunStatus(status).Terminal() {
		return 0, schema.NewErrorf(schema.ErrCodeConflict, "run %q is already %s", id, status)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE step_runs SET status = ?, executed_at = ? WHERE run_id = ? AND status = ?`,
		string(schema.StepRunSkipped), now, id, string(schema.StepRunPending),
	)
	if err != nil {
		return 0, err
	}
	skipped, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, completed_at = ? WHERE id = ?`,
		string(schema.RunCancelled), now, id,
	); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit cancel: %w", err)
	}
	return int(skipped), nil
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := `SELECT id, workflow_id, entity_id, status, started_at, completed_at FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
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

	var runs []*Run
	for rows.Next() {
		run := &Run{}
		var status string
		var completedAt sql.NullTime
		if err := rows.Scan(&run.ID, &run.WorkflowID, &run.EntityID, &status, &run.StartedAt, &completedAt); err != nil {
			return nil, err
		}
		run.Status = schema.RunStatus(status)
		if completedAt.Valid {
			run.CompletedAt = &completedAt.Time
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// --- Step runs ---

func (s *LibSQLStore) CreateStepRun(ctx context.Context, sr *StepRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO step_runs (id, run_id, step_id, status, scheduled_for, error_message)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sr.ID, sr.RunID, sr.StepID, string(sr.Status), sr.ScheduledFor, sr.ErrorMessage,
	)
	if err != nil && isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"run %q already has a step run for step %q", sr.RunID, sr.StepID).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetStepRun(ctx context.Context, id string) (*StepRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, step_id, status, scheduled_for, executed_at, error_message
		 FROM step_runs WHERE id = ?`, id,
	)
	sr, err := scanStepRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("step_run", id)
	}
	return sr, err
}

func (s *LibSQLStore) ListStepRuns(ctx context.Context, runID string) ([]*StepRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step_id, status, scheduled_for, executed_at, error_message
		 FROM step_runs WHERE run_id = ? ORDER BY scheduled_for ASC`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStepRuns(rows)
}

func (s *LibSQLStore) ListDueStepRuns(ctx context.Context, now time.Time, limit int) ([]*StepRun, error) {
	query := `SELECT id, run_id, step_id, status, scheduled_for, executed_at, error_message
	 FROM step_runs WHERE status = ? AND scheduled_for <= ? ORDER BY scheduled_for ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, string(schema.StepRunPending), now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStepRuns(rows)
}

func (s *LibSQLStore) FinishStepRun(ctx context.Context, id string, status schema.StepRunStatus, errMsg string, executedAt time.Time) (bool, error) {
	// Guarded terminal write: only a pending step run transitions. Replayed
	// or concurrently delivered jobs see zero rows affected and back off.
	res, err := s.db.ExecContext(ctx,
		`UPDATE step_runs SET status = ?, error_message = ?, executed_at = ?
		 WHERE id = ? AND status = ?`,
		string(status), errMsg, executedAt, id, string(schema.StepRunPending),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}

	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM step_runs WHERE id = ?`, id).Scan(&exists); err != nil {
		return false, err
	}
	if exists == 0 {
		return false, storeNotFound("step_run", id)
	}
	return false, nil
}

func scanStepRun(scan func(...any) error) (*StepRun, error) {
	sr := &StepRun{}
	var status string
	var executedAt sql.NullTime
	err := scan(&sr.ID, &sr.RunID, &sr.StepID, &status, &sr.ScheduledFor, &executedAt, &sr.ErrorMessage)
	if err != nil {
		return nil, err
	}
	sr.Status = schema.StepRunStatus(status)
	if executedAt.Valid {
		sr.ExecutedAt = &executedAt.Time
	}
	return sr, nil
}

func collectStepRuns(rows *sql.Rows) ([]*StepRun, error) {
	var stepRuns []*StepRun
	for rows.Next() {
		sr, err := scanStepRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		stepRuns = append(stepRuns, sr)
	}
	return stepRuns, rows.Err()
}

// --- Run events ---

func (s *LibSQLStore) AppendRunEvent(ctx context.Context, event *RunEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_events (run_id, step_run_id, event_type, detail, timestamp)
		 VALUES (?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.StepRunID), event.Type, event.Detail, timeOrNow(event.Timestamp),
	)
	return err
}

func (s *LibSQLStore) ListRunEvents(ctx context.Context, filter RunEventFilter) ([]*RunEvent, error) {
	var where []string
	var args []any

	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.Type != "" {
		where = append(where, "event_type = ?")
		args = append(args, filter.Type)
	}

	query := `SELECT id, run_id, step_run_id, event_type, detail, timestamp FROM run_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*RunEvent
	for rows.Next() {
		e := &RunEvent{}
		var stepRunID sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &stepRunID, &e.Type, &e.Detail, &e.Timestamp); err != nil {
			return nil, err
		}
		e.StepRunID = stepRunID.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.AutomatonError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
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

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
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

func nullableJSONMap(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}
