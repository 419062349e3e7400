package store

import (
	"context"
	"time"

	"github.com/relaycrm/automaton/pkg/schema"
)

// Store defines the persistence layer contract for all engine-owned state.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflow definitions
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error)
	// DeleteWorkflow removes a workflow and its steps. It fails with a
	// CONFLICT error while any run still references the workflow.
	DeleteWorkflow(ctx context.Context, id string) error

	// Workflow steps
	CreateStep(ctx context.Context, step *WorkflowStep) error
	GetStep(ctx context.Context, id string) (*WorkflowStep, error)
	UpdateStep(ctx context.Context, id string, update StepUpdate) error
	DeleteStep(ctx context.Context, id string) error
	// ListSteps returns the steps of a workflow ordered by ord ascending.
	ListSteps(ctx context.Context, workflowID string, onlyEnabled bool) ([]*WorkflowStep, error)

	// Runs
	//
	// GetOrCreateRun atomically creates the run for (workflowID, entityID)
	// or returns the existing one. The unique constraint on the pair is the
	// idempotency anchor: concurrent duplicate triggers must resolve to a
	// single row, never to an error.
	GetOrCreateRun(ctx context.Context, workflowID, entityID string, now time.Time) (run *Run, created bool, err error)
	GetRun(ctx context.Context, id string) (*Run, error)
	// MarkRunInProgress transitions a pending run to in_progress. Returns
	// false without error if the run was not pending.
	MarkRunInProgress(ctx context.Context, id string) (bool, error)
	// CompleteRunIfQuiescent atomically completes the run iff it is
	// in_progress and no sibling step run is still pending. Idempotent:
	// returns false without error when the condition does not hold.
	CompleteRunIfQuiescent(ctx context.Context, id string, now time.Time) (bool, error)
	// CancelRun marks all remaining pending step runs as skipped and
	// finalizes the run as cancelled, in one transaction. Returns the
	// number of skipped step runs.
	CancelRun(ctx context.Context, id string, now time.Time) (int, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// Step runs
	CreateStepRun(ctx context.Context, sr *StepRun) error
	GetStepRun(ctx context.Context, id string) (*StepRun, error)
	ListStepRuns(ctx context.Context, runID string) ([]*StepRun, error)
	// ListDueStepRuns returns pending step runs with scheduled_for <= now,
	// oldest first, capped at limit (0 = no cap).
	ListDueStepRuns(ctx context.Context, now time.Time, limit int) ([]*StepRun, error)
	// FinishStepRun records a terminal status for a pending step run.
	// Returns false without error if the step run was already terminal,
	// which makes duplicate job delivery harmless.
	FinishStepRun(ctx context.Context, id string, status schema.StepRunStatus, errMsg string, executedAt time.Time) (bool, error)

	// Audit trail
	AppendRunEvent(ctx context.Context, event *RunEvent) error
	ListRunEvents(ctx context.Context, filter RunEventFilter) ([]*RunEvent, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
