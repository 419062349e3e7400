package store

import (
	"encoding/json"
	"time"

	"github.com/relaycrm/automaton/pkg/schema"
)

// Workflow is a persisted workflow definition. Immutable once referenced by
// a run, except for the active flag.
type Workflow struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Description string               `json:"description,omitempty"`
	Trigger     schema.TriggerKind   `json:"trigger"`
	Filter      schema.TriggerFilter `json:"filter,omitempty"`
	Active      bool                 `json:"active"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

// WorkflowStep is one delayed action within a workflow definition.
// Order is unique within the workflow. Delay is measured from the
// triggering event, not from the previous step.
type WorkflowStep struct {
	ID         string            `json:"id"`
	WorkflowID string            `json:"workflow_id"`
	Order      int               `json:"order"`
	Action     schema.ActionKind `json:"action"`
	Delay      time.Duration     `json:"delay"`
	Payload    json.RawMessage   `json:"payload,omitempty"`
	Enabled    bool              `json:"enabled"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Run is one execution of a workflow against one entity. At most one run
// exists per (workflow, entity) pair, enforced by a unique constraint.
type Run struct {
	ID          string           `json:"id"`
	WorkflowID  string           `json:"workflow_id"`
	EntityID    string           `json:"entity_id"`
	Status      schema.RunStatus `json:"status"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// StepRun is the execution record of one step within one run.
type StepRun struct {
	ID           string               `json:"id"`
	RunID        string               `json:"run_id"`
	StepID       string               `json:"step_id"`
	Status       schema.StepRunStatus `json:"status"`
	ScheduledFor time.Time            `json:"scheduled_for"`
	ExecutedAt   *time.Time           `json:"executed_at,omitempty"`
	ErrorMessage string               `json:"error_message,omitempty"`
}

// RunEvent is an append-only audit entry recording a run or step transition.
type RunEvent struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	StepRunID string    `json:"step_run_id,omitempty"`
	Type      string    `json:"event_type"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Run event types.
const (
	EventRunStarted    = "run_started"
	EventStepScheduled = "step_scheduled"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"
	EventRunCompleted  = "run_completed"
	EventRunCancelled  = "run_cancelled"
)

// --- Filter and update types ---

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	Trigger *schema.TriggerKind `json:"trigger,omitempty"`
	Active  *bool               `json:"active,omitempty"`
	Search  string              `json:"search,omitempty"`
	Limit   int                 `json:"limit,omitempty"`
	Offset  int                 `json:"offset,omitempty"`
}

// WorkflowUpdate specifies mutable fields of a workflow.
type WorkflowUpdate struct {
	Name        *string               `json:"name,omitempty"`
	Description *string               `json:"description,omitempty"`
	Filter      *schema.TriggerFilter `json:"filter,omitempty"`
	Active      *bool                 `json:"active,omitempty"`
}

// StepUpdate specifies mutable fields of a workflow step.
type StepUpdate struct {
	Order   *int             `json:"order,omitempty"`
	Delay   *time.Duration   `json:"delay,omitempty"`
	Payload *json.RawMessage `json:"payload,omitempty"`
	Enabled *bool            `json:"enabled,omitempty"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	WorkflowID string            `json:"workflow_id,omitempty"`
	EntityID   string            `json:"entity_id,omitempty"`
	Status     *schema.RunStatus `json:"status,omitempty"`
	Limit      int               `json:"limit,omitempty"`
	Offset     int               `json:"offset,omitempty"`
}

// RunEventFilter specifies criteria for listing run events.
type RunEventFilter struct {
	RunID string `json:"run_id,omitempty"`
	Type  string `json:"event_type,omitempty"`
	Limit int    `json:"limit,omitempty"`
}
