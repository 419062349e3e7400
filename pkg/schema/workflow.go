package schema

import (
	"encoding/json"
	"time"
)

// TriggerKind enumerates the business events that can start a workflow.
type TriggerKind string

const (
	TriggerEntityCreated TriggerKind = "entity_created"
	TriggerStageChanged  TriggerKind = "stage_changed"
	TriggerManual        TriggerKind = "manual"
	TriggerTagAdded      TriggerKind = "tag_added"
	TriggerEntityUpdated TriggerKind = "entity_updated"
)

// TriggerKinds lists all valid trigger kinds.
var TriggerKinds = []TriggerKind{
	TriggerEntityCreated,
	TriggerStageChanged,
	TriggerManual,
	TriggerTagAdded,
	TriggerEntityUpdated,
}

// Valid reports whether k is a known trigger kind.
func (k TriggerKind) Valid() bool {
	for _, known := range TriggerKinds {
		if k == known {
			return true
		}
	}
	return false
}

// ActionKind enumerates the actions a workflow step can perform.
type ActionKind string

const (
	ActionSendMessage  ActionKind = "send_message"
	ActionAddTag       ActionKind = "add_tag"
	ActionChangeStatus ActionKind = "change_status"
	ActionAssignOwner  ActionKind = "assign_owner"
	ActionWait         ActionKind = "wait"
)

// ActionKinds lists all valid action kinds.
var ActionKinds = []ActionKind{
	ActionSendMessage,
	ActionAddTag,
	ActionChangeStatus,
	ActionAssignOwner,
	ActionWait,
}

// Valid reports whether k is a known action kind.
func (k ActionKind) Valid() bool {
	for _, known := range ActionKinds {
		if k == known {
			return true
		}
	}
	return false
}

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

const (
	// RunPending is a transient pre-scheduling state. A run observed as
	// pending by a later trigger attempt means "schedule now", not "done".
	RunPending    RunStatus = "pending"
	RunInProgress RunStatus = "in_progress"
	RunCompleted  RunStatus = "completed"
	RunCancelled  RunStatus = "cancelled"
)

// Terminal reports whether the run status is final.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunCancelled
}

// StepRunStatus is the lifecycle state of a single scheduled step.
// A step run is either pending or terminal; there is no in-progress state.
type StepRunStatus string

const (
	StepRunPending   StepRunStatus = "pending"
	StepRunCompleted StepRunStatus = "completed"
	StepRunFailed    StepRunStatus = "failed"
	StepRunSkipped   StepRunStatus = "skipped"
)

// Terminal reports whether the step run status is final.
func (s StepRunStatus) Terminal() bool {
	return s != StepRunPending
}

// TriggerFilter is a flat key/value matcher evaluated against event payloads.
// Every key in the filter must be present and equal in the payload; an empty
// filter matches every event of the workflow's trigger kind.
type TriggerFilter map[string]any

// Matches evaluates the filter against an event payload.
func (f TriggerFilter) Matches(payload map[string]any) bool {
	for key, want := range f {
		got, ok := payload[key]
		if !ok || !jsonEqual(want, got) {
			return false
		}
	}
	return true
}

// jsonEqual compares two JSON-decoded scalar values. Numbers are compared
// after normalizing to float64, everything else via marshaled form.
func jsonEqual(a, b any) bool {
	if a == b {
		return true
	}
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		return af == bf
	}
	aj, err1 := json.Marshal(a)
	bj, err2 := json.Marshal(b)
	return err1 == nil && err2 == nil && string(aj) == string(bj)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// StepDefinition is the JSON-facing shape of a workflow step as accepted by
// the operator API and MCP define tool. Delay is a Go duration string
// measured from the triggering event, not from the previous step.
type StepDefinition struct {
	Order   int             `json:"order"`
	Action  ActionKind      `json:"action"`
	Delay   string          `json:"delay,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Enabled *bool           `json:"enabled,omitempty"`
}

// ParseDelay converts the delay string into a duration. An empty delay
// means the step fires at trigger time.
func (d StepDefinition) ParseDelay() (time.Duration, error) {
	if d.Delay == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(d.Delay)
	if err != nil {
		return 0, NewErrorf(ErrCodeValidation, "invalid delay %q", d.Delay).WithCause(err)
	}
	if dur < 0 {
		return 0, NewErrorf(ErrCodeValidation, "negative delay %q", d.Delay)
	}
	return dur, nil
}

// WorkflowDefinition is the JSON-facing shape of a full workflow as accepted
// by the operator API and MCP define tool.
type WorkflowDefinition struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Trigger     TriggerKind      `json:"trigger"`
	Filter      TriggerFilter    `json:"filter,omitempty"`
	Active      *bool            `json:"active,omitempty"`
	Steps       []StepDefinition `json:"steps,omitempty"`
}
