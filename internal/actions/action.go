package actions

import (
	"context"
	"encoding/json"

	"github.com/relaycrm/automaton/pkg/schema"
)

// Action executes one kind of workflow step against one entity.
//
// Execute separates two failure channels. A returned error is fatal to the
// attempt and propagates to the delayed-job runtime, whose redelivery policy
// governs retries (entity store down, database unreachable). A Failed
// Outcome is a local, terminal verdict: the step run ends Failed with the
// given reason and is never retried (malformed payload, unknown owner).
type Action interface {
	Kind() schema.ActionKind
	// PayloadSchema returns the JSON Schema used to validate this action's
	// payload when a workflow is defined.
	PayloadSchema() json.RawMessage
	Execute(ctx context.Context, in Input) (Outcome, error)
}

// Input is the data provided to an action at execution time.
type Input struct {
	EntityID string
	Payload  json.RawMessage
}

// Outcome is the terminal verdict of an action execution.
type Outcome struct {
	Status       schema.StepRunStatus
	ErrorMessage string
}

// Completed is the success outcome.
func Completed() Outcome {
	return Outcome{Status: schema.StepRunCompleted}
}

// Failed builds a failed outcome with the given reason.
func Failed(reason string) Outcome {
	return Outcome{Status: schema.StepRunFailed, ErrorMessage: reason}
}
