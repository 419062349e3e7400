package trigger

import (
	"context"
	"log/slog"

	"github.com/relaycrm/automaton/internal/engine"
	"github.com/relaycrm/automaton/internal/logging"
	"github.com/relaycrm/automaton/internal/store"
	"github.com/relaycrm/automaton/pkg/schema"
)

// Event is one business event entering the dispatcher: what happened, to
// which entity, with the payload the workflow filters are matched against.
type Event struct {
	Kind     schema.TriggerKind `json:"kind"`
	EntityID string             `json:"entity_id"`
	Payload  map[string]any     `json:"payload,omitempty"`
}

// Result summarizes one dispatch: which workflows matched and what starting
// each of them produced.
type Result struct {
	Matched  int             `json:"matched"`
	Started  []*StartOutcome `json:"started,omitempty"`
	Failures int             `json:"failures"`
}

// StartOutcome pairs a matched workflow with its scheduling result. Err is
// set when starting that workflow failed; siblings are unaffected.
type StartOutcome struct {
	WorkflowID string              `json:"workflow_id"`
	Result     *engine.StartResult `json:"result,omitempty"`
	Err        string              `json:"error,omitempty"`
}

// Dispatcher fans one business event out to every matching active workflow.
type Dispatcher struct {
	store     store.Store
	scheduler *engine.Scheduler
	logger    *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(s store.Store, scheduler *engine.Scheduler, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{store: s, scheduler: scheduler, logger: logger}
}

// Dispatch finds every active workflow whose trigger kind matches the event,
// applies its filter to the payload, and starts a run for each match. A
// failure to start one workflow is recorded and does not stop the rest.
func (d *Dispatcher) Dispatch(ctx context.Context, event Event) (*Result, error) {
	if !event.Kind.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown trigger kind %q", event.Kind)
	}
	if event.EntityID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "entity id is required")
	}

	ctx = logging.WithEntityID(ctx, event.EntityID)

	active := true
	kind := event.Kind
	workflows, err := d.store.ListWorkflows(ctx, store.WorkflowFilter{
		Trigger: &kind,
		Active:  &active,
	})
	if err != nil {
		return nil, err
	}

	result := &Result{}
	for _, wf := range workflows {
		if !wf.Filter.Matches(event.Payload) {
			continue
		}
		result.Matched++

		outcome := &StartOutcome{WorkflowID: wf.ID}
		res, err := d.scheduler.Start(ctx, wf.ID, event.EntityID)
		if err != nil {
			outcome.Err = err.Error()
			result.Failures++
			d.logger.ErrorContext(ctx, "failed to start workflow for event",
				slog.String("workflow_id", wf.ID),
				slog.String("trigger", string(event.Kind)),
				slog.String("error", err.Error()),
			)
		} else {
			outcome.Result = res
		}
		result.Started = append(result.Started, outcome)
	}

	d.logger.InfoContext(ctx, "event dispatched",
		slog.String("trigger", string(event.Kind)),
		slog.Int("matched", result.Matched),
		slog.Int("failures", result.Failures),
	)
	return result, nil
}

// TriggerManual starts a single named workflow directly, bypassing trigger
// matching. The workflow must still be active; only workflows declaring the
// manual trigger kind can be started this way.
func (d *Dispatcher) TriggerManual(ctx context.Context, workflowID, entityID string) (*engine.StartResult, error) {
	if entityID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "entity id is required")
	}
	wf, err := d.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.Trigger != schema.TriggerManual {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"workflow %q has trigger %q, only manual workflows can be triggered directly", workflowID, wf.Trigger)
	}
	return d.scheduler.Start(ctx, workflowID, entityID)
}
