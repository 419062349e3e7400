package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/relaycrm/automaton/internal/actions"
	"github.com/relaycrm/automaton/internal/jobs"
	"github.com/relaycrm/automaton/internal/logging"
	"github.com/relaycrm/automaton/internal/store"
	"github.com/relaycrm/automaton/pkg/schema"
)

// Executor runs one due step against one entity and records the terminal
// outcome. It is the handler behind every delayed job and every sweeper
// resubmission, so it must tolerate duplicate and concurrent delivery.
type Executor struct {
	store    store.Store
	registry *actions.Registry
	tracker  *Tracker
	logger   *slog.Logger
	now      func() time.Time
}

// NewExecutor creates an Executor.
func NewExecutor(s store.Store, registry *actions.Registry, tracker *Tracker, logger *slog.Logger) *Executor {
	return &Executor{
		store:    s,
		registry: registry,
		tracker:  tracker,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// HandleJob adapts Execute to the delayed-job runtime's handler signature.
// The job key is the step run ID.
func (e *Executor) HandleJob(ctx context.Context, jobKey string, _ json.RawMessage) error {
	return e.Execute(ctx, jobKey)
}

// Execute performs the step run's action and persists its terminal state.
//
// Lookup failures (step run, run, step) propagate to the caller and are
// retried per the job runtime's redelivery policy. Payload problems are
// converted into a Failed terminal state locally and never retried. A step
// run already terminal is a replayed delivery and a silent no-op.
func (e *Executor) Execute(ctx context.Context, stepRunID string) error {
	ctx = logging.WithStepRunID(ctx, stepRunID)

	sr, err := e.store.GetStepRun(ctx, stepRunID)
	if err != nil {
		return err
	}
	if sr.Status.Terminal() {
		e.logger.DebugContext(ctx, "step run already terminal, ignoring replay",
			slog.String("status", string(sr.Status)))
		return nil
	}

	run, err := e.store.GetRun(ctx, sr.RunID)
	if err != nil {
		return err
	}
	step, err := e.store.GetStep(ctx, sr.StepID)
	if err != nil {
		return err
	}
	ctx = logging.WithRunID(ctx, run.ID)
	ctx = logging.WithWorkflowID(ctx, run.WorkflowID)
	ctx = logging.WithEntityID(ctx, run.EntityID)

	var outcome actions.Outcome
	action, err := e.registry.Get(step.Action)
	if err != nil {
		// A kind with no registered handler cannot succeed on retry either.
		outcome = actions.Failed("unknown action " + string(step.Action))
	} else {
		outcome, err = action.Execute(ctx, actions.Input{
			EntityID: run.EntityID,
			Payload:  step.Payload,
		})
		if err != nil {
			return err
		}
	}

	applied, err := e.store.FinishStepRun(ctx, sr.ID, outcome.Status, outcome.ErrorMessage, e.now())
	if err != nil {
		return err
	}
	if !applied {
		// Lost a race with a concurrent delivery that already finished it.
		e.logger.DebugContext(ctx, "step run finished concurrently")
		return nil
	}

	eventType := store.EventStepCompleted
	if outcome.Status == schema.StepRunFailed {
		eventType = store.EventStepFailed
	}
	e.appendEvent(ctx, run.ID, sr.ID, eventType, outcome.ErrorMessage)

	e.logger.InfoContext(ctx, "step executed",
		slog.String("action", string(step.Action)),
		slog.String("status", string(outcome.Status)),
	)

	return e.tracker.Recompute(ctx, run.ID)
}

func (e *Executor) appendEvent(ctx context.Context, runID, stepRunID, eventType, detail string) {
	err := e.store.AppendRunEvent(ctx, &store.RunEvent{
		RunID:     runID,
		StepRunID: stepRunID,
		Type:      eventType,
		Detail:    detail,
		Timestamp: e.now(),
	})
	if err != nil {
		e.logger.WarnContext(ctx, "failed to append run event",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()),
		)
	}
}

// compile-time check: the executor is a valid job handler.
var _ jobs.Handler = (*Executor)(nil).HandleJob
