package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaycrm/automaton/internal/jobs"
	"github.com/relaycrm/automaton/internal/logging"
	"github.com/relaycrm/automaton/internal/store"
	"github.com/relaycrm/automaton/pkg/schema"
)

// StartResult reports what Start did for one (workflow, entity) pair.
type StartResult struct {
	RunID string `json:"run_id"`
	// AlreadyExecuted is true when a non-pending run already existed for
	// the pair: the duplicate-trigger no-op path.
	AlreadyExecuted bool `json:"already_executed"`
	// Completed is true when the workflow had no enabled steps and the run
	// went straight to completed.
	Completed      bool `json:"completed"`
	StepsScheduled int  `json:"steps_scheduled"`
	SubmitFailures int  `json:"submit_failures"`
}

// jobPayload is the envelope submitted to the delayed-job runtime. The job
// key alone identifies the step run; the payload exists for observability.
type jobPayload struct {
	StepRunID string `json:"step_run_id"`
	RunID     string `json:"run_id"`
}

// Scheduler creates runs and schedules their step runs on the delayed-job
// runtime.
type Scheduler struct {
	store   store.Store
	runtime jobs.Runtime
	logger  *slog.Logger
	now     func() time.Time
}

// NewScheduler creates a Scheduler.
func NewScheduler(s store.Store, rt jobs.Runtime, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:   s,
		runtime: rt,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Start begins a workflow run for an entity.
//
// The run row for (workflowID, entityID) is created atomically; finding an
// existing non-pending run means a duplicate trigger and returns a no-op
// result. Every enabled step gets a step run with scheduled_for computed
// from the shared trigger instant, plus a delayed job keyed by the step run
// ID. Persist-or-submit failures on step k never unwind steps 1..k-1; a
// recorded step run whose job was lost is the sweeper's to recover.
func (s *Scheduler) Start(ctx context.Context, workflowID, entityID string) (*StartResult, error) {
	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if !wf.Active {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q is inactive", workflowID)
	}

	ctx = logging.WithWorkflowID(ctx, workflowID)
	ctx = logging.WithEntityID(ctx, entityID)
	now := s.now()

	run, created, err := s.store.GetOrCreateRun(ctx, workflowID, entityID, now)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithRunID(ctx, run.ID)

	if !created && run.Status != schema.RunPending {
		s.logger.InfoContext(ctx, "run already executed for entity, skipping",
			slog.String("status", string(run.Status)))
		return &StartResult{RunID: run.ID, AlreadyExecuted: true}, nil
	}

	claimed, err := s.store.MarkRunInProgress(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		// A concurrent trigger moved the run out of pending between our read
		// and the update; that caller owns step scheduling.
		s.logger.InfoContext(ctx, "run claimed by a concurrent trigger, skipping")
		return &StartResult{RunID: run.ID, AlreadyExecuted: true}, nil
	}
	s.appendEvent(ctx, run.ID, "", store.EventRunStarted, "workflow "+wf.Name)

	steps, err := s.store.ListSteps(ctx, workflowID, true)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		completed, err := s.store.CompleteRunIfQuiescent(ctx, run.ID, now)
		if err != nil {
			return nil, err
		}
		if completed {
			s.appendEvent(ctx, run.ID, "", store.EventRunCompleted, "no enabled steps")
		}
		return &StartResult{RunID: run.ID, Completed: true}, nil
	}

	result := &StartResult{RunID: run.ID}
	for _, step := range steps {
		sr := &store.StepRun{
			ID:           newID(),
			RunID:        run.ID,
			StepID:       step.ID,
			Status:       schema.StepRunPending,
			ScheduledFor: now.Add(step.Delay),
		}
		if err := s.store.CreateStepRun(ctx, sr); err != nil {
			// Nothing recorded for this step; siblings keep going.
			result.SubmitFailures++
			s.logger.ErrorContext(ctx, "failed to persist step run",
				slog.String("step_id", step.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		s.appendEvent(ctx, run.ID, sr.ID, store.EventStepScheduled,
			fmt.Sprintf("%s at %s", step.Action, sr.ScheduledFor.Format(time.RFC3339)))

		payload, _ := json.Marshal(jobPayload{StepRunID: sr.ID, RunID: run.ID})
		if err := s.runtime.Submit(ctx, sr.ID, payload, sr.ScheduledFor); err != nil {
			// The step run row exists, so the sweeper will pick it up once due.
			result.SubmitFailures++
			s.logger.WarnContext(ctx, "job submission failed, sweeper will recover",
				slog.String("step_run_id", sr.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		result.StepsScheduled++
	}

	s.logger.InfoContext(ctx, "run scheduled",
		slog.Int("steps", result.StepsScheduled),
		slog.Int("failures", result.SubmitFailures),
	)
	return result, nil
}

func (s *Scheduler) appendEvent(ctx context.Context, runID, stepRunID, eventType, detail string) {
	err := s.store.AppendRunEvent(ctx, &store.RunEvent{
		RunID:     runID,
		StepRunID: stepRunID,
		Type:      eventType,
		Detail:    detail,
		Timestamp: s.now(),
	})
	if err != nil {
		s.logger.WarnContext(ctx, "failed to append run event",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()),
		)
	}
}
