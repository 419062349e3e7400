package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaycrm/automaton/internal/logging"
	"github.com/relaycrm/automaton/internal/store"
)

// Tracker finalizes runs: it recomputes run status after each step reaches
// a terminal state, and carries the operator-driven cancellation path.
type Tracker struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewTracker creates a Tracker.
func NewTracker(s store.Store, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:  s,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Recompute completes the run if no sibling step run is still pending.
// The store performs the check-and-set as one conditional update, so two
// racing callers finishing the last two steps cannot complete the run
// twice; whichever loses simply sees no rows affected.
func (t *Tracker) Recompute(ctx context.Context, runID string) error {
	ctx = logging.WithRunID(ctx, runID)

	completed, err := t.store.CompleteRunIfQuiescent(ctx, runID, t.now())
	if err != nil {
		return err
	}
	if !completed {
		return nil
	}

	t.appendEvent(ctx, runID, store.EventRunCompleted, "")
	t.logger.InfoContext(ctx, "run completed")
	return nil
}

// Cancel is the explicit operator operation: remaining pending step runs
// are marked skipped and the run is finalized as cancelled. Nothing in the
// engine calls this on its own.
func (t *Tracker) Cancel(ctx context.Context, runID string) (int, error) {
	ctx = logging.WithRunID(ctx, runID)

	skipped, err := t.store.CancelRun(ctx, runID, t.now())
	if err != nil {
		return 0, err
	}

	t.appendEvent(ctx, runID, store.EventRunCancelled, fmt.Sprintf("%d steps skipped", skipped))
	t.logger.InfoContext(ctx, "run cancelled", slog.Int("steps_skipped", skipped))
	return skipped, nil
}

func (t *Tracker) appendEvent(ctx context.Context, runID, eventType, detail string) {
	err := t.store.AppendRunEvent(ctx, &store.RunEvent{
		RunID:     runID,
		Type:      eventType,
		Detail:    detail,
		Timestamp: t.now(),
	})
	if err != nil {
		t.logger.WarnContext(ctx, "failed to append run event",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()),
		)
	}
}
