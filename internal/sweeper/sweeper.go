package sweeper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/relaycrm/automaton/internal/engine"
	"github.com/relaycrm/automaton/internal/store"
)

// Config holds sweeper configuration.
type Config struct {
	// Schedule is a cron expression controlling how often the sweep runs.
	Schedule string
	// BatchLimit caps how many due step runs one sweep picks up. 0 = no cap.
	BatchLimit int
}

// DefaultConfig returns the default sweep cadence.
func DefaultConfig() Config {
	return Config{
		Schedule:   "*/5 * * * *",
		BatchLimit: 500,
	}
}

// Metrics is a snapshot of sweeper counters.
type Metrics struct {
	Sweeps    int64 `json:"sweeps"`
	Recovered int64 `json:"recovered"`
	Failures  int64 `json:"failures"`
}

// Sweeper is the crash-recovery safety net: it periodically scans for step
// runs that are past due yet still pending (their in-memory jobs died with
// the process, or delivery exhausted its retries) and executes them inline.
// Because the executor tolerates duplicate delivery, sweeping a step run
// whose job is still alive is harmless.
type Sweeper struct {
	cfg      Config
	store    store.Store
	executor *engine.Executor
	logger   *slog.Logger
	now      func() time.Time

	cron *cron.Cron

	mu       sync.Mutex
	inflight map[string]struct{}
	metrics  Metrics
}

// New creates a stopped Sweeper.
func New(cfg Config, s store.Store, executor *engine.Executor, logger *slog.Logger) *Sweeper {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultConfig().Schedule
	}
	return &Sweeper{
		cfg:      cfg,
		store:    s,
		executor: executor,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[string]struct{}),
	}
}

// Start registers the sweep on a cron schedule and launches it. An immediate
// sweep also runs at startup to recover anything lost to the last shutdown.
func (s *Sweeper) Start(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(s.cfg.Schedule, func() {
		if _, err := s.SweepDue(ctx); err != nil {
			s.logger.ErrorContext(ctx, "sweep failed", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return err
	}
	s.cron = c
	c.Start()

	go func() {
		if _, err := s.SweepDue(ctx); err != nil {
			s.logger.ErrorContext(ctx, "startup sweep failed", slog.String("error", err.Error()))
		}
	}()

	s.logger.Info("sweeper started", slog.String("schedule", s.cfg.Schedule))
	return nil
}

// Stop halts the cron schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.logger.Info("sweeper stopped")
}

// SweepDue executes every due pending step run once and returns how many
// were recovered. Step runs already being executed by a concurrent sweep are
// skipped via the inflight set.
func (s *Sweeper) SweepDue(ctx context.Context) (int, error) {
	due, err := s.store.ListDueStepRuns(ctx, s.now(), s.cfg.BatchLimit)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.metrics.Sweeps++
	s.mu.Unlock()

	recovered := 0
	for _, sr := range due {
		if ctx.Err() != nil {
			return recovered, ctx.Err()
		}
		if !s.tryAcquire(sr.ID) {
			continue
		}
		err := s.executor.Execute(ctx, sr.ID)
		s.release(sr.ID)

		if err != nil {
			s.mu.Lock()
			s.metrics.Failures++
			s.mu.Unlock()
			s.logger.WarnContext(ctx, "sweep execution failed",
				slog.String("step_run_id", sr.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		recovered++
	}

	if len(due) > 0 {
		s.logger.InfoContext(ctx, "sweep finished",
			slog.Int("due", len(due)),
			slog.Int("recovered", recovered),
		)
	}

	s.mu.Lock()
	s.metrics.Recovered += int64(recovered)
	s.mu.Unlock()
	return recovered, nil
}

// Metrics returns a snapshot of the sweeper counters.
func (s *Sweeper) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}

func (s *Sweeper) tryAcquire(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[id]; busy {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Sweeper) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, id)
}
