package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/relaycrm/automaton/internal/actions"
	"github.com/relaycrm/automaton/internal/api"
	"github.com/relaycrm/automaton/internal/crm"
	"github.com/relaycrm/automaton/internal/engine"
	"github.com/relaycrm/automaton/internal/jobs"
	"github.com/relaycrm/automaton/internal/logging"
	"github.com/relaycrm/automaton/internal/store"
	"github.com/relaycrm/automaton/internal/sweeper"
	"github.com/relaycrm/automaton/internal/trigger"
	"github.com/relaycrm/automaton/internal/validation"
	mcpserver "github.com/relaycrm/automaton/pkg/mcp"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		printVersion()
		return
	}

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "automaton:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	// CRM adapters share the engine's database.
	entities := crm.NewLibSQLEntityStore(st.DB())
	outbox := crm.NewLibSQLDispatcher(st.DB())

	registry, err := actions.NewDefaultRegistry(entities, outbox)
	if err != nil {
		return fmt.Errorf("build action registry: %w", err)
	}
	validator, err := validation.NewValidator(registry)
	if err != nil {
		return fmt.Errorf("build validator: %w", err)
	}

	definitions := engine.NewDefinitions(st, validator, logger)
	tracker := engine.NewTracker(st, logger)
	executor := engine.NewExecutor(st, registry, tracker, logger)

	queueCfg := jobs.DefaultTimerQueueConfig()
	queueCfg.Workers = cfg.PoolSize
	queue := jobs.NewTimerQueue(queueCfg, executor.HandleJob, logger)
	if err := queue.Start(ctx); err != nil {
		return fmt.Errorf("start job runtime: %w", err)
	}
	defer queue.Stop()

	scheduler := engine.NewScheduler(st, queue, logger)
	dispatcher := trigger.NewDispatcher(st, scheduler, logger)

	sweepCfg := sweeper.DefaultConfig()
	sweepCfg.Schedule = cfg.SweepSchedule
	sw := sweeper.New(sweepCfg, st, executor, logger)
	if err := sw.Start(ctx); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}
	defer sw.Stop()

	if cfg.MCP {
		mcpSrv := mcpserver.NewAutomatonServer(mcpserver.AutomatonServerDeps{
			Store:       st,
			Definitions: definitions,
			Dispatcher:  dispatcher,
			Tracker:     tracker,
			Logger:      logger,
		})
		logger.Info("serving MCP over stdio")
		return mcpSrv.Serve(ctx)
	}

	apiSrv := api.NewServer(api.Deps{
		Store:       st,
		Definitions: definitions,
		Dispatcher:  dispatcher,
		Tracker:     tracker,
		Sweeper:     sw,
		Logger:      logger,
		Version:     version,
	})

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           apiSrv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("addr", cfg.ListenAddr), slog.String("version", version))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// newLogger builds the process logger: JSON to stderr with correlation IDs
// injected from the context.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
