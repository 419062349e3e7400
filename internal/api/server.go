package api

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/relaycrm/automaton/internal/engine"
	"github.com/relaycrm/automaton/internal/store"
	"github.com/relaycrm/automaton/internal/sweeper"
	"github.com/relaycrm/automaton/internal/trigger"
)

// Deps holds the dependencies for the operator API server.
type Deps struct {
	Store       store.Store
	Definitions *engine.Definitions
	Dispatcher  *trigger.Dispatcher
	Tracker     *engine.Tracker
	Sweeper     *sweeper.Sweeper
	Logger      *slog.Logger
	Version     string
}

// Server serves the JSON operator API.
type Server struct {
	deps Deps
}

// NewServer creates a Server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Workflow definitions.
	mux.HandleFunc("POST /api/workflows", s.handleDefineWorkflow)
	mux.HandleFunc("GET /api/workflows", s.handleListWorkflows)
	mux.HandleFunc("GET /api/workflows/{id}", s.handleGetWorkflow)
	mux.HandleFunc("PATCH /api/workflows/{id}", s.handleUpdateWorkflow)
	mux.HandleFunc("DELETE /api/workflows/{id}", s.handleDeleteWorkflow)
	mux.HandleFunc("POST /api/workflows/validate", s.handleValidateWorkflow)
	mux.HandleFunc("POST /api/workflows/{id}/activate", s.handleActivateWorkflow)
	mux.HandleFunc("POST /api/workflows/{id}/deactivate", s.handleDeactivateWorkflow)
	mux.HandleFunc("POST /api/workflows/{id}/trigger", s.handleTriggerWorkflow)

	// Events.
	mux.HandleFunc("POST /api/events", s.handleDispatchEvent)

	// Runs.
	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	mux.HandleFunc("POST /api/runs/{id}/cancel", s.handleCancelRun)

	// Maintenance.
	mux.HandleFunc("POST /api/sweep", s.handleSweepNow)
	mux.HandleFunc("GET /api/health", s.handleHealth)

	return mux
}
