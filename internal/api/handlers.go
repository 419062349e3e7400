package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/relaycrm/automaton/internal/store"
	"github.com/relaycrm/automaton/internal/trigger"
	"github.com/relaycrm/automaton/pkg/schema"
)

// handleDefineWorkflow validates and persists a workflow definition.
func (s *Server) handleDefineWorkflow(w http.ResponseWriter, r *http.Request) {
	var def schema.WorkflowDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	wf, err := s.deps.Definitions.Define(r.Context(), &def)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wf)
}

// handleValidateWorkflow dry-runs definition validation.
func (s *Server) handleValidateWorkflow(w http.ResponseWriter, r *http.Request) {
	var def schema.WorkflowDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	result := s.deps.Definitions.Validate(&def)
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":    result.Valid(),
		"errors":   result.Errors,
		"warnings": result.Warnings,
	})
}

// handleListWorkflows lists workflows with optional trigger/active filters.
func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	filter := store.WorkflowFilter{
		Search: r.URL.Query().Get("search"),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}
	if v := r.URL.Query().Get("trigger"); v != "" {
		kind := schema.TriggerKind(v)
		if !kind.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown trigger kind %q", v))
			return
		}
		filter.Trigger = &kind
	}
	if v := r.URL.Query().Get("active"); v != "" {
		active := v == "true"
		filter.Active = &active
	}

	workflows, err := s.deps.Store.ListWorkflows(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": workflows, "count": len(workflows)})
}

// handleGetWorkflow returns a workflow with its steps.
func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	wf, err := s.deps.Store.GetWorkflow(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	steps, err := s.deps.Store.ListSteps(r.Context(), id, false)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflow": wf, "steps": steps})
}

// handleUpdateWorkflow patches mutable workflow fields.
func (s *Server) handleUpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var update store.WorkflowUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	if err := s.deps.Store.UpdateWorkflow(r.Context(), id, update); err != nil {
		writeDomainError(w, err)
		return
	}
	wf, err := s.deps.Store.GetWorkflow(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// handleDeleteWorkflow removes a workflow that has no runs.
func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := s.deps.Store.DeleteWorkflow(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true", "id": id})
}

func (s *Server) handleActivateWorkflow(w http.ResponseWriter, r *http.Request) {
	s.setActive(w, r, true)
}

func (s *Server) handleDeactivateWorkflow(w http.ResponseWriter, r *http.Request) {
	s.setActive(w, r, false)
}

func (s *Server) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	id := r.PathValue("id")

	if err := s.deps.Definitions.SetActive(r.Context(), id, active); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "active": active})
}

// handleTriggerWorkflow starts a manual workflow for one entity.
func (s *Server) handleTriggerWorkflow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var body struct {
		EntityID string `json:"entity_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	result, err := s.deps.Dispatcher.TriggerManual(r.Context(), id, body.EntityID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

// handleDispatchEvent fans a business event out to matching workflows.
func (s *Server) handleDispatchEvent(w http.ResponseWriter, r *http.Request) {
	var event trigger.Event
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	result, err := s.deps.Dispatcher.Dispatch(r.Context(), event)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

// handleListRuns lists runs with optional workflow/entity/status filters.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := store.RunFilter{
		WorkflowID: r.URL.Query().Get("workflow_id"),
		EntityID:   r.URL.Query().Get("entity_id"),
		Limit:      queryInt(r, "limit", 50),
		Offset:     queryInt(r, "offset", 0),
	}
	if v := r.URL.Query().Get("status"); v != "" {
		status := schema.RunStatus(v)
		filter.Status = &status
	}

	runs, err := s.deps.Store.ListRuns(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

// handleGetRun returns a run with its step runs and audit events.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	run, err := s.deps.Store.GetRun(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	stepRuns, err := s.deps.Store.ListStepRuns(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	events, err := s.deps.Store.ListRunEvents(r.Context(), store.RunEventFilter{RunID: id})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run":       run,
		"step_runs": stepRuns,
		"events":    events,
	})
}

// handleCancelRun skips a run's remaining steps and finalizes it.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	skipped, err := s.deps.Tracker.Cancel(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": id, "steps_skipped": skipped})
}

// handleSweepNow runs one sweep immediately.
func (s *Server) handleSweepNow(w http.ResponseWriter, r *http.Request) {
	recovered, err := s.deps.Sweeper.SweepDue(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recovered": recovered})
}

// handleHealth reports liveness and sweeper counters.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.deps.Version,
		"sweeper": s.deps.Sweeper.Metrics(),
	})
}
