package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/relaycrm/automaton/internal/store"
	"github.com/relaycrm/automaton/internal/trigger"
	"github.com/relaycrm/automaton/pkg/schema"
)

// handleDefine validates and registers a workflow definition.
func (s *AutomatonServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	// Marshal then unmarshal to get a proper WorkflowDefinition.
	defBytes, marshalErr := json.Marshal(defRaw)
	if marshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", marshalErr)), nil
	}
	var def schema.WorkflowDefinition
	if unmarshalErr := json.Unmarshal(defBytes, &def); unmarshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", unmarshalErr)), nil
	}

	if req.GetBool("validate_only", false) {
		result := s.definitions.Validate(&def)
		return marshalResult(map[string]any{
			"valid":    result.Valid(),
			"errors":   result.Errors,
			"warnings": result.Warnings,
		})
	}

	wf, defineErr := s.definitions.Define(ctx, &def)
	if defineErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("define failed: %v", defineErr)), nil
	}

	return marshalResult(map[string]any{
		"workflow_id": wf.ID,
		"name":        wf.Name,
		"trigger":     wf.Trigger,
		"active":      wf.Active,
	})
}

// handleTrigger emits a business event or starts a manual workflow.
func (s *AutomatonServer) handleTrigger(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	entityID, err := req.RequireString("entity_id")
	if err != nil {
		return mcp.NewToolResultError("entity_id is required"), nil
	}

	if workflowID := req.GetString("workflow_id", ""); workflowID != "" {
		result, startErr := s.dispatcher.TriggerManual(ctx, workflowID, entityID)
		if startErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("trigger failed: %v", startErr)), nil
		}
		return marshalResult(result)
	}

	kind := req.GetString("kind", "")
	if kind == "" {
		return mcp.NewToolResultError("either kind or workflow_id is required"), nil
	}

	result, dispatchErr := s.dispatcher.Dispatch(ctx, trigger.Event{
		Kind:     schema.TriggerKind(kind),
		EntityID: entityID,
		Payload:  mcp.ParseStringMap(req, "payload", nil),
	})
	if dispatchErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("dispatch failed: %v", dispatchErr)), nil
	}
	return marshalResult(result)
}

// handleStatus returns a run with its step runs and audit events.
func (s *AutomatonServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	run, runErr := s.store.GetRun(ctx, runID)
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", runErr)), nil
	}
	stepRuns, srErr := s.store.ListStepRuns(ctx, runID)
	if srErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", srErr)), nil
	}
	events, evErr := s.store.ListRunEvents(ctx, store.RunEventFilter{RunID: runID})
	if evErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", evErr)), nil
	}

	return marshalResult(map[string]any{
		"run":       run,
		"step_runs": stepRuns,
		"events":    events,
	})
}

// handleCancel cancels a run.
func (s *AutomatonServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	skipped, cancelErr := s.tracker.Cancel(ctx, runID)
	if cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}

	return marshalResult(map[string]any{
		"ok":            true,
		"run_id":        runID,
		"steps_skipped": skipped,
	})
}

// handleQuery lists workflows, runs, or events based on filters.
func (s *AutomatonServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "workflows":
		return s.queryWorkflows(ctx, filter)
	case "runs":
		return s.queryRuns(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

func (s *AutomatonServer) queryWorkflows(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	wf := store.WorkflowFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if trig, ok := filter["trigger"].(string); ok && trig != "" {
		kind := schema.TriggerKind(trig)
		wf.Trigger = &kind
	}
	if active, ok := filter["active"].(bool); ok {
		wf.Active = &active
	}
	if search, ok := filter["search"].(string); ok {
		wf.Search = search
	}

	workflows, err := s.store.ListWorkflows(ctx, wf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"workflows": workflows})
}

func (s *AutomatonServer) queryRuns(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	rf := store.RunFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if wfID, ok := filter["workflow_id"].(string); ok {
		rf.WorkflowID = wfID
	}
	if entityID, ok := filter["entity_id"].(string); ok {
		rf.EntityID = entityID
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		rs := schema.RunStatus(status)
		rf.Status = &rs
	}

	runs, err := s.store.ListRuns(ctx, rf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"runs": runs})
}

func (s *AutomatonServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.RunEventFilter{
		Limit: extractInt(filter, "limit", 100),
	}
	if runID, ok := filter["run_id"].(string); ok {
		ef.RunID = runID
	}
	if eventType, ok := filter["event_type"].(string); ok {
		ef.Type = eventType
	}
	if ef.RunID == "" && ef.Type == "" {
		return mcp.NewToolResultError("event query requires either 'run_id' or 'event_type' in filter"), nil
	}

	events, err := s.store.ListRunEvents(ctx, ef)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

// --- Internal helpers ---

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
