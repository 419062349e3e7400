package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/relaycrm/automaton/internal/store"
	"github.com/relaycrm/automaton/pkg/schema"
)

// DefinitionValidator checks a workflow definition before persistence.
type DefinitionValidator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) *schema.ValidationResult
}

// Definitions turns JSON-facing workflow definitions into persisted
// workflows and steps. It is the write path shared by the operator API and
// the agent tool surface.
type Definitions struct {
	store     store.Store
	validator DefinitionValidator
	logger    *slog.Logger
	now       func() time.Time
}

// NewDefinitions creates a Definitions service.
func NewDefinitions(s store.Store, validator DefinitionValidator, logger *slog.Logger) *Definitions {
	return &Definitions{
		store:     s,
		validator: validator,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Define validates the definition and persists the workflow with its steps.
// New workflows default to active unless the definition says otherwise.
func (d *Definitions) Define(ctx context.Context, def *schema.WorkflowDefinition) (*store.Workflow, error) {
	result := d.validator.ValidateDefinition(def)
	if err := result.ToError(); err != nil {
		return nil, err
	}

	now := d.now()
	wf := &store.Workflow{
		ID:          newID(),
		Name:        def.Name,
		Description: def.Description,
		Trigger:     def.Trigger,
		Filter:      def.Filter,
		Active:      def.Active == nil || *def.Active,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := d.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, err
	}

	for _, stepDef := range def.Steps {
		delay, err := stepDef.ParseDelay()
		if err != nil {
			// Validation already rejected bad delays; this guards direct callers.
			return nil, err
		}
		step := &store.WorkflowStep{
			ID:         newID(),
			WorkflowID: wf.ID,
			Order:      stepDef.Order,
			Action:     stepDef.Action,
			Delay:      delay,
			Payload:    stepDef.Payload,
			Enabled:    stepDef.Enabled == nil || *stepDef.Enabled,
			CreatedAt:  now,
		}
		if err := d.store.CreateStep(ctx, step); err != nil {
			return nil, err
		}
	}

	d.logger.InfoContext(ctx, "workflow defined",
		slog.String("workflow_id", wf.ID),
		slog.String("name", wf.Name),
		slog.String("trigger", string(wf.Trigger)),
		slog.Int("steps", len(def.Steps)),
	)
	return wf, nil
}

// Validate runs definition validation without persisting anything.
func (d *Definitions) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	return d.validator.ValidateDefinition(def)
}

// Describe reads a workflow and its steps back into definition form.
func (d *Definitions) Describe(ctx context.Context, workflowID string) (*schema.WorkflowDefinition, error) {
	wf, err := d.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	steps, err := d.store.ListSteps(ctx, workflowID, false)
	if err != nil {
		return nil, err
	}

	def := &schema.WorkflowDefinition{
		Name:        wf.Name,
		Description: wf.Description,
		Trigger:     wf.Trigger,
		Filter:      wf.Filter,
		Active:      &wf.Active,
	}
	for _, step := range steps {
		enabled := step.Enabled
		sd := schema.StepDefinition{
			Order:   step.Order,
			Action:  step.Action,
			Payload: step.Payload,
			Enabled: &enabled,
		}
		if step.Delay > 0 {
			sd.Delay = step.Delay.String()
		}
		def.Steps = append(def.Steps, sd)
	}
	return def, nil
}

// SetActive flips a workflow's active flag. Deactivating stops new runs from
// starting; runs already scheduled keep executing.
func (d *Definitions) SetActive(ctx context.Context, workflowID string, active bool) error {
	if err := d.store.UpdateWorkflow(ctx, workflowID, store.WorkflowUpdate{Active: &active}); err != nil {
		return err
	}
	d.logger.InfoContext(ctx, "workflow active flag changed",
		slog.String("workflow_id", workflowID),
		slog.Bool("active", active),
	)
	return nil
}
