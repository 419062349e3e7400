package actions

import (
	"context"
	"encoding/json"

	"github.com/relaycrm/automaton/internal/crm"
	"github.com/relaycrm/automaton/pkg/schema"
)

const reasonInvalidData = "invalid action data"

// SendMessageAction hands an outbound message off to the dispatcher.
// The step completes as soon as the message is queued; delivery outcome is
// tracked by the messaging subsystem, not by the run.
type SendMessageAction struct {
	Dispatcher crm.MessageDispatcher
}

func (a *SendMessageAction) Kind() schema.ActionKind { return schema.ActionSendMessage }

func (a *SendMessageAction) PayloadSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"required": ["template_id"],
		"properties": {
			"template_id": {"type": "string", "minLength": 1}
		},
		"additionalProperties": false
	}`)
}

func (a *SendMessageAction) Execute(ctx context.Context, in Input) (Outcome, error) {
	payload, err := schema.DecodePayload(schema.ActionSendMessage, in.Payload)
	if err != nil {
		return Failed(reasonInvalidData), nil
	}
	p := payload.(*schema.SendMessagePayload)
	if p.TemplateID == "" {
		return Failed("no template"), nil
	}
	if _, err := a.Dispatcher.Enqueue(ctx, in.EntityID, p.TemplateID); err != nil {
		return Outcome{}, err
	}
	return Completed(), nil
}

// AddTagAction merges one tag into the entity's tag set.
type AddTagAction struct {
	Entities crm.EntityStore
}

func (a *AddTagAction) Kind() schema.ActionKind { return schema.ActionAddTag }

func (a *AddTagAction) PayloadSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"required": ["tag"],
		"properties": {
			"tag": {"type": "string"}
		},
		"additionalProperties": false
	}`)
}

func (a *AddTagAction) Execute(ctx context.Context, in Input) (Outcome, error) {
	payload, err := schema.DecodePayload(schema.ActionAddTag, in.Payload)
	if err != nil {
		return Failed(reasonInvalidData), nil
	}
	p := payload.(*schema.AddTagPayload)
	if p.Tag == "" {
		// Empty tag is a no-op write, still a successful step.
		return Completed(), nil
	}

	entity, err := a.Entities.GetEntity(ctx, in.EntityID)
	if err != nil {
		return Outcome{}, err
	}
	for _, existing := range entity.Tags {
		if existing == p.Tag {
			return Completed(), nil
		}
	}
	if err := a.Entities.SetTags(ctx, in.EntityID, append(entity.Tags, p.Tag)); err != nil {
		return Outcome{}, err
	}
	return Completed(), nil
}

// ChangeStatusAction sets the entity's status field.
type ChangeStatusAction struct {
	Entities crm.EntityStore
}

func (a *ChangeStatusAction) Kind() schema.ActionKind { return schema.ActionChangeStatus }

func (a *ChangeStatusAction) PayloadSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"required": ["status"],
		"properties": {
			"status": {"type": "string"}
		},
		"additionalProperties": false
	}`)
}

func (a *ChangeStatusAction) Execute(ctx context.Context, in Input) (Outcome, error) {
	payload, err := schema.DecodePayload(schema.ActionChangeStatus, in.Payload)
	if err != nil {
		return Failed(reasonInvalidData), nil
	}
	p := payload.(*schema.ChangeStatusPayload)
	if p.Status == "" {
		return Completed(), nil
	}
	if err := a.Entities.SetStatus(ctx, in.EntityID, p.Status); err != nil {
		return Outcome{}, err
	}
	return Completed(), nil
}

// AssignOwnerAction sets the entity's owner. An unknown owner is a local
// failure, not a retryable error: retrying will not make the owner exist.
type AssignOwnerAction struct {
	Entities crm.EntityStore
}

func (a *AssignOwnerAction) Kind() schema.ActionKind { return schema.ActionAssignOwner }

func (a *AssignOwnerAction) PayloadSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"required": ["owner_id"],
		"properties": {
			"owner_id": {"type": "string", "minLength": 1}
		},
		"additionalProperties": false
	}`)
}

func (a *AssignOwnerAction) Execute(ctx context.Context, in Input) (Outcome, error) {
	payload, err := schema.DecodePayload(schema.ActionAssignOwner, in.Payload)
	if err != nil {
		return Failed("invalid action data or owner not found"), nil
	}
	p := payload.(*schema.AssignOwnerPayload)
	if p.OwnerID == "" {
		return Completed(), nil
	}
	if err := a.Entities.SetOwner(ctx, in.EntityID, p.OwnerID); err != nil {
		if schema.IsNotFound(err) {
			return Failed("invalid action data or owner not found"), nil
		}
		return Outcome{}, err
	}
	return Completed(), nil
}

// WaitAction completes unconditionally. The wait itself was enforced by the
// step's scheduled due time; nothing remains to do when the job fires.
type WaitAction struct{}

func (a *WaitAction) Kind() schema.ActionKind { return schema.ActionWait }

func (a *WaitAction) PayloadSchema() json.RawMessage {
	return json.RawMessage(`{"type": "object", "additionalProperties": false}`)
}

func (a *WaitAction) Execute(ctx context.Context, in Input) (Outcome, error) {
	return Completed(), nil
}
