package schema

import (
	"bytes"
	"encoding/json"
)

// Action payloads form a tagged union keyed by the step's ActionKind.
// Each variant carries only the fields its kind needs. Payloads are
// validated when a workflow is defined, and re-validated defensively at
// execution time so that rows written before a schema change still fail
// softly instead of crashing the executor.

// SendMessagePayload configures a send_message step.
type SendMessagePayload struct {
	TemplateID string `json:"template_id"`
}

// AddTagPayload configures an add_tag step.
type AddTagPayload struct {
	Tag string `json:"tag"`
}

// ChangeStatusPayload configures a change_status step.
type ChangeStatusPayload struct {
	Status string `json:"status"`
}

// AssignOwnerPayload configures an assign_owner step.
type AssignOwnerPayload struct {
	OwnerID string `json:"owner_id"`
}

// WaitPayload configures a wait step. It carries no fields; the delay is
// enforced entirely by the step's scheduled due time.
type WaitPayload struct{}

// DecodePayload unmarshals raw into the variant for the given kind.
// A nil or empty payload decodes to the zero variant, which the executor
// treats as a no-op for kinds with optional values.
func DecodePayload(kind ActionKind, raw json.RawMessage) (any, error) {
	var dst any
	switch kind {
	case ActionSendMessage:
		dst = &SendMessagePayload{}
	case ActionAddTag:
		dst = &AddTagPayload{}
	case ActionChangeStatus:
		dst = &ChangeStatusPayload{}
	case ActionAssignOwner:
		dst = &AssignOwnerPayload{}
	case ActionWait:
		dst = &WaitPayload{}
	default:
		return nil, NewErrorf(ErrCodeValidation, "unknown action kind %q", kind)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return dst, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(dst); err != nil {
		return nil, NewErrorf(ErrCodeInvalidActionData, "invalid action data for %s", kind).WithCause(err)
	}
	return dst, nil
}
