package schema

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_Valid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
	require.NoError(t, r.ToError())

	r.AddWarning("/steps", "no_steps", "workflow has no steps")
	assert.True(t, r.Valid())
	require.NoError(t, r.ToError())

	r.AddError("/name", "required", "name is required")
	assert.False(t, r.Valid())
}

func TestValidationResult_ToError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("/trigger", "enum", "unknown trigger kind")

	err := r.ToError()
	require.Error(t, err)

	var autoErr *AutomatonError
	require.True(t, errors.As(err, &autoErr))
	assert.Equal(t, ErrCodeValidation, autoErr.Code)
	assert.Equal(t, "unknown trigger kind", autoErr.Message)
	assert.Equal(t, 1, autoErr.Details["error_count"])

	r.AddError("/steps/0/delay", "invalid_delay", "negative delay")
	err = r.ToError()
	var multiErr *AutomatonError
	require.True(t, errors.As(err, &multiErr))
	assert.Contains(t, multiErr.Message, "2 errors")
}

func TestDecodePayload_Variants(t *testing.T) {
	p, err := DecodePayload(ActionSendMessage, json.RawMessage(`{"template_id":"tpl-1"}`))
	require.NoError(t, err)
	assert.Equal(t, "tpl-1", p.(*SendMessagePayload).TemplateID)

	p, err = DecodePayload(ActionAddTag, json.RawMessage(`{"tag":"hot-lead"}`))
	require.NoError(t, err)
	assert.Equal(t, "hot-lead", p.(*AddTagPayload).Tag)

	p, err = DecodePayload(ActionChangeStatus, json.RawMessage(`{"status":"customer"}`))
	require.NoError(t, err)
	assert.Equal(t, "customer", p.(*ChangeStatusPayload).Status)

	p, err = DecodePayload(ActionAssignOwner, json.RawMessage(`{"owner_id":"u-9"}`))
	require.NoError(t, err)
	assert.Equal(t, "u-9", p.(*AssignOwnerPayload).OwnerID)

	_, err = DecodePayload(ActionWait, nil)
	require.NoError(t, err)
}

func TestDecodePayload_Empty(t *testing.T) {
	p, err := DecodePayload(ActionAddTag, nil)
	require.NoError(t, err)
	assert.Empty(t, p.(*AddTagPayload).Tag)
}

func TestDecodePayload_Malformed(t *testing.T) {
	_, err := DecodePayload(ActionSendMessage, json.RawMessage(`{"template_id":`))
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeInvalidActionData))
}

func TestDecodePayload_UnknownKind(t *testing.T) {
	_, err := DecodePayload(ActionKind("explode"), nil)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeValidation))
}

func TestIsCode_Wrapped(t *testing.T) {
	inner := NewError(ErrCodeNotFound, "entity missing")
	outer := NewError(ErrCodeExecution, "step failed").WithCause(inner)

	assert.True(t, IsNotFound(outer))
	assert.True(t, IsCode(outer, ErrCodeExecution))
	assert.False(t, IsConflict(outer))
}
