package actions

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycrm/automaton/internal/crm"
	"github.com/relaycrm/automaton/pkg/schema"
)

// mockEntities is an in-memory crm.EntityStore.
type mockEntities struct {
	entities map[string]*crm.Entity
	owners   map[string]bool
	failWith error
}

func newMockEntities() *mockEntities {
	return &mockEntities{
		entities: make(map[string]*crm.Entity),
		owners:   make(map[string]bool),
	}
}

func (m *mockEntities) GetEntity(_ context.Context, id string) (*crm.Entity, error) {
	if m.failWith != nil {
		return nil, m.failWith
	}
	e, ok := m.entities[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "entity %q not found", id)
	}
	cp := *e
	return &cp, nil
}

func (m *mockEntities) SetTags(_ context.Context, id string, tags []string) error {
	if m.failWith != nil {
		return m.failWith
	}
	m.entities[id].Tags = tags
	return nil
}

func (m *mockEntities) SetStatus(_ context.Context, id string, status string) error {
	if m.failWith != nil {
		return m.failWith
	}
	m.entities[id].Status = status
	return nil
}

func (m *mockEntities) SetOwner(_ context.Context, id string, ownerID string) error {
	if m.failWith != nil {
		return m.failWith
	}
	if !m.owners[ownerID] {
		return schema.NewErrorf(schema.ErrCodeNotFound, "owner %q not found", ownerID)
	}
	m.entities[id].OwnerID = ownerID
	return nil
}

// mockDispatcher records enqueued messages.
type mockDispatcher struct {
	enqueued []string
	failWith error
}

func (m *mockDispatcher) Enqueue(_ context.Context, entityID, templateID string) (string, error) {
	if m.failWith != nil {
		return "", m.failWith
	}
	m.enqueued = append(m.enqueued, entityID+":"+templateID)
	return "msg-1", nil
}

func seedEntity(m *mockEntities, id string, tags ...string) {
	m.entities[id] = &crm.Entity{ID: id, Status: "lead", Tags: tags}
}

// --- SendMessageAction ---

func TestSendMessage_Success(t *testing.T) {
	d := &mockDispatcher{}
	a := &SendMessageAction{Dispatcher: d}

	out, err := a.Execute(context.Background(), Input{
		EntityID: "e-1",
		Payload:  json.RawMessage(`{"template_id":"tpl-1"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, schema.StepRunCompleted, out.Status)
	assert.Equal(t, []string{"e-1:tpl-1"}, d.enqueued)
}

func TestSendMessage_MalformedPayloadFailsLocally(t *testing.T) {
	a := &SendMessageAction{Dispatcher: &mockDispatcher{}}

	out, err := a.Execute(context.Background(), Input{
		EntityID: "e-1",
		Payload:  json.RawMessage(`{"template_id":`),
	})
	require.NoError(t, err)
	assert.Equal(t, schema.StepRunFailed, out.Status)
	assert.NotEmpty(t, out.ErrorMessage)
}

func TestSendMessage_MissingTemplateFailsLocally(t *testing.T) {
	a := &SendMessageAction{Dispatcher: &mockDispatcher{}}

	out, err := a.Execute(context.Background(), Input{EntityID: "e-1"})
	require.NoError(t, err)
	assert.Equal(t, schema.StepRunFailed, out.Status)
}

func TestSendMessage_DispatcherErrorPropagates(t *testing.T) {
	d := &mockDispatcher{failWith: errors.New("smtp relay down")}
	a := &SendMessageAction{Dispatcher: d}

	_, err := a.Execute(context.Background(), Input{
		EntityID: "e-1",
		Payload:  json.RawMessage(`{"template_id":"tpl-1"}`),
	})
	require.Error(t, err)
}

// --- AddTagAction ---

func TestAddTag_MergesWithoutDuplicates(t *testing.T) {
	m := newMockEntities()
	seedEntity(m, "e-1", "vip")
	a := &AddTagAction{Entities: m}

	out, err := a.Execute(context.Background(), Input{
		EntityID: "e-1",
		Payload:  json.RawMessage(`{"tag":"welcomed"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, schema.StepRunCompleted, out.Status)
	assert.Equal(t, []string{"vip", "welcomed"}, m.entities["e-1"].Tags)

	// Adding the same tag again is a no-op.
	out, err = a.Execute(context.Background(), Input{
		EntityID: "e-1",
		Payload:  json.RawMessage(`{"tag":"welcomed"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, schema.StepRunCompleted, out.Status)
	assert.Equal(t, []string{"vip", "welcomed"}, m.entities["e-1"].Tags)
}

func TestAddTag_EmptyTagIsNoop(t *testing.T) {
	m := newMockEntities()
	seedEntity(m, "e-1")
	a := &AddTagAction{Entities: m}

	out, err := a.Execute(context.Background(), Input{EntityID: "e-1"})
	require.NoError(t, err)
	assert.Equal(t, schema.StepRunCompleted, out.Status)
}

func TestAddTag_StoreErrorPropagates(t *testing.T) {
	m := newMockEntities()
	m.failWith = errors.New("database locked")
	a := &AddTagAction{Entities: m}

	_, err := a.Execute(context.Background(), Input{
		EntityID: "e-1",
		Payload:  json.RawMessage(`{"tag":"x"}`),
	})
	require.Error(t, err)
}

// --- ChangeStatusAction ---

func TestChangeStatus_Success(t *testing.T) {
	m := newMockEntities()
	seedEntity(m, "e-1")
	a := &ChangeStatusAction{Entities: m}

	out, err := a.Execute(context.Background(), Input{
		EntityID: "e-1",
		Payload:  json.RawMessage(`{"status":"customer"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, schema.StepRunCompleted, out.Status)
	assert.Equal(t, "customer", m.entities["e-1"].Status)
}

func TestChangeStatus_MalformedPayloadFailsLocally(t *testing.T) {
	a := &ChangeStatusAction{Entities: newMockEntities()}

	out, err := a.Execute(context.Background(), Input{
		EntityID: "e-1",
		Payload:  json.RawMessage(`[1,2]`),
	})
	require.NoError(t, err)
	assert.Equal(t, schema.StepRunFailed, out.Status)
}

// --- AssignOwnerAction ---

func TestAssignOwner_Success(t *testing.T) {
	m := newMockEntities()
	seedEntity(m, "e-1")
	m.owners["u-1"] = true
	a := &AssignOwnerAction{Entities: m}

	out, err := a.Execute(context.Background(), Input{
		EntityID: "e-1",
		Payload:  json.RawMessage(`{"owner_id":"u-1"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, schema.StepRunCompleted, out.Status)
	assert.Equal(t, "u-1", m.entities["e-1"].OwnerID)
}

func TestAssignOwner_UnknownOwnerFailsLocally(t *testing.T) {
	m := newMockEntities()
	seedEntity(m, "e-1")
	a := &AssignOwnerAction{Entities: m}

	out, err := a.Execute(context.Background(), Input{
		EntityID: "e-1",
		Payload:  json.RawMessage(`{"owner_id":"ghost"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, schema.StepRunFailed, out.Status)
	assert.NotEmpty(t, out.ErrorMessage)
}

func TestAssignOwner_StoreErrorPropagates(t *testing.T) {
	m := newMockEntities()
	m.failWith = errors.New("database locked")
	a := &AssignOwnerAction{Entities: m}

	_, err := a.Execute(context.Background(), Input{
		EntityID: "e-1",
		Payload:  json.RawMessage(`{"owner_id":"u-1"}`),
	})
	require.Error(t, err)
}

// --- WaitAction ---

func TestWait_AlwaysCompletes(t *testing.T) {
	a := &WaitAction{}
	out, err := a.Execute(context.Background(), Input{EntityID: "e-1"})
	require.NoError(t, err)
	assert.Equal(t, schema.StepRunCompleted, out.Status)
}

// --- Registry wiring ---

func TestNewDefaultRegistry(t *testing.T) {
	reg, err := NewDefaultRegistry(newMockEntities(), &mockDispatcher{})
	require.NoError(t, err)
	assert.Equal(t, len(schema.ActionKinds), reg.Count())
	for _, k := range schema.ActionKinds {
		assert.True(t, reg.Has(k), string(k))
	}
}

func TestPayloadSchemas_AreValidJSON(t *testing.T) {
	reg, err := NewDefaultRegistry(newMockEntities(), &mockDispatcher{})
	require.NoError(t, err)

	for _, kind := range reg.Kinds() {
		a, err := reg.Get(kind)
		require.NoError(t, err)
		raw := a.PayloadSchema()
		if len(raw) == 0 {
			continue
		}
		var doc map[string]any
		require.NoError(t, json.Unmarshal(raw, &doc), string(kind))
	}
}
