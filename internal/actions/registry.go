package actions

import (
	"sort"
	"sync"

	"github.com/relaycrm/automaton/internal/crm"
	"github.com/relaycrm/automaton/pkg/schema"
)

// Registry is a thread-safe map from action kind to handler. It is pure
// lookup state; registration happens once at wiring time.
type Registry struct {
	mu      sync.RWMutex
	actions map[schema.ActionKind]Action
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		actions: make(map[schema.ActionKind]Action),
	}
}

// NewDefaultRegistry creates a Registry with all five built-in actions
// wired to the given collaborators.
func NewDefaultRegistry(entities crm.EntityStore, dispatcher crm.MessageDispatcher) (*Registry, error) {
	r := NewRegistry()
	builtins := []Action{
		&SendMessageAction{Dispatcher: dispatcher},
		&AddTagAction{Entities: entities},
		&ChangeStatusAction{Entities: entities},
		&AssignOwnerAction{Entities: entities},
		&WaitAction{},
	}
	for _, a := range builtins {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds an action to the registry. Returns error on duplicate kind.
func (r *Registry) Register(action Action) error {
	if action == nil {
		return schema.NewError(schema.ErrCodeValidation, "action is nil")
	}
	kind := action.Kind()
	if !kind.Valid() {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown action kind %q", kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.actions[kind]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "action %q already registered", kind)
	}

	r.actions[kind] = action
	return nil
}

// Get retrieves an action by kind.
func (r *Registry) Get(kind schema.ActionKind) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	action, ok := r.actions[kind]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "action %q not registered", kind)
	}
	return action, nil
}

// Has checks if an action kind is registered.
func (r *Registry) Has(kind schema.ActionKind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.actions[kind]
	return ok
}

// Kinds returns all registered action kinds, sorted.
func (r *Registry) Kinds() []schema.ActionKind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]schema.ActionKind, 0, len(r.actions))
	for k := range r.actions {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Count returns the number of registered actions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actions)
}
