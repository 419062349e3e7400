// Package crm defines the boundary to the CRM collaborators the engine
// consumes: the entity/record store and the outbound message dispatcher.
// The engine only ever talks to these interfaces; the libSQL adapters in
// this package exist so the binary runs self-contained.
package crm

import (
	"context"
	"time"
)

// Entity is a CRM record (contact, company, deal) as seen by the engine.
// The engine reads it and issues explicit field commands; it never holds a
// mutable handle to the underlying record.
type Entity struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Email     string    `json:"email,omitempty"`
	Status    string    `json:"status,omitempty"`
	OwnerID   string    `json:"owner_id,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Owner is a CRM user entities can be assigned to.
type Owner struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// MessageTemplate is an outbound message template referenced by
// send_message steps.
type MessageTemplate struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Subject   string    `json:"subject,omitempty"`
	Body      string    `json:"body,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// EntityStore is the engine's view of the CRM record store. Each command
// persists immediately and is durable on return. Lookups of unknown IDs
// return a NOT_FOUND error.
type EntityStore interface {
	GetEntity(ctx context.Context, id string) (*Entity, error)
	SetTags(ctx context.Context, id string, tags []string) error
	SetStatus(ctx context.Context, id string, status string) error
	// SetOwner fails with NOT_FOUND if the owner is unknown.
	SetOwner(ctx context.Context, id string, ownerID string) error
}

// MessageDispatcher hands an outbound message to the delivery subsystem.
// Enqueue returns as soon as the message is queued; delivery outcome is
// never awaited by the engine.
type MessageDispatcher interface {
	Enqueue(ctx context.Context, entityID, templateID string) (dispatchID string, err error)
}
