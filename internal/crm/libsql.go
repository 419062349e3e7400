package crm

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relaycrm/automaton/pkg/schema"
)

// LibSQLEntityStore implements EntityStore on the shared libSQL database.
// Tags are stored comma-joined, matching the upstream CRM schema.
type LibSQLEntityStore struct {
	db *sql.DB
}

// NewLibSQLEntityStore wraps an open database. Tables come from the store
// package's migrations.
func NewLibSQLEntityStore(db *sql.DB) *LibSQLEntityStore {
	return &LibSQLEntityStore{db: db}
}

func (s *LibSQLEntityStore) GetEntity(ctx context.Context, id string) (*Entity, error) {
	e := &Entity{}
	var ownerID sql.NullString
	var tags string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, email, status, owner_id, tags, created_at, updated_at
		 FROM entities WHERE id = ?`, id,
	).Scan(&e.ID, &e.Name, &e.Email, &e.Status, &ownerID, &tags, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "entity %q not found", id)
	}
	if err != nil {
		return nil, err
	}
	e.OwnerID = ownerID.String
	e.Tags = SplitTags(tags)
	return e, nil
}

func (s *LibSQLEntityStore) SetTags(ctx context.Context, id string, tags []string) error {
	return s.setField(ctx, id, "tags", JoinTags(tags))
}

func (s *LibSQLEntityStore) SetStatus(ctx context.Context, id string, status string) error {
	return s.setField(ctx, id, "status", status)
}

func (s *LibSQLEntityStore) SetOwner(ctx context.Context, id string, ownerID string) error {
	var exists int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM owners WHERE id = ?`, ownerID,
	).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "owner %q not found", ownerID)
	}
	return s.setField(ctx, id, "owner_id", ownerID)
}

func (s *LibSQLEntityStore) setField(ctx context.Context, id, column, value string) error {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE entities SET %s = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, column),
		value, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "entity %q not found", id)
	}
	return nil
}

// CreateEntity inserts a new entity, generating an ID when absent.
func (s *LibSQLEntityStore) CreateEntity(ctx context.Context, e *Entity) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Status == "" {
		e.Status = "lead"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entities (id, name, email, status, owner_id, tags) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Name, e.Email, e.Status, nullStr(e.OwnerID), JoinTags(e.Tags),
	)
	return err
}

// CreateOwner inserts a new owner, generating an ID when absent.
func (s *LibSQLEntityStore) CreateOwner(ctx context.Context, o *Owner) error {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO owners (id, name, email) VALUES (?, ?, ?)`,
		o.ID, o.Name, o.Email,
	)
	return err
}

// CreateTemplate inserts a new message template, generating an ID when absent.
func (s *LibSQLEntityStore) CreateTemplate(ctx context.Context, t *MessageTemplate) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO message_templates (id, name, subject, body) VALUES (?, ?, ?, ?)`,
		t.ID, t.Name, t.Subject, t.Body,
	)
	return err
}

// OutboxMessage is a queued outbound message awaiting external delivery.
type OutboxMessage struct {
	ID         string    `json:"id"`
	EntityID   string    `json:"entity_id"`
	TemplateID string    `json:"template_id"`
	Status     string    `json:"status"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// LibSQLDispatcher implements MessageDispatcher by writing an outbox row.
// Actual delivery (rendering, provider calls, tracking) is a separate
// subsystem draining the outbox.
type LibSQLDispatcher struct {
	db *sql.DB
}

// NewLibSQLDispatcher wraps an open database.
func NewLibSQLDispatcher(db *sql.DB) *LibSQLDispatcher {
	return &LibSQLDispatcher{db: db}
}

func (d *LibSQLDispatcher) Enqueue(ctx context.Context, entityID, templateID string) (string, error) {
	id := uuid.New().String()
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO message_outbox (id, entity_id, template_id, status) VALUES (?, ?, ?, 'queued')`,
		id, entityID, templateID,
	)
	if err != nil {
		return "", err
	}
	return id, nil
}

// ListOutbox returns queued messages for an entity, newest first.
func (d *LibSQLDispatcher) ListOutbox(ctx context.Context, entityID string) ([]*OutboxMessage, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, entity_id, template_id, status, enqueued_at
		 FROM message_outbox WHERE entity_id = ? ORDER BY enqueued_at DESC`, entityID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*OutboxMessage
	for rows.Next() {
		m := &OutboxMessage{}
		if err := rows.Scan(&m.ID, &m.EntityID, &m.TemplateID, &m.Status, &m.EnqueuedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// SplitTags parses a comma-joined tag string into a clean slice.
func SplitTags(raw string) []string {
	var tags []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// JoinTags renders a tag slice back to the comma-joined storage form.
func JoinTags(tags []string) string {
	return strings.Join(tags, ",")
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
