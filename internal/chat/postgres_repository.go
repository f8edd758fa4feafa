package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of pgxpool.Pool (and pgx.Tx) the repository uses.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository persists chat entities in Postgres.
type PostgresRepository struct {
	db Querier
}

func NewPostgresRepository(db Querier) *PostgresRepository {
	if db == nil {
		panic("chat: pgx pool required")
	}
	return &PostgresRepository{db: db}
}

const contactColumns = `id, organization_id, external_id, phone_number, name, email, blocked, tags, last_active_at, created_at, updated_at`

const conversationColumns = `id, organization_id, external_id, contact_id, channel, sector, assigned_member_id,
	status, is_private, opened_at, closed_at, total_unread, created_at, updated_at`

func (r *PostgresRepository) FindContactByExternalID(ctx context.Context, externalID string) (*Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM contacts WHERE external_id = $1`
	return scanContact(r.db.QueryRow(ctx, query, externalID))
}

// FindContactByPhone returns the oldest contact registered under phone.
func (r *PostgresRepository) FindContactByPhone(ctx context.Context, phone string) (*Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM contacts WHERE phone_number = $1 ORDER BY created_at ASC LIMIT 1`
	return scanContact(r.db.QueryRow(ctx, query, phone))
}

func (r *PostgresRepository) CreateContact(ctx context.Context, contact *Contact) error {
	if contact.ID == uuid.Nil {
		contact.ID = uuid.New()
	}
	query := `
		INSERT INTO contacts (id, organization_id, external_id, phone_number, name, email, blocked, tags, last_active_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (external_id) WHERE external_id IS NOT NULL DO UPDATE SET
			organization_id = COALESCE(NULLIF(EXCLUDED.organization_id, ''), contacts.organization_id),
			phone_number = COALESCE(NULLIF(EXCLUDED.phone_number, ''), contacts.phone_number),
			name = COALESCE(NULLIF(EXCLUDED.name, ''), contacts.name),
			email = COALESCE(NULLIF(EXCLUDED.email, ''), contacts.email),
			tags = COALESCE(EXCLUDED.tags, contacts.tags),
			last_active_at = GREATEST(contacts.last_active_at, EXCLUDED.last_active_at),
			updated_at = now()
		RETURNING ` + contactColumns
	stored, err := scanContact(r.db.QueryRow(ctx, query,
		contact.ID, contact.OrganizationID, contact.ExternalID, contact.PhoneNumber,
		contact.Name, contact.Email, contact.Blocked, contact.Tags, contact.LastActiveAt,
	))
	if err != nil {
		return fmt.Errorf("chat: create contact: %w", err)
	}
	*contact = *stored
	return nil
}

func (r *PostgresRepository) UpdateContact(ctx context.Context, contact *Contact) error {
	query := `
		UPDATE contacts
		SET organization_id = $2, external_id = $3, phone_number = $4, name = $5, email = $6,
			blocked = $7, tags = $8, last_active_at = $9, updated_at = now()
		WHERE id = $1
	`
	ct, err := r.db.Exec(ctx, query,
		contact.ID, contact.OrganizationID, contact.ExternalID, contact.PhoneNumber,
		contact.Name, contact.Email, contact.Blocked, contact.Tags, contact.LastActiveAt,
	)
	if err != nil {
		return fmt.Errorf("chat: update contact: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) FindConversationByExternalID(ctx context.Context, externalID string) (*Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE external_id = $1`
	return scanConversation(r.db.QueryRow(ctx, query, externalID))
}

func (r *PostgresRepository) CreateConversation(ctx context.Context, conv *Conversation) error {
	if conv.ID == uuid.Nil {
		conv.ID = uuid.New()
	}
	query := `
		INSERT INTO conversations (id, organization_id, external_id, contact_id, channel, sector, assigned_member_id,
			status, is_private, opened_at, closed_at, total_unread)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (external_id) DO UPDATE SET updated_at = conversations.updated_at
		RETURNING ` + conversationColumns
	stored, err := scanConversation(r.db.QueryRow(ctx, query,
		conv.ID, conv.OrganizationID, conv.ExternalID, conv.ContactID, conv.Channel, conv.Sector,
		conv.AssignedMemberID, string(conv.Status), conv.IsPrivate, conv.OpenedAt, conv.ClosedAt, conv.TotalUnread,
	))
	if err != nil {
		return fmt.Errorf("chat: create conversation: %w", err)
	}
	*conv = *stored
	return nil
}

func (r *PostgresRepository) UpdateConversation(ctx context.Context, conv *Conversation) error {
	query := `
		UPDATE conversations
		SET organization_id = $2, channel = $3, sector = $4, assigned_member_id = $5, status = $6,
			is_private = $7, opened_at = $8, closed_at = $9, total_unread = $10, updated_at = now()
		WHERE id = $1
	`
	ct, err := r.db.Exec(ctx, query,
		conv.ID, conv.OrganizationID, conv.Channel, conv.Sector, conv.AssignedMemberID, string(conv.Status),
		conv.IsPrivate, conv.OpenedAt, conv.ClosedAt, conv.TotalUnread,
	)
	if err != nil {
		return fmt.Errorf("chat: update conversation: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) InsertMessage(ctx context.Context, msg *Message) (bool, error) {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO messages (id, organization_id, external_id, conversation_id, contact_id, direction, source,
			content, message_type, state, event_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (external_id) DO NOTHING
	`
	ct, err := r.db.Exec(ctx, query,
		msg.ID, msg.OrganizationID, msg.ExternalID, msg.ConversationID, msg.ContactID,
		string(msg.Direction), string(msg.Source), msg.Content, msg.MessageType, msg.State,
		msg.EventAt, msg.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("chat: insert message: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

func (r *PostgresRepository) UpdateMessageState(ctx context.Context, externalID, state string) error {
	state = strings.TrimSpace(state)
	if state == "" {
		return nil
	}
	query := `UPDATE messages SET state = $2 WHERE external_id = $1 AND state IS DISTINCT FROM $2`
	if _, err := r.db.Exec(ctx, query, externalID, state); err != nil {
		return fmt.Errorf("chat: update message state: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListMessages(ctx context.Context, conversationID uuid.UUID) ([]Message, error) {
	query := `
		SELECT id, organization_id, external_id, conversation_id, contact_id, direction, source,
			content, message_type, state, event_at, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY event_at ASC, created_at ASC
	`
	rows, err := r.db.Query(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("chat: list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var direction, source string
		if err := rows.Scan(&m.ID, &m.OrganizationID, &m.ExternalID, &m.ConversationID, &m.ContactID,
			&direction, &source, &m.Content, &m.MessageType, &m.State, &m.EventAt, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("chat: scan message: %w", err)
		}
		m.Direction = Direction(direction)
		m.Source = Source(source)
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListOpenConversations returns conversations not yet closed, most recently
// updated first.
func (r *PostgresRepository) ListOpenConversations(ctx context.Context, limit int) ([]Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations
		WHERE status <> 'closed'
		ORDER BY updated_at DESC
		LIMIT $1`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("chat: list open conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *conv)
	}
	return out, rows.Err()
}

func scanContact(row pgx.Row) (*Contact, error) {
	var c Contact
	err := row.Scan(&c.ID, &c.OrganizationID, &c.ExternalID, &c.PhoneNumber, &c.Name, &c.Email,
		&c.Blocked, &c.Tags, &c.LastActiveAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("chat: scan contact: %w", err)
	}
	return &c, nil
}

func scanConversation(row pgx.Row) (*Conversation, error) {
	var c Conversation
	var status string
	err := row.Scan(&c.ID, &c.OrganizationID, &c.ExternalID, &c.ContactID, &c.Channel, &c.Sector,
		&c.AssignedMemberID, &status, &c.IsPrivate, &c.OpenedAt, &c.ClosedAt, &c.TotalUnread,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("chat: scan conversation: %w", err)
	}
	c.Status = ConversationStatus(status)
	return &c, nil
}
