package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Repository persists contacts, conversations and messages.
//
// CreateContact and CreateConversation are upserts keyed by external id: when
// a concurrent writer already created the row, the stored row wins, the given
// values are sparse-merged into it and the entity's ID is replaced.
type Repository interface {
	FindContactByExternalID(ctx context.Context, externalID string) (*Contact, error)
	FindContactByPhone(ctx context.Context, phone string) (*Contact, error)
	CreateContact(ctx context.Context, contact *Contact) error
	UpdateContact(ctx context.Context, contact *Contact) error

	FindConversationByExternalID(ctx context.Context, externalID string) (*Conversation, error)
	CreateConversation(ctx context.Context, conv *Conversation) error
	UpdateConversation(ctx context.Context, conv *Conversation) error

	// InsertMessage stores msg unless its external id already exists, in
	// which case created is false and nothing is written.
	InsertMessage(ctx context.Context, msg *Message) (created bool, err error)
	UpdateMessageState(ctx context.Context, externalID, state string) error
	ListMessages(ctx context.Context, conversationID uuid.UUID) ([]Message, error)
}

// MemoryRepository is an in-process Repository for development and tests.
type MemoryRepository struct {
	mu            sync.RWMutex
	contacts      map[uuid.UUID]Contact
	conversations map[uuid.UUID]Conversation
	messages      map[string]Message
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		contacts:      make(map[uuid.UUID]Contact),
		conversations: make(map[uuid.UUID]Conversation),
		messages:      make(map[string]Message),
	}
}

func (r *MemoryRepository) FindContactByExternalID(_ context.Context, externalID string) (*Contact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.contacts {
		if c.ExternalID != nil && *c.ExternalID == externalID {
			return cloneContact(c), nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryRepository) FindContactByPhone(_ context.Context, phone string) (*Contact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var match *Contact
	for _, c := range r.contacts {
		if c.PhoneNumber != phone {
			continue
		}
		if match == nil || c.CreatedAt.Before(match.CreatedAt) {
			match = cloneContact(c)
		}
	}
	if match == nil {
		return nil, ErrNotFound
	}
	return match, nil
}

// ContactIDsByPhone returns every contact id registered under phone.
func (r *MemoryRepository) ContactIDsByPhone(_ context.Context, phone string) ([]uuid.UUID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []uuid.UUID
	for id, c := range r.contacts {
		if c.PhoneNumber == phone {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (r *MemoryRepository) CreateContact(_ context.Context, contact *Contact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	if contact.ExternalID != nil {
		for id, existing := range r.contacts {
			if existing.ExternalID != nil && *existing.ExternalID == *contact.ExternalID {
				existing.Apply(patchFromContact(*contact))
				existing.UpdatedAt = now
				r.contacts[id] = existing
				*contact = *cloneContact(existing)
				return nil
			}
		}
	}
	if contact.ID == uuid.Nil {
		contact.ID = uuid.New()
	}
	contact.CreatedAt = now
	contact.UpdatedAt = now
	r.contacts[contact.ID] = *cloneContact(*contact)
	return nil
}

func (r *MemoryRepository) UpdateContact(_ context.Context, contact *Contact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.contacts[contact.ID]; !ok {
		return ErrNotFound
	}
	contact.UpdatedAt = time.Now().UTC()
	r.contacts[contact.ID] = *cloneContact(*contact)
	return nil
}

func (r *MemoryRepository) FindConversationByExternalID(_ context.Context, externalID string) (*Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.conversations {
		if c.ExternalID == externalID {
			conv := c
			return &conv, nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryRepository) CreateConversation(_ context.Context, conv *Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.conversations {
		if existing.ExternalID == conv.ExternalID {
			*conv = existing
			return nil
		}
	}
	now := time.Now().UTC()
	if conv.ID == uuid.Nil {
		conv.ID = uuid.New()
	}
	conv.CreatedAt = now
	conv.UpdatedAt = now
	r.conversations[conv.ID] = *conv
	return nil
}

func (r *MemoryRepository) UpdateConversation(_ context.Context, conv *Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conversations[conv.ID]; !ok {
		return ErrNotFound
	}
	conv.UpdatedAt = time.Now().UTC()
	r.conversations[conv.ID] = *conv
	return nil
}

func (r *MemoryRepository) InsertMessage(_ context.Context, msg *Message) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.messages[msg.ExternalID]; ok {
		return false, nil
	}
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	r.messages[msg.ExternalID] = *msg
	return true, nil
}

func (r *MemoryRepository) UpdateMessageState(_ context.Context, externalID, state string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.messages[externalID]
	if !ok {
		return ErrNotFound
	}
	msg.State = state
	r.messages[externalID] = msg
	return nil
}

func (r *MemoryRepository) ListMessages(_ context.Context, conversationID uuid.UUID) ([]Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Message
	for _, m := range r.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EventAt.Equal(out[j].EventAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].EventAt.Before(out[j].EventAt)
	})
	return out, nil
}

// ListOpenConversations returns conversations not yet closed, most recently
// updated first.
func (r *MemoryRepository) ListOpenConversations(_ context.Context, limit int) ([]Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Conversation
	for _, c := range r.conversations {
		if c.Status != StatusClosed {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Counts reports how many entities are stored.
func (r *MemoryRepository) Counts() (contacts, conversations, messages int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.contacts), len(r.conversations), len(r.messages)
}

func cloneContact(c Contact) *Contact {
	out := c
	if c.ExternalID != nil {
		id := *c.ExternalID
		out.ExternalID = &id
	}
	if c.Tags != nil {
		out.Tags = append([]string(nil), c.Tags...)
	}
	if c.LastActiveAt != nil {
		t := *c.LastActiveAt
		out.LastActiveAt = &t
	}
	return &out
}

func patchFromContact(c Contact) ContactPatch {
	p := ContactPatch{
		OrganizationID: &c.OrganizationID,
		PhoneNumber:    &c.PhoneNumber,
		Name:           &c.Name,
		Email:          &c.Email,
		Tags:           c.Tags,
		LastActiveAt:   c.LastActiveAt,
	}
	if c.Blocked {
		p.Blocked = &c.Blocked
	}
	return p
}
