// Package chat holds the canonical entities built from webhook payloads:
// contacts, conversations and messages, plus their repositories.
package chat

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by repository lookups that match nothing.
var ErrNotFound = errors.New("chat: not found")

// Direction of a message relative to the organization.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Source identifies who authored a message.
type Source string

const (
	SourceCustomer Source = "customer"
	SourceAgent    Source = "agent"
	SourceSystem   Source = "system"
)

// SourceFromProvider maps the provider's Source value onto our sources.
func SourceFromProvider(raw string) Source {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "contact", "customer":
		return SourceCustomer
	case "organizationmember", "member", "agent":
		return SourceAgent
	default:
		return SourceSystem
	}
}

// Direction derives the message direction from its source. System messages
// are recorded as outbound but never take part in response tracking.
func (s Source) Direction() Direction {
	if s == SourceCustomer {
		return DirectionInbound
	}
	return DirectionOutbound
}

// Message types of the system markers stored when a conversation closes or
// reopens. History replay uses them to find close boundaries.
const (
	MessageTypeConversationClosed   = "conversation_closed"
	MessageTypeConversationReopened = "conversation_reopened"
)

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	StatusOpen    ConversationStatus = "open"
	StatusWaiting ConversationStatus = "waiting"
	StatusClosed  ConversationStatus = "closed"
)

// Contact is a customer reachable through the chat platform.
type Contact struct {
	ID             uuid.UUID
	OrganizationID string
	ExternalID     *string
	PhoneNumber    string
	Name           string
	Email          string
	Blocked        bool
	Tags           []string
	LastActiveAt   *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ContactPatch is a sparse update: nil fields leave stored values untouched.
type ContactPatch struct {
	OrganizationID *string
	ExternalID     *string
	PhoneNumber    *string
	Name           *string
	Email          *string
	Blocked        *bool
	Tags           []string
	LastActiveAt   *time.Time
}

// Apply merges the patch and reports whether anything changed.
func (c *Contact) Apply(p ContactPatch) bool {
	changed := false
	setString(&c.OrganizationID, p.OrganizationID, &changed)
	setString(&c.PhoneNumber, p.PhoneNumber, &changed)
	setString(&c.Name, p.Name, &changed)
	setString(&c.Email, p.Email, &changed)
	if p.ExternalID != nil && strings.TrimSpace(*p.ExternalID) != "" {
		if c.ExternalID == nil || *c.ExternalID != *p.ExternalID {
			id := *p.ExternalID
			c.ExternalID = &id
			changed = true
		}
	}
	if p.Blocked != nil && c.Blocked != *p.Blocked {
		c.Blocked = *p.Blocked
		changed = true
	}
	if p.Tags != nil {
		tags := normalizeTags(p.Tags)
		if !equalStrings(c.Tags, tags) {
			c.Tags = tags
			changed = true
		}
	}
	if p.LastActiveAt != nil && (c.LastActiveAt == nil || p.LastActiveAt.After(*c.LastActiveAt)) {
		t := *p.LastActiveAt
		c.LastActiveAt = &t
		changed = true
	}
	return changed
}

// Conversation is a chat thread between one contact and the organization.
type Conversation struct {
	ID               uuid.UUID
	OrganizationID   string
	ExternalID       string
	ContactID        uuid.UUID
	Channel          string
	Sector           string
	AssignedMemberID string
	Status           ConversationStatus
	IsPrivate        bool
	OpenedAt         *time.Time
	ClosedAt         *time.Time
	TotalUnread      int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ConversationPatch is a sparse update for a conversation.
type ConversationPatch struct {
	OrganizationID   *string
	Channel          *string
	Sector           *string
	AssignedMemberID *string
	Status           *ConversationStatus
	IsPrivate        *bool
	OpenedAt         *time.Time
	ClosedAt         *time.Time
	TotalUnread      *int
}

// Apply merges the patch and reports whether the conversation transitioned
// into the closed state.
func (c *Conversation) Apply(p ConversationPatch) (closedNow bool) {
	changed := false
	setString(&c.OrganizationID, p.OrganizationID, &changed)
	setString(&c.Channel, p.Channel, &changed)
	setString(&c.Sector, p.Sector, &changed)
	setString(&c.AssignedMemberID, p.AssignedMemberID, &changed)
	if p.IsPrivate != nil {
		c.IsPrivate = *p.IsPrivate
	}
	if p.TotalUnread != nil {
		c.TotalUnread = *p.TotalUnread
	}
	if p.OpenedAt != nil && c.OpenedAt == nil {
		t := *p.OpenedAt
		c.OpenedAt = &t
	}
	wasClosed := c.Status == StatusClosed
	if p.Status != nil {
		c.Status = *p.Status
	}
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		c.ClosedAt = &t
	}
	if c.Status != StatusClosed {
		c.ClosedAt = nil
	}
	return !wasClosed && c.Status == StatusClosed
}

// Message is a single chat message. It is immutable after creation apart
// from its delivery State.
type Message struct {
	ID             uuid.UUID
	OrganizationID string
	ExternalID     string
	ConversationID uuid.UUID
	ContactID      uuid.UUID
	Direction      Direction
	Source         Source
	Content        string
	MessageType    string
	State          string
	EventAt        time.Time
	CreatedAt      time.Time
}

func setString(dst *string, src *string, changed *bool) {
	if src == nil {
		return
	}
	v := strings.TrimSpace(*src)
	if v == "" || v == *dst {
		return
	}
	*dst = v
	*changed = true
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
