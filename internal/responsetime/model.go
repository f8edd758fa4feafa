package responsetime

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidOrdering is returned when an agent reply predates the pending
	// customer message. The pending entry is kept.
	ErrInvalidOrdering = errors.New("responsetime: agent reply precedes pending customer message")
	// ErrOutOfOrderEvent is returned when a message is older than the last
	// processed message of its conversation by more than the tolerance.
	ErrOutOfOrderEvent = errors.New("responsetime: out-of-order event")
)

// ResponseTurn is one answered customer message. Immutable once stored.
type ResponseTurn struct {
	ID                  uuid.UUID `json:"id"`
	OrganizationID      string    `json:"organization_id"`
	ContactID           uuid.UUID `json:"contact_id"`
	ConversationID      uuid.UUID `json:"conversation_id"`
	CustomerMessageID   uuid.UUID `json:"customer_message_id"`
	CustomerMessageTime time.Time `json:"customer_message_time"`
	AgentMessageID      uuid.UUID `json:"agent_message_id"`
	AgentResponseTime   time.Time `json:"agent_response_time"`
	ElapsedSeconds      float64   `json:"elapsed_seconds"`
	Bucket              Bucket    `json:"bucket"`
}

// PendingEntry is an unanswered customer message, at most one per
// conversation.
type PendingEntry struct {
	OrganizationID      string    `json:"organization_id"`
	ContactID           uuid.UUID `json:"contact_id"`
	ConversationID      uuid.UUID `json:"conversation_id"`
	CustomerMessageID   uuid.UUID `json:"customer_message_id"`
	CustomerMessageTime time.Time `json:"customer_message_time"`
}

// Status of a conversation in the tracker.
type Status string

const (
	StatusIdle          Status = "idle"
	StatusAwaitingReply Status = "awaiting_reply"
)

// ConversationState is the per-conversation tracker state.
type ConversationState struct {
	ConversationID uuid.UUID
	OrganizationID string
	ContactID      uuid.UUID
	Closed         bool
	LastEventAt    time.Time
	Pending        *PendingEntry
}

func (s *ConversationState) Status() Status {
	if s.Pending != nil {
		return StatusAwaitingReply
	}
	return StatusIdle
}

// Filter narrows turn and pending queries. Zero fields match everything;
// Start is inclusive and End exclusive.
type Filter struct {
	OrganizationID string
	ContactIDs     []uuid.UUID
	Start          time.Time
	End            time.Time
}

func (f Filter) matches(org string, contactID uuid.UUID) bool {
	if f.OrganizationID != "" && f.OrganizationID != org {
		return false
	}
	if f.ContactIDs == nil {
		return true
	}
	for _, id := range f.ContactIDs {
		if id == contactID {
			return true
		}
	}
	return false
}

func (f Filter) inWindow(t time.Time) bool {
	if !f.Start.IsZero() && t.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && !t.Before(f.End) {
		return false
	}
	return true
}

// MatchesTurn reports whether turn falls inside the filter.
func (f Filter) MatchesTurn(turn ResponseTurn) bool {
	return f.matches(turn.OrganizationID, turn.ContactID) && f.inWindow(turn.AgentResponseTime)
}

// MatchesPending reports whether entry belongs to the filter's scope.
func (f Filter) MatchesPending(entry PendingEntry) bool {
	return f.matches(entry.OrganizationID, entry.ContactID)
}
