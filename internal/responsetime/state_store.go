package responsetime

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// StateStore holds per-conversation tracker state.
type StateStore interface {
	// Update loads the state for conversationID (zero state when absent),
	// runs fn and persists the result. An error from fn aborts the write and
	// is returned unchanged. fn may run more than once on write conflicts.
	Update(ctx context.Context, conversationID uuid.UUID, fn func(*ConversationState) error) error
	Get(ctx context.Context, conversationID uuid.UUID) (*ConversationState, error)
	ListPending(ctx context.Context, filter Filter) ([]PendingEntry, error)
}

// MemoryStateStore keeps state in process. Callers serialize per
// conversation; the store only guards its map.
type MemoryStateStore struct {
	mu     sync.RWMutex
	states map[uuid.UUID]ConversationState
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[uuid.UUID]ConversationState)}
}

func (s *MemoryStateStore) Update(_ context.Context, conversationID uuid.UUID, fn func(*ConversationState) error) error {
	s.mu.RLock()
	state, ok := s.states[conversationID]
	s.mu.RUnlock()
	if !ok {
		state = ConversationState{ConversationID: conversationID}
	}
	state = cloneState(state)
	if err := fn(&state); err != nil {
		return err
	}
	s.mu.Lock()
	s.states[conversationID] = state
	s.mu.Unlock()
	return nil
}

func (s *MemoryStateStore) Get(_ context.Context, conversationID uuid.UUID) (*ConversationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[conversationID]
	if !ok {
		return &ConversationState{ConversationID: conversationID}, nil
	}
	out := cloneState(state)
	return &out, nil
}

func (s *MemoryStateStore) ListPending(_ context.Context, filter Filter) ([]PendingEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []PendingEntry
	for _, state := range s.states {
		if state.Pending != nil && filter.MatchesPending(*state.Pending) {
			out = append(out, *state.Pending)
		}
	}
	sortPending(out)
	return out, nil
}

func cloneState(s ConversationState) ConversationState {
	if s.Pending != nil {
		p := *s.Pending
		s.Pending = &p
	}
	return s
}

// sortPending orders entries by wait, longest first.
func sortPending(entries []PendingEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CustomerMessageTime.Equal(entries[j].CustomerMessageTime) {
			return entries[i].ConversationID.String() < entries[j].ConversationID.String()
		}
		return entries[i].CustomerMessageTime.Before(entries[j].CustomerMessageTime)
	})
}
