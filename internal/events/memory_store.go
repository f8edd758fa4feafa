package events

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for development and tests.
type MemoryStore struct {
	mu     sync.Mutex
	events map[string]*WebhookEvent
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events: make(map[string]*WebhookEvent),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Record(ctx context.Context, eventID, eventType string, payload []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, unavailable("record", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[eventID]; ok {
		return false, ErrDuplicateEvent
	}
	s.events[eventID] = &WebhookEvent{
		EventID:    eventID,
		EventType:  eventType,
		ReceivedAt: s.now(),
		RawPayload: append([]byte(nil), payload...),
	}
	return true, nil
}

func (s *MemoryStore) MarkProcessed(ctx context.Context, eventID string, procErr error) error {
	if err := ctx.Err(); err != nil {
		return unavailable("mark processed", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[eventID]
	if !ok {
		return ErrEventNotFound
	}
	now := s.now()
	switch {
	case procErr == nil:
		ev.Processed = true
		ev.ProcessedAt = &now
		ev.ErrorMessage = nil
	case IsTerminal(procErr):
		ev.Processed = true
		ev.ProcessedAt = &now
		ev.ErrorMessage = errorMessage(procErr)
	default:
		if ev.Processed {
			return ErrEventNotFound
		}
		ev.RetryCount++
		ev.ErrorMessage = errorMessage(procErr)
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, eventID string) (*WebhookEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("get", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[eventID]
	if !ok {
		return nil, ErrEventNotFound
	}
	out := *ev
	return &out, nil
}

func (s *MemoryStore) ListRetryable(ctx context.Context, limit, maxRetries int) ([]WebhookEvent, error) {
	return s.filter(ctx, limit, false, func(ev *WebhookEvent) bool {
		return !ev.Processed && !ev.FailedPermanently && ev.RetryCount < maxRetries
	})
}

func (s *MemoryStore) ListExhausted(ctx context.Context, limit, maxRetries int) ([]WebhookEvent, error) {
	return s.filter(ctx, limit, false, func(ev *WebhookEvent) bool {
		return !ev.Processed && !ev.FailedPermanently && ev.RetryCount >= maxRetries
	})
}

func (s *MemoryStore) ListFailed(ctx context.Context, limit int) ([]WebhookEvent, error) {
	return s.filter(ctx, limit, true, func(ev *WebhookEvent) bool {
		return ev.FailedPermanently || (ev.Processed && ev.ErrorMessage != nil)
	})
}

func (s *MemoryStore) MarkFailedPermanently(ctx context.Context, eventID string) error {
	if err := ctx.Err(); err != nil {
		return unavailable("mark failed", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[eventID]
	if !ok || ev.Processed {
		return ErrEventNotFound
	}
	ev.FailedPermanently = true
	return nil
}

func (s *MemoryStore) filter(ctx context.Context, limit int, newestFirst bool, keep func(*WebhookEvent) bool) ([]WebhookEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("list", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []WebhookEvent
	for _, ev := range s.events {
		if keep(ev) {
			out = append(out, *ev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].EventID < out[j].EventID
		}
		if newestFirst {
			return out[i].ReceivedAt.After(out[j].ReceivedAt)
		}
		return out[i].ReceivedAt.Before(out[j].ReceivedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
