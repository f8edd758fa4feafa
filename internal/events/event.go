// Package events is the durable log of inbound webhook deliveries. Recording
// an event id is the single atomic step that turns at-least-once delivery
// into effectively-once processing.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDuplicateEvent is returned with new=false when the event id was
	// already recorded. Callers skip the event.
	ErrDuplicateEvent = errors.New("events: duplicate event")
	// ErrStoreUnavailable wraps any failure to reach the backing store,
	// including the caller's timeout firing.
	ErrStoreUnavailable = errors.New("events: store unavailable")
	// ErrEventNotFound is returned by Get and the mark operations.
	ErrEventNotFound = errors.New("events: event not found")
)

// WebhookEvent is one recorded delivery. The raw payload never changes.
type WebhookEvent struct {
	EventID           string          `json:"event_id"`
	EventType         string          `json:"event_type"`
	ReceivedAt        time.Time       `json:"received_at"`
	RawPayload        json.RawMessage `json:"raw_payload"`
	Processed         bool            `json:"processed"`
	ProcessedAt       *time.Time      `json:"processed_at,omitempty"`
	ErrorMessage      *string         `json:"error_message,omitempty"`
	RetryCount        int             `json:"retry_count"`
	FailedPermanently bool            `json:"failed_permanently"`
}

// Store is the event log contract shared by the Postgres and memory stores.
type Store interface {
	// Record inserts the event unless its id exists. Exactly one concurrent
	// caller for an id sees new=true.
	Record(ctx context.Context, eventID, eventType string, payload []byte) (bool, error)
	// MarkProcessed closes out a processing attempt. A nil procErr marks
	// success; a terminal error is stored as processed with its message;
	// anything else increments retry_count and leaves the event pending.
	MarkProcessed(ctx context.Context, eventID string, procErr error) error
	Get(ctx context.Context, eventID string) (*WebhookEvent, error)
	// ListRetryable returns pending events with retry_count below maxRetries,
	// oldest first.
	ListRetryable(ctx context.Context, limit, maxRetries int) ([]WebhookEvent, error)
	// ListExhausted returns pending events that reached maxRetries but are
	// not yet marked as permanently failed.
	ListExhausted(ctx context.Context, limit, maxRetries int) ([]WebhookEvent, error)
	MarkFailedPermanently(ctx context.Context, eventID string) error
	// ListFailed returns events that need manual inspection: permanently
	// failed ones and ones closed out with a terminal error. Newest first.
	ListFailed(ctx context.Context, limit int) ([]WebhookEvent, error)
}

// terminal is implemented by processing errors that must not be retried.
type terminal interface {
	Terminal() bool
}

// IsTerminal reports whether err marks the event as unprocessable for good.
func IsTerminal(err error) bool {
	var t terminal
	return errors.As(err, &t) && t.Terminal()
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

func errorMessage(err error) *string {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if len(msg) > 2000 {
		msg = msg[:2000]
	}
	return &msg
}
