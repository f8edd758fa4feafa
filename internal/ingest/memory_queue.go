package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is a Queue backed by a buffered channel. Messages are gone
// once received; the sweep covers anything lost on shutdown.
type MemoryQueue struct {
	ch chan QueueMessage
}

func NewMemoryQueue(buffer int) *MemoryQueue {
	if buffer <= 0 {
		buffer = 256
	}
	return &MemoryQueue{ch: make(chan QueueMessage, buffer)}
}

// Send enqueues a body or blocks until ctx is done.
func (q *MemoryQueue) Send(ctx context.Context, body string) error {
	msg := QueueMessage{
		ID:            uuid.NewString(),
		Body:          body,
		ReceiptHandle: uuid.NewString(),
	}
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive blocks until a message is available, ctx is done, or waitSeconds
// elapses. A zero wait blocks on ctx alone.
func (q *MemoryQueue) Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]QueueMessage, error) {
	if maxMessages <= 0 {
		maxMessages = 1
	}
	var timeout <-chan time.Time
	if waitSeconds > 0 {
		timer := time.NewTimer(time.Duration(waitSeconds) * time.Second)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout:
		return nil, nil
	case msg := <-q.ch:
		return q.collect(msg, maxMessages), nil
	}
}

func (q *MemoryQueue) Delete(context.Context, string) error { return nil }

// Len reports buffered messages.
func (q *MemoryQueue) Len() int { return len(q.ch) }

func (q *MemoryQueue) collect(first QueueMessage, max int) []QueueMessage {
	messages := append(make([]QueueMessage, 0, max), first)
	for len(messages) < max {
		select {
		case msg := <-q.ch:
			messages = append(messages, msg)
		default:
			return messages
		}
	}
	return messages
}
