package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Queue carries event ids from the webhook handler to workers.
type Queue interface {
	Send(ctx context.Context, body string) error
	Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]QueueMessage, error)
	Delete(ctx context.Context, receiptHandle string) error
}

type QueueMessage struct {
	ID            string
	Body          string
	ReceiptHandle string
}

type job struct {
	ID      string `json:"id"`
	EventID string `json:"event_id"`
}

func encodeJob(eventID string) (string, error) {
	body, err := json.Marshal(job{ID: uuid.NewString(), EventID: eventID})
	if err != nil {
		return "", fmt.Errorf("ingest: failed to encode job: %w", err)
	}
	return string(body), nil
}

func decodeJob(body string) (job, error) {
	var j job
	if err := json.Unmarshal([]byte(body), &j); err != nil {
		return job{}, fmt.Errorf("ingest: failed to decode job: %w", err)
	}
	if j.EventID == "" {
		return job{}, fmt.Errorf("ingest: job %q has no event id", j.ID)
	}
	return j, nil
}

// QueueDispatcher implements Dispatcher on top of a Queue.
type QueueDispatcher struct {
	queue Queue
}

func NewQueueDispatcher(queue Queue) *QueueDispatcher {
	if queue == nil {
		panic("ingest: queue cannot be nil")
	}
	return &QueueDispatcher{queue: queue}
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, eventID string) error {
	body, err := encodeJob(eventID)
	if err != nil {
		return err
	}
	return d.queue.Send(ctx, body)
}
