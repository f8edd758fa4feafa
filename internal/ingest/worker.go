package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/wolfman30/chatpulse/pkg/logging"
)

// Processor runs one recorded event. Coordinator implements it.
type Processor interface {
	Process(ctx context.Context, eventID string) error
}

const (
	defaultWorkerCount  = 2
	defaultWaitSeconds  = 2
	defaultBatchSize    = 5
	maxWaitSeconds      = 20
	maxReceiveBatchSize = 10
	deleteTimeout       = 5 * time.Second
)

// Worker consumes event ids from the queue and processes them.
type Worker struct {
	queue     Queue
	processor Processor
	logger    *logging.Logger

	workers   int
	waitSecs  int
	batchSize int
	wg        sync.WaitGroup
}

func NewWorker(queue Queue, processor Processor, logger *logging.Logger) *Worker {
	if queue == nil || processor == nil {
		panic("ingest: worker requires queue and processor")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Worker{
		queue:     queue,
		processor: processor,
		logger:    logger,
		workers:   defaultWorkerCount,
		waitSecs:  defaultWaitSeconds,
		batchSize: defaultBatchSize,
	}
}

// WithWorkerCount sets the number of concurrent consumer goroutines.
func (w *Worker) WithWorkerCount(n int) *Worker {
	if n > 0 {
		w.workers = n
	}
	return w
}

// WithReceiveWaitSeconds sets the long-poll wait, capped at the SQS maximum.
func (w *Worker) WithReceiveWaitSeconds(seconds int) *Worker {
	if seconds >= 0 {
		w.waitSecs = min(seconds, maxWaitSeconds)
	}
	return w
}

func (w *Worker) WithReceiveBatchSize(n int) *Worker {
	if n > 0 {
		w.batchSize = min(n, maxReceiveBatchSize)
	}
	return w
}

// Start launches the consumers. They stop when ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i+1)
	}
}

// Wait blocks until all consumers have returned.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context, workerID int) {
	defer w.wg.Done()
	w.logger.Debug("ingest worker started", "worker_id", workerID)

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			w.logger.Debug("ingest worker stopping", "worker_id", workerID)
			return
		}

		messages, err := w.queue.Receive(ctx, w.batchSize, w.waitSecs)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			w.logger.Error("failed to receive ingest jobs", "error", err, "worker_id", workerID)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for _, msg := range messages {
			if ctx.Err() != nil {
				// Undeleted messages reappear after the visibility timeout.
				return
			}
			w.handleMessage(ctx, msg)
		}
	}
}

// handleMessage always deletes the message once processing was attempted.
// The outcome lives on the event row, and the sweep owns retries.
func (w *Worker) handleMessage(ctx context.Context, msg QueueMessage) {
	j, err := decodeJob(msg.Body)
	if err != nil {
		w.logger.Error("dropping malformed ingest job", "message_id", msg.ID, "error", err)
		w.deleteMessage(ctx, msg.ReceiptHandle)
		return
	}
	if err := w.processor.Process(ctx, j.EventID); err != nil {
		w.logger.Debug("ingest job finished with error", "event_id", j.EventID, "error", err)
	}
	w.deleteMessage(ctx, msg.ReceiptHandle)
}

func (w *Worker) deleteMessage(ctx context.Context, receiptHandle string) {
	if receiptHandle == "" {
		return
	}
	deleteCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deleteTimeout)
	defer cancel()
	if err := w.queue.Delete(deleteCtx, receiptHandle); err != nil {
		w.logger.Error("failed to delete ingest job", "error", err)
	}
}
