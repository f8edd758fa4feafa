package ingest

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/chatpulse/internal/events"
	"github.com/wolfman30/chatpulse/internal/observability/metrics"
	"github.com/wolfman30/chatpulse/pkg/logging"
)

// DeadLetterArchiver keeps a copy of events that will not be retried again.
type DeadLetterArchiver interface {
	Archive(ctx context.Context, ev events.WebhookEvent, reason string) error
}

// Sweeper re-processes recorded events that are still pending and retires
// the ones that exhausted their retries.
type Sweeper struct {
	store      events.Store
	processor  Processor
	archiver   DeadLetterArchiver
	metrics    *metrics.IngestionMetrics
	logger     *logging.Logger
	interval   time.Duration
	batchSize  int
	maxRetries int
	minAge     time.Duration
	now        func() time.Time
}

func NewSweeper(store events.Store, processor Processor, logger *logging.Logger) *Sweeper {
	if logger == nil {
		logger = logging.Default()
	}
	return &Sweeper{
		store:      store,
		processor:  processor,
		logger:     logger,
		interval:   time.Minute,
		batchSize:  50,
		maxRetries: 5,
		now:        time.Now,
	}
}

func (s *Sweeper) WithInterval(d time.Duration) *Sweeper {
	if d > 0 {
		s.interval = d
	}
	return s
}

func (s *Sweeper) WithBatchSize(n int) *Sweeper {
	if n > 0 {
		s.batchSize = n
	}
	return s
}

func (s *Sweeper) WithMaxRetries(n int) *Sweeper {
	if n > 0 {
		s.maxRetries = n
	}
	return s
}

// WithMinAge leaves events younger than d to the attempt that recorded them.
// Set it to at least the processing timeout so a sweep never races an
// inline or queued attempt that is still running.
func (s *Sweeper) WithMinAge(d time.Duration) *Sweeper {
	if d >= 0 {
		s.minAge = d
	}
	return s
}

func (s *Sweeper) WithArchiver(a DeadLetterArchiver) *Sweeper {
	s.archiver = a
	return s
}

func (s *Sweeper) WithMetrics(m *metrics.IngestionMetrics) *Sweeper {
	s.metrics = m
	return s
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.drain(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.drain(ctx)
		}
	}
}

func (s *Sweeper) drain(ctx context.Context) {
	if s.store == nil || s.processor == nil {
		return
	}
	ctx, span := tracer.Start(ctx, "ingest.sweep")
	defer span.End()

	exhausted, err := s.store.ListExhausted(ctx, s.batchSize, s.maxRetries)
	if err != nil {
		s.logger.Error("sweep fetch exhausted failed", "error", err)
		return
	}
	for _, ev := range exhausted {
		if ctx.Err() != nil {
			return
		}
		s.retire(ctx, ev)
	}

	pending, err := s.store.ListRetryable(ctx, s.batchSize, s.maxRetries)
	if err != nil {
		s.logger.Error("sweep fetch retryable failed", "error", err)
		return
	}
	span.SetAttributes(attribute.Int("exhausted", len(exhausted)), attribute.Int("retryable", len(pending)))

	cutoff := s.now().Add(-s.minAge)
	for _, ev := range pending {
		if ctx.Err() != nil {
			return
		}
		if s.minAge > 0 && ev.ReceivedAt.After(cutoff) {
			continue
		}
		err := s.processor.Process(ctx, ev.EventID)
		switch {
		case err == nil:
			s.metrics.ObserveSweep("recovered")
		case events.IsTerminal(err):
			s.metrics.ObserveSweep("rejected")
		case ev.RetryCount+1 >= s.maxRetries:
			// Reload so the archived copy carries the latest error message.
			if latest, getErr := s.store.Get(ctx, ev.EventID); getErr == nil {
				ev = *latest
			}
			s.retire(ctx, ev)
		default:
			s.metrics.ObserveSweep("retry_failed")
		}
	}
}

func (s *Sweeper) retire(ctx context.Context, ev events.WebhookEvent) {
	if err := s.store.MarkFailedPermanently(ctx, ev.EventID); err != nil {
		s.logger.Error("mark failed permanently failed", "event_id", ev.EventID, "error", err)
		return
	}
	s.metrics.ObserveSweep("failed_permanently")
	s.logger.Warn("webhook event failed permanently", "event_id", ev.EventID, "event_type", ev.EventType, "retry_count", ev.RetryCount)

	if s.archiver == nil {
		return
	}
	reason := "retry ceiling reached"
	if ev.ErrorMessage != nil {
		reason = *ev.ErrorMessage
	}
	if err := s.archiver.Archive(ctx, ev, reason); err != nil {
		s.logger.Warn("dead-letter archive failed", "event_id", ev.EventID, "error", err)
	}
}
