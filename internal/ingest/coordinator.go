// Package ingest orchestrates webhook events end to end: durable record,
// normalization, response-time tracking and the retry sweep.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wolfman30/chatpulse/internal/chat"
	"github.com/wolfman30/chatpulse/internal/events"
	"github.com/wolfman30/chatpulse/internal/normalize"
	"github.com/wolfman30/chatpulse/internal/observability/metrics"
	"github.com/wolfman30/chatpulse/internal/responsetime"
	"github.com/wolfman30/chatpulse/internal/webhook"
	"github.com/wolfman30/chatpulse/pkg/logging"
)

var tracer = otel.Tracer("chatpulse/ingest")

// ErrInvalidPayload wraps envelope parse failures. Nothing is recorded.
var ErrInvalidPayload = errors.New("ingest: invalid payload")

// Dispatcher hands a recorded event to asynchronous processing.
type Dispatcher interface {
	Dispatch(ctx context.Context, eventID string) error
}

// Result describes what happened to one delivery.
type Result struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Duplicate bool   `json:"duplicate"`
	Queued    bool   `json:"queued"`
	// Err is the processing error, if processing ran inline and failed. The
	// event is recorded regardless.
	Err error `json:"-"`
}

// Coordinator runs each event through record, normalize and track.
type Coordinator struct {
	events     events.Store
	repo       chat.Repository
	normalizer *normalize.Normalizer
	tracker    *responsetime.Tracker
	dispatcher Dispatcher
	locks      *responsetime.KeyedMutex
	timeout    time.Duration
	recordTTL  time.Duration
	metrics    *metrics.IngestionMetrics
	logger     *logging.Logger
}

func NewCoordinator(store events.Store, repo chat.Repository, tracker *responsetime.Tracker, logger *logging.Logger) *Coordinator {
	if store == nil || repo == nil || tracker == nil {
		panic("ingest: event store, repository and tracker required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Coordinator{
		events:     store,
		repo:       repo,
		normalizer: normalize.New(repo, logger),
		tracker:    tracker,
		locks:      responsetime.NewKeyedMutex(),
		timeout:    15 * time.Second,
		recordTTL:  5 * time.Second,
		logger:     logger,
	}
}

// WithProcessingTimeout bounds one Process call. The bound is detached from
// the caller's cancellation so a dropped HTTP request does not abort work.
func (c *Coordinator) WithProcessingTimeout(d time.Duration) *Coordinator {
	if d > 0 {
		c.timeout = d
	}
	return c
}

// WithStoreTimeout bounds the durable record step of Ingest.
func (c *Coordinator) WithStoreTimeout(d time.Duration) *Coordinator {
	if d > 0 {
		c.recordTTL = d
	}
	return c
}

// WithDispatcher switches Ingest to hand-off mode: recorded events are
// queued instead of processed inline.
func (c *Coordinator) WithDispatcher(d Dispatcher) *Coordinator {
	c.dispatcher = d
	return c
}

func (c *Coordinator) WithMetrics(m *metrics.IngestionMetrics) *Coordinator {
	c.metrics = m
	return c
}

// Ingest parses and records one delivery, then processes or queues it. The
// returned error is non-nil only when the envelope is unparsable
// (ErrInvalidPayload) or could not be recorded (events.ErrStoreUnavailable).
func (c *Coordinator) Ingest(ctx context.Context, body []byte) (Result, error) {
	ctx, span := tracer.Start(ctx, "ingest.ingest")
	defer span.End()

	env, err := webhook.ParseEnvelope(body)
	if err != nil {
		c.metrics.ObserveEvent("unknown", "invalid")
		return Result{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	res := Result{EventID: env.EventID, EventType: env.EventType()}
	span.SetAttributes(attribute.String("event_id", res.EventID), attribute.String("event_type", res.EventType))

	recordCtx, cancel := context.WithTimeout(ctx, c.recordTTL)
	_, err = c.events.Record(recordCtx, env.EventID, res.EventType, body)
	cancel()
	if err != nil {
		if errors.Is(err, events.ErrDuplicateEvent) {
			res.Duplicate = true
			c.metrics.ObserveEvent(res.EventType, "duplicate")
			c.logger.Debug("duplicate webhook event skipped", "event_id", res.EventID)
			return res, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "record failed")
		c.metrics.ObserveEvent(res.EventType, "record_failed")
		return res, err
	}
	c.metrics.ObserveEvent(res.EventType, "recorded")

	if c.dispatcher != nil {
		if err := c.dispatcher.Dispatch(ctx, env.EventID); err != nil {
			// Still recorded; the sweep picks it up.
			c.logger.Warn("dispatch failed, leaving event for sweep", "event_id", res.EventID, "error", err)
			return res, nil
		}
		res.Queued = true
		return res, nil
	}

	res.Err = c.Process(ctx, env.EventID)
	return res, nil
}

// Process loads a recorded event, normalizes and tracks it, and records the
// outcome. Already processed events are skipped. The returned error is the
// processing error; it has already been stored against the event.
//
// Chat events run under their conversation's lock from the processed check
// through the outcome write, so an inline attempt and a sweep of the same
// event never overlap and the second one sees what the first recorded.
func (c *Coordinator) Process(ctx context.Context, eventID string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "ingest.process")
	defer span.End()
	span.SetAttributes(attribute.String("event_id", eventID))

	ev, err := c.events.Get(ctx, eventID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("ingest: load event %s: %w", eventID, err)
	}
	if ev.Processed {
		return nil
	}

	content, procErr := decodeStored(ev)
	if chatContent, ok := content.(*webhook.ChatContent); ok {
		if key := conversationLockKey(chatContent.ID); key != "" {
			unlock := c.locks.Lock(key)
			defer unlock()
			// Reload: another attempt may have finished or failed meanwhile.
			if ev, err = c.events.Get(ctx, eventID); err != nil {
				span.RecordError(err)
				return fmt.Errorf("ingest: reload event %s: %w", eventID, err)
			}
			if ev.Processed {
				return nil
			}
		}
	}

	start := time.Now()
	if procErr == nil {
		procErr = c.process(ctx, ev, content)
	}
	c.metrics.ObserveProcessing(ev.EventType, time.Since(start).Seconds())

	if markErr := c.events.MarkProcessed(ctx, eventID, procErr); markErr != nil {
		c.logger.Error("failed to record processing outcome", "event_id", eventID, "error", markErr)
		if procErr == nil {
			procErr = markErr
		} else {
			procErr = errors.Join(procErr, markErr)
		}
	}

	switch {
	case procErr == nil:
		c.metrics.ObserveEvent(ev.EventType, "processed")
	case events.IsTerminal(procErr):
		c.metrics.ObserveEvent(ev.EventType, "rejected")
		c.logger.Warn("webhook event rejected", "event_id", eventID, "error", procErr)
	default:
		span.RecordError(procErr)
		span.SetStatus(codes.Error, "processing failed")
		c.metrics.ObserveEvent(ev.EventType, "failed")
		c.logger.Error("webhook event processing failed", "event_id", eventID, "retry_count", ev.RetryCount, "error", procErr)
	}
	return procErr
}

func decodeStored(ev *events.WebhookEvent) (webhook.Content, error) {
	env, err := webhook.ParseEnvelope(ev.RawPayload)
	if err != nil {
		return nil, &normalize.NormalizationError{Reason: "stored payload", Err: err}
	}
	content, err := webhook.DecodeContent(env.Payload)
	if err != nil {
		return nil, &normalize.NormalizationError{Reason: "decode content", Err: err}
	}
	return content, nil
}

// conversationLockKey is the lock every writer of one provider conversation
// takes. Ids are trimmed the way the normalizer stores them.
func conversationLockKey(externalID string) string {
	id := strings.TrimSpace(externalID)
	if id == "" {
		return ""
	}
	return "conversation:" + id
}

func (c *Coordinator) process(ctx context.Context, ev *events.WebhookEvent, content webhook.Content) error {
	bundle, err := c.normalizer.Normalize(ctx, content)
	if err != nil {
		return err
	}
	if bundle.Conversation == nil {
		return nil
	}
	// A retried event may have stored its messages before failing, in which
	// case nothing is "created" this time. Replay history instead.
	if ev.RetryCount > 0 {
		return c.rebuild(ctx, bundle.Conversation)
	}
	return c.track(ctx, bundle)
}

func (c *Coordinator) track(ctx context.Context, bundle *normalize.Bundle) error {
	conv := bundle.Conversation
	closed := conv.Status == chat.StatusClosed
	if !closed {
		if _, err := c.tracker.SetClosed(ctx, conv, false); err != nil {
			return err
		}
	}
	for _, msg := range bundle.Created {
		_, err := c.tracker.Track(ctx, msg)
		switch {
		case err == nil:
		case errors.Is(err, responsetime.ErrInvalidOrdering), errors.Is(err, responsetime.ErrOutOfOrderEvent):
			c.logger.Warn("tracker dropped message", "conversation_id", conv.ID, "message_id", msg.ExternalID, "error", err)
		default:
			return err
		}
	}
	if closed {
		if _, err := c.tracker.SetClosed(ctx, conv, true); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) rebuild(ctx context.Context, conv *chat.Conversation) error {
	history, err := c.repo.ListMessages(ctx, conv.ID)
	if err != nil {
		return fmt.Errorf("ingest: load history: %w", err)
	}
	if _, err := c.tracker.Rebuild(ctx, conv, history); err != nil {
		return err
	}
	return nil
}

// OpenConversationLister lists conversations that may carry unanswered
// customer messages.
type OpenConversationLister interface {
	ListOpenConversations(ctx context.Context, limit int) ([]chat.Conversation, error)
}

// RebuildOpen replays stored history for every open conversation so a fresh
// state store starts with the pending set it would have had. Failures on one
// conversation are logged and skipped; the count of rebuilt conversations is
// returned.
func (c *Coordinator) RebuildOpen(ctx context.Context, lister OpenConversationLister, limit int) (int, error) {
	convs, err := lister.ListOpenConversations(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("ingest: list open conversations: %w", err)
	}
	rebuilt := 0
	for i := range convs {
		if err := ctx.Err(); err != nil {
			return rebuilt, err
		}
		conv := &convs[i]
		unlock := c.locks.Lock(conversationLockKey(conv.ExternalID))
		err := c.rebuild(ctx, conv)
		unlock()
		if err != nil {
			c.logger.Warn("conversation rebuild failed", "conversation_id", conv.ID, "error", err)
			continue
		}
		rebuilt++
	}
	c.logger.Info("open conversations rebuilt", "count", rebuilt, "listed", len(convs))
	return rebuilt, nil
}
