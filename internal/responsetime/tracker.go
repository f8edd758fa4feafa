// Package responsetime pairs inbound customer messages with the next agent
// reply in the same conversation, classifies the elapsed time and keeps the
// set of conversations still waiting for a reply.
package responsetime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wolfman30/chatpulse/internal/chat"
	"github.com/wolfman30/chatpulse/internal/observability/metrics"
	"github.com/wolfman30/chatpulse/pkg/logging"
)

var tracer = otel.Tracer("chatpulse/responsetime")

// Tracker runs the per-conversation idle/awaiting_reply state machine.
type Tracker struct {
	states     StateStore
	turns      TurnStore
	locks      *KeyedMutex
	thresholds Thresholds
	tolerance  time.Duration
	metrics    *metrics.IngestionMetrics
	logger     *logging.Logger
}

func NewTracker(states StateStore, turns TurnStore, logger *logging.Logger) *Tracker {
	if states == nil || turns == nil {
		panic("responsetime: state and turn stores required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Tracker{
		states:     states,
		turns:      turns,
		locks:      NewKeyedMutex(),
		thresholds: DefaultThresholds(),
		tolerance:  5 * time.Second,
		logger:     logger,
	}
}

func (t *Tracker) WithThresholds(th Thresholds) *Tracker {
	if th.Validate() == nil {
		t.thresholds = th
	}
	return t
}

// WithTolerance sets how far behind the last processed message a new one may
// be before it is rejected as out of order.
func (t *Tracker) WithTolerance(d time.Duration) *Tracker {
	if d >= 0 {
		t.tolerance = d
	}
	return t
}

func (t *Tracker) WithMetrics(m *metrics.IngestionMetrics) *Tracker {
	t.metrics = m
	return t
}

// WithLocks shares a KeyedMutex with other components that serialize on the
// same conversation ids.
func (t *Tracker) WithLocks(locks *KeyedMutex) *Tracker {
	if locks != nil {
		t.locks = locks
	}
	return t
}

func (t *Tracker) Thresholds() Thresholds { return t.thresholds }

// Track feeds one newly created message into the state machine. It returns
// the turn it emitted, if any. Ordering errors leave the state untouched.
func (t *Tracker) Track(ctx context.Context, msg chat.Message) (*ResponseTurn, error) {
	if msg.Source == chat.SourceSystem {
		return nil, nil
	}
	ctx, span := tracer.Start(ctx, "responsetime.track")
	defer span.End()
	span.SetAttributes(
		attribute.String("conversation_id", msg.ConversationID.String()),
		attribute.String("direction", string(msg.Direction)),
	)

	unlock := t.locks.Lock(msg.ConversationID.String())
	defer unlock()

	var emitted *ResponseTurn
	var transition string
	err := t.states.Update(ctx, msg.ConversationID, func(state *ConversationState) error {
		emitted, transition = nil, ""
		fillIdentity(state, msg.OrganizationID, msg.ContactID)

		turn, tr, err := advance(state, msg, t.thresholds, t.tolerance)
		if err != nil {
			return err
		}
		transition = tr
		if turn == nil {
			return nil
		}
		created, err := t.turns.Insert(ctx, turn)
		if err != nil {
			return err
		}
		if created {
			emitted = turn
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		switch {
		case errors.Is(err, ErrInvalidOrdering):
			t.metrics.ObserveRejection("invalid_ordering")
		case errors.Is(err, ErrOutOfOrderEvent):
			t.metrics.ObserveRejection("out_of_order")
		default:
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("responsetime: track: %w", err)
		}
		return nil, err
	}

	if transition != "" {
		t.metrics.ObservePendingTransition(transition)
	}
	if emitted != nil {
		t.metrics.ObserveTurn(string(emitted.Bucket), emitted.ElapsedSeconds)
		span.SetAttributes(attribute.String("bucket", string(emitted.Bucket)))
		t.logger.Debug("response turn recorded",
			"conversation_id", emitted.ConversationID,
			"elapsed_seconds", emitted.ElapsedSeconds,
			"bucket", emitted.Bucket,
		)
	}
	return emitted, nil
}

// SetClosed records the conversation's open/closed state. Closing drops any
// pending entry without emitting a turn and returns the abandoned entry.
func (t *Tracker) SetClosed(ctx context.Context, conv *chat.Conversation, closed bool) (*PendingEntry, error) {
	unlock := t.locks.Lock(conv.ID.String())
	defer unlock()

	var abandoned *PendingEntry
	err := t.states.Update(ctx, conv.ID, func(state *ConversationState) error {
		abandoned = nil
		fillIdentity(state, conv.OrganizationID, conv.ContactID)
		state.Closed = closed
		if closed && state.Pending != nil {
			abandoned = state.Pending
			state.Pending = nil
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("responsetime: set closed: %w", err)
	}
	if abandoned != nil {
		t.metrics.ObservePendingTransition("abandoned")
		t.logger.Debug("pending entry abandoned", "conversation_id", conv.ID)
	}
	return abandoned, nil
}

// Pending returns the current pending entries for the filter's scope.
func (t *Tracker) Pending(ctx context.Context, filter Filter) ([]PendingEntry, error) {
	return t.states.ListPending(ctx, filter)
}

// State returns the stored state of one conversation.
func (t *Tracker) State(ctx context.Context, conversationID uuid.UUID) (*ConversationState, error) {
	return t.states.Get(ctx, conversationID)
}

// Rebuild replaces a conversation's state with the result of replaying its
// message history. Turns found on the way are inserted idempotently.
func (t *Tracker) Rebuild(ctx context.Context, conv *chat.Conversation, messages []chat.Message) (*ConversationState, error) {
	ctx, span := tracer.Start(ctx, "responsetime.rebuild")
	defer span.End()

	unlock := t.locks.Lock(conv.ID.String())
	defer unlock()

	replayed, turns := Replay(conv, messages, t.thresholds, t.tolerance)
	for i := range turns {
		if _, err := t.turns.Insert(ctx, &turns[i]); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("responsetime: rebuild: %w", err)
		}
	}
	err := t.states.Update(ctx, conv.ID, func(state *ConversationState) error {
		*state = cloneState(*replayed)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("responsetime: rebuild: %w", err)
	}
	return replayed, nil
}

// Replay runs the state machine over a stored history without touching any
// store. Messages are taken in arrival order (CreatedAt) and, within one
// arrival, reopen markers first, then messages by event time, then close
// markers. That is the order live tracking saw them in, so ordering
// rejections and close boundaries come out the same.
func Replay(conv *chat.Conversation, messages []chat.Message, th Thresholds, tolerance time.Duration) (*ConversationState, []ResponseTurn) {
	sorted := append([]chat.Message(nil), messages...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if ra, rb := replayRank(a), replayRank(b); ra != rb {
			return ra < rb
		}
		return a.EventAt.Before(b.EventAt)
	})

	state := &ConversationState{ConversationID: conv.ID}
	fillIdentity(state, conv.OrganizationID, conv.ContactID)
	var turns []ResponseTurn
	for _, msg := range sorted {
		if msg.Source == chat.SourceSystem {
			switch msg.MessageType {
			case chat.MessageTypeConversationClosed:
				state.Closed = true
				state.Pending = nil
			case chat.MessageTypeConversationReopened:
				state.Closed = false
			}
			continue
		}
		turn, _, err := advance(state, msg, th, tolerance)
		if err != nil {
			continue
		}
		if turn != nil {
			turns = append(turns, *turn)
		}
	}
	if conv.Status == chat.StatusClosed {
		state.Closed = true
		state.Pending = nil
	}
	return state, turns
}

func replayRank(msg chat.Message) int {
	switch msg.MessageType {
	case chat.MessageTypeConversationReopened:
		return 0
	case chat.MessageTypeConversationClosed:
		return 2
	}
	return 1
}

// advance applies one customer or agent message to state and returns the
// turn it completes, if any, and the pending transition. Ordering errors
// are returned before state is modified.
func advance(state *ConversationState, msg chat.Message, th Thresholds, tolerance time.Duration) (*ResponseTurn, string, error) {
	if !state.LastEventAt.IsZero() && msg.EventAt.Before(state.LastEventAt.Add(-tolerance)) {
		return nil, "", fmt.Errorf("%w: message %s at %s, last processed %s",
			ErrOutOfOrderEvent, msg.ExternalID, msg.EventAt.Format(time.RFC3339), state.LastEventAt.Format(time.RFC3339))
	}

	var turn *ResponseTurn
	var transition string
	switch msg.Direction {
	case chat.DirectionInbound:
		if state.Closed {
			break
		}
		if state.Pending == nil {
			state.Pending = pendingFor(state, msg)
			transition = "opened"
		} else if msg.EventAt.Before(state.Pending.CustomerMessageTime) {
			// Keep the earliest unanswered message: worst-case wait.
			state.Pending = pendingFor(state, msg)
		}
	case chat.DirectionOutbound:
		if state.Pending == nil {
			break
		}
		elapsed := msg.EventAt.Sub(state.Pending.CustomerMessageTime)
		if elapsed < 0 {
			return nil, "", fmt.Errorf("%w: reply %s is %s early", ErrInvalidOrdering, msg.ExternalID, -elapsed)
		}
		turn = &ResponseTurn{
			OrganizationID:      state.OrganizationID,
			ContactID:           state.Pending.ContactID,
			ConversationID:      state.ConversationID,
			CustomerMessageID:   state.Pending.CustomerMessageID,
			CustomerMessageTime: state.Pending.CustomerMessageTime,
			AgentMessageID:      msg.ID,
			AgentResponseTime:   msg.EventAt,
			ElapsedSeconds:      elapsed.Seconds(),
			Bucket:              th.Classify(elapsed),
		}
		state.Pending = nil
		transition = "answered"
	}

	if msg.EventAt.After(state.LastEventAt) {
		state.LastEventAt = msg.EventAt
	}
	return turn, transition, nil
}

func fillIdentity(state *ConversationState, org string, contactID uuid.UUID) {
	if state.OrganizationID == "" {
		state.OrganizationID = org
	}
	if state.ContactID == uuid.Nil {
		state.ContactID = contactID
	}
}

func pendingFor(state *ConversationState, msg chat.Message) *PendingEntry {
	contactID := msg.ContactID
	if contactID == uuid.Nil {
		contactID = state.ContactID
	}
	return &PendingEntry{
		OrganizationID:      state.OrganizationID,
		ContactID:           contactID,
		ConversationID:      state.ConversationID,
		CustomerMessageID:   msg.ID,
		CustomerMessageTime: msg.EventAt,
	}
}
