package responsetime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrStateConflict is returned when optimistic retries are exhausted.
var ErrStateConflict = errors.New("responsetime: state update conflict")

const (
	fieldOrg         = "org"
	fieldContact     = "contact"
	fieldClosed      = "closed"
	fieldLastEventAt = "last_event_at"
	fieldPendingMsg  = "pending_msg"
	fieldPendingAt   = "pending_at"
)

// RedisStateStore keeps one hash per conversation plus a set of the
// conversations that currently have a pending entry. Writes run inside
// WATCH transactions so concurrent workers cannot interleave.
type RedisStateStore struct {
	client     *redis.Client
	prefix     string
	ttl        time.Duration
	maxRetries int
	tracer     trace.Tracer
}

func NewRedisStateStore(client *redis.Client) *RedisStateStore {
	if client == nil {
		panic("responsetime: redis client required")
	}
	return &RedisStateStore{
		client:     client,
		prefix:     "chatpulse:rt",
		maxRetries: 5,
		tracer:     otel.Tracer("chatpulse/responsetime/redis"),
	}
}

func (s *RedisStateStore) WithTracer(tracer trace.Tracer) *RedisStateStore {
	if tracer != nil {
		s.tracer = tracer
	}
	return s
}

// WithTTL expires idle conversation state after d. Pending entries are
// dropped with it, so d should exceed any realistic reply time.
func (s *RedisStateStore) WithTTL(d time.Duration) *RedisStateStore {
	if d > 0 {
		s.ttl = d
	}
	return s
}

func (s *RedisStateStore) WithPrefix(prefix string) *RedisStateStore {
	if prefix != "" {
		s.prefix = prefix
	}
	return s
}

func (s *RedisStateStore) stateKey(id uuid.UUID) string {
	return fmt.Sprintf("%s:conv:%s", s.prefix, id)
}

func (s *RedisStateStore) pendingKey() string {
	return s.prefix + ":pending"
}

func (s *RedisStateStore) Update(ctx context.Context, conversationID uuid.UUID, fn func(*ConversationState) error) (err error) {
	ctx, span := s.tracer.Start(ctx, "responsetime.redis.update",
		trace.WithAttributes(attribute.String("conversation_id", conversationID.String())))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "state update failed")
		}
		span.End()
	}()

	key := s.stateKey(conversationID)
	txf := func(tx *redis.Tx) error {
		vals, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("responsetime: load state: %w", err)
		}
		state, err := decodeState(conversationID, vals)
		if err != nil {
			return err
		}
		if err := fn(state); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, encodeState(state))
			if state.Pending == nil {
				pipe.HDel(ctx, key, fieldPendingMsg, fieldPendingAt)
				pipe.SRem(ctx, s.pendingKey(), conversationID.String())
			} else {
				pipe.SAdd(ctx, s.pendingKey(), conversationID.String())
			}
			if s.ttl > 0 {
				pipe.Expire(ctx, key, s.ttl)
			}
			return nil
		})
		return err
	}

	for i := 0; i < s.maxRetries; i++ {
		err = s.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			span.AddEvent("watch conflict", trace.WithAttributes(attribute.Int("attempt", i+1)))
			continue
		}
		return err
	}
	return ErrStateConflict
}

func (s *RedisStateStore) Get(ctx context.Context, conversationID uuid.UUID) (*ConversationState, error) {
	vals, err := s.client.HGetAll(ctx, s.stateKey(conversationID)).Result()
	if err != nil {
		return nil, fmt.Errorf("responsetime: load state: %w", err)
	}
	return decodeState(conversationID, vals)
}

func (s *RedisStateStore) ListPending(ctx context.Context, filter Filter) ([]PendingEntry, error) {
	members, err := s.client.SMembers(ctx, s.pendingKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("responsetime: list pending: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, 0, len(members))
	cmds := make([]*redis.MapStringStringCmd, 0, len(members))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, member := range members {
			id, err := uuid.Parse(member)
			if err != nil {
				continue
			}
			ids = append(ids, id)
			cmds = append(cmds, pipe.HGetAll(ctx, s.stateKey(id)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("responsetime: load pending: %w", err)
	}

	var out []PendingEntry
	for i, cmd := range cmds {
		state, err := decodeState(ids[i], cmd.Val())
		if err != nil {
			return nil, err
		}
		// Expired hashes leave a stale set member behind.
		if state.Pending == nil {
			continue
		}
		if filter.MatchesPending(*state.Pending) {
			out = append(out, *state.Pending)
		}
	}
	sortPending(out)
	return out, nil
}

func encodeState(state *ConversationState) map[string]any {
	fields := map[string]any{
		fieldOrg:     state.OrganizationID,
		fieldContact: state.ContactID.String(),
		fieldClosed:  boolString(state.Closed),
	}
	if !state.LastEventAt.IsZero() {
		fields[fieldLastEventAt] = state.LastEventAt.UTC().Format(time.RFC3339Nano)
	}
	if state.Pending != nil {
		fields[fieldPendingMsg] = state.Pending.CustomerMessageID.String()
		fields[fieldPendingAt] = state.Pending.CustomerMessageTime.UTC().Format(time.RFC3339Nano)
	}
	return fields
}

func decodeState(conversationID uuid.UUID, vals map[string]string) (*ConversationState, error) {
	state := &ConversationState{ConversationID: conversationID}
	if len(vals) == 0 {
		return state, nil
	}
	state.OrganizationID = vals[fieldOrg]
	state.Closed = vals[fieldClosed] == "1"
	if raw := vals[fieldContact]; raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("responsetime: decode contact id: %w", err)
		}
		state.ContactID = id
	}
	if raw := vals[fieldLastEventAt]; raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("responsetime: decode last event: %w", err)
		}
		state.LastEventAt = t
	}
	if rawID, rawAt := vals[fieldPendingMsg], vals[fieldPendingAt]; rawID != "" && rawAt != "" {
		msgID, err := uuid.Parse(rawID)
		if err != nil {
			return nil, fmt.Errorf("responsetime: decode pending message: %w", err)
		}
		at, err := time.Parse(time.RFC3339Nano, rawAt)
		if err != nil {
			return nil, fmt.Errorf("responsetime: decode pending time: %w", err)
		}
		state.Pending = &PendingEntry{
			OrganizationID:      state.OrganizationID,
			ContactID:           state.ContactID,
			ConversationID:      conversationID,
			CustomerMessageID:   msgID,
			CustomerMessageTime: at,
		}
	}
	return state, nil
}

func boolString(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
