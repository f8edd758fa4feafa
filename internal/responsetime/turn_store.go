package responsetime

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TurnStore persists response turns. Insert is idempotent on the customer
// message id: a second insert for the same message reports created=false.
type TurnStore interface {
	Insert(ctx context.Context, turn *ResponseTurn) (created bool, err error)
}

// TurnLister is implemented by turn stores that can also serve reads.
type TurnLister interface {
	ListTurns(ctx context.Context, filter Filter) ([]ResponseTurn, error)
}

// MemoryTurnStore keeps turns in process and doubles as the dev read side.
type MemoryTurnStore struct {
	mu    sync.RWMutex
	turns map[uuid.UUID]ResponseTurn
}

func NewMemoryTurnStore() *MemoryTurnStore {
	return &MemoryTurnStore{turns: make(map[uuid.UUID]ResponseTurn)}
}

func (s *MemoryTurnStore) Insert(_ context.Context, turn *ResponseTurn) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.turns[turn.CustomerMessageID]; ok {
		*turn = existing
		return false, nil
	}
	if turn.ID == uuid.Nil {
		turn.ID = uuid.New()
	}
	s.turns[turn.CustomerMessageID] = *turn
	return true, nil
}

func (s *MemoryTurnStore) ListTurns(_ context.Context, filter Filter) ([]ResponseTurn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ResponseTurn
	for _, turn := range s.turns {
		if filter.MatchesTurn(turn) {
			out = append(out, turn)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].AgentResponseTime.Before(out[j].AgentResponseTime)
	})
	return out, nil
}

// Len reports how many turns are stored.
func (s *MemoryTurnStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresTurnStore writes turns to the response_turns table.
type PostgresTurnStore struct {
	db execer
}

func NewPostgresTurnStore(pool *pgxpool.Pool) *PostgresTurnStore {
	if pool == nil {
		panic("responsetime: pgx pool required")
	}
	return &PostgresTurnStore{db: pool}
}

func newPostgresTurnStoreWithExec(db execer) *PostgresTurnStore {
	if db == nil {
		panic("responsetime: exec required")
	}
	return &PostgresTurnStore{db: db}
}

func (s *PostgresTurnStore) Insert(ctx context.Context, turn *ResponseTurn) (bool, error) {
	if turn.ID == uuid.Nil {
		turn.ID = uuid.New()
	}
	query := `
		INSERT INTO response_turns (id, organization_id, contact_id, conversation_id, customer_message_id,
			customer_message_time, agent_message_id, agent_response_time, elapsed_seconds, bucket)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (customer_message_id) DO NOTHING
	`
	ct, err := s.db.Exec(ctx, query,
		turn.ID, turn.OrganizationID, turn.ContactID, turn.ConversationID, turn.CustomerMessageID,
		turn.CustomerMessageTime, turn.AgentMessageID, turn.AgentResponseTime, turn.ElapsedSeconds, string(turn.Bucket),
	)
	if err != nil {
		return false, fmt.Errorf("responsetime: insert turn: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// ListTurns reads turns through pgx. The dashboard read path uses the
// database/sql reader in package stats; this one serves rebuild tooling and
// tests.
func (s *PostgresTurnStore) ListTurns(ctx context.Context, filter Filter) ([]ResponseTurn, error) {
	query := `
		SELECT id, organization_id, contact_id, conversation_id, customer_message_id, customer_message_time,
			agent_message_id, agent_response_time, elapsed_seconds, bucket
		FROM response_turns
		WHERE ($1 = '' OR organization_id = $1)
			AND ($2::timestamptz IS NULL OR agent_response_time >= $2)
			AND ($3::timestamptz IS NULL OR agent_response_time < $3)
		ORDER BY agent_response_time
	`
	rows, err := s.db.Query(ctx, query, filter.OrganizationID, nullableTime(filter.Start), nullableTime(filter.End))
	if err != nil {
		return nil, fmt.Errorf("responsetime: list turns: %w", err)
	}
	defer rows.Close()

	var out []ResponseTurn
	for rows.Next() {
		var turn ResponseTurn
		var bucket string
		if err := rows.Scan(&turn.ID, &turn.OrganizationID, &turn.ContactID, &turn.ConversationID,
			&turn.CustomerMessageID, &turn.CustomerMessageTime, &turn.AgentMessageID, &turn.AgentResponseTime,
			&turn.ElapsedSeconds, &bucket); err != nil {
			return nil, fmt.Errorf("responsetime: scan turn: %w", err)
		}
		turn.Bucket = Bucket(bucket)
		if filter.MatchesTurn(turn) {
			out = append(out, turn)
		}
	}
	return out, rows.Err()
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
