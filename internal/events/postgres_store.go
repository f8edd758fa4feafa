package events

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type rowQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps webhook events in the webhook_events table.
type PostgresStore struct {
	pool    rowQuerier
	timeout time.Duration
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	if pool == nil {
		panic("events: pgx pool required")
	}
	return &PostgresStore{pool: pool}
}

func newPostgresStoreWithExec(exec rowQuerier) *PostgresStore {
	if exec == nil {
		panic("events: exec required")
	}
	return &PostgresStore{pool: exec}
}

// WithTimeout bounds every store call.
func (s *PostgresStore) WithTimeout(d time.Duration) *PostgresStore {
	if d > 0 {
		s.timeout = d
	}
	return s
}

func (s *PostgresStore) ctx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

const eventColumns = `event_id, event_type, received_at, raw_payload, processed, processed_at,
	error_message, retry_count, failed_permanently`

func (s *PostgresStore) Record(ctx context.Context, eventID, eventType string, payload []byte) (bool, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	query := `
		INSERT INTO webhook_events (event_id, event_type, raw_payload)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_id) DO NOTHING
	`
	ct, err := s.pool.Exec(ctx, query, eventID, eventType, payload)
	if err != nil {
		return false, unavailable("record", err)
	}
	if ct.RowsAffected() == 0 {
		return false, ErrDuplicateEvent
	}
	return true, nil
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, eventID string, procErr error) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	var query string
	args := []any{eventID}
	switch {
	case procErr == nil:
		query = `
			UPDATE webhook_events
			SET processed = true, processed_at = now(), error_message = NULL
			WHERE event_id = $1
		`
	case IsTerminal(procErr):
		query = `
			UPDATE webhook_events
			SET processed = true, processed_at = now(), error_message = $2
			WHERE event_id = $1
		`
		args = append(args, errorMessage(procErr))
	default:
		query = `
			UPDATE webhook_events
			SET retry_count = retry_count + 1, error_message = $2
			WHERE event_id = $1 AND processed = false
		`
		args = append(args, errorMessage(procErr))
	}
	ct, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return unavailable("mark processed", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrEventNotFound
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, eventID string) (*WebhookEvent, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	query := `SELECT ` + eventColumns + ` FROM webhook_events WHERE event_id = $1`
	ev, err := scanEvent(s.pool.QueryRow(ctx, query, eventID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEventNotFound
		}
		return nil, unavailable("get", err)
	}
	return ev, nil
}

func (s *PostgresStore) ListRetryable(ctx context.Context, limit, maxRetries int) ([]WebhookEvent, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM webhook_events
		WHERE processed = false AND failed_permanently = false AND retry_count < $2
		ORDER BY received_at
		LIMIT $1
	`
	return s.list(ctx, "list retryable", query, limit, maxRetries)
}

func (s *PostgresStore) ListExhausted(ctx context.Context, limit, maxRetries int) ([]WebhookEvent, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM webhook_events
		WHERE processed = false AND failed_permanently = false AND retry_count >= $2
		ORDER BY received_at
		LIMIT $1
	`
	return s.list(ctx, "list exhausted", query, limit, maxRetries)
}

func (s *PostgresStore) ListFailed(ctx context.Context, limit int) ([]WebhookEvent, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM webhook_events
		WHERE failed_permanently = true OR (processed = true AND error_message IS NOT NULL)
		ORDER BY received_at DESC
		LIMIT $1
	`
	return s.list(ctx, "list failed", query, limit)
}

func (s *PostgresStore) MarkFailedPermanently(ctx context.Context, eventID string) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	query := `UPDATE webhook_events SET failed_permanently = true WHERE event_id = $1 AND processed = false`
	ct, err := s.pool.Exec(ctx, query, eventID)
	if err != nil {
		return unavailable("mark failed", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrEventNotFound
	}
	return nil
}

func (s *PostgresStore) list(ctx context.Context, op, query string, args ...any) ([]WebhookEvent, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()

	var out []WebhookEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, unavailable(op, err)
		}
		out = append(out, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	return out, nil
}

func scanEvent(row pgx.Row) (*WebhookEvent, error) {
	var ev WebhookEvent
	var payload []byte
	if err := row.Scan(&ev.EventID, &ev.EventType, &ev.ReceivedAt, &payload, &ev.Processed, &ev.ProcessedAt,
		&ev.ErrorMessage, &ev.RetryCount, &ev.FailedPermanently); err != nil {
		return nil, err
	}
	ev.RawPayload = append([]byte(nil), payload...)
	return &ev, nil
}
