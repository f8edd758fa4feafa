package stats

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/wolfman30/chatpulse/internal/responsetime"
)

// SQLReader reads turns through database/sql. It is opened on a read
// replica DSN when one is configured and never writes.
type SQLReader struct {
	db *sql.DB
}

func NewSQLReader(db *sql.DB) *SQLReader {
	if db == nil {
		panic("stats: sql db required")
	}
	return &SQLReader{db: db}
}

func (r *SQLReader) ListTurns(ctx context.Context, filter responsetime.Filter) ([]responsetime.ResponseTurn, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.OrganizationID != "" {
		add("organization_id = $%d", filter.OrganizationID)
	}
	if filter.ContactIDs != nil {
		if len(filter.ContactIDs) == 0 {
			return nil, nil
		}
		ids := make([]string, 0, len(filter.ContactIDs))
		for _, id := range filter.ContactIDs {
			ids = append(ids, id.String())
		}
		add("contact_id = ANY($%d::uuid[])", pq.Array(ids))
	}
	if !filter.Start.IsZero() {
		add("agent_response_time >= $%d", filter.Start)
	}
	if !filter.End.IsZero() {
		add("agent_response_time < $%d", filter.End)
	}

	query := `
		SELECT id, organization_id, contact_id, conversation_id, customer_message_id, customer_message_time,
			agent_message_id, agent_response_time, elapsed_seconds, bucket
		FROM response_turns`
	if len(where) > 0 {
		query += "\n\t\tWHERE " + strings.Join(where, " AND ")
	}
	query += "\n\t\tORDER BY agent_response_time"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("stats: query turns: %w", err)
	}
	defer rows.Close()

	var out []responsetime.ResponseTurn
	for rows.Next() {
		var turn responsetime.ResponseTurn
		var bucket string
		if err := rows.Scan(&turn.ID, &turn.OrganizationID, &turn.ContactID, &turn.ConversationID,
			&turn.CustomerMessageID, &turn.CustomerMessageTime, &turn.AgentMessageID, &turn.AgentResponseTime,
			&turn.ElapsedSeconds, &bucket); err != nil {
			return nil, fmt.Errorf("stats: scan turn: %w", err)
		}
		turn.Bucket = responsetime.Bucket(bucket)
		out = append(out, turn)
	}
	return out, rows.Err()
}

func (r *SQLReader) ContactIDsByPhone(ctx context.Context, phone string) ([]uuid.UUID, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM contacts WHERE phone_number = $1`, phone)
	if err != nil {
		return nil, fmt.Errorf("stats: query contacts: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("stats: scan contact: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
