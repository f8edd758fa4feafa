package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/chatpulse/internal/chat"
	"github.com/wolfman30/chatpulse/internal/responsetime"
	"github.com/wolfman30/chatpulse/pkg/logging"
)

// Reader is the storage backend behind the aggregator.
type Reader interface {
	ListTurns(ctx context.Context, filter responsetime.Filter) ([]responsetime.ResponseTurn, error)
	ContactIDsByPhone(ctx context.Context, phone string) ([]uuid.UUID, error)
}

// PendingSource lists current pending entries. The tracker's state store
// satisfies it; reads never take tracker locks.
type PendingSource interface {
	ListPending(ctx context.Context, filter responsetime.Filter) ([]responsetime.PendingEntry, error)
}

// Aggregator answers the dashboard's read queries.
type Aggregator struct {
	reader  Reader
	pending PendingSource
	policy  UrgencyPolicy
	now     func() time.Time
	logger  *logging.Logger
}

func NewAggregator(reader Reader, pending PendingSource, logger *logging.Logger) *Aggregator {
	if reader == nil || pending == nil {
		panic("stats: reader and pending source required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Aggregator{
		reader:  reader,
		pending: pending,
		policy:  DefaultUrgencyPolicy(),
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger,
	}
}

func (a *Aggregator) WithUrgencyPolicy(p UrgencyPolicy) *Aggregator {
	if p.Urgent > 0 && p.Critical >= p.Urgent {
		a.policy = p
	}
	return a
}

// GetStats aggregates turns for scope inside window. Unknown scopes yield
// empty stats.
func (a *Aggregator) GetStats(ctx context.Context, scope Scope, window Window) (*WindowStats, error) {
	turns, err := a.reader.ListTurns(ctx, window.filter(scope))
	if err != nil {
		return nil, fmt.Errorf("stats: list turns: %w", err)
	}
	out := Summarize(turns)
	out.OrganizationID = scope.OrganizationID
	out.PeriodStart, out.PeriodEnd = window.label()
	return &out, nil
}

// GetContactStats aggregates every contact registered under phone.
func (a *Aggregator) GetContactStats(ctx context.Context, phone string, window Window) (*WindowStats, error) {
	normalized := chat.NormalizePhone(phone)
	ids := []uuid.UUID{}
	if normalized != "" {
		found, err := a.reader.ContactIDsByPhone(ctx, normalized)
		if err != nil {
			return nil, fmt.Errorf("stats: resolve phone: %w", err)
		}
		ids = append(ids, found...)
	}
	out, err := a.GetStats(ctx, Scope{ContactIDs: ids}, window)
	if err != nil {
		return nil, err
	}
	out.Phone = normalized
	return out, nil
}

// GetPending returns the pending snapshot for scope, longest wait first.
func (a *Aggregator) GetPending(ctx context.Context, scope Scope) ([]PendingView, error) {
	entries, err := a.pending.ListPending(ctx, responsetime.Filter{
		OrganizationID: scope.OrganizationID,
		ContactIDs:     scope.ContactIDs,
	})
	if err != nil {
		return nil, fmt.Errorf("stats: list pending: %w", err)
	}
	return Annotate(entries, a.policy, a.now()), nil
}

// MemoryReader serves reads from the in-memory turn store.
type MemoryReader struct {
	turns    responsetime.TurnLister
	contacts ContactLookup
}

// ContactLookup resolves a normalized phone number to contact ids.
type ContactLookup interface {
	ContactIDsByPhone(ctx context.Context, phone string) ([]uuid.UUID, error)
}

func NewMemoryReader(turns responsetime.TurnLister, contacts ContactLookup) *MemoryReader {
	return &MemoryReader{turns: turns, contacts: contacts}
}

func (r *MemoryReader) ListTurns(ctx context.Context, filter responsetime.Filter) ([]responsetime.ResponseTurn, error) {
	return r.turns.ListTurns(ctx, filter)
}

func (r *MemoryReader) ContactIDsByPhone(ctx context.Context, phone string) ([]uuid.UUID, error) {
	return r.contacts.ContactIDsByPhone(ctx, phone)
}
