package alerts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/chatpulse/internal/notify"
	"github.com/wolfman30/chatpulse/internal/observability/metrics"
	"github.com/wolfman30/chatpulse/internal/responsetime"
	"github.com/wolfman30/chatpulse/internal/stats"
)

type stubPending struct {
	views []stats.PendingView
	err   error
}

func (s *stubPending) GetPending(context.Context, stats.Scope) ([]stats.PendingView, error) {
	return s.views, s.err
}

type recordingSender struct {
	sent []notify.EmailMessage
	err  error
}

func (r *recordingSender) Send(_ context.Context, msg notify.EmailMessage) error {
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, msg)
	return nil
}

func view(urgency stats.Urgency, minutes float64) stats.PendingView {
	return stats.PendingView{
		PendingEntry: responsetime.PendingEntry{
			OrganizationID:      "org-1",
			ConversationID:      uuid.New(),
			CustomerMessageID:   uuid.New(),
			CustomerMessageTime: time.Now().Add(-time.Duration(minutes) * time.Minute),
		},
		WaitingMinutes: minutes,
		Urgency:        urgency,
	}
}

func TestAlerterSendsOncePerCriticalEntry(t *testing.T) {
	pending := &stubPending{views: []stats.PendingView{
		view(stats.UrgencyNormal, 3),
		view(stats.UrgencyUrgent, 20),
		view(stats.UrgencyCritical, 75),
	}}
	sender := &recordingSender{}
	a := NewAlerter(pending, sender, nil, nil).WithRecipients("ops@example.com", " ")

	a.check(context.Background())
	a.check(context.Background())

	require.Len(t, sender.sent, 1)
	assert.Equal(t, "ops@example.com", sender.sent[0].To)
	assert.Contains(t, sender.sent[0].Subject, "75 minutes")
	assert.Contains(t, sender.sent[0].Body, pending.views[2].ConversationID.String())
}

func TestAlerterRetriesAfterSendFailure(t *testing.T) {
	pending := &stubPending{views: []stats.PendingView{view(stats.UrgencyCritical, 90)}}
	sender := &recordingSender{err: errors.New("smtp down")}
	a := NewAlerter(pending, sender, nil, nil).WithRecipients("ops@example.com")

	a.check(context.Background())
	assert.Empty(t, sender.sent)

	sender.err = nil
	a.check(context.Background())
	assert.Len(t, sender.sent, 1)
}

func TestAlerterUpdatesPendingGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewIngestionMetrics(reg)
	pending := &stubPending{views: []stats.PendingView{
		view(stats.UrgencyCritical, 61),
		view(stats.UrgencyCritical, 62),
		view(stats.UrgencyUrgent, 16),
	}}
	a := NewAlerter(pending, nil, nil, nil).WithMetrics(m)

	a.check(context.Background())

	families, err := reg.Gather()
	require.NoError(t, err)
	got := map[string]float64{}
	for _, fam := range families {
		if fam.GetName() != "chatpulse_responsetime_pending_conversations" {
			continue
		}
		for _, metric := range fam.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "urgency" {
					got[label.GetValue()] = metric.GetGauge().GetValue()
				}
			}
		}
	}
	assert.Equal(t, map[string]float64{"normal": 0, "urgent": 1, "critical": 2}, got)
}

func TestAlerterSkipsOnFetchError(t *testing.T) {
	sender := &recordingSender{}
	a := NewAlerter(&stubPending{err: errors.New("redis down")}, sender, nil, nil).WithRecipients("ops@example.com")
	a.check(context.Background())
	assert.Empty(t, sender.sent)
}

func TestRedisMarker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	m := NewRedisMarker(client)
	ctx := context.Background()

	fresh, err := m.Mark(ctx, "pending:1", time.Hour)
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = m.Mark(ctx, "pending:1", time.Hour)
	require.NoError(t, err)
	assert.False(t, fresh)

	mr.FastForward(2 * time.Hour)
	fresh, err = m.Mark(ctx, "pending:1", time.Hour)
	require.NoError(t, err)
	assert.True(t, fresh)

	require.NoError(t, m.Clear(ctx, "pending:1"))
	assert.False(t, mr.Exists("chatpulse:alert:pending:1"))
}

func TestMemoryMarkerExpires(t *testing.T) {
	m := NewMemoryMarker()
	now := time.Date(2024, 5, 2, 13, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	fresh, _ := m.Mark(ctx, "k", time.Minute)
	assert.True(t, fresh)
	fresh, _ = m.Mark(ctx, "k", time.Minute)
	assert.False(t, fresh)
	now = now.Add(2 * time.Minute)
	fresh, _ = m.Mark(ctx, "k", time.Minute)
	assert.True(t, fresh)
}
