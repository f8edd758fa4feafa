// Package alerts emails operators about conversations that have waited too
// long for an agent reply.
package alerts

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/wolfman30/chatpulse/internal/notify"
	"github.com/wolfman30/chatpulse/internal/observability/metrics"
	"github.com/wolfman30/chatpulse/internal/stats"
	"github.com/wolfman30/chatpulse/pkg/logging"
)

// PendingLister is the read side the alerter polls.
type PendingLister interface {
	GetPending(ctx context.Context, scope stats.Scope) ([]stats.PendingView, error)
}

// Alerter polls the pending snapshot, refreshes the pending gauge and sends
// one email per critical entry.
type Alerter struct {
	pending  PendingLister
	sender   notify.EmailSender
	marker   Marker
	metrics  *metrics.IngestionMetrics
	logger   *logging.Logger
	to       []string
	interval time.Duration
	markTTL  time.Duration
}

func NewAlerter(pending PendingLister, sender notify.EmailSender, marker Marker, logger *logging.Logger) *Alerter {
	if logger == nil {
		logger = logging.Default()
	}
	if marker == nil {
		marker = NewMemoryMarker()
	}
	return &Alerter{
		pending:  pending,
		sender:   sender,
		marker:   marker,
		logger:   logger,
		interval: time.Minute,
		markTTL:  24 * time.Hour,
	}
}

// WithRecipients sets the alert addresses. Without any, the alerter only
// refreshes metrics.
func (a *Alerter) WithRecipients(to ...string) *Alerter {
	a.to = a.to[:0]
	for _, addr := range to {
		if addr = strings.TrimSpace(addr); addr != "" {
			a.to = append(a.to, addr)
		}
	}
	return a
}

func (a *Alerter) WithInterval(d time.Duration) *Alerter {
	if d > 0 {
		a.interval = d
	}
	return a
}

func (a *Alerter) WithMetrics(m *metrics.IngestionMetrics) *Alerter {
	a.metrics = m
	return a
}

func (a *Alerter) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	a.check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.check(ctx)
		}
	}
}

func (a *Alerter) check(ctx context.Context) {
	if a.pending == nil {
		return
	}
	views, err := a.pending.GetPending(ctx, stats.Scope{})
	if err != nil {
		a.logger.Error("alert pending fetch failed", "error", err)
		return
	}
	a.metrics.SetPending(stats.CountByUrgency(views))

	if a.sender == nil || len(a.to) == 0 {
		return
	}
	for _, view := range views {
		if view.Urgency != stats.UrgencyCritical {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		a.notify(ctx, view)
	}
}

func (a *Alerter) notify(ctx context.Context, view stats.PendingView) {
	key := "pending:" + view.CustomerMessageID.String()
	fresh, err := a.marker.Mark(ctx, key, a.markTTL)
	if err != nil {
		a.logger.Warn("alert marker unavailable", "error", err)
		return
	}
	if !fresh {
		return
	}

	msg := notify.EmailMessage{
		Subject: fmt.Sprintf("Customer waiting %.0f minutes for a reply", view.WaitingMinutes),
		Body: fmt.Sprintf(
			"Organization: %s\nConversation: %s\nContact: %s\nCustomer message at: %s\nWaiting: %.0f minutes\n",
			view.OrganizationID,
			view.ConversationID,
			view.ContactID,
			view.CustomerMessageTime.UTC().Format(time.RFC3339),
			view.WaitingMinutes,
		),
	}
	var failed bool
	for _, to := range a.to {
		msg.To = to
		if err := a.sender.Send(ctx, msg); err != nil {
			failed = true
			a.logger.Error("stalled conversation alert failed", "conversation_id", view.ConversationID, "to", to, "error", err)
		}
	}
	if failed {
		// Let the next tick try again.
		if err := a.marker.Clear(ctx, key); err != nil {
			a.logger.Warn("alert marker clear failed", "error", err)
		}
		return
	}
	a.logger.Info("stalled conversation alert sent", "conversation_id", view.ConversationID, "waiting_minutes", view.WaitingMinutes)
}
