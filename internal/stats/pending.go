package stats

import (
	"time"

	"github.com/wolfman30/chatpulse/internal/responsetime"
)

// Urgency classifies how long a customer has been waiting.
type Urgency string

const (
	UrgencyNormal   Urgency = "normal"
	UrgencyUrgent   Urgency = "urgent"
	UrgencyCritical Urgency = "critical"
)

// UrgencyPolicy holds the inclusive lower bounds of urgent and critical.
type UrgencyPolicy struct {
	Urgent   time.Duration
	Critical time.Duration
}

// DefaultUrgencyPolicy returns 15m urgent / 60m critical.
func DefaultUrgencyPolicy() UrgencyPolicy {
	return UrgencyPolicy{Urgent: 15 * time.Minute, Critical: time.Hour}
}

func (p UrgencyPolicy) Classify(wait time.Duration) Urgency {
	switch {
	case wait >= p.Critical:
		return UrgencyCritical
	case wait >= p.Urgent:
		return UrgencyUrgent
	default:
		return UrgencyNormal
	}
}

// PendingView is a pending entry annotated for the dashboard.
type PendingView struct {
	responsetime.PendingEntry
	WaitingMinutes float64 `json:"waiting_minutes"`
	Urgency        Urgency `json:"urgency"`
}

// Annotate computes waiting time and urgency relative to now. A customer
// message time in the future counts as zero wait.
func Annotate(entries []responsetime.PendingEntry, policy UrgencyPolicy, now time.Time) []PendingView {
	out := make([]PendingView, 0, len(entries))
	for _, entry := range entries {
		wait := now.Sub(entry.CustomerMessageTime)
		if wait < 0 {
			wait = 0
		}
		out = append(out, PendingView{
			PendingEntry:   entry,
			WaitingMinutes: wait.Minutes(),
			Urgency:        policy.Classify(wait),
		})
	}
	return out
}

// CountByUrgency tallies views for the pending gauge.
func CountByUrgency(views []PendingView) map[string]int {
	counts := map[string]int{
		string(UrgencyNormal):   0,
		string(UrgencyUrgent):   0,
		string(UrgencyCritical): 0,
	}
	for _, v := range views {
		counts[string(v.Urgency)]++
	}
	return counts
}
