// Package stats is the read side of response-time tracking: windowed
// aggregates over response turns and the annotated pending snapshot.
package stats

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/chatpulse/internal/responsetime"
)

// WindowStats aggregates response turns inside a window.
type WindowStats struct {
	OrganizationID string                      `json:"organization_id,omitempty"`
	Phone          string                      `json:"phone,omitempty"`
	TotalResponses int                         `json:"total_responses"`
	AverageSeconds float64                     `json:"average_seconds"`
	MinSeconds     float64                     `json:"min_seconds"`
	MaxSeconds     float64                     `json:"max_seconds"`
	Distribution   map[responsetime.Bucket]int `json:"distribution"`
	PeriodStart    string                      `json:"period_start"`
	PeriodEnd      string                      `json:"period_end"`
}

// Scope selects whose turns are aggregated. A nil ContactIDs matches every
// contact; an empty non-nil slice matches none.
type Scope struct {
	OrganizationID string
	ContactIDs     []uuid.UUID
}

// Window bounds a query by agent response time: [Start, End). Nil bounds are
// open.
type Window struct {
	Start *time.Time
	End   *time.Time
}

func (w Window) filter(scope Scope) responsetime.Filter {
	f := responsetime.Filter{OrganizationID: scope.OrganizationID, ContactIDs: scope.ContactIDs}
	if w.Start != nil {
		f.Start = *w.Start
	}
	if w.End != nil {
		f.End = *w.End
	}
	return f
}

func (w Window) label() (string, string) {
	start, end := "all-time", "now"
	if w.Start != nil {
		start = w.Start.UTC().Format(time.RFC3339)
	}
	if w.End != nil {
		end = w.End.UTC().Format(time.RFC3339)
	}
	return start, end
}

// Summarize folds turns into aggregate statistics. Every bucket is present in
// the distribution, zero or not.
func Summarize(turns []responsetime.ResponseTurn) WindowStats {
	out := WindowStats{Distribution: make(map[responsetime.Bucket]int, len(responsetime.Buckets))}
	for _, b := range responsetime.Buckets {
		out.Distribution[b] = 0
	}
	if len(turns) == 0 {
		return out
	}

	var sum float64
	out.MinSeconds = math.Inf(1)
	out.MaxSeconds = math.Inf(-1)
	for _, turn := range turns {
		sum += turn.ElapsedSeconds
		out.MinSeconds = math.Min(out.MinSeconds, turn.ElapsedSeconds)
		out.MaxSeconds = math.Max(out.MaxSeconds, turn.ElapsedSeconds)
		out.Distribution[turn.Bucket]++
	}
	out.TotalResponses = len(turns)
	out.AverageSeconds = sum / float64(len(turns))
	return out
}
