package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wolfman30/chatpulse/internal/events"
	"github.com/wolfman30/chatpulse/internal/http/middleware"
	"github.com/wolfman30/chatpulse/internal/stats"
	"github.com/wolfman30/chatpulse/pkg/logging"
)

// StatsReader is the aggregator surface served over HTTP.
type StatsReader interface {
	GetStats(ctx context.Context, scope stats.Scope, window stats.Window) (*stats.WindowStats, error)
	GetContactStats(ctx context.Context, phone string, window stats.Window) (*stats.WindowStats, error)
	GetPending(ctx context.Context, scope stats.Scope) ([]stats.PendingView, error)
}

// FailedLister lists events that need manual inspection.
type FailedLister interface {
	ListFailed(ctx context.Context, limit int) ([]events.WebhookEvent, error)
}

// ResponseTimeHandler serves the dashboard read API.
type ResponseTimeHandler struct {
	stats  StatsReader
	events FailedLister
	logger *logging.Logger
}

func NewResponseTimeHandler(reader StatsReader, failed FailedLister, logger *logging.Logger) *ResponseTimeHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &ResponseTimeHandler{stats: reader, events: failed, logger: logger}
}

// PendingResponse is the body of the pending endpoint.
type PendingResponse struct {
	OrganizationID string              `json:"organization_id"`
	Count          int                 `json:"count"`
	ByUrgency      map[string]int      `json:"by_urgency"`
	Pending        []stats.PendingView `json:"pending"`
}

// FailedEventsResponse is the body of the failed events endpoint.
type FailedEventsResponse struct {
	Count  int                   `json:"count"`
	Events []events.WebhookEvent `json:"events"`
}

// GetOrgStats handles GET /admin/orgs/{orgID}/response-times/stats.
// Optional query: start, end (RFC3339 or YYYY-MM-DD) and repeated contact_id.
func (h *ResponseTimeHandler) GetOrgStats(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.orgParam(w, r)
	if !ok {
		return
	}
	window, err := parseWindow(r)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	scope := stats.Scope{OrganizationID: orgID}
	if raw := r.URL.Query()["contact_id"]; len(raw) > 0 {
		scope.ContactIDs = make([]uuid.UUID, 0, len(raw))
		for _, v := range raw {
			id, err := uuid.Parse(strings.TrimSpace(v))
			if err != nil {
				jsonError(w, "invalid contact_id", http.StatusBadRequest)
				return
			}
			scope.ContactIDs = append(scope.ContactIDs, id)
		}
	}

	out, err := h.stats.GetStats(r.Context(), scope, window)
	if err != nil {
		h.logger.Error("response time stats failed", "error", err, "org_id", orgID)
		jsonError(w, "failed to load stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// GetContactStats handles GET /admin/contacts/{phone}/response-times/stats.
func (h *ResponseTimeHandler) GetContactStats(w http.ResponseWriter, r *http.Request) {
	if !requireGlobal(w, r) {
		return
	}
	phone := strings.TrimSpace(chi.URLParam(r, "phone"))
	if phone == "" {
		jsonError(w, "missing phone", http.StatusBadRequest)
		return
	}
	window, err := parseWindow(r)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	out, err := h.stats.GetContactStats(r.Context(), phone, window)
	if err != nil {
		h.logger.Error("contact response time stats failed", "error", err)
		jsonError(w, "failed to load stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// GetPending handles GET /admin/orgs/{orgID}/response-times/pending.
func (h *ResponseTimeHandler) GetPending(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.orgParam(w, r)
	if !ok {
		return
	}
	views, err := h.stats.GetPending(r.Context(), stats.Scope{OrganizationID: orgID})
	if err != nil {
		h.logger.Error("pending snapshot failed", "error", err, "org_id", orgID)
		jsonError(w, "failed to load pending conversations", http.StatusInternalServerError)
		return
	}
	if views == nil {
		views = []stats.PendingView{}
	}
	writeJSON(w, http.StatusOK, PendingResponse{
		OrganizationID: orgID,
		Count:          len(views),
		ByUrgency:      stats.CountByUrgency(views),
		Pending:        views,
	})
}

// ListFailedEvents handles GET /admin/events/failed?limit=N.
func (h *ResponseTimeHandler) ListFailedEvents(w http.ResponseWriter, r *http.Request) {
	if !requireGlobal(w, r) {
		return
	}
	if h.events == nil {
		jsonError(w, "event store not configured", http.StatusServiceUnavailable)
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			jsonError(w, "limit must be between 1 and 500", http.StatusBadRequest)
			return
		}
		limit = n
	}
	failed, err := h.events.ListFailed(r.Context(), limit)
	if err != nil {
		h.logger.Error("list failed events failed", "error", err)
		jsonError(w, "failed to list events", http.StatusServiceUnavailable)
		return
	}
	if failed == nil {
		failed = []events.WebhookEvent{}
	}
	writeJSON(w, http.StatusOK, FailedEventsResponse{Count: len(failed), Events: failed})
}

func (h *ResponseTimeHandler) orgParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	orgID := strings.TrimSpace(chi.URLParam(r, "orgID"))
	if orgID == "" {
		jsonError(w, "missing orgID", http.StatusBadRequest)
		return "", false
	}
	if !middleware.OrgAllowed(r.Context(), orgID) {
		jsonError(w, "forbidden", http.StatusForbidden)
		return "", false
	}
	return orgID, true
}

// requireGlobal rejects organization-scoped tokens on cross-organization
// endpoints.
func requireGlobal(w http.ResponseWriter, r *http.Request) bool {
	if claims, ok := middleware.AdminClaimsFromContext(r.Context()); ok && claims.OrgID != "" {
		jsonError(w, "forbidden", http.StatusForbidden)
		return false
	}
	return true
}

func parseWindow(r *http.Request) (stats.Window, error) {
	var window stats.Window
	q := r.URL.Query()
	for _, bound := range []struct {
		name string
		dst  **time.Time
	}{{"start", &window.Start}, {"end", &window.End}} {
		raw := strings.TrimSpace(q.Get(bound.name))
		if raw == "" {
			continue
		}
		t, err := parseTimeParam(raw)
		if err != nil {
			return stats.Window{}, fmt.Errorf("invalid %s: %q", bound.name, raw)
		}
		*bound.dst = &t
	}
	if window.Start != nil && window.End != nil && !window.Start.Before(*window.End) {
		return stats.Window{}, fmt.Errorf("start must be before end")
	}
	return window, nil
}

func parseTimeParam(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	return time.Parse("2006-01-02", raw)
}
