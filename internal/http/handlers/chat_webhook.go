package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/wolfman30/chatpulse/internal/ingest"
	"github.com/wolfman30/chatpulse/pkg/logging"
)

const maxWebhookBody = 1 << 20

// Ingester is the coordinator entry point used by the webhook.
type Ingester interface {
	Ingest(ctx context.Context, body []byte) (ingest.Result, error)
}

// ChatWebhookHandler receives chat platform deliveries. It answers 200 once
// the event is durably recorded, whatever processing does afterwards, so the
// platform only redelivers what was never stored.
type ChatWebhookHandler struct {
	ingester Ingester
	logger   *logging.Logger
}

func NewChatWebhookHandler(ingester Ingester, logger *logging.Logger) *ChatWebhookHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &ChatWebhookHandler{ingester: ingester, logger: logger}
}

type webhookResponse struct {
	Status    string `json:"status"`
	EventID   string `json:"event_id"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Queued    bool   `json:"queued,omitempty"`
}

// Handle serves POST /webhooks/chat.
func (h *ChatWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			jsonError(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		jsonError(w, "failed to read body", http.StatusBadRequest)
		return
	}

	res, err := h.ingester.Ingest(r.Context(), body)
	if err != nil {
		if errors.Is(err, ingest.ErrInvalidPayload) {
			h.logger.Warn("rejected chat webhook", "error", err)
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error("chat webhook not recorded", "error", err, "event_id", res.EventID)
		jsonError(w, "event store unavailable", http.StatusServiceUnavailable)
		return
	}

	status := "processed"
	switch {
	case res.Duplicate:
		status = "duplicate"
	case res.Queued:
		status = "queued"
	case res.Err != nil:
		status = "recorded"
	}
	writeJSON(w, http.StatusOK, webhookResponse{
		Status:    status,
		EventID:   res.EventID,
		Duplicate: res.Duplicate,
		Queued:    res.Queued,
	})
}
