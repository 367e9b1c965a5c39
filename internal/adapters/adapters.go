// Package adapters terminates the provider push protocols. Each endpoint
// decodes one provider's delivery format (SNS/EventBridge, Pub/Sub push,
// Event Grid), answers its subscription handshake, and feeds the unwrapped
// events through the ingestion gateway.
package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/cloudparity/parity/internal/ingest"
	"github.com/cloudparity/parity/internal/ingest/gateway"
	"github.com/cloudparity/parity/internal/ingest/validator"
	pkgerrors "github.com/cloudparity/parity/pkg/errors"
)

type Handler struct {
	gateway *gateway.Gateway
	logger  *slog.Logger
}

func New(gw *gateway.Gateway) *Handler {
	return &Handler{
		gateway: gw,
		logger:  slog.Default().With("component", "webhook-adapters"),
	}
}

// itemResult is the per-event outcome reported back to the provider.
type itemResult struct {
	EventID string `json:"event_id"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
}

// accept runs one unwrapped event through the gateway and classifies the
// outcome. Duplicates are a normal result here: providers redeliver until
// acknowledged, so they must see success, not an error.
func (h *Handler) accept(ctx context.Context, ev *ingest.Event) (itemResult, error) {
	_, err := h.gateway.Accept(ctx, ev)
	if err == nil {
		return itemResult{EventID: ev.EventID, Status: "accepted"}, nil
	}

	var validationErr *validator.ValidationError
	switch {
	case errors.Is(err, pkgerrors.ErrDuplicateEvent):
		return itemResult{EventID: ev.EventID, Status: "duplicate"}, nil
	case errors.As(err, &validationErr):
		return itemResult{EventID: ev.EventID, Status: "validation_failed", Reason: validationErr.Error()}, nil
	default:
		return itemResult{EventID: ev.EventID, Status: "error", Reason: "ingestion failed"}, err
	}
}

// eventIDFrom prefers the business event ID carried in the payload. Provider
// envelope IDs are minted independently by each cloud, so the same business
// event would never group across sources under them.
func eventIDFrom(payload map[string]any, envelopeID string) string {
	if id, ok := payload["event_id"].(string); ok && id != "" {
		return id
	}
	return envelopeID
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
