package adapters

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/cloudparity/parity/internal/ingest"
	pkgerrors "github.com/cloudparity/parity/pkg/errors"
	"github.com/cloudparity/parity/pkg/logger"
)

// pubSubPush is the Pub/Sub push subscription delivery format. The event
// payload rides base64-encoded in message.data.
type pubSubPush struct {
	Message      pubSubMessage `json:"message"`
	Subscription string        `json:"subscription"`
}

type pubSubMessage struct {
	Data        string            `json:"data"`
	Attributes  map[string]string `json:"attributes"`
	MessageID   string            `json:"messageId"`
	PublishTime string            `json:"publishTime"`
}

// HandleGCP handles POST /api/v1/webhooks/gcp. Pub/Sub redelivers on any
// non-2xx, so duplicates are acknowledged with 200 and only backend failures
// surface as errors.
func (h *Handler) HandleGCP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	var push pubSubPush
	if err := json.NewDecoder(r.Body).Decode(&push); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	msg := push.Message

	decoded, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		log.Warn("pubsub data not base64", "message_id", msg.MessageID, "error", err)
		h.writeError(w, http.StatusBadRequest, "failed to decode message data")
		return
	}
	var payload map[string]any
	if err := json.Unmarshal(decoded, &payload); err != nil {
		h.writeError(w, http.StatusBadRequest, "message data is not JSON")
		return
	}

	typeStr := msg.Attributes["eventType"]
	if typeStr == "" {
		typeStr = msg.Attributes["event_type"]
	}
	if typeStr == "" {
		typeStr, _ = payload["event_type"].(string)
	}
	if typeStr == "" {
		h.writeError(w, http.StatusBadRequest, "missing event type in attributes or payload")
		return
	}

	eventType, ok := gcpEventType(typeStr)
	if !ok {
		log.Warn("unknown gcp event type", "event_type", typeStr, "message_id", msg.MessageID)
		h.writeError(w, http.StatusBadRequest, "unknown event type "+typeStr)
		return
	}

	ev := &ingest.Event{
		EventID:   eventIDFrom(payload, msg.MessageID),
		EventType: eventType,
		Source:    ingest.SourceGCP,
		Timestamp: parseTime(msg.PublishTime),
		Payload:   payload,
	}

	res, err := h.accept(ctx, ev)
	if res.Status == "error" {
		log.Error("gcp webhook ingestion failed", "error", err, "event_id", ev.EventID)
		h.writeError(w, pkgerrors.HTTPStatusCode(err), "failed to process event")
		return
	}
	if res.Status == "validation_failed" {
		h.writeJSON(w, http.StatusBadRequest, res)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{
		"status":   res.Status,
		"event_id": ev.EventID,
		"source":   ingest.SourceGCP,
	})
}

// gcpEventType maps a Pub/Sub event type attribute to a canonical event
// type. GCP emitters use either the canonical name or a dotted lowercase
// form ("order.placed").
func gcpEventType(s string) (string, bool) {
	if ingest.KnownEventType(s) {
		return s, true
	}
	parts := strings.Split(s, ".")
	for i, p := range parts {
		if p == "" {
			return "", false
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	t := strings.Join(parts, "")
	if ingest.KnownEventType(t) {
		return t, true
	}
	return "", false
}
