package adapters

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/cloudparity/parity/internal/ingest"
	"github.com/cloudparity/parity/pkg/logger"
)

const azureValidationEventType = "Microsoft.EventGrid.SubscriptionValidationEvent"

// eventGridEvent is the Event Grid delivery format. Deliveries always carry
// an array of events; the subscription handshake arrives as a validation
// event inside the same array.
type eventGridEvent struct {
	ID        string         `json:"id"`
	EventType string         `json:"eventType"`
	Subject   string         `json:"subject"`
	EventTime string         `json:"eventTime"`
	Data      map[string]any `json:"data"`
	Topic     string         `json:"topic,omitempty"`
}

// HandleAzure handles POST /api/v1/webhooks/azure.
func (h *Handler) HandleAzure(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	var events []eventGridEvent
	if err := json.NewDecoder(r.Body).Decode(&events); err != nil {
		h.writeError(w, http.StatusBadRequest, "expected array of events")
		return
	}

	results := make([]itemResult, 0, len(events))
	for _, eg := range events {
		if eg.EventType == azureValidationEventType {
			code, _ := eg.Data["validationCode"].(string)
			log.Info("event grid subscription validation", "event_id", eg.ID, "topic", eg.Topic)
			h.writeJSON(w, http.StatusOK, map[string]string{"validationResponse": code})
			return
		}

		eventType, ok := azureEventType(eg.EventType)
		if !ok {
			log.Warn("unknown azure event type", "event_type", eg.EventType, "event_id", eg.ID)
			results = append(results, itemResult{
				EventID: eg.ID,
				Status:  "skipped",
				Reason:  "unknown event type " + eg.EventType,
			})
			continue
		}

		ev := &ingest.Event{
			EventID:   eventIDFrom(eg.Data, eg.ID),
			EventType: eventType,
			Source:    ingest.SourceAzure,
			Timestamp: parseTime(eg.EventTime),
			Payload:   eg.Data,
		}

		res, err := h.accept(ctx, ev)
		if err != nil {
			log.Error("azure webhook ingestion failed", "error", err, "event_id", ev.EventID)
		}
		results = append(results, res)
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":       "processed",
		"total_events": len(events),
		"results":      results,
	})
}

// azureEventType maps a namespaced Event Grid type ("Contoso.Orders.
// OrderPlaced") to a canonical event type by its last segment.
func azureEventType(s string) (string, bool) {
	parts := strings.Split(s, ".")
	t := parts[len(parts)-1]
	if ingest.KnownEventType(t) {
		return t, true
	}
	return "", false
}
