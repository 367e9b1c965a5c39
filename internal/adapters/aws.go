package adapters

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/cloudparity/parity/internal/ingest"
	pkgerrors "github.com/cloudparity/parity/pkg/errors"
	"github.com/cloudparity/parity/pkg/logger"
)

// snsEnvelope is the SNS HTTP delivery wrapper. EventBridge events arrive
// either wrapped (Type Notification, event JSON in Message) or raw when the
// rule targets the endpoint directly.
type snsEnvelope struct {
	Type         string `json:"Type"`
	MessageID    string `json:"MessageId"`
	TopicArn     string `json:"TopicArn"`
	Message      string `json:"Message"`
	SubscribeURL string `json:"SubscribeURL"`
	Timestamp    string `json:"Timestamp"`
}

type eventBridgeEvent struct {
	Version    string         `json:"version"`
	ID         string         `json:"id"`
	DetailType string         `json:"detail-type"`
	Source     string         `json:"source"`
	Account    string         `json:"account"`
	Time       string         `json:"time"`
	Region     string         `json:"region"`
	Detail     map[string]any `json:"detail"`
}

// HandleAWS handles POST /api/v1/webhooks/aws.
func (h *Handler) HandleAWS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	var env snsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	raw := body
	switch env.Type {
	case "SubscriptionConfirmation":
		log.Info("sns subscription confirmation received",
			"topic_arn", env.TopicArn,
			"subscribe_url", env.SubscribeURL,
		)
		h.writeJSON(w, http.StatusOK, map[string]string{
			"status":        "subscription_confirmation_received",
			"subscribe_url": env.SubscribeURL,
		})
		return
	case "Notification":
		raw = []byte(env.Message)
	}

	var eb eventBridgeEvent
	if err := json.Unmarshal(raw, &eb); err != nil || eb.ID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid EventBridge event")
		return
	}

	eventType, ok := awsEventType(eb.DetailType)
	if !ok {
		log.Warn("unknown aws event type", "detail_type", eb.DetailType)
		h.writeError(w, http.StatusBadRequest, "unknown event type "+eb.DetailType)
		return
	}

	ev := &ingest.Event{
		EventID:   eventIDFrom(eb.Detail, eb.ID),
		EventType: eventType,
		Source:    ingest.SourceAWS,
		Timestamp: parseTime(eb.Time),
		Payload:   eb.Detail,
	}

	res, err := h.accept(ctx, ev)
	if res.Status == "error" {
		log.Error("aws webhook ingestion failed", "error", err, "event_id", ev.EventID)
		h.writeError(w, pkgerrors.HTTPStatusCode(err), "failed to process event")
		return
	}
	if res.Status == "validation_failed" {
		h.writeJSON(w, http.StatusBadRequest, res)
		return
	}

	status := http.StatusAccepted
	if res.Status == "duplicate" {
		status = http.StatusOK
	}
	h.writeJSON(w, status, map[string]string{
		"status":   res.Status,
		"event_id": ev.EventID,
		"source":   ingest.SourceAWS,
	})
}

// awsEventType maps an EventBridge detail-type to a canonical event type.
// AWS emitters use both spaced ("Order Placed") and unspaced forms.
func awsEventType(detailType string) (string, bool) {
	t := strings.ReplaceAll(detailType, " ", "")
	if ingest.KnownEventType(t) {
		return t, true
	}
	return "", false
}
