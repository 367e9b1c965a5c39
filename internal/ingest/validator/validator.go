// Package validator checks canonical events before the gateway accepts them.
// Rules are per event type and failures carry per-field error details.
package validator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudparity/parity/internal/ingest"
)

const maxEventIDLength = 255

// ValidationError holds per-field validation failure messages.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	var parts []string
	for field, msg := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s:%s", field, msg))
	}
	return strings.Join(parts, "; ")
}

// ValidateEvent checks a canonical event against the ingestion rules and
// returns a ValidationError when any fail.
func ValidateEvent(ev *ingest.Event) error {
	errs := make(map[string]string)

	id := strings.TrimSpace(ev.EventID)
	if id == "" {
		errs["event_id"] = "event_id is required"
	} else if len(id) > maxEventIDLength {
		errs["event_id"] = fmt.Sprintf("event_id must be at most %d characters", maxEventIDLength)
	}
	if !ingest.KnownSource(ev.Source) {
		errs["source"] = fmt.Sprintf("source must be one of %s", strings.Join(ingest.Sources, ", "))
	}
	if !ingest.KnownEventType(ev.EventType) {
		errs["event_type"] = fmt.Sprintf("unknown event type %q", ev.EventType)
	}
	if len(ev.Payload) == 0 {
		errs["payload"] = "payload must not be empty"
	}

	switch ev.EventType {
	case ingest.TypeOrderPlaced:
		requireStringField(errs, ev.Payload, "order_id")
		requireStringField(errs, ev.Payload, "customer_id")
	case ingest.TypePaymentProcessed:
		requireStringField(errs, ev.Payload, "order_id")
		if _, ok := numericField(ev.Payload, "amount"); !ok {
			errs["amount"] = "amount is required and must be a number"
		}
	case ingest.TypeInventoryReserved:
		requireStringField(errs, ev.Payload, "order_id")
	}

	if len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	return nil
}

func requireStringField(errs map[string]string, payload map[string]any, field string) {
	v, ok := payload[field].(string)
	if !ok || strings.TrimSpace(v) == "" {
		errs[field] = field + " is required"
	}
}

func numericField(payload map[string]any, field string) (float64, bool) {
	switch n := payload[field].(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
