// Package ingest defines the canonical business event and the ingestion
// gateway that accepts it from every cloud provider.
package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/cloudparity/parity/internal/index"
)

// Canonical event types emitted by the order pipeline.
const (
	TypeOrderPlaced       = "OrderPlaced"
	TypePaymentProcessed  = "PaymentProcessed"
	TypeInventoryReserved = "InventoryReserved"
	TypeShipmentCreated   = "ShipmentCreated"
	TypeOrderCancelled    = "OrderCancelled"
	TypeRefundProcessed   = "RefundProcessed"
)

// EventTypes lists every canonical event type.
var EventTypes = []string{
	TypeOrderPlaced,
	TypePaymentProcessed,
	TypeInventoryReserved,
	TypeShipmentCreated,
	TypeOrderCancelled,
	TypeRefundProcessed,
}

// Cloud providers that emit equivalent events.
const (
	SourceAWS   = "aws"
	SourceGCP   = "gcp"
	SourceAzure = "azure"
)

// Sources lists every known provider tag.
var Sources = []string{SourceAWS, SourceGCP, SourceAzure}

// KnownEventType reports whether t is a canonical event type.
func KnownEventType(t string) bool {
	for _, known := range EventTypes {
		if known == t {
			return true
		}
	}
	return false
}

// KnownSource reports whether s is a recognized provider tag.
func KnownSource(s string) bool {
	for _, known := range Sources {
		if known == s {
			return true
		}
	}
	return false
}

// Topic returns the Kafka topic for an event type, e.g.
// parity.events.orderplaced.
func Topic(prefix, eventType string) string {
	return prefix + "." + strings.ToLower(eventType)
}

// Topics returns the full topic list for a prefix, one per event type.
func Topics(prefix string) []string {
	topics := make([]string, len(EventTypes))
	for i, t := range EventTypes {
		topics[i] = Topic(prefix, t)
	}
	return topics
}

// Event is the canonical, provider-neutral form of a business event. The
// same EventID arriving from different sources is the same business event
// observed on different clouds.
type Event struct {
	EventID     string         `json:"event_id"`
	EventType   string         `json:"event_type"`
	Source      string         `json:"source"`
	Timestamp   time.Time      `json:"timestamp"`
	Payload     map[string]any `json:"payload"`
	PayloadHash string         `json:"payload_hash,omitempty"`
	OrderID     string         `json:"order_id,omitempty"`
	CustomerID  string         `json:"customer_id,omitempty"`
	Amount      *float64       `json:"amount,omitempty"`
}

// Normalize fills derived fields: the payload hash, the extracted order,
// customer and amount columns, and a default timestamp.
func (e *Event) Normalize(now time.Time) {
	if e.Timestamp.IsZero() {
		e.Timestamp = now.UTC()
	}
	if e.PayloadHash == "" {
		e.PayloadHash = ComputeHash(e.Payload)
	}
	if e.OrderID == "" {
		if v, ok := e.Payload["order_id"].(string); ok {
			e.OrderID = v
		}
	}
	if e.CustomerID == "" {
		if v, ok := e.Payload["customer_id"].(string); ok {
			e.CustomerID = v
		}
	}
	if e.Amount == nil {
		if v, ok := toFloat(e.Payload["amount"]); ok {
			e.Amount = &v
		}
	}
}

// IndexMetadata projects the event onto the Event Index metadata shape.
func (e Event) IndexMetadata() index.Metadata {
	return index.Metadata{
		Timestamp:   e.Timestamp,
		PayloadHash: e.PayloadHash,
		OrderID:     e.OrderID,
		CustomerID:  e.CustomerID,
		Amount:      e.Amount,
	}
}

// ComputeHash returns the hex SHA-256 of the payload's canonical JSON
// encoding. encoding/json writes map keys in sorted order, so equal payloads
// hash equally regardless of field order on the wire.
func ComputeHash(payload map[string]any) string {
	data, _ := json.Marshal(payload)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Accepted is the response body for a successfully ingested event.
type Accepted struct {
	EventID string `json:"event_id"`
	Source  string `json:"source"`
	Status  string `json:"status"`
}

// Rejected is the response body for an event that failed validation or was
// dropped as a duplicate delivery.
type Rejected struct {
	EventID string            `json:"event_id,omitempty"`
	Source  string            `json:"source,omitempty"`
	Status  string            `json:"status"`
	Reason  string            `json:"reason,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
