// Package store persists canonical event sightings and reconciliation
// results in PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cloudparity/parity/internal/ingest"
	"github.com/cloudparity/parity/internal/recon"
	"github.com/cloudparity/parity/pkg/logger"
	"github.com/cloudparity/parity/pkg/postgres"
)

// EventStore records every accepted event sighting. Duplicate deliveries of
// the same (event_id, source) pair are kept on purpose; the reconciliation
// engine flags them.
//
// It requires an `events` table:
//
//	CREATE TABLE events (
//	    id           BIGSERIAL PRIMARY KEY,
//	    event_id     TEXT NOT NULL,
//	    event_type   TEXT NOT NULL,
//	    source       TEXT NOT NULL,
//	    timestamp    TIMESTAMPTZ NOT NULL,
//	    payload      JSONB NOT NULL,
//	    payload_hash TEXT NOT NULL,
//	    order_id     TEXT,
//	    customer_id  TEXT,
//	    amount       NUMERIC,
//	    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
//	CREATE INDEX idx_events_timestamp ON events (timestamp);
//	CREATE INDEX idx_events_event_id ON events (event_id);
type EventStore struct {
	db     *postgres.Client
	logger *slog.Logger
}

// NewEventStore creates an event store backed by PostgreSQL.
func NewEventStore(db *postgres.Client) *EventStore {
	return &EventStore{
		db:     db,
		logger: logger.WithComponent("event-store"),
	}
}

// Insert records one event sighting.
func (s *EventStore) Insert(ctx context.Context, ev ingest.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshaling event payload: %w", err)
	}

	_, err = s.db.DB.ExecContext(ctx,
		`INSERT INTO events (event_id, event_type, source, timestamp, payload, payload_hash, order_id, customer_id, amount, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ev.EventID, ev.EventType, ev.Source, ev.Timestamp.UTC(), payload, ev.PayloadHash,
		nullString(ev.OrderID), nullString(ev.CustomerID), ev.Amount, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting event %s from %s: %w", ev.EventID, ev.Source, err)
	}
	return nil
}

// InWindow returns the event instances observed in [start, end), oldest
// first, capped at limit. It satisfies the reconciliation engine's
// EventSource.
func (s *EventStore) InWindow(ctx context.Context, start, end time.Time, limit int) ([]recon.EventInstance, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT event_id, event_type, source, timestamp, payload, payload_hash
		 FROM events
		 WHERE timestamp >= $1 AND timestamp < $2
		 ORDER BY timestamp ASC, id ASC
		 LIMIT $3`,
		start.UTC(), end.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying window events: %w", err)
	}
	defer rows.Close()

	instances := make([]recon.EventInstance, 0)
	for rows.Next() {
		var inst recon.EventInstance
		var payload []byte
		if err := rows.Scan(&inst.EventID, &inst.EventType, &inst.Source, &inst.Timestamp, &payload, &inst.PayloadHash); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		if err := json.Unmarshal(payload, &inst.Payload); err != nil {
			s.logger.Warn("skipping event with corrupt payload",
				"event_id", inst.EventID,
				"source", inst.Source,
				"error", err,
			)
			continue
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// CountSince returns how many sightings arrived with a timestamp at or
// after t.
func (s *EventStore) CountSince(ctx context.Context, t time.Time) (int, error) {
	var n int
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE timestamp >= $1`, t.UTC(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting events: %w", err)
	}
	return n, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
