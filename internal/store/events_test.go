package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/cloudparity/parity/internal/ingest"
	"github.com/cloudparity/parity/pkg/postgres"
)

var base = time.Date(2024, 3, 14, 15, 0, 0, 0, time.UTC)

func newEventStore(t *testing.T) (*EventStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewEventStore(&postgres.Client{DB: db}), mock
}

func TestEventStoreInsert(t *testing.T) {
	s, mock := newEventStore(t)

	ev := ingest.Event{
		EventID:     "evt-1",
		EventType:   ingest.TypeOrderPlaced,
		Source:      ingest.SourceAWS,
		Timestamp:   base,
		Payload:     map[string]any{"order_id": "ORD-1001", "amount": 99.95},
		PayloadHash: "abc123",
		OrderID:     "ORD-1001",
	}
	payload, _ := json.Marshal(ev.Payload)

	mock.ExpectExec("INSERT INTO events").
		WithArgs("evt-1", ingest.TypeOrderPlaced, ingest.SourceAWS, base, payload, "abc123",
			"ORD-1001", nil, nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := s.Insert(context.Background(), ev); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestEventStoreInWindow(t *testing.T) {
	s, mock := newEventStore(t)

	start, end := base, base.Add(30*time.Minute)
	rows := sqlmock.NewRows([]string{"event_id", "event_type", "source", "timestamp", "payload", "payload_hash"}).
		AddRow("evt-1", "OrderPlaced", "aws", base, []byte(`{"amount":99.95}`), "h1").
		AddRow("evt-1", "OrderPlaced", "gcp", base.Add(time.Second), []byte(`not json`), "h2").
		AddRow("evt-2", "OrderPlaced", "aws", base.Add(2*time.Second), []byte(`{"amount":10}`), "h3")

	mock.ExpectQuery("SELECT event_id, event_type, source, timestamp, payload, payload_hash").
		WithArgs(start, end, 500).
		WillReturnRows(rows)

	instances, err := s.InWindow(context.Background(), start, end, 500)
	if err != nil {
		t.Fatalf("InWindow: %v", err)
	}

	// The corrupt middle row is skipped, not fatal.
	if len(instances) != 2 {
		t.Fatalf("got %d instances, want 2", len(instances))
	}
	if instances[0].EventID != "evt-1" || instances[0].Source != "aws" {
		t.Errorf("first instance = %+v", instances[0])
	}
	if got := instances[0].Payload["amount"]; got != 99.95 {
		t.Errorf("payload amount = %v, want 99.95", got)
	}
	if instances[1].EventID != "evt-2" {
		t.Errorf("second instance = %+v", instances[1])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestEventStoreCountSince(t *testing.T) {
	s, mock := newEventStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM events`).
		WithArgs(base).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))

	n, err := s.CountSince(context.Background(), base)
	if err != nil {
		t.Fatalf("CountSince: %v", err)
	}
	if n != 42 {
		t.Errorf("count = %d, want 42", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
