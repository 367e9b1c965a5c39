package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/cloudparity/parity/internal/recon"
	"github.com/cloudparity/parity/pkg/postgres"
)

func newResultStore(t *testing.T) (*ResultStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewResultStore(&postgres.Client{DB: db}), mock
}

func sampleResult() *recon.Result {
	aws := recon.EventInstance{
		EventID:   "evt-1",
		EventType: "OrderPlaced",
		Source:    "aws",
		Timestamp: base,
		Payload:   map[string]any{"order_id": "ORD-1001"},
	}
	gcp := aws
	gcp.Source = "gcp"
	gcp.Timestamp = base.Add(time.Second)

	return &recon.Result{
		RunID:           "recon_20240314_150000_a1b2c3d4",
		EventID:         "evt-1",
		EventType:       "OrderPlaced",
		Status:          recon.StatusMissing,
		ExpectedSources: []string{"aws", "gcp", "azure"},
		Sources:         []string{"aws", "gcp"},
		MissingSources:  []string{"azure"},
		Instances: map[string][]recon.EventInstance{
			"aws": {aws},
			"gcp": {gcp},
		},
		Issues: []recon.Issue{{
			Type:     recon.IssueMissing,
			Severity: recon.SeverityHigh,
			Source:   "azure",
			Detail:   "event not observed from azure",
		}},
		ConsistencyScore: 0.8,
		WindowStart:      base,
		WindowEnd:        base.Add(30 * time.Minute),
		CreatedAt:        base.Add(31 * time.Minute),
	}
}

func TestResultStoreSave(t *testing.T) {
	s, mock := newResultStore(t)

	res := sampleResult()
	issues, _ := json.Marshal(res.Issues)
	instances, _ := json.Marshal(res.Instances)

	mock.ExpectExec("INSERT INTO recon_results").
		WithArgs(res.RunID, res.EventID, "OrderPlaced", "missing",
			pq.Array(res.ExpectedSources), pq.Array(res.Sources), pq.Array(res.MissingSources),
			instances, issues, 0.8, res.WindowStart, res.WindowEnd, res.CreatedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := s.Save(context.Background(), res); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestResultStoreFind(t *testing.T) {
	s, mock := newResultStore(t)

	res := sampleResult()
	issues, _ := json.Marshal(res.Issues)
	instances, _ := json.Marshal(res.Instances)
	rows := sqlmock.NewRows([]string{"run_id", "event_id", "event_type", "status",
		"expected_sources", "sources", "missing_sources", "instances", "issues",
		"consistency_score", "window_start", "window_end", "created_at"}).
		AddRow(res.RunID, res.EventID, "OrderPlaced", "missing",
			[]byte("{aws,gcp,azure}"), []byte("{aws,gcp}"), []byte("{azure}"),
			instances, issues, 0.8, res.WindowStart, res.WindowEnd, res.CreatedAt)

	mock.ExpectQuery(`WHERE run_id = \$1 AND status = \$2 ORDER BY created_at DESC LIMIT \$3`).
		WithArgs(res.RunID, "missing", 50).
		WillReturnRows(rows)

	got, err := s.Find(context.Background(), Filter{RunID: res.RunID, Status: "missing", Limit: 50})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d results, want 1", len(got))
	}
	if got[0].Status != recon.StatusMissing {
		t.Errorf("status = %s, want missing", got[0].Status)
	}
	if len(got[0].Sources) != 2 || got[0].Sources[0] != "aws" || got[0].Sources[1] != "gcp" {
		t.Errorf("sources = %v, want [aws gcp]", got[0].Sources)
	}
	if len(got[0].Issues) != 1 || got[0].Issues[0].Type != recon.IssueMissing {
		t.Errorf("issues = %+v, want the missing issue back", got[0].Issues)
	}
	if got[0].EventType != "OrderPlaced" {
		t.Errorf("event type = %q, want OrderPlaced", got[0].EventType)
	}
	if len(got[0].MissingSources) != 1 || got[0].MissingSources[0] != "azure" {
		t.Errorf("missing sources = %v, want [azure]", got[0].MissingSources)
	}
	if len(got[0].Instances["aws"]) != 1 {
		t.Errorf("instances = %v, want the aws sighting back", got[0].Instances)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestResultStoreFindDefaultLimit(t *testing.T) {
	s, mock := newResultStore(t)

	mock.ExpectQuery(`FROM recon_results ORDER BY created_at DESC LIMIT \$1`).
		WithArgs(100).
		WillReturnRows(sqlmock.NewRows([]string{"run_id", "event_id", "event_type", "status",
			"expected_sources", "sources", "missing_sources", "instances", "issues",
			"consistency_score", "window_start", "window_end", "created_at"}))

	got, err := s.Find(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d results, want 0", len(got))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestResultStoreSummaryStats(t *testing.T) {
	s, mock := newResultStore(t)

	rows := sqlmock.NewRows([]string{"status", "count", "avg"}).
		AddRow("consistent", 8, 1.0).
		AddRow("missing", 2, 0.8)

	mock.ExpectQuery("GROUP BY status").
		WithArgs(base).
		WillReturnRows(rows)

	stats, err := s.SummaryStats(context.Background(), base)
	if err != nil {
		t.Fatalf("SummaryStats: %v", err)
	}
	if stats.TotalResults != 10 || stats.Consistent != 8 || stats.Missing != 2 {
		t.Errorf("stats = %+v, want 10 total, 8 consistent, 2 missing", stats)
	}
	// Weighted: (8*1.0 + 2*0.8) / 10.
	if stats.AvgConsistencyScore < 0.959 || stats.AvgConsistencyScore > 0.961 {
		t.Errorf("avg score = %v, want 0.96", stats.AvgConsistencyScore)
	}
	if stats.ConsistencyPercentage != 80 {
		t.Errorf("consistency pct = %v, want 80", stats.ConsistencyPercentage)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestResultStoreRecentRuns(t *testing.T) {
	s, mock := newResultStore(t)

	rows := sqlmock.NewRows([]string{"run_id", "events", "flagged", "avg", "window_start", "window_end", "started_at"}).
		AddRow("recon_20240314_153000_deadbeef", 12, 3, 0.91, base, base.Add(30*time.Minute), base.Add(30*time.Minute)).
		AddRow("recon_20240314_150000_a1b2c3d4", 10, 2, 0.96, base.Add(-30*time.Minute), base, base)

	mock.ExpectQuery("GROUP BY run_id").
		WithArgs(10).
		WillReturnRows(rows)

	runs, err := s.RecentRuns(context.Background(), 10)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(runs))
	}
	if runs[0].RunID != "recon_20240314_153000_deadbeef" || runs[0].Events != 12 || runs[0].Flagged != 3 {
		t.Errorf("first run = %+v", runs[0])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
