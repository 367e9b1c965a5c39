package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cloudparity/parity/internal/bloom"
	"github.com/cloudparity/parity/internal/index"
	"github.com/cloudparity/parity/internal/recon"
	"github.com/cloudparity/parity/internal/shard"
	"github.com/cloudparity/parity/internal/store"
	"github.com/cloudparity/parity/pkg/config"
	pkgerrors "github.com/cloudparity/parity/pkg/errors"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeRunner struct {
	sum      *recon.Summary
	err      error
	wins     []recon.Window
	expected [][]string
}

func (f *fakeRunner) Run(_ context.Context, win recon.Window, expected ...string) (*recon.Summary, error) {
	f.wins = append(f.wins, win)
	f.expected = append(f.expected, expected)
	if f.err != nil {
		return nil, f.err
	}
	return f.sum, nil
}

type fakeResults struct {
	results   []recon.Result
	findErr   error
	gotFilter store.Filter

	stats    *store.SummaryStats
	statsErr error
	gotSince time.Time

	runs     []store.RunInfo
	runsErr  error
	gotLimit int
}

func (f *fakeResults) Find(_ context.Context, filter store.Filter) ([]recon.Result, error) {
	f.gotFilter = filter
	return f.results, f.findErr
}

func (f *fakeResults) SummaryStats(_ context.Context, since time.Time) (*store.SummaryStats, error) {
	f.gotSince = since
	if f.statsErr != nil {
		return nil, f.statsErr
	}
	if f.stats == nil {
		return &store.SummaryStats{}, nil
	}
	return f.stats, f.statsErr
}

func (f *fakeResults) RecentRuns(_ context.Context, limit int) ([]store.RunInfo, error) {
	f.gotLimit = limit
	return f.runs, f.runsErr
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newTestHandler(t *testing.T, runner *fakeRunner, results *fakeResults) (*Handler, *index.SQLiteIndex, *bloom.TimeWindowedFilter) {
	t.Helper()

	idx := index.NewSQLite(":memory:", time.Hour)
	if err := idx.Connect(context.Background()); err != nil {
		t.Fatalf("connect index: %v", err)
	}
	t.Cleanup(func() { idx.Close() })

	filter := bloom.NewTimeWindowed(1000, 0.01, 6, time.Hour)
	shards, err := shard.NewManager(config.ShardConfig{Mode: "single"})
	if err != nil {
		t.Fatalf("shard manager: %v", err)
	}

	h := New(runner, results, idx, filter, shards, nil)
	return h, idx, filter
}

func doRequest(h http.HandlerFunc, method, target, body string) *httptest.ResponseRecorder {
	var rd *bytes.Reader
	if body == "" {
		rd = bytes.NewReader(nil)
	} else {
		rd = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, target, rd)
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&m); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return m
}

// ---------------------------------------------------------------------------
// TriggerReconciliation
// ---------------------------------------------------------------------------

func TestTriggerEmptyBodyUsesEngineDefault(t *testing.T) {
	runner := &fakeRunner{sum: &recon.Summary{RunID: "recon_20240314_150000_deadbeef", TotalEvents: 7}}
	h, _, _ := newTestHandler(t, runner, &fakeResults{})

	rec := doRequest(h.TriggerReconciliation, http.MethodPost, "/api/v1/reconciliation/trigger", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	if len(runner.wins) != 1 {
		t.Fatalf("engine runs = %d, want 1", len(runner.wins))
	}
	if !runner.wins[0].Start.IsZero() || !runner.wins[0].End.IsZero() {
		t.Errorf("window = %+v, want zero so the engine applies its default", runner.wins[0])
	}

	body := decodeMap(t, rec)
	if body["run_id"] != "recon_20240314_150000_deadbeef" {
		t.Errorf("run_id = %v", body["run_id"])
	}
}

func TestTriggerCustomWindow(t *testing.T) {
	runner := &fakeRunner{sum: &recon.Summary{RunID: "recon_x"}}
	h, _, _ := newTestHandler(t, runner, &fakeResults{})

	rec := doRequest(h.TriggerReconciliation, http.MethodPost, "/api/v1/reconciliation/trigger", `{"window_minutes": 60}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	win := runner.wins[0]
	if got := win.End.Sub(win.Start); got != time.Hour {
		t.Errorf("window span = %v, want 1h", got)
	}
	if win.End.After(time.Now().UTC().Add(time.Second)) {
		t.Errorf("window end %v is in the future", win.End)
	}
}

func TestTriggerWindowOutOfRange(t *testing.T) {
	for _, minutes := range []int{-5, 1441} {
		h, _, _ := newTestHandler(t, &fakeRunner{}, &fakeResults{})
		body := fmt.Sprintf(`{"window_minutes": %d}`, minutes)
		rec := doRequest(h.TriggerReconciliation, http.MethodPost, "/api/v1/reconciliation/trigger", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("window_minutes=%d: status = %d, want 400", minutes, rec.Code)
		}
	}
}

func TestTriggerExpectedSourcesOverride(t *testing.T) {
	runner := &fakeRunner{sum: &recon.Summary{RunID: "recon_x"}}
	h, _, _ := newTestHandler(t, runner, &fakeResults{})

	body := `{"expected_sources": ["aws", "gcp"]}`
	rec := doRequest(h.TriggerReconciliation, http.MethodPost, "/api/v1/reconciliation/trigger", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	if len(runner.expected) != 1 {
		t.Fatalf("engine runs = %d, want 1", len(runner.expected))
	}
	got := runner.expected[0]
	if len(got) != 2 || got[0] != "aws" || got[1] != "gcp" {
		t.Errorf("expected sources = %v, want [aws gcp]", got)
	}
}

func TestTriggerUnknownSourceRejected(t *testing.T) {
	runner := &fakeRunner{}
	h, _, _ := newTestHandler(t, runner, &fakeResults{})

	body := `{"expected_sources": ["aws", "onprem"]}`
	rec := doRequest(h.TriggerReconciliation, http.MethodPost, "/api/v1/reconciliation/trigger", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if len(runner.wins) != 0 {
		t.Errorf("engine ran %d times, want 0", len(runner.wins))
	}
	if resp := decodeMap(t, rec); !strings.Contains(resp["error"].(string), "onprem") {
		t.Errorf("error = %v, want mention of the unknown source", resp["error"])
	}
}

func TestTriggerEngineFailure(t *testing.T) {
	runner := &fakeRunner{err: fmt.Errorf("%w: postgres down", pkgerrors.ErrRunFailed)}
	h, _, _ := newTestHandler(t, runner, &fakeResults{})

	rec := doRequest(h.TriggerReconciliation, http.MethodPost, "/api/v1/reconciliation/trigger", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if body := decodeMap(t, rec); body["error"] != "reconciliation failed" {
		t.Errorf("error = %v", body["error"])
	}
}

// ---------------------------------------------------------------------------
// GetResults
// ---------------------------------------------------------------------------

func TestGetResultsPassesFilter(t *testing.T) {
	results := &fakeResults{results: []recon.Result{
		{RunID: "recon_a", EventID: "evt-1", Status: recon.StatusMissing},
	}}
	h, _, _ := newTestHandler(t, &fakeRunner{}, results)

	rec := doRequest(h.GetResults, http.MethodGet,
		"/api/v1/reconciliation/results?run_id=recon_a&status=missing&event_id=evt-1&limit=25", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	want := store.Filter{RunID: "recon_a", Status: "missing", EventID: "evt-1", Limit: 25}
	if results.gotFilter != want {
		t.Errorf("filter = %+v, want %+v", results.gotFilter, want)
	}

	var got []recon.Result
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decoding results: %v", err)
	}
	if len(got) != 1 || got[0].EventID != "evt-1" {
		t.Errorf("results = %+v", got)
	}
}

func TestGetResultsEmptyIsArray(t *testing.T) {
	h, _, _ := newTestHandler(t, &fakeRunner{}, &fakeResults{})

	rec := doRequest(h.GetResults, http.MethodGet, "/api/v1/reconciliation/results", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body := strings.TrimSpace(rec.Body.String()); body != "[]" {
		t.Errorf("body = %q, want empty JSON array", body)
	}
}

func TestGetResultsLimitValidation(t *testing.T) {
	h, _, _ := newTestHandler(t, &fakeRunner{}, &fakeResults{})

	for _, limit := range []string{"0", "1001", "abc"} {
		rec := doRequest(h.GetResults, http.MethodGet, "/api/v1/reconciliation/results?limit="+limit, "")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("limit=%s: status = %d, want 400", limit, rec.Code)
		}
	}
}

func TestGetResultsDefaultLimit(t *testing.T) {
	results := &fakeResults{}
	h, _, _ := newTestHandler(t, &fakeRunner{}, results)

	doRequest(h.GetResults, http.MethodGet, "/api/v1/reconciliation/results", "")
	if results.gotFilter.Limit != 100 {
		t.Errorf("default limit = %d, want 100", results.gotFilter.Limit)
	}
}

// ---------------------------------------------------------------------------
// GetSummary
// ---------------------------------------------------------------------------

func TestGetSummary(t *testing.T) {
	results := &fakeResults{stats: &store.SummaryStats{
		TotalResults:          120,
		Consistent:            100,
		Missing:               12,
		Duplicate:             3,
		Inconsistent:          5,
		AvgConsistencyScore:   0.91,
		ConsistencyPercentage: 83.33,
	}}
	h, _, _ := newTestHandler(t, &fakeRunner{}, results)

	rec := doRequest(h.GetSummary, http.MethodGet, "/api/v1/reconciliation/summary?hours=48", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	body := decodeMap(t, rec)
	if body["period_hours"] != float64(48) {
		t.Errorf("period_hours = %v, want 48", body["period_hours"])
	}
	if body["total_events_checked"] != float64(120) {
		t.Errorf("total_events_checked = %v, want 120", body["total_events_checked"])
	}
	if body["consistency_percentage"] != 83.33 {
		t.Errorf("consistency_percentage = %v", body["consistency_percentage"])
	}

	wantSince := time.Now().UTC().Add(-48 * time.Hour)
	if diff := results.gotSince.Sub(wantSince); diff < -time.Minute || diff > time.Minute {
		t.Errorf("since = %v, want about %v", results.gotSince, wantSince)
	}
}

func TestGetSummaryHoursValidation(t *testing.T) {
	h, _, _ := newTestHandler(t, &fakeRunner{}, &fakeResults{})

	rec := doRequest(h.GetSummary, http.MethodGet, "/api/v1/reconciliation/summary?hours=169", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// GetRuns
// ---------------------------------------------------------------------------

func TestGetRuns(t *testing.T) {
	results := &fakeResults{runs: []store.RunInfo{
		{RunID: "recon_b", Events: 40, Flagged: 2},
		{RunID: "recon_a", Events: 38, Flagged: 0},
	}}
	h, _, _ := newTestHandler(t, &fakeRunner{}, results)

	rec := doRequest(h.GetRuns, http.MethodGet, "/api/v1/reconciliation/runs", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if results.gotLimit != 10 {
		t.Errorf("default limit = %d, want 10", results.gotLimit)
	}

	var got []store.RunInfo
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decoding runs: %v", err)
	}
	if len(got) != 2 || got[0].RunID != "recon_b" {
		t.Errorf("runs = %+v", got)
	}
}

// ---------------------------------------------------------------------------
// GetIndexStats
// ---------------------------------------------------------------------------

func TestGetIndexStats(t *testing.T) {
	h, idx, _ := newTestHandler(t, &fakeRunner{}, &fakeResults{})
	ctx := context.Background()

	for _, source := range []string{"aws", "gcp"} {
		if err := idx.IndexEvent(ctx, "evt-1", source, index.Metadata{Timestamp: time.Now().UTC(), PayloadHash: "h"}); err != nil {
			t.Fatalf("indexing: %v", err)
		}
	}

	rec := doRequest(h.GetIndexStats, http.MethodGet, "/api/v1/index/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	body := decodeMap(t, rec)
	ixStats, ok := body["index"].(map[string]any)
	if !ok {
		t.Fatalf("missing index stats in %v", body)
	}
	if ixStats["backend"] != "sqlite" {
		t.Errorf("backend = %v, want sqlite", ixStats["backend"])
	}
	if ixStats["total_events"] != float64(1) {
		t.Errorf("total_events = %v, want 1", ixStats["total_events"])
	}
	if _, ok := body["bloom"]; !ok {
		t.Error("missing bloom stats")
	}
}

// ---------------------------------------------------------------------------
// GetEventStatus
// ---------------------------------------------------------------------------

func eventStatusRequest(eventID string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/events/"+eventID+"/status", nil)
	req.SetPathValue("id", eventID)
	return req
}

func TestEventStatusBloomShortCircuit(t *testing.T) {
	h, idx, _ := newTestHandler(t, &fakeRunner{}, &fakeResults{})

	// Closing the backend would make any index lookup fail, so a clean 404
	// proves the bloom filter answered without touching it.
	idx.Close()

	rec := httptest.NewRecorder()
	h.GetEventStatus(rec, eventStatusRequest("evt-never-seen"))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 (body %s)", rec.Code, rec.Body.String())
	}
}

func TestEventStatusPartial(t *testing.T) {
	h, idx, filter := newTestHandler(t, &fakeRunner{}, &fakeResults{})
	ctx := context.Background()

	ts := time.Date(2024, 3, 14, 15, 0, 0, 0, time.UTC)
	for _, source := range []string{"aws", "gcp"} {
		if err := idx.IndexEvent(ctx, "evt-1", source, index.Metadata{Timestamp: ts, PayloadHash: "abc"}); err != nil {
			t.Fatalf("indexing: %v", err)
		}
		filter.Add("evt-1:" + source)
	}

	rec := httptest.NewRecorder()
	h.GetEventStatus(rec, eventStatusRequest("evt-1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}

	body := decodeMap(t, rec)
	if body["event_id"] != "evt-1" {
		t.Errorf("event_id = %v", body["event_id"])
	}
	sources, _ := body["sources"].([]any)
	if len(sources) != 2 {
		t.Errorf("sources = %v, want [aws gcp]", body["sources"])
	}
	missing, _ := body["missing_sources"].([]any)
	if len(missing) != 1 || missing[0] != "azure" {
		t.Errorf("missing_sources = %v, want [azure]", body["missing_sources"])
	}
	if body["complete"] != false {
		t.Errorf("complete = %v, want false", body["complete"])
	}
	if _, ok := body["metadata"]; !ok {
		t.Error("missing metadata")
	}
}

func TestEventStatusComplete(t *testing.T) {
	h, idx, filter := newTestHandler(t, &fakeRunner{}, &fakeResults{})
	ctx := context.Background()

	for _, source := range []string{"aws", "gcp", "azure"} {
		if err := idx.IndexEvent(ctx, "evt-2", source, index.Metadata{Timestamp: time.Now().UTC(), PayloadHash: "x"}); err != nil {
			t.Fatalf("indexing: %v", err)
		}
		filter.Add("evt-2:" + source)
	}

	rec := httptest.NewRecorder()
	h.GetEventStatus(rec, eventStatusRequest("evt-2"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	body := decodeMap(t, rec)
	if body["complete"] != true {
		t.Errorf("complete = %v, want true", body["complete"])
	}
}

// ---------------------------------------------------------------------------
// GetShards
// ---------------------------------------------------------------------------

func TestGetShardsSingleMode(t *testing.T) {
	h, _, _ := newTestHandler(t, &fakeRunner{}, &fakeResults{})

	rec := doRequest(h.GetShards, http.MethodGet, "/api/v1/shards", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	body := decodeMap(t, rec)
	if body["mode"] != "single" {
		t.Errorf("mode = %v, want single", body["mode"])
	}
	dist, ok := body["distribution"].(map[string]any)
	if !ok {
		t.Fatalf("missing distribution in %v", body)
	}
	if dist["default"] != float64(1000) {
		t.Errorf("default shard owns %v keys, want all 1000", dist["default"])
	}
}
