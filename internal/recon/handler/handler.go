// Package handler exposes the reconciliation query API: manual run triggers,
// result and summary queries, event presence lookups, and index/shard stats.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/cloudparity/parity/internal/bloom"
	"github.com/cloudparity/parity/internal/index"
	"github.com/cloudparity/parity/internal/ingest"
	"github.com/cloudparity/parity/internal/recon"
	"github.com/cloudparity/parity/internal/shard"
	"github.com/cloudparity/parity/internal/store"
	pkgerrors "github.com/cloudparity/parity/pkg/errors"
	"github.com/cloudparity/parity/pkg/logger"
)

// distributionSample is how many synthetic keys the shards endpoint spreads
// over the ring to illustrate the current balance.
const distributionSample = 1000

// Runner triggers one reconciliation pass. Satisfied by *recon.Engine.
type Runner interface {
	Run(ctx context.Context, win recon.Window, expected ...string) (*recon.Summary, error)
}

// ResultStore answers queries over persisted reconciliation results.
// Satisfied by *store.ResultStore.
type ResultStore interface {
	Find(ctx context.Context, f store.Filter) ([]recon.Result, error)
	SummaryStats(ctx context.Context, since time.Time) (*store.SummaryStats, error)
	RecentRuns(ctx context.Context, limit int) ([]store.RunInfo, error)
}

type Handler struct {
	engine   Runner
	results  ResultStore
	index    index.Index
	filter   *bloom.TimeWindowedFilter
	shards   *shard.Manager
	expected []string
	group    singleflight.Group
	logger   *slog.Logger
}

func New(engine Runner, results ResultStore, idx index.Index, filter *bloom.TimeWindowedFilter, shards *shard.Manager, expectedSources []string) *Handler {
	if len(expectedSources) == 0 {
		expectedSources = ingest.Sources
	}
	return &Handler{
		engine:   engine,
		results:  results,
		index:    idx,
		filter:   filter,
		shards:   shards,
		expected: expectedSources,
		logger:   slog.Default().With("component", "recon-handler"),
	}
}

// TriggerReconciliation handles POST /api/v1/reconciliation/trigger. An empty
// body runs with the engine's configured window and source set; expected_sources
// narrows the sources checked for this run only.
func (h *Handler) TriggerReconciliation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	var req struct {
		WindowMinutes   int      `json:"window_minutes"`
		ExpectedSources []string `json:"expected_sources"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var win recon.Window
	if req.WindowMinutes != 0 {
		if req.WindowMinutes < 1 || req.WindowMinutes > 1440 {
			h.writeError(w, http.StatusBadRequest, "window_minutes must be between 1 and 1440")
			return
		}
		end := time.Now().UTC()
		win = recon.Window{
			Start: end.Add(-time.Duration(req.WindowMinutes) * time.Minute),
			End:   end,
		}
	}
	for _, src := range req.ExpectedSources {
		if !ingest.KnownSource(src) {
			h.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown source %q", src))
			return
		}
	}

	sum, err := h.engine.Run(ctx, win, req.ExpectedSources...)
	if err != nil {
		log.Error("manual reconciliation failed", "error", err)
		h.writeError(w, pkgerrors.HTTPStatusCode(err), "reconciliation failed")
		return
	}
	log.Info("manual reconciliation completed",
		"run_id", sum.RunID,
		"total_events", sum.TotalEvents,
	)
	h.writeJSON(w, http.StatusOK, sum)
}

// GetResults handles GET /api/v1/reconciliation/results.
func (h *Handler) GetResults(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	limit, err := queryInt(q.Get("limit"), 100, 1, 1000)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	results, err := h.results.Find(ctx, store.Filter{
		RunID:   q.Get("run_id"),
		Status:  q.Get("status"),
		EventID: q.Get("event_id"),
		Limit:   limit,
	})
	if err != nil {
		logger.FromContext(ctx).Error("fetching results failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to fetch results")
		return
	}
	if results == nil {
		results = []recon.Result{}
	}
	h.writeJSON(w, http.StatusOK, results)
}

// GetSummary handles GET /api/v1/reconciliation/summary.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	hours, err := queryInt(r.URL.Query().Get("hours"), 24, 1, 168)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	stats, err := h.results.SummaryStats(ctx, since)
	if err != nil {
		logger.FromContext(ctx).Error("fetching summary failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to get summary")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"period_hours":           hours,
		"since":                  since,
		"total_events_checked":   stats.TotalResults,
		"consistent":             stats.Consistent,
		"missing":                stats.Missing,
		"duplicate":              stats.Duplicate,
		"inconsistent":           stats.Inconsistent,
		"avg_consistency_score":  stats.AvgConsistencyScore,
		"consistency_percentage": stats.ConsistencyPercentage,
	})
}

// GetRuns handles GET /api/v1/reconciliation/runs.
func (h *Handler) GetRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit, err := queryInt(r.URL.Query().Get("limit"), 10, 1, 100)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	runs, err := h.results.RecentRuns(ctx, limit)
	if err != nil {
		logger.FromContext(ctx).Error("fetching runs failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to fetch runs")
		return
	}
	if runs == nil {
		runs = []store.RunInfo{}
	}
	h.writeJSON(w, http.StatusOK, runs)
}

// GetIndexStats handles GET /api/v1/index/stats. Concurrent callers share
// one backend scan via singleflight.
func (h *Handler) GetIndexStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	val, err, _ := h.group.Do("index-stats", func() (interface{}, error) {
		return h.index.Stats(ctx)
	})
	if err != nil {
		logger.FromContext(ctx).Error("index stats failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to collect index stats")
		return
	}

	resp := map[string]any{"index": val.(index.Stats)}
	if h.filter != nil {
		resp["bloom"] = h.filter.Stats()
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// GetEventStatus handles GET /api/v1/events/{id}/status. The windowed bloom
// filter is consulted first: a definite-no for every expected source key
// means the event cannot have been seen recently, so the index backend is
// never touched.
func (h *Handler) GetEventStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	eventID := r.PathValue("id")
	if eventID == "" {
		h.writeError(w, http.StatusBadRequest, "missing event id")
		return
	}

	if h.filter != nil {
		maybeSeen := false
		for _, source := range h.expected {
			if h.filter.Contains(eventID + ":" + source) {
				maybeSeen = true
				break
			}
		}
		if !maybeSeen {
			h.writeError(w, http.StatusNotFound, "event not found")
			return
		}
	}

	sources, err := h.index.EventSources(ctx, eventID)
	if err != nil {
		logger.FromContext(ctx).Error("event lookup failed", "event_id", eventID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "event lookup failed")
		return
	}
	if len(sources) == 0 {
		h.writeError(w, http.StatusNotFound, "event not found")
		return
	}

	missing, err := h.index.MissingSources(ctx, eventID, h.expected)
	if err != nil {
		logger.FromContext(ctx).Error("event lookup failed", "event_id", eventID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "event lookup failed")
		return
	}

	resp := map[string]any{
		"event_id":        eventID,
		"sources":         sources,
		"missing_sources": missing,
		"complete":        len(missing) == 0,
	}
	if md, ok, err := h.index.EventMetadata(ctx, eventID); err == nil && ok {
		resp["metadata"] = md
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// GetShards handles GET /api/v1/shards.
func (h *Handler) GetShards(w http.ResponseWriter, r *http.Request) {
	stats := h.shards.Stats()
	stats.Distribution = h.shards.Distribution(sampleKeys(distributionSample))
	h.writeJSON(w, http.StatusOK, stats)
}

func sampleKeys(n int) []string {
	keys := make([]string, n)
	for i := range keys {
		keys[i] = uuid.NewString()
	}
	return keys
}

// queryInt parses an optional integer query parameter with range validation.
func queryInt(raw string, def, lo, hi int) (int, error) {
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", raw)
	}
	if v < lo || v > hi {
		return 0, fmt.Errorf("value %d out of range [%d, %d]", v, lo, hi)
	}
	return v, nil
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
