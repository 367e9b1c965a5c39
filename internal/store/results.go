package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/cloudparity/parity/internal/recon"
	"github.com/cloudparity/parity/pkg/logger"
	"github.com/cloudparity/parity/pkg/postgres"
)

// ResultStore persists reconciliation results and answers the query API.
// It satisfies the reconciliation engine's ResultSink.
//
// It requires a `recon_results` table:
//
//	CREATE TABLE recon_results (
//	    id                BIGSERIAL PRIMARY KEY,
//	    run_id            TEXT NOT NULL,
//	    event_id          TEXT NOT NULL,
//	    event_type        TEXT NOT NULL DEFAULT '',
//	    status            TEXT NOT NULL,
//	    expected_sources  TEXT[] NOT NULL DEFAULT '{}',
//	    sources           TEXT[] NOT NULL DEFAULT '{}',
//	    missing_sources   TEXT[] NOT NULL DEFAULT '{}',
//	    instances         JSONB NOT NULL DEFAULT '{}',
//	    issues            JSONB NOT NULL DEFAULT '[]',
//	    consistency_score DOUBLE PRECISION NOT NULL,
//	    window_start      TIMESTAMPTZ NOT NULL,
//	    window_end        TIMESTAMPTZ NOT NULL,
//	    created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
//	CREATE INDEX idx_recon_results_run_id ON recon_results (run_id);
//	CREATE INDEX idx_recon_results_status ON recon_results (status);
//	CREATE INDEX idx_recon_results_created_at ON recon_results (created_at);
type ResultStore struct {
	db     *postgres.Client
	logger *slog.Logger
}

// NewResultStore creates a result store backed by PostgreSQL.
func NewResultStore(db *postgres.Client) *ResultStore {
	return &ResultStore{
		db:     db,
		logger: logger.WithComponent("result-store"),
	}
}

// Save persists one reconciliation result.
func (s *ResultStore) Save(ctx context.Context, res *recon.Result) error {
	issues, err := json.Marshal(res.Issues)
	if err != nil {
		return fmt.Errorf("marshaling issues: %w", err)
	}
	instances, err := json.Marshal(res.Instances)
	if err != nil {
		return fmt.Errorf("marshaling instances: %w", err)
	}

	_, err = s.db.DB.ExecContext(ctx,
		`INSERT INTO recon_results (run_id, event_id, event_type, status, expected_sources, sources, missing_sources, instances, issues, consistency_score, window_start, window_end, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		res.RunID, res.EventID, res.EventType, string(res.Status),
		pq.Array(res.ExpectedSources), pq.Array(res.Sources), pq.Array(res.MissingSources),
		instances, issues, res.ConsistencyScore,
		res.WindowStart.UTC(), res.WindowEnd.UTC(), res.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("saving result for event %s: %w", res.EventID, err)
	}
	return nil
}

// Filter narrows a result query. Zero fields are not applied.
type Filter struct {
	RunID   string
	Status  string
	EventID string
	Limit   int
}

// Find returns results matching the filter, newest first. Limit defaults
// to 100.
func (s *ResultStore) Find(ctx context.Context, f Filter) ([]recon.Result, error) {
	query := `SELECT run_id, event_id, event_type, status, expected_sources, sources, missing_sources, instances, issues, consistency_score, window_start, window_end, created_at
		 FROM recon_results`
	conds := make([]string, 0, 3)
	args := make([]any, 0, 4)
	if f.RunID != "" {
		args = append(args, f.RunID)
		conds = append(conds, fmt.Sprintf("run_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.EventID != "" {
		args = append(args, f.EventID)
		conds = append(conds, fmt.Sprintf("event_id = $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.db.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying results: %w", err)
	}
	defer rows.Close()

	results := make([]recon.Result, 0)
	for rows.Next() {
		var res recon.Result
		var status string
		var instances, issues []byte
		if err := rows.Scan(&res.RunID, &res.EventID, &res.EventType, &status,
			pq.Array(&res.ExpectedSources), pq.Array(&res.Sources), pq.Array(&res.MissingSources),
			&instances, &issues,
			&res.ConsistencyScore, &res.WindowStart, &res.WindowEnd, &res.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning result row: %w", err)
		}
		res.Status = recon.Status(status)
		if err := json.Unmarshal(issues, &res.Issues); err != nil {
			s.logger.Warn("skipping result with corrupt issues",
				"run_id", res.RunID,
				"event_id", res.EventID,
				"error", err,
			)
			continue
		}
		if len(instances) > 0 {
			if err := json.Unmarshal(instances, &res.Instances); err != nil {
				s.logger.Warn("skipping result with corrupt instances",
					"run_id", res.RunID,
					"event_id", res.EventID,
					"error", err,
				)
				continue
			}
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

// SummaryStats aggregates results written since a point in time.
type SummaryStats struct {
	Since                 time.Time `json:"since"`
	TotalResults          int       `json:"total_results"`
	Consistent            int       `json:"consistent"`
	Missing               int       `json:"missing"`
	Duplicate             int       `json:"duplicate"`
	Inconsistent          int       `json:"inconsistent"`
	AvgConsistencyScore   float64   `json:"avg_consistency_score"`
	ConsistencyPercentage float64   `json:"consistency_percentage"`
}

// SummaryStats returns per-status counts, the weighted average consistency
// score, and the share of fully consistent events since the given time.
func (s *ResultStore) SummaryStats(ctx context.Context, since time.Time) (*SummaryStats, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT status, COUNT(*), COALESCE(AVG(consistency_score), 0)
		 FROM recon_results
		 WHERE created_at >= $1
		 GROUP BY status`,
		since.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("querying summary stats: %w", err)
	}
	defer rows.Close()

	stats := &SummaryStats{Since: since.UTC()}
	var weighted float64
	for rows.Next() {
		var status string
		var n int
		var avg float64
		if err := rows.Scan(&status, &n, &avg); err != nil {
			return nil, fmt.Errorf("scanning summary row: %w", err)
		}
		stats.TotalResults += n
		weighted += avg * float64(n)
		switch recon.Status(status) {
		case recon.StatusConsistent:
			stats.Consistent = n
		case recon.StatusMissing:
			stats.Missing = n
		case recon.StatusDuplicate:
			stats.Duplicate = n
		case recon.StatusInconsistent:
			stats.Inconsistent = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if stats.TotalResults > 0 {
		stats.AvgConsistencyScore = weighted / float64(stats.TotalResults)
		stats.ConsistencyPercentage = float64(stats.Consistent) / float64(stats.TotalResults) * 100
	}
	return stats, nil
}

// RunInfo describes one reconciliation run as recorded in the results table.
type RunInfo struct {
	RunID               string    `json:"run_id"`
	Events              int       `json:"events"`
	Flagged             int       `json:"flagged"`
	AvgConsistencyScore float64   `json:"avg_consistency_score"`
	WindowStart         time.Time `json:"window_start"`
	WindowEnd           time.Time `json:"window_end"`
	StartedAt           time.Time `json:"started_at"`
}

// RecentRuns returns the most recent runs, newest first.
func (s *ResultStore) RecentRuns(ctx context.Context, limit int) ([]RunInfo, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT run_id, COUNT(*),
		        COUNT(*) FILTER (WHERE status <> 'consistent'),
		        COALESCE(AVG(consistency_score), 0),
		        MIN(window_start), MAX(window_end), MIN(created_at)
		 FROM recon_results
		 GROUP BY run_id
		 ORDER BY MIN(created_at) DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying recent runs: %w", err)
	}
	defer rows.Close()

	runs := make([]RunInfo, 0, limit)
	for rows.Next() {
		var run RunInfo
		if err := rows.Scan(&run.RunID, &run.Events, &run.Flagged, &run.AvgConsistencyScore,
			&run.WindowStart, &run.WindowEnd, &run.StartedAt); err != nil {
			return nil, fmt.Errorf("scanning run row: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
