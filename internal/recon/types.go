// Package recon implements windowed reconciliation of multi-cloud event
// streams. The engine groups event instances by event ID, detects missing
// sources, intra-source duplicates, and cross-source payload mismatches, and
// scores each group's consistency.
package recon

import (
	"context"
	"time"
)

// Status classifies a reconciled event group.
type Status string

const (
	StatusConsistent   Status = "consistent"
	StatusMissing      Status = "missing"
	StatusDuplicate    Status = "duplicate"
	StatusInconsistent Status = "inconsistent"
)

// Severity grades how damaging an issue is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// IssueType names the kind of disagreement found in a group.
type IssueType string

const (
	IssueMissing      IssueType = "missing"
	IssueDuplicate    IssueType = "duplicate"
	IssueDataMismatch IssueType = "data_mismatch"
)

// Issue is a single finding within an event group.
type Issue struct {
	Type     IssueType `json:"type"`
	Severity Severity  `json:"severity"`
	Source   string    `json:"source,omitempty"`
	Field    string    `json:"field,omitempty"`
	Expected any       `json:"expected,omitempty"`
	Actual   any       `json:"actual,omitempty"`
	Detail   string    `json:"detail,omitempty"`
}

// EventInstance is one sighting of a business event from one source.
type EventInstance struct {
	EventID     string         `json:"event_id"`
	EventType   string         `json:"event_type"`
	Source      string         `json:"source"`
	Timestamp   time.Time      `json:"timestamp"`
	Payload     map[string]any `json:"payload"`
	PayloadHash string         `json:"payload_hash"`
}

// Result is the reconciliation outcome for one event group. One Result is
// persisted per group as soon as the group is analyzed. Sources lists the
// sources that reported the event; Instances keeps every sighting keyed by
// source, so duplicate copies stay visible in the record.
type Result struct {
	RunID            string                     `json:"run_id"`
	EventID          string                     `json:"event_id"`
	EventType        string                     `json:"event_type,omitempty"`
	Status           Status                     `json:"status"`
	ExpectedSources  []string                   `json:"expected_sources"`
	Sources          []string                   `json:"sources"`
	MissingSources   []string                   `json:"missing_sources,omitempty"`
	Instances        map[string][]EventInstance `json:"instances,omitempty"`
	Issues           []Issue                    `json:"issues"`
	ConsistencyScore float64                    `json:"consistency_score"`
	WindowStart      time.Time                  `json:"window_start"`
	WindowEnd        time.Time                  `json:"window_end"`
	CreatedAt        time.Time                  `json:"created_at"`
}

// Summary aggregates a completed run. It is computed in memory from the
// results written during the run.
type Summary struct {
	RunID               string    `json:"run_id"`
	WindowStart         time.Time `json:"window_start"`
	WindowEnd           time.Time `json:"window_end"`
	TotalEvents         int       `json:"total_events"`
	Consistent          int       `json:"consistent"`
	Missing             int       `json:"missing"`
	Duplicate           int       `json:"duplicate"`
	Inconsistent        int       `json:"inconsistent"`
	RemoteEvents        int       `json:"remote_events,omitempty"`
	AvgConsistencyScore float64   `json:"avg_consistency_score"`
	DurationMS          int64     `json:"duration_ms"`
}

// Window is the half-open time interval [Start, End) a run covers.
type Window struct {
	Start time.Time
	End   time.Time
}

// IsZero reports whether the window is unset.
func (w Window) IsZero() bool {
	return w.Start.IsZero() && w.End.IsZero()
}

// EventSource provides the event instances observed in a window, oldest
// first, capped at limit.
type EventSource interface {
	InWindow(ctx context.Context, start, end time.Time, limit int) ([]EventInstance, error)
}

// ResultSink persists per-group reconciliation results.
type ResultSink interface {
	Save(ctx context.Context, res *Result) error
}

// severityPenalty maps issue severities to score deductions. Unknown
// severities cost the medium penalty.
var severityPenalty = map[Severity]float64{
	SeverityCritical: 0.4,
	SeverityHigh:     0.2,
	SeverityMedium:   0.1,
	SeverityLow:      0.05,
}

func penaltyFor(sev Severity) float64 {
	if p, ok := severityPenalty[sev]; ok {
		return p
	}
	return 0.1
}
