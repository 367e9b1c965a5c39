package recon

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cloudparity/parity/internal/shard"
	"github.com/cloudparity/parity/pkg/config"
	pkgerrors "github.com/cloudparity/parity/pkg/errors"
	"github.com/cloudparity/parity/pkg/logger"
	"github.com/cloudparity/parity/pkg/metrics"
	"github.com/cloudparity/parity/pkg/tracing"
)

// Engine runs windowed reconciliation passes over an EventSource and writes
// one Result per event group to a ResultSink.
type Engine struct {
	events      EventSource
	results     ResultSink
	cfg         config.ReconConfig
	partitioner *shard.Partitioner
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// Option customizes an Engine.
type Option func(*Engine)

// WithPartitioner restricts a run to event groups owned by this instance's
// shard. Groups owned by peers are counted but not analyzed.
func WithPartitioner(p *shard.Partitioner) Option {
	return func(e *Engine) { e.partitioner = p }
}

// WithMetrics wires run and group counters into the engine.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine builds an engine. Zero config fields fall back to the standard
// defaults (30 minute window, aws/gcp/azure, 0.95 threshold, 1000 events).
func NewEngine(events EventSource, results ResultSink, cfg config.ReconConfig, opts ...Option) *Engine {
	if cfg.WindowMinutes <= 0 {
		cfg.WindowMinutes = 30
	}
	if len(cfg.ExpectedSources) == 0 {
		cfg.ExpectedSources = []string{"aws", "gcp", "azure"}
	}
	if cfg.ConsistencyThreshold <= 0 {
		cfg.ConsistencyThreshold = 0.95
	}
	if cfg.MaxEventsPerRun <= 0 {
		cfg.MaxEventsPerRun = 1000
	}

	e := &Engine{
		events:  events,
		results: results,
		cfg:     cfg,
		logger:  logger.WithComponent("recon-engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run reconciles all events observed in win. A zero window means the
// configured duration ending now. An explicit expected set overrides the
// configured sources for this run only. Each group's Result is persisted as
// soon as the group is analyzed, so results written before a failure survive
// it.
func (e *Engine) Run(ctx context.Context, win Window, expected ...string) (*Summary, error) {
	runID := newRunID(time.Now())
	if win.IsZero() {
		end := time.Now().UTC()
		win = Window{
			Start: end.Add(-time.Duration(e.cfg.WindowMinutes) * time.Minute),
			End:   end,
		}
	}
	if len(expected) == 0 {
		expected = e.cfg.ExpectedSources
	}

	ctx, span := tracing.StartSpan(ctx, "recon.run", runID)
	span.SetAttr("window_start", win.Start.Format(time.RFC3339))
	span.SetAttr("window_end", win.End.Format(time.RFC3339))

	e.logger.Info("reconciliation run starting",
		"run_id", runID,
		"window_start", win.Start,
		"window_end", win.End,
	)

	fetchCtx, fetchSpan := tracing.StartChildSpan(ctx, "recon.fetch")
	instances, err := e.events.InWindow(fetchCtx, win.Start, win.End, e.cfg.MaxEventsPerRun)
	fetchSpan.End()
	if err != nil {
		e.runFailed(span)
		return nil, fmt.Errorf("%w: run %s fetching events: %v", pkgerrors.ErrRunFailed, runID, err)
	}

	groups := make(map[string][]EventInstance)
	for _, inst := range instances {
		groups[inst.EventID] = append(groups[inst.EventID], inst)
	}
	ids := make([]string, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	remoteEvents := 0
	if e.partitioner != nil {
		local, remote := e.partitioner.Partition(ids)
		for owner, owned := range remote {
			remoteEvents += len(owned)
			e.logger.Debug("skipping event groups owned by peer shard",
				"run_id", runID,
				"owner", owner,
				"groups", len(owned),
			)
		}
		ids = local
	}

	span.SetAttr("instances", len(instances))
	span.SetAttr("groups", len(ids))

	sum := &Summary{
		RunID:        runID,
		WindowStart:  win.Start,
		WindowEnd:    win.End,
		RemoteEvents: remoteEvents,
	}
	var scoreTotal float64

	analyzeCtx, analyzeSpan := tracing.StartChildSpan(ctx, "recon.analyze")
	for i, id := range ids {
		if err := analyzeCtx.Err(); err != nil {
			analyzeSpan.End()
			e.runFailed(span)
			return nil, fmt.Errorf("%w: run %s cancelled after %d of %d groups: %v",
				pkgerrors.ErrRunFailed, runID, i, len(ids), err)
		}

		res := e.AnalyzeGroup(runID, id, groups[id], win, expected...)
		if err := e.results.Save(analyzeCtx, res); err != nil {
			analyzeSpan.End()
			e.runFailed(span)
			return nil, fmt.Errorf("%w: run %s aborted at event %s after %d results: %v",
				pkgerrors.ErrRunFailed, runID, id, i, err)
		}

		sum.TotalEvents++
		scoreTotal += res.ConsistencyScore
		switch res.Status {
		case StatusConsistent:
			sum.Consistent++
		case StatusMissing:
			sum.Missing++
		case StatusDuplicate:
			sum.Duplicate++
		case StatusInconsistent:
			sum.Inconsistent++
		}
		if e.metrics != nil {
			e.metrics.ReconGroupsTotal.WithLabelValues(string(res.Status)).Inc()
			e.metrics.ConsistencyScore.Observe(res.ConsistencyScore)
		}
	}
	analyzeSpan.End()

	if sum.TotalEvents > 0 {
		sum.AvgConsistencyScore = scoreTotal / float64(sum.TotalEvents)
	}
	span.SetAttr("avg_consistency_score", sum.AvgConsistencyScore)

	elapsed := span.End()
	sum.DurationMS = elapsed.Milliseconds()
	span.Log()

	if e.metrics != nil {
		e.metrics.ReconRunsTotal.WithLabelValues("success").Inc()
		e.metrics.ReconRunDuration.Observe(elapsed.Seconds())
	}
	if sum.TotalEvents > 0 && sum.AvgConsistencyScore < e.cfg.ConsistencyThreshold {
		e.logger.Warn("run consistency below threshold",
			"run_id", runID,
			"avg_consistency_score", sum.AvgConsistencyScore,
			"threshold", e.cfg.ConsistencyThreshold,
		)
	}
	e.logger.Info("reconciliation run complete",
		"run_id", runID,
		"events", sum.TotalEvents,
		"consistent", sum.Consistent,
		"missing", sum.Missing,
		"duplicate", sum.Duplicate,
		"inconsistent", sum.Inconsistent,
		"remote_events", sum.RemoteEvents,
		"duration_ms", sum.DurationMS,
	)

	return sum, nil
}

// AnalyzeGroup reconciles the instances of one event ID against the expected
// sources and returns the scored result. With no explicit expected set the
// configured sources are checked.
func (e *Engine) AnalyzeGroup(runID, eventID string, instances []EventInstance, win Window, expected ...string) *Result {
	if len(expected) == 0 {
		expected = e.cfg.ExpectedSources
	}
	bySource := make(map[string][]EventInstance, len(expected))
	for _, inst := range instances {
		bySource[inst.Source] = append(bySource[inst.Source], inst)
	}
	sources := make([]string, 0, len(bySource))
	for src := range bySource {
		sources = append(sources, src)
	}
	sort.Strings(sources)

	issues := make([]Issue, 0)
	missing := make([]string, 0)
	for _, src := range expected {
		if len(bySource[src]) == 0 {
			missing = append(missing, src)
			issues = append(issues, Issue{
				Type:     IssueMissing,
				Severity: SeverityHigh,
				Source:   src,
				Detail:   fmt.Sprintf("event not observed from %s", src),
			})
		}
	}
	for _, src := range sources {
		if n := len(bySource[src]); n > 1 {
			issues = append(issues, Issue{
				Type:     IssueDuplicate,
				Severity: SeverityHigh,
				Source:   src,
				Detail:   fmt.Sprintf("%d copies received from %s", n, src),
			})
		}
	}
	issues = append(issues, fieldMismatches(instances)...)

	status := StatusConsistent
	switch {
	case hasIssue(issues, IssueMissing):
		status = StatusMissing
	case hasIssue(issues, IssueDuplicate):
		status = StatusDuplicate
	case hasIssue(issues, IssueDataMismatch):
		status = StatusInconsistent
	}

	score := 1.0
	for _, iss := range issues {
		score -= penaltyFor(iss.Severity)
	}
	if score < 0 {
		score = 0
	}

	eventType := ""
	if len(instances) > 0 {
		eventType = instances[0].EventType
	}

	return &Result{
		RunID:            runID,
		EventID:          eventID,
		EventType:        eventType,
		Status:           status,
		ExpectedSources:  expected,
		Sources:          sources,
		MissingSources:   missing,
		Instances:        bySource,
		Issues:           issues,
		ConsistencyScore: score,
		WindowStart:      win.Start,
		WindowEnd:        win.End,
		CreatedAt:        time.Now().UTC(),
	}
}

// fieldMismatches compares every instance against the reference instance,
// the earliest sighting of the event (ties broken by source name). Fields
// absent from one side compare as nil.
func fieldMismatches(instances []EventInstance) []Issue {
	if len(instances) < 2 {
		return nil
	}
	ordered := make([]EventInstance, len(instances))
	copy(ordered, instances)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].Timestamp.Equal(ordered[j].Timestamp) {
			return ordered[i].Timestamp.Before(ordered[j].Timestamp)
		}
		return ordered[i].Source < ordered[j].Source
	})

	ref := ordered[0]
	issues := make([]Issue, 0)
	for _, inst := range ordered[1:] {
		for _, field := range unionKeys(ref.Payload, inst.Payload) {
			want, got := ref.Payload[field], inst.Payload[field]
			if reflect.DeepEqual(want, got) {
				continue
			}
			issues = append(issues, Issue{
				Type:     IssueDataMismatch,
				Severity: SeverityCritical,
				Source:   inst.Source,
				Field:    field,
				Expected: want,
				Actual:   got,
				Detail:   fmt.Sprintf("%s disagrees with %s on %q", inst.Source, ref.Source, field),
			})
		}
	}
	return issues
}

func unionKeys(a, b map[string]any) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		seen[k] = struct{}{}
	}
	for k := range b {
		seen[k] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func hasIssue(issues []Issue, t IssueType) bool {
	for _, iss := range issues {
		if iss.Type == t {
			return true
		}
	}
	return false
}

func (e *Engine) runFailed(span *tracing.Span) {
	elapsed := span.End()
	if e.metrics == nil {
		return
	}
	e.metrics.ReconRunsTotal.WithLabelValues("error").Inc()
	e.metrics.ReconRunDuration.Observe(elapsed.Seconds())
}

// newRunID returns an identifier like recon_20240314_153000_a1b2c3d4.
func newRunID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("recon_%s_%s", now.UTC().Format("20060102_150405"), suffix)
}
