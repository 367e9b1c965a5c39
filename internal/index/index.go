// Package index provides the pluggable event index used to record which
// sources each event has been seen from. Two backends implement the same
// contract: Redis for deployments with shared network state, and embedded
// SQLite for single-node or degraded operation. Callers must observe
// identical behavior from both.
package index

import (
	"context"
	"sync"
	"time"
)

// Metadata is the per-event summary stored alongside the source set. It is
// fully replaced each time the event is re-indexed.
type Metadata struct {
	Timestamp   time.Time `json:"timestamp"`
	PayloadHash string    `json:"payload_hash"`
	OrderID     string    `json:"order_id,omitempty"`
	CustomerID  string    `json:"customer_id,omitempty"`
	Amount      *float64  `json:"amount,omitempty"`
}

// Stats summarizes index contents and lookup performance.
type Stats struct {
	Backend     string           `json:"backend"`
	TotalEvents int64            `json:"total_events"`
	BySource    map[string]int64 `json:"by_source"`
	AvgLookupMS float64          `json:"avg_lookup_ms"`
}

// Index records event sightings per source and answers membership queries.
//
// IndexEvent is idempotent per (eventID, source). EventSources returns a
// sorted slice, empty but non-nil for unknown events. MissingSources
// preserves the order of the expected list. CleanupExpired removes entries
// older than the configured TTL where the backend does not expire them
// itself, returning the number of removed rows.
type Index interface {
	Connect(ctx context.Context) error
	Close() error
	Ping(ctx context.Context) error
	Backend() string

	IndexEvent(ctx context.Context, eventID, source string, md Metadata) error
	EventSources(ctx context.Context, eventID string) ([]string, error)
	EventMetadata(ctx context.Context, eventID string) (Metadata, bool, error)
	EventExists(ctx context.Context, eventID string) (bool, error)
	MissingSources(ctx context.Context, eventID string, expected []string) ([]string, error)
	CleanupExpired(ctx context.Context) (int64, error)
	Stats(ctx context.Context) (Stats, error)
}

// diffSources returns the expected sources that are absent from actual,
// preserving expected order.
func diffSources(expected, actual []string) []string {
	seen := make(map[string]struct{}, len(actual))
	for _, s := range actual {
		seen[s] = struct{}{}
	}
	missing := make([]string, 0, len(expected))
	for _, s := range expected {
		if _, ok := seen[s]; !ok {
			missing = append(missing, s)
		}
	}
	return missing
}

// latencyTracker keeps a running mean of lookup latency.
type latencyTracker struct {
	mu      sync.Mutex
	totalNS int64
	count   int64
}

func (l *latencyTracker) observe(d time.Duration) {
	l.mu.Lock()
	l.totalNS += d.Nanoseconds()
	l.count++
	l.mu.Unlock()
}

// avgMS returns the mean observed lookup latency in milliseconds.
func (l *latencyTracker) avgMS() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count == 0 {
		return 0
	}
	return float64(l.totalNS) / float64(l.count) / 1e6
}
