package bloom

import (
	"sync"
	"time"
)

// DefaultWindows is the number of sub-filters a TimeWindowedFilter keeps
// when the caller does not specify one.
const DefaultWindows = 6

// TimeWindowedFilter tracks set membership over a sliding time horizon.
// Additions go to the current sub-filter; lookups consult every sub-filter.
// Rotate advances the current slot and clears the sub-filter it lands on, so
// a member not re-added for a full cycle of rotations reads as absent.
type TimeWindowedFilter struct {
	mu            sync.RWMutex
	windows       []*Filter
	current       int
	window        time.Duration
	rotations     uint64
	expectedItems int
	fpRate        float64
}

// WindowedStats aggregates per-window occupancy.
type WindowedStats struct {
	Windows       int           `json:"windows"`
	CurrentWindow int           `json:"current_window"`
	Window        time.Duration `json:"window"`
	Rotations     uint64        `json:"rotations"`
	TotalItems    uint64        `json:"total_items"`
	PerWindow     []FilterStats `json:"per_window"`
}

// NewTimeWindowed creates a TimeWindowedFilter with the given number of
// sub-filters, each sized for expectedItems at the target false-positive
// rate. window is the nominal span covered by one sub-filter; callers drive
// rotation externally at that cadence.
func NewTimeWindowed(expectedItems int, fpRate float64, windows int, window time.Duration) *TimeWindowedFilter {
	if windows <= 0 {
		windows = DefaultWindows
	}
	subs := make([]*Filter, windows)
	for i := range subs {
		subs[i] = New(expectedItems, fpRate)
	}
	return &TimeWindowedFilter{
		windows:       subs,
		window:        window,
		expectedItems: expectedItems,
		fpRate:        fpRate,
	}
}

// Add inserts a key into the current window.
func (t *TimeWindowedFilter) Add(key string) {
	t.mu.RLock()
	filter := t.windows[t.current]
	t.mu.RUnlock()
	filter.AddString(key)
}

// Contains reports whether the key might have been added within the tracked
// horizon. A false result is definitive.
func (t *TimeWindowedFilter) Contains(key string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, filter := range t.windows {
		if filter.ContainsString(key) {
			return true
		}
	}
	return false
}

// Rotate advances to the next window and clears it. Entries added exactly
// len(windows) rotations ago are forgotten.
func (t *TimeWindowedFilter) Rotate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = (t.current + 1) % len(t.windows)
	t.windows[t.current].Clear()
	t.rotations++
}

// Stats returns a snapshot across all windows.
func (t *TimeWindowedFilter) Stats() WindowedStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	stats := WindowedStats{
		Windows:       len(t.windows),
		CurrentWindow: t.current,
		Window:        t.window,
		Rotations:     t.rotations,
		PerWindow:     make([]FilterStats, 0, len(t.windows)),
	}
	for _, filter := range t.windows {
		fs := filter.Stats()
		stats.TotalItems += fs.ItemsAdded
		stats.PerWindow = append(stats.PerWindow, fs)
	}
	return stats
}
