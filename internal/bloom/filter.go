// Package bloom implements a bloom filter sized from an expected item count
// and target false-positive rate, plus a time-windowed variant that expires
// old members by rotating through a fixed set of sub-filters.
package bloom

import (
	"hash/fnv"
	"math"
	"sync"
)

// Filter is a probabilistic set. Contains may return false positives but
// never false negatives. Safe for concurrent use.
type Filter struct {
	mu            sync.RWMutex
	bits          []bool
	size          uint64
	hashCount     uint64
	bitsSet       uint64
	itemsAdded    uint64
	expectedItems int
	fpRate        float64
}

// FilterStats is a point-in-time snapshot of filter occupancy.
type FilterStats struct {
	SizeBits        uint64  `json:"size_bits"`
	HashCount       uint64  `json:"hash_count"`
	ItemsAdded      uint64  `json:"items_added"`
	ExpectedItems   int     `json:"expected_items"`
	FillRatio       float64 `json:"fill_ratio"`
	EstimatedFPRate float64 `json:"estimated_fp_rate"`
	Overloaded      bool    `json:"overloaded"`
}

// New creates a Filter sized for expectedItems at the target false-positive
// rate. Out-of-range arguments fall back to 1 item and a 1% rate.
func New(expectedItems int, fpRate float64) *Filter {
	if expectedItems <= 0 {
		expectedItems = 1
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = 0.01
	}

	// m = -(n * ln(p)) / (ln(2)^2)
	size := uint64(math.Ceil(-float64(expectedItems) * math.Log(fpRate) / (math.Ln2 * math.Ln2)))

	// k = (m/n) * ln(2), at least one hash
	hashCount := uint64(math.Round(float64(size) / float64(expectedItems) * math.Ln2))
	if hashCount == 0 {
		hashCount = 1
	}

	return &Filter{
		bits:          make([]bool, size),
		size:          size,
		hashCount:     hashCount,
		expectedItems: expectedItems,
		fpRate:        fpRate,
	}
}

// Add inserts data into the filter.
func (f *Filter) Add(data []byte) {
	hashes := f.positions(data)
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, h := range hashes {
		idx := h % f.size
		if !f.bits[idx] {
			f.bits[idx] = true
			f.bitsSet++
		}
	}
	f.itemsAdded++
}

// AddString inserts a string key into the filter.
func (f *Filter) AddString(key string) {
	f.Add([]byte(key))
}

// Contains reports whether data might be in the set. A false result is
// definitive.
func (f *Filter) Contains(data []byte) bool {
	hashes := f.positions(data)
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, h := range hashes {
		if !f.bits[h%f.size] {
			return false
		}
	}
	return true
}

// ContainsString reports whether a string key might be in the set.
func (f *Filter) ContainsString(key string) bool {
	return f.Contains([]byte(key))
}

// Clear resets the filter to empty.
func (f *Filter) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bits = make([]bool, f.size)
	f.bitsSet = 0
	f.itemsAdded = 0
}

// EstimatedFPRate returns the false-positive probability implied by the
// current number of added items: (1 - e^(-k*n/m))^k.
func (f *Filter) EstimatedFPRate() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.estimatedFPRateLocked()
}

func (f *Filter) estimatedFPRateLocked() float64 {
	if f.itemsAdded == 0 {
		return 0
	}
	exponent := -float64(f.hashCount) * float64(f.itemsAdded) / float64(f.size)
	return math.Pow(1-math.Exp(exponent), float64(f.hashCount))
}

// Stats returns a snapshot of the filter's occupancy. Overloaded indicates
// more items were added than the filter was sized for, so the effective
// false-positive rate exceeds the configured target.
func (f *Filter) Stats() FilterStats {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return FilterStats{
		SizeBits:        f.size,
		HashCount:       f.hashCount,
		ItemsAdded:      f.itemsAdded,
		ExpectedItems:   f.expectedItems,
		FillRatio:       float64(f.bitsSet) / float64(f.size),
		EstimatedFPRate: f.estimatedFPRateLocked(),
		Overloaded:      f.itemsAdded > uint64(f.expectedItems),
	}
}

// positions generates the k probe positions for data using double hashing:
// h(i) = h1 + i*h2.
func (f *Filter) positions(data []byte) []uint64 {
	h := fnv.New64()
	h.Write(data)
	hash1 := h.Sum64()

	h.Reset()
	h.Write(data)
	h.Write([]byte("salt"))
	hash2 := h.Sum64()

	hashes := make([]uint64, f.hashCount)
	for i := uint64(0); i < f.hashCount; i++ {
		hashes[i] = hash1 + i*hash2
	}
	return hashes
}
