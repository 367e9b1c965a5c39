// Package shard partitions the event-ID space across reconciler instances
// using consistent hashing with virtual nodes. A Manager wraps the ring with
// a single-shard bypass mode, and a Partitioner filters event groups into
// local and remote sets for one instance.
package shard

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
)

// DefaultVirtualNodes is the number of virtual nodes per shard when the
// caller does not specify one.
const DefaultVirtualNodes = 150

// Range is a half-open interval of ring positions (Start, End] owned by one
// shard. The wraparound segment past the highest point belongs to the first
// point on the ring.
type Range struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

// HashRing maps keys to shards via consistent hashing. Each shard
// contributes virtualNodes points to the ring; the ring is fully rebuilt on
// membership changes so the layout depends only on the current shard set.
type HashRing struct {
	mu           sync.RWMutex
	virtualNodes int
	shards       map[string]struct{}
	ring         []uint64          // sorted vnode positions
	ringMap      map[uint64]string // position -> shard
}

// NewHashRing creates an empty ring with the given virtual node count per
// shard. Non-positive counts fall back to DefaultVirtualNodes.
func NewHashRing(virtualNodes int) *HashRing {
	if virtualNodes <= 0 {
		virtualNodes = DefaultVirtualNodes
	}
	return &HashRing{
		virtualNodes: virtualNodes,
		shards:       make(map[string]struct{}),
		ring:         make([]uint64, 0),
		ringMap:      make(map[uint64]string),
	}
}

// AddShard adds a shard and rebuilds the ring. Adding a shard that is
// already present is a no-op and returns false.
func (r *HashRing) AddShard(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.shards[name]; ok {
		return false
	}
	r.shards[name] = struct{}{}
	r.rebuild()
	return true
}

// RemoveShard removes a shard and rebuilds the ring. Removing an unknown
// shard is a no-op and returns false.
func (r *HashRing) RemoveShard(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.shards[name]; !ok {
		return false
	}
	delete(r.shards, name)
	r.rebuild()
	return true
}

// rebuild reconstructs the ring from the current shard set. Callers must
// hold the write lock.
func (r *HashRing) rebuild() {
	r.ring = make([]uint64, 0, len(r.shards)*r.virtualNodes)
	r.ringMap = make(map[uint64]string, len(r.shards)*r.virtualNodes)
	for shard := range r.shards {
		for i := 0; i < r.virtualNodes; i++ {
			pos := hashKey(fmt.Sprintf("%s:vnode-%d", shard, i))
			r.ring = append(r.ring, pos)
			r.ringMap[pos] = shard
		}
	}
	sort.Slice(r.ring, func(i, j int) bool { return r.ring[i] < r.ring[j] })
}

// GetShard returns the shard owning key, or false if the ring is empty.
func (r *HashRing) GetShard(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.ring) == 0 {
		return "", false
	}
	pos := hashKey(key)
	idx := sort.Search(len(r.ring), func(i int) bool {
		return r.ring[i] >= pos
	})
	if idx >= len(r.ring) {
		idx = 0
	}
	return r.ringMap[r.ring[idx]], true
}

// Shards returns the current shard names, sorted.
func (r *HashRing) Shards() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.shards))
	for name := range r.shards {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Size returns the number of points on the ring.
func (r *HashRing) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ring)
}

// Distribution maps each shard to the number of sample keys it owns. Shards
// owning no samples still appear with a zero count.
func (r *HashRing) Distribution(keys []string) map[string]int {
	dist := make(map[string]int)
	r.mu.RLock()
	for shard := range r.shards {
		dist[shard] = 0
	}
	r.mu.RUnlock()
	for _, key := range keys {
		if shard, ok := r.GetShard(key); ok {
			dist[shard]++
		}
	}
	return dist
}

// Boundaries returns the ring-position ranges owned by each shard. Each
// vnode point owns the interval from the previous point (exclusive) to
// itself (inclusive); the first point additionally owns the wraparound past
// the last point.
func (r *HashRing) Boundaries() map[string][]Range {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bounds := make(map[string][]Range, len(r.shards))
	for shard := range r.shards {
		bounds[shard] = nil
	}
	n := len(r.ring)
	if n == 0 {
		return bounds
	}
	for i, pos := range r.ring {
		shard := r.ringMap[pos]
		var start uint64
		if i == 0 {
			// Wraparound segment: everything above the last point.
			start = r.ring[n-1]
		} else {
			start = r.ring[i-1]
		}
		bounds[shard] = append(bounds[shard], Range{Start: start, End: pos})
	}
	return bounds
}

// hashKey computes the ring position of a key: SHA-256 truncated to the
// first 8 bytes, big-endian.
func hashKey(key string) uint64 {
	h := sha256.Sum256([]byte(key))
	return binary.BigEndian.Uint64(h[:8])
}
