package shard

import (
	"fmt"

	"github.com/cloudparity/parity/pkg/config"
	pkgerrors "github.com/cloudparity/parity/pkg/errors"
)

// Mode selects how event IDs are assigned to shards.
type Mode string

const (
	// ModeSingle maps every event to the default shard. Used for
	// single-instance deployments; no ring is built.
	ModeSingle Mode = "single"
	// ModeSharded assigns events via the consistent-hash ring.
	ModeSharded Mode = "sharded"
)

// DefaultShardName is the shard every event maps to in single mode.
const DefaultShardName = "default"

// Manager assigns event IDs to shards according to the configured mode.
type Manager struct {
	mode         Mode
	virtualNodes int
	ring         *HashRing
}

// Stats is a point-in-time snapshot of the shard layout.
type Stats struct {
	Mode         string         `json:"mode"`
	Shards       []string       `json:"shards"`
	VirtualNodes int            `json:"virtual_nodes"`
	RingSize     int            `json:"ring_size"`
	Distribution map[string]int `json:"distribution,omitempty"`
}

// NewManager builds a Manager from config. In sharded mode at least one
// shard name is required.
func NewManager(cfg config.ShardConfig) (*Manager, error) {
	mode := Mode(cfg.Mode)
	switch mode {
	case ModeSingle:
		return &Manager{mode: ModeSingle}, nil
	case ModeSharded:
		if len(cfg.Shards) == 0 {
			return nil, fmt.Errorf("%w: sharded mode requires at least one shard", pkgerrors.ErrInvalidInput)
		}
		ring := NewHashRing(cfg.VirtualNodes)
		for _, name := range cfg.Shards {
			ring.AddShard(name)
		}
		return &Manager{mode: ModeSharded, virtualNodes: ring.virtualNodes, ring: ring}, nil
	default:
		return nil, fmt.Errorf("%w: unknown shard mode %q", pkgerrors.ErrInvalidInput, cfg.Mode)
	}
}

// Mode returns the configured assignment mode.
func (m *Manager) Mode() Mode {
	return m.mode
}

// ShardFor returns the shard owning the given event ID.
func (m *Manager) ShardFor(eventID string) string {
	if m.mode == ModeSingle {
		return DefaultShardName
	}
	shard, _ := m.ring.GetShard(eventID)
	return shard
}

// Shards returns the shard names in use.
func (m *Manager) Shards() []string {
	if m.mode == ModeSingle {
		return []string{DefaultShardName}
	}
	return m.ring.Shards()
}

// AddShard registers a new shard. Only valid in sharded mode.
func (m *Manager) AddShard(name string) error {
	if m.mode == ModeSingle {
		return fmt.Errorf("%w: cannot add shards in single mode", pkgerrors.ErrInvalidInput)
	}
	if !m.ring.AddShard(name) {
		return fmt.Errorf("%w: shard %s already exists", pkgerrors.ErrInvalidInput, name)
	}
	return nil
}

// RemoveShard deregisters a shard. Only valid in sharded mode.
func (m *Manager) RemoveShard(name string) error {
	if m.mode == ModeSingle {
		return fmt.Errorf("%w: cannot remove shards in single mode", pkgerrors.ErrInvalidInput)
	}
	if !m.ring.RemoveShard(name) {
		return fmt.Errorf("%w: %s", pkgerrors.ErrUnknownShard, name)
	}
	return nil
}

// Distribution maps each shard to the number of sample keys it owns.
func (m *Manager) Distribution(keys []string) map[string]int {
	if m.mode == ModeSingle {
		return map[string]int{DefaultShardName: len(keys)}
	}
	return m.ring.Distribution(keys)
}

// Boundaries returns the ring-position ranges owned by each shard. In single
// mode the default shard owns the whole keyspace.
func (m *Manager) Boundaries() map[string][]Range {
	if m.mode == ModeSingle {
		return map[string][]Range{
			DefaultShardName: {{Start: 0, End: ^uint64(0)}},
		}
	}
	return m.ring.Boundaries()
}

// Stats returns a snapshot of the current shard layout.
func (m *Manager) Stats() Stats {
	s := Stats{
		Mode:   string(m.mode),
		Shards: m.Shards(),
	}
	if m.mode == ModeSharded {
		s.VirtualNodes = m.virtualNodes
		s.RingSize = m.ring.Size()
	}
	return s
}
