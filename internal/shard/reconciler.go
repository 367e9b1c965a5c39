package shard

import (
	"fmt"
	"log/slog"

	pkgerrors "github.com/cloudparity/parity/pkg/errors"
	"github.com/cloudparity/parity/pkg/logger"
)

// Strategy controls what a reconciler instance does with events owned by
// other shards.
type Strategy string

const (
	// StrategyLocal drops remote events; the owning instance will pick them
	// up in its own run.
	StrategyLocal Strategy = "local"
	// StrategyForward returns remote events grouped by owner so the caller
	// can hand them off.
	StrategyForward Strategy = "forward"
)

// Partitioner splits event IDs into the set owned by this instance's shard
// and the sets owned by other shards.
type Partitioner struct {
	mgr       *Manager
	shardName string
	strategy  Strategy
	logger    *slog.Logger
}

// NewPartitioner creates a Partitioner for the given shard name. The shard
// must exist in the manager's layout.
func NewPartitioner(mgr *Manager, shardName string, strategy Strategy) (*Partitioner, error) {
	switch strategy {
	case StrategyLocal, StrategyForward:
	default:
		return nil, fmt.Errorf("%w: unknown shard strategy %q", pkgerrors.ErrInvalidInput, strategy)
	}
	found := false
	for _, name := range mgr.Shards() {
		if name == shardName {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", pkgerrors.ErrUnknownShard, shardName)
	}
	return &Partitioner{
		mgr:       mgr,
		shardName: shardName,
		strategy:  strategy,
		logger:    logger.WithComponent("shard-partitioner").With("shard", shardName),
	}, nil
}

// ShardName returns the shard this instance reconciles.
func (p *Partitioner) ShardName() string {
	return p.shardName
}

// Strategy returns the configured remote-event strategy.
func (p *Partitioner) Strategy() Strategy {
	return p.strategy
}

// Owns reports whether this instance's shard owns the event ID.
func (p *Partitioner) Owns(eventID string) bool {
	return p.mgr.ShardFor(eventID) == p.shardName
}

// StrategyFor returns the routing decision for one event ID: StrategyLocal
// when this instance's shard owns it, StrategyForward when another shard does.
func (p *Partitioner) StrategyFor(eventID string) Strategy {
	if p.Owns(eventID) {
		return StrategyLocal
	}
	return StrategyForward
}

// Partition splits event IDs into local IDs and remote IDs grouped by the
// owning shard.
func (p *Partitioner) Partition(eventIDs []string) (local []string, remote map[string][]string) {
	local = make([]string, 0, len(eventIDs))
	remote = make(map[string][]string)
	for _, id := range eventIDs {
		owner := p.mgr.ShardFor(id)
		if owner == p.shardName {
			local = append(local, id)
			continue
		}
		remote[owner] = append(remote[owner], id)
	}
	if len(remote) > 0 {
		total := 0
		for _, ids := range remote {
			total += len(ids)
		}
		p.logger.Debug("partitioned events",
			"local", len(local),
			"remote", total,
			"strategy", string(p.strategy),
		)
	}
	return local, remote
}
