package shard

import (
	"errors"
	"testing"

	"github.com/cloudparity/parity/pkg/config"
	pkgerrors "github.com/cloudparity/parity/pkg/errors"
)

func shardedConfig() config.ShardConfig {
	return config.ShardConfig{
		Mode:         "sharded",
		Shards:       []string{"us-east", "eu-west", "ap-south"},
		VirtualNodes: 150,
	}
}

func TestManagerSingleMode(t *testing.T) {
	mgr, err := NewManager(config.ShardConfig{Mode: "single"})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	for _, id := range []string{"evt-1", "evt-2", "anything"} {
		if got := mgr.ShardFor(id); got != DefaultShardName {
			t.Errorf("ShardFor(%q) = %q, want %q", id, got, DefaultShardName)
		}
	}
	if shards := mgr.Shards(); len(shards) != 1 || shards[0] != DefaultShardName {
		t.Errorf("Shards() = %v", shards)
	}
	dist := mgr.Distribution([]string{"a", "b", "c"})
	if dist[DefaultShardName] != 3 {
		t.Errorf("Distribution = %v, want all keys on default", dist)
	}
	bounds := mgr.Boundaries()
	if ranges := bounds[DefaultShardName]; len(ranges) != 1 || ranges[0].Start != 0 || ranges[0].End != ^uint64(0) {
		t.Errorf("Boundaries = %v, want full keyspace on default", bounds)
	}
	if err := mgr.AddShard("extra"); !errors.Is(err, pkgerrors.ErrInvalidInput) {
		t.Errorf("AddShard in single mode: err = %v, want ErrInvalidInput", err)
	}
}

func TestManagerShardedMode(t *testing.T) {
	mgr, err := NewManager(shardedConfig())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if got := mgr.Mode(); got != ModeSharded {
		t.Fatalf("Mode = %v", got)
	}
	if shards := mgr.Shards(); len(shards) != 3 {
		t.Fatalf("Shards() = %v", shards)
	}

	// Assignment must be stable across calls.
	first := mgr.ShardFor("evt-42")
	for i := 0; i < 10; i++ {
		if got := mgr.ShardFor("evt-42"); got != first {
			t.Fatalf("ShardFor unstable: %q then %q", first, got)
		}
	}

	stats := mgr.Stats()
	if stats.RingSize != 3*150 {
		t.Errorf("Stats.RingSize = %d, want 450", stats.RingSize)
	}
	if stats.VirtualNodes != 150 {
		t.Errorf("Stats.VirtualNodes = %d, want 150", stats.VirtualNodes)
	}
}

func TestManagerValidation(t *testing.T) {
	if _, err := NewManager(config.ShardConfig{Mode: "bogus"}); !errors.Is(err, pkgerrors.ErrInvalidInput) {
		t.Errorf("unknown mode: err = %v, want ErrInvalidInput", err)
	}
	if _, err := NewManager(config.ShardConfig{Mode: "sharded"}); !errors.Is(err, pkgerrors.ErrInvalidInput) {
		t.Errorf("sharded without shards: err = %v, want ErrInvalidInput", err)
	}
}

func TestPartitioner(t *testing.T) {
	mgr, err := NewManager(shardedConfig())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	p, err := NewPartitioner(mgr, "eu-west", StrategyLocal)
	if err != nil {
		t.Fatalf("NewPartitioner: %v", err)
	}

	ids := sampleKeys(2000)
	local, remote := p.Partition(ids)

	seen := len(local)
	for owner, ownerIDs := range remote {
		if owner == "eu-west" {
			t.Errorf("remote map contains our own shard with %d ids", len(ownerIDs))
		}
		seen += len(ownerIDs)
	}
	if seen != len(ids) {
		t.Errorf("partition lost events: %d in, %d out", len(ids), seen)
	}
	for _, id := range local {
		if !p.Owns(id) {
			t.Errorf("local id %q not owned by partitioner shard", id)
		}
		if got := p.StrategyFor(id); got != StrategyLocal {
			t.Errorf("StrategyFor(%q) = %q, want %q", id, got, StrategyLocal)
		}
	}
	for _, ownerIDs := range remote {
		for _, id := range ownerIDs {
			if got := p.StrategyFor(id); got != StrategyForward {
				t.Errorf("StrategyFor(%q) = %q, want %q", id, got, StrategyForward)
			}
		}
	}
	if len(local) == 0 || len(remote) == 0 {
		t.Errorf("suspicious partition: local=%d remote-shards=%d", len(local), len(remote))
	}
}

func TestPartitionerUnknownShard(t *testing.T) {
	mgr, err := NewManager(shardedConfig())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if _, err := NewPartitioner(mgr, "mars", StrategyLocal); !errors.Is(err, pkgerrors.ErrUnknownShard) {
		t.Errorf("err = %v, want ErrUnknownShard", err)
	}
	if _, err := NewPartitioner(mgr, "eu-west", Strategy("sideways")); !errors.Is(err, pkgerrors.ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}
}
