package index

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/cloudparity/parity/pkg/config"
	"github.com/cloudparity/parity/pkg/logger"
	"github.com/cloudparity/parity/pkg/redis"
)

// RedisIndex stores event sightings in Redis: a set of sources under
// evt:{id}:src and a metadata hash under evt:{id}:meta. Both keys carry the
// configured TTL, refreshed on every write, so expiry is handled by Redis
// itself and CleanupExpired is a no-op.
type RedisIndex struct {
	cfg    config.RedisConfig
	ttl    time.Duration
	client *redis.Client
	logger *slog.Logger
	lat    latencyTracker
}

// NewRedis creates an unconnected RedisIndex. Call Connect before use.
func NewRedis(cfg config.RedisConfig, ttl time.Duration) *RedisIndex {
	return &RedisIndex{
		cfg:    cfg,
		ttl:    ttl,
		logger: logger.WithComponent("event-index").With("backend", "redis"),
	}
}

func (r *RedisIndex) Backend() string {
	return "redis"
}

// Connect dials Redis and verifies the connection.
func (r *RedisIndex) Connect(ctx context.Context) error {
	client, err := redis.NewClient(r.cfg)
	if err != nil {
		return fmt.Errorf("connecting redis index: %w", err)
	}
	r.client = client
	r.logger.Info("event index connected", "addr", r.cfg.Addr, "ttl", r.ttl)
	return nil
}

func (r *RedisIndex) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

func (r *RedisIndex) Ping(ctx context.Context) error {
	return r.client.Ping(ctx)
}

func sourcesKey(eventID string) string {
	return fmt.Sprintf("evt:%s:src", eventID)
}

func metadataKey(eventID string) string {
	return fmt.Sprintf("evt:%s:meta", eventID)
}

// IndexEvent records that eventID was seen from source and replaces the
// stored metadata. The source set, metadata, and TTL refresh are applied
// atomically.
func (r *RedisIndex) IndexEvent(ctx context.Context, eventID, source string, md Metadata) error {
	srcKey := sourcesKey(eventID)
	metaKey := metadataKey(eventID)

	fields := map[string]interface{}{
		"timestamp":    md.Timestamp.UTC().Format(time.RFC3339Nano),
		"payload_hash": md.PayloadHash,
	}
	if md.OrderID != "" {
		fields["order_id"] = md.OrderID
	}
	if md.CustomerID != "" {
		fields["customer_id"] = md.CustomerID
	}
	if md.Amount != nil {
		fields["amount"] = strconv.FormatFloat(*md.Amount, 'f', -1, 64)
	}

	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, srcKey, source)
	pipe.Del(ctx, metaKey)
	pipe.HSet(ctx, metaKey, fields)
	pipe.Expire(ctx, srcKey, r.ttl)
	pipe.Expire(ctx, metaKey, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("indexing event %s from %s: %w", eventID, source, err)
	}
	return nil
}

// EventSources returns the sorted sources that have reported eventID.
func (r *RedisIndex) EventSources(ctx context.Context, eventID string) ([]string, error) {
	start := time.Now()
	members, err := r.client.SMembers(ctx, sourcesKey(eventID))
	r.lat.observe(time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("reading sources for %s: %w", eventID, err)
	}
	sources := make([]string, 0, len(members))
	sources = append(sources, members...)
	sort.Strings(sources)
	return sources, nil
}

// EventMetadata returns the stored metadata for eventID, with found=false
// when the event is unknown.
func (r *RedisIndex) EventMetadata(ctx context.Context, eventID string) (Metadata, bool, error) {
	start := time.Now()
	fields, err := r.client.HGetAll(ctx, metadataKey(eventID))
	r.lat.observe(time.Since(start))
	if err != nil {
		return Metadata{}, false, fmt.Errorf("reading metadata for %s: %w", eventID, err)
	}
	if len(fields) == 0 {
		return Metadata{}, false, nil
	}

	var md Metadata
	if v := fields["timestamp"]; v != "" {
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return Metadata{}, false, fmt.Errorf("parsing timestamp for %s: %w", eventID, err)
		}
		md.Timestamp = ts
	}
	md.PayloadHash = fields["payload_hash"]
	md.OrderID = fields["order_id"]
	md.CustomerID = fields["customer_id"]
	if v, ok := fields["amount"]; ok {
		amount, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Metadata{}, false, fmt.Errorf("parsing amount for %s: %w", eventID, err)
		}
		md.Amount = &amount
	}
	return md, true, nil
}

// EventExists reports whether any source has reported eventID.
func (r *RedisIndex) EventExists(ctx context.Context, eventID string) (bool, error) {
	start := time.Now()
	exists, err := r.client.Exists(ctx, sourcesKey(eventID))
	r.lat.observe(time.Since(start))
	if err != nil {
		return false, fmt.Errorf("checking existence of %s: %w", eventID, err)
	}
	return exists, nil
}

// MissingSources returns the expected sources that have not reported
// eventID, preserving expected order.
func (r *RedisIndex) MissingSources(ctx context.Context, eventID string, expected []string) ([]string, error) {
	actual, err := r.EventSources(ctx, eventID)
	if err != nil {
		return nil, err
	}
	return diffSources(expected, actual), nil
}

// CleanupExpired is a no-op: Redis expires index keys via their TTL.
func (r *RedisIndex) CleanupExpired(ctx context.Context) (int64, error) {
	r.logger.Debug("cleanup skipped, redis handles expiry via TTL")
	return 0, nil
}

// Stats scans the index and aggregates totals per source. The scan walks
// every indexed event, so callers should cache or coalesce invocations.
func (r *RedisIndex) Stats(ctx context.Context) (Stats, error) {
	keys, err := r.client.ScanKeys(ctx, "evt:*:src")
	if err != nil {
		return Stats{}, fmt.Errorf("scanning index keys: %w", err)
	}
	stats := Stats{
		Backend:     "redis",
		TotalEvents: int64(len(keys)),
		BySource:    make(map[string]int64),
		AvgLookupMS: r.lat.avgMS(),
	}
	for _, key := range keys {
		members, err := r.client.SMembers(ctx, key)
		if err != nil {
			return Stats{}, fmt.Errorf("reading sources for stats: %w", err)
		}
		for _, source := range members {
			stats.BySource[source]++
		}
	}
	return stats, nil
}
