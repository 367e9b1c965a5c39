package index

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/cloudparity/parity/pkg/config"
)

func newRedisIndex(t *testing.T, ttl time.Duration) (*RedisIndex, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.NewMiniRedis()
	if err := mr.Start(); err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	idx := NewRedis(config.RedisConfig{Addr: mr.Addr()}, ttl)
	if err := idx.Connect(context.Background()); err != nil {
		t.Fatalf("connecting redis index: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx, mr
}

func newSQLiteIndex(t *testing.T, ttl time.Duration) *SQLiteIndex {
	t.Helper()
	idx := NewSQLite(":memory:", ttl)
	if err := idx.Connect(context.Background()); err != nil {
		t.Fatalf("connecting sqlite index: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

// bothBackends runs fn against each backend so the contract is verified to
// hold identically.
func bothBackends(t *testing.T, fn func(t *testing.T, idx Index)) {
	t.Helper()
	t.Run("redis", func(t *testing.T) {
		idx, _ := newRedisIndex(t, time.Hour)
		fn(t, idx)
	})
	t.Run("sqlite", func(t *testing.T) {
		fn(t, newSQLiteIndex(t, time.Hour))
	})
}

func testMetadata(ts time.Time) Metadata {
	amount := 99.95
	return Metadata{
		Timestamp:   ts,
		PayloadHash: "a1b2c3d4",
		OrderID:     "ORD-1001",
		CustomerID:  "CUST-0042",
		Amount:      &amount,
	}
}

func TestIndexEventAndReadBack(t *testing.T) {
	bothBackends(t, func(t *testing.T, idx Index) {
		ctx := context.Background()
		ts := time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC)
		md := testMetadata(ts)

		if err := idx.IndexEvent(ctx, "evt-1", "aws", md); err != nil {
			t.Fatalf("IndexEvent: %v", err)
		}

		sources, err := idx.EventSources(ctx, "evt-1")
		if err != nil {
			t.Fatalf("EventSources: %v", err)
		}
		if len(sources) != 1 || sources[0] != "aws" {
			t.Errorf("sources = %v, want [aws]", sources)
		}

		exists, err := idx.EventExists(ctx, "evt-1")
		if err != nil {
			t.Fatalf("EventExists: %v", err)
		}
		if !exists {
			t.Error("EventExists = false for indexed event")
		}

		got, found, err := idx.EventMetadata(ctx, "evt-1")
		if err != nil {
			t.Fatalf("EventMetadata: %v", err)
		}
		if !found {
			t.Fatal("EventMetadata found = false for indexed event")
		}
		if !got.Timestamp.Equal(ts) {
			t.Errorf("Timestamp = %v, want %v", got.Timestamp, ts)
		}
		if got.PayloadHash != md.PayloadHash || got.OrderID != md.OrderID || got.CustomerID != md.CustomerID {
			t.Errorf("metadata = %+v, want %+v", got, md)
		}
		if got.Amount == nil || *got.Amount != *md.Amount {
			t.Errorf("Amount = %v, want %v", got.Amount, *md.Amount)
		}
	})
}

func TestUnknownEvent(t *testing.T) {
	bothBackends(t, func(t *testing.T, idx Index) {
		ctx := context.Background()

		sources, err := idx.EventSources(ctx, "evt-ghost")
		if err != nil {
			t.Fatalf("EventSources: %v", err)
		}
		if sources == nil {
			t.Error("EventSources returned nil, want empty slice")
		}
		if len(sources) != 0 {
			t.Errorf("sources = %v, want empty", sources)
		}

		exists, err := idx.EventExists(ctx, "evt-ghost")
		if err != nil {
			t.Fatalf("EventExists: %v", err)
		}
		if exists {
			t.Error("EventExists = true for unknown event")
		}

		_, found, err := idx.EventMetadata(ctx, "evt-ghost")
		if err != nil {
			t.Fatalf("EventMetadata: %v", err)
		}
		if found {
			t.Error("EventMetadata found = true for unknown event")
		}

		expected := []string{"aws", "gcp", "azure"}
		missing, err := idx.MissingSources(ctx, "evt-ghost", expected)
		if err != nil {
			t.Fatalf("MissingSources: %v", err)
		}
		if len(missing) != 3 || missing[0] != "aws" || missing[1] != "gcp" || missing[2] != "azure" {
			t.Errorf("missing = %v, want %v (expected order preserved)", missing, expected)
		}
	})
}

func TestIndexEventIdempotentPerSource(t *testing.T) {
	bothBackends(t, func(t *testing.T, idx Index) {
		ctx := context.Background()
		md := testMetadata(time.Now().UTC())

		for i := 0; i < 3; i++ {
			if err := idx.IndexEvent(ctx, "evt-1", "gcp", md); err != nil {
				t.Fatalf("IndexEvent #%d: %v", i, err)
			}
		}
		sources, err := idx.EventSources(ctx, "evt-1")
		if err != nil {
			t.Fatalf("EventSources: %v", err)
		}
		if len(sources) != 1 {
			t.Errorf("sources = %v, want exactly one entry after re-delivery", sources)
		}
	})
}

func TestMetadataFullyReplaced(t *testing.T) {
	bothBackends(t, func(t *testing.T, idx Index) {
		ctx := context.Background()
		ts := time.Date(2026, 5, 2, 12, 0, 0, 0, time.UTC)

		first := testMetadata(ts)
		if err := idx.IndexEvent(ctx, "evt-1", "aws", first); err != nil {
			t.Fatalf("IndexEvent: %v", err)
		}

		// Second sighting carries no amount and no customer; replacement
		// must not leave the old fields behind.
		second := Metadata{
			Timestamp:   ts.Add(time.Second),
			PayloadHash: "ffff0000",
			OrderID:     "ORD-1001",
		}
		if err := idx.IndexEvent(ctx, "evt-1", "gcp", second); err != nil {
			t.Fatalf("IndexEvent: %v", err)
		}

		got, found, err := idx.EventMetadata(ctx, "evt-1")
		if err != nil || !found {
			t.Fatalf("EventMetadata: found=%v err=%v", found, err)
		}
		if got.PayloadHash != "ffff0000" {
			t.Errorf("PayloadHash = %q, want replacement value", got.PayloadHash)
		}
		if got.CustomerID != "" {
			t.Errorf("CustomerID = %q, want empty after replacement", got.CustomerID)
		}
		if got.Amount != nil {
			t.Errorf("Amount = %v, want nil after replacement", *got.Amount)
		}
	})
}

func TestSourcesSortedAndMissingOrdered(t *testing.T) {
	bothBackends(t, func(t *testing.T, idx Index) {
		ctx := context.Background()
		md := testMetadata(time.Now().UTC())

		for _, source := range []string{"gcp", "aws"} {
			if err := idx.IndexEvent(ctx, "evt-1", source, md); err != nil {
				t.Fatalf("IndexEvent(%s): %v", source, err)
			}
		}

		sources, err := idx.EventSources(ctx, "evt-1")
		if err != nil {
			t.Fatalf("EventSources: %v", err)
		}
		if len(sources) != 2 || sources[0] != "aws" || sources[1] != "gcp" {
			t.Errorf("sources = %v, want [aws gcp]", sources)
		}

		missing, err := idx.MissingSources(ctx, "evt-1", []string{"aws", "gcp", "azure"})
		if err != nil {
			t.Fatalf("MissingSources: %v", err)
		}
		if len(missing) != 1 || missing[0] != "azure" {
			t.Errorf("missing = %v, want [azure]", missing)
		}
	})
}

func TestStats(t *testing.T) {
	bothBackends(t, func(t *testing.T, idx Index) {
		ctx := context.Background()
		md := testMetadata(time.Now().UTC())

		for _, ev := range []struct{ id, source string }{
			{"evt-1", "aws"}, {"evt-1", "gcp"}, {"evt-1", "azure"},
			{"evt-2", "aws"}, {"evt-2", "gcp"},
			{"evt-3", "aws"},
		} {
			if err := idx.IndexEvent(ctx, ev.id, ev.source, md); err != nil {
				t.Fatalf("IndexEvent(%s,%s): %v", ev.id, ev.source, err)
			}
		}
		// Generate some lookups so the latency tracker has samples.
		for i := 0; i < 5; i++ {
			if _, err := idx.EventSources(ctx, "evt-1"); err != nil {
				t.Fatalf("EventSources: %v", err)
			}
		}

		stats, err := idx.Stats(ctx)
		if err != nil {
			t.Fatalf("Stats: %v", err)
		}
		if stats.Backend != idx.Backend() {
			t.Errorf("Backend = %q, want %q", stats.Backend, idx.Backend())
		}
		if stats.TotalEvents != 3 {
			t.Errorf("TotalEvents = %d, want 3", stats.TotalEvents)
		}
		if stats.BySource["aws"] != 3 || stats.BySource["gcp"] != 2 || stats.BySource["azure"] != 1 {
			t.Errorf("BySource = %v", stats.BySource)
		}
		if stats.AvgLookupMS <= 0 {
			t.Errorf("AvgLookupMS = %v, want > 0 after lookups", stats.AvgLookupMS)
		}
	})
}

func TestCleanupExpiredRedisIsPassive(t *testing.T) {
	idx, mr := newRedisIndex(t, time.Minute)
	ctx := context.Background()

	if err := idx.IndexEvent(ctx, "evt-1", "aws", testMetadata(time.Now().UTC())); err != nil {
		t.Fatalf("IndexEvent: %v", err)
	}
	deleted, err := idx.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if deleted != 0 {
		t.Errorf("CleanupExpired = %d, want 0 (redis expires via TTL)", deleted)
	}

	// The TTL itself does the expiry.
	mr.FastForward(2 * time.Minute)
	exists, err := idx.EventExists(ctx, "evt-1")
	if err != nil {
		t.Fatalf("EventExists: %v", err)
	}
	if exists {
		t.Error("event survived TTL expiry")
	}
}

func TestCleanupExpiredSQLiteDeletes(t *testing.T) {
	idx := newSQLiteIndex(t, time.Nanosecond)
	ctx := context.Background()

	if err := idx.IndexEvent(ctx, "evt-1", "aws", testMetadata(time.Now().UTC())); err != nil {
		t.Fatalf("IndexEvent: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	deleted, err := idx.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if deleted != 2 {
		t.Errorf("CleanupExpired = %d, want 2 (one source row, one metadata row)", deleted)
	}
	exists, err := idx.EventExists(ctx, "evt-1")
	if err != nil {
		t.Fatalf("EventExists: %v", err)
	}
	if exists {
		t.Error("event still present after cleanup")
	}
}

func TestRedisTTLRefreshedOnWrite(t *testing.T) {
	idx, mr := newRedisIndex(t, time.Minute)
	ctx := context.Background()
	md := testMetadata(time.Now().UTC())

	if err := idx.IndexEvent(ctx, "evt-1", "aws", md); err != nil {
		t.Fatalf("IndexEvent: %v", err)
	}
	mr.FastForward(40 * time.Second)
	if err := idx.IndexEvent(ctx, "evt-1", "gcp", md); err != nil {
		t.Fatalf("IndexEvent: %v", err)
	}
	// Another 40s passes: past the original deadline but within the
	// refreshed one.
	mr.FastForward(40 * time.Second)

	sources, err := idx.EventSources(ctx, "evt-1")
	if err != nil {
		t.Fatalf("EventSources: %v", err)
	}
	if len(sources) != 2 {
		t.Errorf("sources = %v, want both after TTL refresh", sources)
	}
}
