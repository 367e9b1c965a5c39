package bloom

import (
	"fmt"
	"testing"
)

func TestSizingFormulas(t *testing.T) {
	cases := []struct {
		n        int
		p        float64
		wantBits uint64
		wantHash uint64
	}{
		// m = -n*ln(p)/ln(2)^2, k = m/n*ln(2)
		{10000, 0.01, 95851, 7},
		{1000, 0.001, 14378, 10},
		{100, 0.05, 624, 4},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("n=%d_p=%v", tc.n, tc.p), func(t *testing.T) {
			f := New(tc.n, tc.p)
			if f.size != tc.wantBits {
				t.Errorf("size = %d, want %d", f.size, tc.wantBits)
			}
			if f.hashCount != tc.wantHash {
				t.Errorf("hashCount = %d, want %d", f.hashCount, tc.wantHash)
			}
		})
	}
}

func TestDegenerateParamsFallBack(t *testing.T) {
	for _, f := range []*Filter{New(0, 0.01), New(-5, 0.01), New(100, 0), New(100, 1.5)} {
		if f.size == 0 || f.hashCount == 0 {
			t.Errorf("degenerate params produced unusable filter: size=%d hashCount=%d", f.size, f.hashCount)
		}
	}
}

func TestNoFalseNegatives(t *testing.T) {
	f := New(10000, 0.01)
	for i := 0; i < 10000; i++ {
		f.AddString(fmt.Sprintf("evt-%d", i))
	}
	for i := 0; i < 10000; i++ {
		if !f.ContainsString(fmt.Sprintf("evt-%d", i)) {
			t.Fatalf("false negative for evt-%d", i)
		}
	}
}

func TestObservedFalsePositiveRate(t *testing.T) {
	f := New(10000, 0.01)
	for i := 0; i < 10000; i++ {
		f.AddString(fmt.Sprintf("member-%d", i))
	}

	falsePositives := 0
	probes := 10000
	for i := 0; i < probes; i++ {
		if f.ContainsString(fmt.Sprintf("outsider-%d", i)) {
			falsePositives++
		}
	}
	rate := float64(falsePositives) / float64(probes)
	// Loaded to exactly its design capacity the observed rate should stay
	// within an order of magnitude of the 1% target.
	if rate > 0.1 {
		t.Errorf("observed FP rate %.4f, want <= 0.1", rate)
	}
}

func TestEmptyFilterContainsNothing(t *testing.T) {
	f := New(1000, 0.01)
	for i := 0; i < 100; i++ {
		if f.ContainsString(fmt.Sprintf("ghost-%d", i)) {
			t.Fatalf("empty filter claims membership for ghost-%d", i)
		}
	}
}

func TestClear(t *testing.T) {
	f := New(1000, 0.01)
	f.AddString("evt-1")
	if !f.ContainsString("evt-1") {
		t.Fatal("added key not found")
	}
	f.Clear()
	if f.ContainsString("evt-1") {
		t.Error("key survived Clear")
	}
	stats := f.Stats()
	if stats.ItemsAdded != 0 || stats.FillRatio != 0 {
		t.Errorf("stats not reset after Clear: %+v", stats)
	}
}

func TestStatsOverloaded(t *testing.T) {
	f := New(100, 0.01)
	for i := 0; i < 100; i++ {
		f.AddString(fmt.Sprintf("evt-%d", i))
	}
	if f.Stats().Overloaded {
		t.Error("filter at exactly its capacity reported overloaded")
	}
	f.AddString("one-more")
	stats := f.Stats()
	if !stats.Overloaded {
		t.Error("filter past its capacity not reported overloaded")
	}
	if stats.ItemsAdded != 101 {
		t.Errorf("ItemsAdded = %d, want 101", stats.ItemsAdded)
	}
	if stats.EstimatedFPRate <= 0 {
		t.Errorf("EstimatedFPRate = %v, want > 0 after inserts", stats.EstimatedFPRate)
	}
}

func TestEstimatedFPRateGrowsWithLoad(t *testing.T) {
	f := New(1000, 0.01)
	if got := f.EstimatedFPRate(); got != 0 {
		t.Errorf("empty filter EstimatedFPRate = %v, want 0", got)
	}
	var prev float64
	for i := 0; i < 3000; i++ {
		f.AddString(fmt.Sprintf("evt-%d", i))
		if i%1000 == 999 {
			cur := f.EstimatedFPRate()
			if cur <= prev {
				t.Errorf("EstimatedFPRate not increasing: %v then %v", prev, cur)
			}
			prev = cur
		}
	}
}
