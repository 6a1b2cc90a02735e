package dedup

import (
	"fmt"
	"testing"
)

func TestIdentityFilterNoFalseNegatives(t *testing.T) {
	f := NewIdentityFilter(10000, 0.01)

	for i := 0; i < 10000; i++ {
		f.Mark(fmt.Sprintf("shard-0/%d", i))
	}

	for i := 0; i < 10000; i++ {
		if !f.Seen(fmt.Sprintf("shard-0/%d", i)) {
			t.Fatalf("identity shard-0/%d was marked but Seen returned false", i)
		}
	}
}

func TestIdentityFilterFalsePositiveRate(t *testing.T) {
	f := NewIdentityFilter(10000, 0.01)
	for i := 0; i < 10000; i++ {
		f.Mark(fmt.Sprintf("shard-0/%d", i))
	}

	falsePositives := 0
	probes := 10000
	for i := 0; i < probes; i++ {
		if f.Seen(fmt.Sprintf("shard-1/%d", i)) {
			falsePositives++
		}
	}

	// Allow generous slack over the 1% target.
	if rate := float64(falsePositives) / float64(probes); rate > 0.05 {
		t.Errorf("false positive rate %.4f exceeds tolerance", rate)
	}
}

func TestIdentityFilterEmptySeesNothing(t *testing.T) {
	f := NewIdentityFilter(100, 0.01)
	if f.Seen("shard-0/1") {
		t.Error("empty filter must not report any identity as seen")
	}
	if f.Count() != 0 {
		t.Errorf("expected count 0, got %d", f.Count())
	}
}
