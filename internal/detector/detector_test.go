package detector

import (
	"testing"

	"github.com/sava-anti-ddos/sav-d/internal/protocol"
)

func rows(src, dst string, ts float64, n int) []protocol.Observation {
	out := make([]protocol.Observation, n)
	for i := range out {
		out[i] = protocol.Observation{SrcIP: src, DstIP: dst, Protocol: "TCP", Timestamp: ts, Length: 60}
	}
	return out
}

func TestDetector_CountsIdenticalKey(t *testing.T) {
	d := New(1000, nil)
	d.Detect(rows("10.0.0.1", "10.0.0.2", 1_000_000, 128))
	if got := d.Count("10.0.0.1", "10.0.0.2", 1_000_000); got != 128 {
		t.Fatalf("count = %d, want 128", got)
	}
}

func TestDetector_ThresholdCrossingFlagsDst(t *testing.T) {
	var flagged []string
	d := New(100, func(src, dst string) { flagged = append(flagged, src+">"+dst) })
	d.Detect(rows("10.0.0.1", "10.0.0.2", 1_000_000, 150))
	if len(flagged) != 1 || flagged[0] != "10.0.0.1>10.0.0.2" {
		t.Fatalf("flagged = %v", flagged)
	}
}

func TestDetector_BelowThresholdSilent(t *testing.T) {
	flagged := 0
	d := New(100, func(src, dst string) { flagged++ })
	d.Detect(rows("10.0.0.1", "10.0.0.2", 1_000_000, 100)) // equal is not over
	if flagged != 0 {
		t.Fatalf("flagged %d pairs for count == threshold", flagged)
	}
}

func TestDetector_BaselineResetsEachEpoch(t *testing.T) {
	flagged := 0
	d := New(100, func(src, dst string) { flagged++ })
	// Pass 1 ends with window_left at 1_000_005, so its 60-row bucket falls
	// out of the window before pass 2 aggregates. Neither epoch crosses the
	// threshold even though the cumulative total does: the baseline only
	// measures each epoch's excess.
	first := append(rows("10.0.0.1", "10.0.0.2", 1_000_000, 60),
		rows("10.0.0.1", "10.0.0.2", 1_000_005, 1)...)
	d.Detect(first)
	d.Detect(rows("10.0.0.1", "10.0.0.2", 1_000_010, 60))
	if flagged != 0 {
		t.Fatalf("flagged %d pairs across epochs", flagged)
	}
}

func TestDetector_StaleBucketsPruned(t *testing.T) {
	d := New(1000, nil)
	batch := append(rows("10.0.0.1", "10.0.0.2", 1_000_000, 10),
		rows("10.0.0.1", "10.0.0.2", 1_000_050, 1)...)
	d.Detect(batch)
	// window_left advanced to 1_000_050; the next pass prunes the older bucket.
	d.Detect(rows("10.0.0.1", "10.0.0.2", 1_000_060, 1))
	if got := d.Count("10.0.0.1", "10.0.0.2", 1_000_000); got != 0 {
		t.Fatalf("bucket left of window survived: %d", got)
	}
	if got := d.Count("10.0.0.1", "10.0.0.2", 1_000_060); got != 1 {
		t.Fatalf("current bucket = %d, want 1", got)
	}
}

func TestDetector_DistinctTimestampsNeverCoalesce(t *testing.T) {
	d := New(1000, nil)
	batch := []protocol.Observation{
		{SrcIP: "a", DstIP: "b", Timestamp: 1_000_000.000001},
		{SrcIP: "a", DstIP: "b", Timestamp: 1_000_000.000002},
	}
	d.Detect(batch)
	if got := d.Count("a", "b", 1_000_000.000001); got != 1 {
		t.Fatalf("bucket 1 = %d, want 1", got)
	}
	if got := d.Count("a", "b", 1_000_000.000002); got != 1 {
		t.Fatalf("bucket 2 = %d, want 1", got)
	}
}

func TestDetector_EmptyEndpointsInert(t *testing.T) {
	d := New(10, func(src, dst string) { t.Fatalf("flag on empty endpoints") })
	batch := make([]protocol.Observation, 50)
	for i := range batch {
		batch[i] = protocol.Observation{Timestamp: 1_000_000}
	}
	d.Detect(batch)
	if got := d.Count("", "", 1_000_000); got != 0 {
		t.Fatalf("counted rows with empty endpoints: %d", got)
	}
}

func TestDetector_WindowRightMonotone(t *testing.T) {
	d := New(1000, nil)
	d.Detect(rows("a", "b", 2_000_000, 1))
	d.Detect(rows("a", "b", 1_500_000, 1)) // moves backward, tolerated
	if _, right := d.Window(); right != 2_000_000 {
		t.Fatalf("window_right = %v, want 2000000", right)
	}
}

func TestDetector_WindowBootstrap(t *testing.T) {
	d := New(1000, nil)
	d.Detect(rows("a", "b", 1_234_567, 1))
	left, right := d.Window()
	// After the pass the window left edge has advanced to the right edge.
	if left != right || right != 1_234_567 {
		t.Fatalf("window = [%v, %v]", left, right)
	}
}
