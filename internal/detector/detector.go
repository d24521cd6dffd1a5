package detector

import (
	"sync"

	"github.com/sava-anti-ddos/sav-d/internal/logging"
	"github.com/sava-anti-ddos/sav-d/internal/metrics"
	"github.com/sava-anti-ddos/sav-d/internal/protocol"
)

type bucketKey struct {
	src string
	dst string
	ts  float64
}

type pairKey struct {
	src string
	dst string
}

// FlagFunc receives every (src,dst) pair whose per-epoch baseline exceeded the
// threshold. Emission is at-least-once across overlapping batches; consumers
// absorb duplicates.
type FlagFunc func(src, dst string)

// Detector counts (src,dst) pairs per raw-timestamp bucket inside a sliding
// window and flags pairs whose aggregated count exceeds the threshold.
// State is process-lifetime; a mutex serializes Detect against callers on
// different connection goroutines.
type Detector struct {
	mu          sync.Mutex
	threshold   int
	windowLeft  float64
	windowRight float64
	counts      map[bucketKey]int
	baseline    map[pairKey]int
	onFlag      FlagFunc
}

// New creates a detector with the configured rate cap.
func New(threshold int, onFlag FlagFunc) *Detector {
	return &Detector{
		threshold: threshold,
		counts:    make(map[bucketKey]int),
		baseline:  make(map[pairKey]int),
		onFlag:    onFlag,
	}
}

// Detect ingests one observation batch, aggregates the epoch baseline and
// emits a flag for every pair over the threshold. The epoch then ends: the
// window left edge advances to the right edge and the baseline resets, so the
// next pass only flags its own excess.
func (d *Detector) Detect(batch []protocol.Observation) {
	d.mu.Lock()
	for _, o := range batch {
		if o.SrcIP == "" || o.DstIP == "" {
			continue
		}
		ts := o.Timestamp
		if d.windowLeft == 0 {
			d.windowLeft = ts
		}
		if ts > d.windowRight {
			d.windowRight = ts
		}
		// Raw timestamps key the buckets: equal capture times coalesce,
		// distinct ones never do.
		d.counts[bucketKey{src: o.SrcIP, dst: o.DstIP, ts: ts}]++
	}
	for k, c := range d.counts {
		if k.ts < d.windowLeft {
			delete(d.counts, k)
			continue
		}
		d.baseline[pairKey{src: k.src, dst: k.dst}] += c
	}
	var flagged []pairKey
	for pair, total := range d.baseline {
		if total > d.threshold {
			flagged = append(flagged, pair)
			logging.L().Info("ddos_detected", "src", pair.src, "dst", pair.dst, "count", total)
		}
	}
	d.windowLeft = d.windowRight
	clear(d.baseline)
	d.mu.Unlock()
	// Flag outside the lock; the blacklist upsert does database I/O.
	for _, pair := range flagged {
		metrics.IncDetectorFlag()
		if d.onFlag != nil {
			d.onFlag(pair.src, pair.dst)
		}
	}
}

// Count returns the current bucket counter for (src, dst, ts).
func (d *Detector) Count(src, dst string, ts float64) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counts[bucketKey{src: src, dst: dst, ts: ts}]
}

// Window returns the current [left, right] observation window.
func (d *Detector) Window() (left, right float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.windowLeft, d.windowRight
}
