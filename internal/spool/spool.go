// Package spool buffers captured observation tuples on the device and rotates
// them into CSV files the upload loop ships to the controller. Capture itself
// is external; anything that can produce Observation values can feed a Spool.
package spool

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sava-anti-ddos/sav-d/internal/logging"
	"github.com/sava-anti-ddos/sav-d/internal/metrics"
	"github.com/sava-anti-ddos/sav-d/internal/protocol"
)

// Subdirectories of the spool root.
const (
	UploadDir   = "upload"
	UploadedDir = "uploaded"
)

const fileTimeLayout = "2006-01-02_15-04-05"

// Spool accumulates rows in a bounded in-memory queue; a full queue flushes to
// the active CSV file, which then rotates into upload/ under a timestamped
// name.
type Spool struct {
	base      string
	fileName  string
	queueSize int

	mu    sync.Mutex
	queue []protocol.Observation
	seq   int
	now   func() time.Time
}

// New prepares the spool directories and returns a spool writing rows to
// base/fileName before rotation.
func New(base, fileName string, queueSize int) (*Spool, error) {
	if queueSize <= 0 {
		queueSize = 100
	}
	for _, dir := range []string{base, filepath.Join(base, UploadDir), filepath.Join(base, UploadedDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("spool dir %s: %w", dir, err)
		}
	}
	return &Spool{
		base:      base,
		fileName:  fileName,
		queueSize: queueSize,
		queue:     make([]protocol.Observation, 0, queueSize),
		now:       time.Now,
	}, nil
}

// Append queues one observation. When the queue reaches sniffer_queue_size the
// rows are written out and the file rotates into upload/.
func (s *Spool) Append(o protocol.Observation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, o)
	if len(s.queue) < s.queueSize {
		return nil
	}
	return s.flushLocked()
}

// Flush forces queued rows to disk and rotates. Used on shutdown so captured
// rows are not lost.
func (s *Spool) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	return s.flushLocked()
}

func (s *Spool) flushLocked() error {
	active := filepath.Join(s.base, s.fileName)
	f, err := os.OpenFile(active, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		metrics.IncError(metrics.ErrSpool)
		return fmt.Errorf("spool open: %w", err)
	}
	w := csv.NewWriter(f)
	for _, o := range s.queue {
		if err := w.Write(o.Record()); err != nil {
			_ = f.Close()
			metrics.IncError(metrics.ErrSpool)
			return fmt.Errorf("spool write: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		metrics.IncError(metrics.ErrSpool)
		return fmt.Errorf("spool flush: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("spool close: %w", err)
	}
	rows := len(s.queue)
	s.queue = s.queue[:0]
	dest := s.rotateName()
	if err := os.Rename(active, dest); err != nil {
		metrics.IncError(metrics.ErrSpool)
		return fmt.Errorf("spool rotate: %w", err)
	}
	logging.L().Info("spool_rotated", "file", filepath.Base(dest), "rows", rows)
	return nil
}

// rotateName yields upload/sniffer-YYYY-MM-DD_HH-MM-SS.csv, with a sequence
// suffix when two rotations land in the same second.
func (s *Spool) rotateName() string {
	stamp := s.now().Format(fileTimeLayout)
	name := filepath.Join(s.base, UploadDir, "sniffer-"+stamp+".csv")
	if _, err := os.Stat(name); err == nil {
		s.seq++
		name = filepath.Join(s.base, UploadDir, fmt.Sprintf("sniffer-%s-%d.csv", stamp, s.seq))
	}
	return name
}

// Run drains a capture source into the spool until the source closes.
func (s *Spool) Run(src <-chan protocol.Observation) {
	for o := range src {
		if err := s.Append(o); err != nil {
			logging.L().Error("spool_append_error", "error", err)
		}
	}
	if err := s.Flush(); err != nil {
		logging.L().Error("spool_flush_error", "error", err)
	}
}
