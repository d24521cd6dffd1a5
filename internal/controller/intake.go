package controller

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sava-anti-ddos/sav-d/internal/detector"
	"github.com/sava-anti-ddos/sav-d/internal/logging"
	"github.com/sava-anti-ddos/sav-d/internal/metrics"
	"github.com/sava-anti-ddos/sav-d/internal/protocol"
	"github.com/sava-anti-ddos/sav-d/internal/store"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Intake feeds uploaded observation batches into the detector and keeps the
// replayable CSV spool. Two paths coexist: every batch reaches the detector
// immediately, while the per-peer CSV files are drained into the SnifferInfo
// table on a timer. Duplication across the two paths is acceptable; the
// detector is idempotent at the epoch boundary.
type Intake struct {
	readPath  string
	writePath string
	encoding  string
	det       *detector.Detector
	st        *store.Store
	mu        sync.Mutex
}

// NewIntake builds an intake over the controller's CSV spool directories.
func NewIntake(readPath, writePath, encoding string, det *detector.Detector, st *store.Store) (*Intake, error) {
	for _, dir := range []string{readPath, writePath} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("intake dir %s: %w", dir, err)
		}
	}
	return &Intake{
		readPath:  readPath,
		writePath: writePath,
		encoding:  encoding,
		det:       det,
		st:        st,
	}, nil
}

// Ingest appends the batch to the peer's CSV file and hands it to the
// detector.
func (in *Intake) Ingest(peerAddr string, obs []protocol.Observation) error {
	metrics.ObservationRows.Add(float64(len(obs)))
	if err := in.appendCSV(peerAddr, obs); err != nil {
		metrics.IncError(metrics.ErrSpool)
		logging.L().Error("sniffer_spool_error", "peer", peerAddr, "error", err)
	}
	if in.det != nil {
		in.det.Detect(obs)
	}
	return nil
}

// appendCSV writes rows to a spool file named after the uploading peer.
func (in *Intake) appendCSV(peerAddr string, obs []protocol.Observation) error {
	name := "sniffer-" + strings.ReplaceAll(peerAddr, ":", "_") + ".csv"
	in.mu.Lock()
	defer in.mu.Unlock()
	f, err := os.OpenFile(filepath.Join(in.readPath, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("spool open: %w", err)
	}
	defer f.Close()
	w := csv.NewWriter(f)
	for _, o := range obs {
		if err := w.Write(o.Record()); err != nil {
			return fmt.Errorf("spool write: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}

// Drain parses every CSV in readinfo_path, moves the file to writeinfo_path
// and bulk-upserts the parsed records into SnifferInfo. A file that fails to
// parse is still moved; unreadable rows are logged and skipped.
func (in *Intake) Drain() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	files, err := filepath.Glob(filepath.Join(in.readPath, "*.csv"))
	if err != nil {
		return fmt.Errorf("drain glob: %w", err)
	}
	var records []protocol.Observation
	for _, path := range files {
		rows, err := in.readFile(path)
		if err != nil {
			metrics.IncError(metrics.ErrSpool)
			logging.L().Warn("drain_read_error", "file", path, "error", err)
		}
		records = append(records, rows...)
		dest := filepath.Join(in.writePath, filepath.Base(path))
		if err := os.Rename(path, dest); err != nil {
			metrics.IncError(metrics.ErrSpool)
			logging.L().Error("drain_move_error", "file", path, "error", err)
			continue
		}
		logging.L().Info("drain_file_moved", "file", filepath.Base(path), "rows", len(rows))
	}
	if len(records) == 0 {
		return nil
	}
	if in.st != nil {
		if err := in.st.SnifferInfoUpsertBatch(records); err != nil {
			return fmt.Errorf("drain upsert: %w", err)
		}
	}
	return nil
}

func (in *Intake) readFile(path string) ([]protocol.Observation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	// utf-8-sig spool files carry a BOM.
	if in.encoding == "" || strings.EqualFold(in.encoding, "utf-8-sig") {
		data = bytes.TrimPrefix(data, utf8BOM)
	}
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	var obs []protocol.Observation
	for _, rec := range rows {
		o, err := protocol.ObservationFromRecord(rec)
		if err != nil {
			logging.L().Warn("drain_row_skipped", "file", filepath.Base(path), "error", err)
			continue
		}
		obs = append(obs, o)
	}
	return obs, nil
}

// RunDrain drains the spool every interval until ctx is cancelled.
func (in *Intake) RunDrain(ctx context.Context, interval time.Duration, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if err := in.Drain(); err != nil {
					logging.L().Error("drain_error", "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
