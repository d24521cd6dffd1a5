package device

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sava-anti-ddos/sav-d/internal/metrics"
	"github.com/sava-anti-ddos/sav-d/internal/protocol"
	"github.com/sava-anti-ddos/sav-d/internal/spool"
)

// BatchSize bounds the rows carried by one OBSERVATION_BATCH envelope.
const BatchSize = 128

// uploadLoop ships rotated spool files to the controller every
// sniffer_upload_interval.
func (s *Session) uploadLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	t := time.NewTicker(s.uploadInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := s.uploadOnce(); err != nil {
				s.logger.Error("upload_error", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// uploadOnce enumerates the spool's upload directory, ships each file in
// BatchSize chunks and moves fully-sent files to uploaded/. A file that fails
// mid-send stays in place for retry on the next tick.
func (s *Session) uploadOnce() error {
	uploadDir := filepath.Join(s.spoolPath, spool.UploadDir)
	files, err := filepath.Glob(filepath.Join(uploadDir, "*.csv"))
	if err != nil {
		return fmt.Errorf("upload scan: %w", err)
	}
	sort.Strings(files)
	for _, path := range files {
		if err := s.uploadFile(path); err != nil {
			metrics.IncError(metrics.ErrSpool)
			s.logger.Error("upload_file_error", "file", filepath.Base(path), "error", err)
			continue
		}
		dest := filepath.Join(s.spoolPath, spool.UploadedDir, filepath.Base(path))
		if err := os.Rename(path, dest); err != nil {
			metrics.IncError(metrics.ErrSpool)
			s.logger.Error("upload_move_error", "file", filepath.Base(path), "error", err)
			continue
		}
		s.logger.Info("spool_file_uploaded", "file", filepath.Base(path))
	}
	return nil
}

func (s *Session) uploadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	batch := make([]protocol.Observation, 0, BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.Send(protocol.NewObservationBatch(batch)); err != nil {
			return err
		}
		metrics.UploadRows.Add(float64(len(batch)))
		batch = batch[:0]
		return nil
	}
	for _, rec := range rows {
		o, err := protocol.ObservationFromRecord(rec)
		if err != nil {
			s.logger.Warn("upload_row_skipped", "file", filepath.Base(path), "error", err)
			continue
		}
		batch = append(batch, o)
		if len(batch) == BatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}
