package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sava-anti-ddos/sav-d/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
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
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"envelopes_rx", snap.Rx,
					"envelopes_tx", snap.Tx,
					"malformed", snap.Malformed,
					"detector_flags", snap.Flags,
					"trusted_clients", snap.Clients,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
