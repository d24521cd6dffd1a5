package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sava-anti-ddos/sav-d/internal/logging"
)

// Prometheus counters
var (
	EnvelopesRx = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "savd_envelopes_rx_total",
		Help: "Total envelopes received, by message kind.",
	}, []string{"kind"})
	EnvelopesTx = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "savd_envelopes_tx_total",
		Help: "Total envelopes sent, by message kind.",
	}, []string{"kind"})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "savd_malformed_frames_total",
		Help: "Total rejected malformed frames (JSON errors, missing fields, oversize bodies).",
	})
	TrustedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "savd_trusted_clients",
		Help: "Current number of trusted clients in the registry.",
	})
	EvictedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "savd_evicted_clients_total",
		Help: "Total trusted clients evicted by the liveness sweep.",
	})
	BroadcastFanout = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "savd_broadcast_fanout",
		Help: "Number of clients targeted in the most recent control broadcast.",
	})
	BroadcastDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "savd_broadcast_dropped_total",
		Help: "Total control envelopes dropped due to a full per-client send queue.",
	})
	ObservationRows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "savd_observation_rows_total",
		Help: "Total observation rows ingested by the controller.",
	})
	DetectorFlags = promauto.NewCounter(prometheus.CounterOpts{
		Name: "savd_detector_flags_total",
		Help: "Total (src,dst) pairs flagged by the sliding-window detector.",
	})
	BlacklistSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "savd_blacklist_size",
		Help: "Rows currently present in the IP blacklist.",
	})
	RulesIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "savd_rules_issued_total",
		Help: "Total filter rules broadcast to devices.",
	})
	RulesApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "savd_rules_applied_total",
		Help: "Total drop rules installed into the host packet filter.",
	})
	UploadRows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "savd_upload_rows_total",
		Help: "Total observation rows uploaded from the device spool.",
	})
	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "savd_reconnects_total",
		Help: "Total device reconnect attempts.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "savd_build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "savd_errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrTCPRead   = "tcp_read"
	ErrTCPWrite  = "tcp_write"
	ErrDial      = "dial"
	ErrMalformed = "malformed"
	ErrStore     = "store"
	ErrSpool     = "spool"
	ErrFilter    = "packet_filter"
)

// Mirror counters for the periodic metrics snapshot logger.
var (
	snapRx        atomic.Uint64
	snapTx        atomic.Uint64
	snapMalformed atomic.Uint64
	snapFlags     atomic.Uint64
	snapErrors    atomic.Uint64
	snapClients   atomic.Int64
)

func IncRx(kind string) { EnvelopesRx.WithLabelValues(kind).Inc(); snapRx.Add(1) }
func IncTx(kind string) { EnvelopesTx.WithLabelValues(kind).Inc(); snapTx.Add(1) }
func IncMalformed()     { MalformedFrames.Inc(); snapMalformed.Add(1) }
func IncDetectorFlag()  { DetectorFlags.Inc(); snapFlags.Add(1) }
func IncError(where string) {
	Errors.WithLabelValues(where).Inc()
	snapErrors.Add(1)
}

func SetTrustedClients(n int) {
	TrustedClients.Set(float64(n))
	snapClients.Store(int64(n))
}

// Snapshot is a point-in-time copy of the counters the snapshot logger emits.
type Snapshot struct {
	Rx        uint64
	Tx        uint64
	Malformed uint64
	Flags     uint64
	Errors    uint64
	Clients   int64
}

// Snap returns the current snapshot counters.
func Snap() Snapshot {
	return Snapshot{
		Rx:        snapRx.Load(),
		Tx:        snapTx.Load(),
		Malformed: snapMalformed.Load(),
		Flags:     snapFlags.Load(),
		Errors:    snapErrors.Load(),
		Clients:   snapClients.Load(),
	}
}

// SetReadinessFunc installs the readiness probe backing /ready.
func SetReadinessFunc(fn func() bool) {
	readinessMu.Lock()
	readinessFn = fn
	readinessMu.Unlock()
}

// IsReady reports readiness; defaults to false until a probe is installed.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return false
	}
	return fn()
}

// InitBuildInfo publishes build metadata.
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
}

// StartHTTP serves Prometheus metrics at /metrics plus a /ready probe.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}
