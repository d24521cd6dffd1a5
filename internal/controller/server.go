package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sava-anti-ddos/sav-d/internal/logging"
	"github.com/sava-anti-ddos/sav-d/internal/metrics"
	"github.com/sava-anti-ddos/sav-d/internal/protocol"
	"github.com/sava-anti-ddos/sav-d/internal/registry"
)

const (
	defaultHeartbeatTimeout = 300 * time.Second
	defaultQueueDepth       = 64
)

// Server owns the TCP listener and coordinates device-session lifecycle: the
// accept loop, per-connection reader and writer goroutines, the trusted-client
// registry and its liveness sweep, and the control-message broadcast.
type Server struct {
	mu       sync.RWMutex
	addr     string
	Registry *registry.Registry
	Codec    *protocol.Codec
	Intake   *Intake

	heartbeatTimeout time.Duration
	queueDepth       int
	readyOnce        sync.Once
	readyCh          chan struct{}
	lastErrMu        sync.Mutex
	lastErr          error
	errCh            chan error
	listener         net.Listener
	wg               sync.WaitGroup
	logger           *slog.Logger
	nextConnID       uint64
	totalAccepted    atomic.Uint64
	totalConnected   atomic.Uint64
	totalDropped     atomic.Uint64
	totalBroadcasts  atomic.Uint64
}

type ServerOption func(*Server)

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		heartbeatTimeout: defaultHeartbeatTimeout,
		queueDepth:       defaultQueueDepth,
		readyCh:          make(chan struct{}),
		errCh:            make(chan error, 1),
		logger:           logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.addr == "" {
		s.addr = ":0"
	}
	if s.Registry == nil {
		s.Registry = registry.New()
	}
	if s.Codec == nil {
		s.Codec = &protocol.Codec{}
	}
	return s
}

func WithListenAddr(a string) ServerOption           { return func(s *Server) { s.addr = a } }
func WithRegistry(r *registry.Registry) ServerOption { return func(s *Server) { s.Registry = r } }
func WithCodec(c *protocol.Codec) ServerOption       { return func(s *Server) { s.Codec = c } }
func WithIntake(in *Intake) ServerOption             { return func(s *Server) { s.Intake = in } }

func WithHeartbeatTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.heartbeatTimeout = d
		}
	}
}

func WithQueueDepth(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.queueDepth = n
		}
	}
}

func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func (s *Server) Addr() string           { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }
func (s *Server) setAddr(a string)       { s.mu.Lock(); s.addr = a; s.mu.Unlock() }
func (s *Server) SetListenAddr(a string) { s.setAddr(a) }
func (s *Server) Ready() <-chan struct{} { return s.readyCh }
func (s *Server) Errors() <-chan error   { return s.errCh }

func (s *Server) setError(err error) {
	if err == nil {
		return
	}
	s.lastErrMu.Lock()
	s.lastErr = err
	s.lastErrMu.Unlock()
	select {
	case s.errCh <- err:
	default:
	}
}

func (s *Server) LastError() error { s.lastErrMu.Lock(); defer s.lastErrMu.Unlock(); return s.lastErr }

// Serve binds the listener, starts the liveness sweep and accepts device
// sessions until ctx is cancelled. A bind failure is fatal.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	addr := s.addr
	if addr == "" {
		addr = ":0"
	}
	s.mu.Unlock()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	s.setAddr(ln.Addr().String())
	s.listener = ln
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("tcp_listen", "addr", s.Addr())
	s.logger.Info("ready")
	go func() { <-ctx.Done(); _ = ln.Close() }()
	s.startSweeper(ctx)
	for {
		if err := s.acceptOnce(ctx, ln); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// acceptOnce accepts a single connection, registers IO goroutines and returns.
// Returns nil on success; a wrapped error on fatal listener errors.
func (s *Server) acceptOnce(ctx context.Context, ln net.Listener) error {
	conn, err := ln.Accept()
	if err != nil {
		select {
		case <-ctx.Done():
			return context.Canceled
		default:
		}
		if _, ok := err.(net.Error); ok { // transient
			time.Sleep(200 * time.Millisecond)
			return nil
		}
		wrap := fmt.Errorf("%w: %v", ErrAccept, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	s.totalAccepted.Add(1)
	connID := atomic.AddUint64(&s.nextConnID, 1)
	peerAddr := conn.RemoteAddr().String()
	connLogger := s.logger.With("conn_id", connID, "remote", peerAddr)
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}
	peer := registry.NewPeer(peerAddr, s.queueDepth)
	s.totalConnected.Add(1)
	connLogger.Info("client_connected")
	s.startWriter(ctx.Done(), conn, peer, connLogger)
	s.startReader(ctx.Done(), conn, peer, connLogger)
	return nil
}

// startSweeper runs the liveness sweep every heartbeat_timeout. Eviction
// happens only here: a connection drop leaves the entry in place so a
// transient TCP flap that reconnects in time keeps the client warm.
func (s *Server) startSweeper(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(s.heartbeatTimeout)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				s.Registry.Sweep(s.heartbeatTimeout)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// SendControlMessage broadcasts the rule payload as one CONTROL envelope to
// every trusted client whose writer is still open. Per-recipient failures are
// logged and skipped.
func (s *Server) SendControlMessage(rules []string) {
	env := protocol.NewControl(rules)
	peers := s.Registry.Snapshot()
	metrics.BroadcastFanout.Set(float64(len(peers)))
	s.totalBroadcasts.Add(1)
	for _, p := range peers {
		if err := p.Send(env); err != nil {
			metrics.BroadcastDrops.Inc()
			s.logger.Warn("control_send_failed", "addr", p.Addr, "error", err)
			continue
		}
		s.logger.Debug("control_sent", "addr", p.Addr, "rules", len(rules))
	}
	metrics.RulesIssued.Add(float64(len(rules) * len(peers)))
}

// Shutdown gracefully closes the listener and waits for connection goroutines.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown timeout: %v", ErrContext, ctx.Err())
	case <-done:
		s.logger.Info("shutdown_summary",
			"accepted", s.totalAccepted.Load(),
			"connected", s.totalConnected.Load(),
			"dropped", s.totalDropped.Load(),
			"broadcasts", s.totalBroadcasts.Load())
		return nil
	}
}
