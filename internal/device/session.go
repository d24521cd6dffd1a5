// Package device implements the edge side of the control plane: one long-lived
// client session to the controller with reconnect, heartbeat, receive and
// upload loops, plus dispatch of inbound control messages into the packet
// filter.
package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/sava-anti-ddos/sav-d/internal/logging"
	"github.com/sava-anti-ddos/sav-d/internal/metrics"
	"github.com/sava-anti-ddos/sav-d/internal/protocol"
)

const (
	defaultHeartbeatInterval = 60 * time.Second
	defaultReconnectInterval = 5 * time.Second
	defaultUploadInterval    = 30 * time.Second
)

// ErrNotConnected is returned when sending while no connection is up.
var ErrNotConnected = errors.New("device: not connected")

// RuleApplier consumes the source IPs of a CONTROL payload. The packet-filter
// adapter implements it.
type RuleApplier interface {
	ApplyRules(rules []string) error
}

// Session is one device's connection to the controller. It lives through
// repeated reconnects and dies only with the process.
type Session struct {
	addr              string
	codec             *protocol.Codec
	heartbeatInterval time.Duration
	reconnectInterval time.Duration
	uploadInterval    time.Duration
	spoolPath         string
	rules             RuleApplier
	logger            *slog.Logger

	mu        sync.Mutex // serializes writes and guards conn
	conn      net.Conn
	dial      func(ctx context.Context, addr string) (net.Conn, error)
	connected atomic.Bool
	readyOnce sync.Once
	readyCh   chan struct{}
}

type Option func(*Session)

func WithAddr(addr string) Option          { return func(s *Session) { s.addr = addr } }
func WithCodec(c *protocol.Codec) Option   { return func(s *Session) { s.codec = c } }
func WithRuleApplier(r RuleApplier) Option { return func(s *Session) { s.rules = r } }

// WithSpool points the upload loop at the capture spool root; empty disables
// uploading (the rule-application-only role).
func WithSpool(path string) Option { return func(s *Session) { s.spoolPath = path } }

func WithHeartbeatInterval(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.heartbeatInterval = d
		}
	}
}

func WithReconnectInterval(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.reconnectInterval = d
		}
	}
}

func WithUploadInterval(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.uploadInterval = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSession builds a session; Start drives it.
func NewSession(opts ...Option) *Session {
	s := &Session{
		codec:             &protocol.Codec{},
		heartbeatInterval: defaultHeartbeatInterval,
		reconnectInterval: defaultReconnectInterval,
		uploadInterval:    defaultUploadInterval,
		logger:            logging.L(),
		readyCh:           make(chan struct{}),
	}
	s.dial = func(ctx context.Context, addr string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Ready is latched on the first successful connect.
func (s *Session) Ready() <-chan struct{} { return s.readyCh }

// Connected reports whether a connection is currently up.
func (s *Session) Connected() bool { return s.connected.Load() }

// Start connects and runs the heartbeat, receive and upload loops until ctx is
// cancelled. The receive loop drives reconnection; Start only returns on
// cancellation.
func (s *Session) Start(ctx context.Context) error {
	s.logger.Info("session_start", "controller", s.addr)
	if err := s.connect(ctx); err != nil {
		return err
	}
	// Unblock the receive loop's pending read on cancellation.
	go func() { <-ctx.Done(); s.closeConn() }()
	var wg sync.WaitGroup
	wg.Add(1)
	go s.heartbeatLoop(ctx, &wg)
	if s.spoolPath != "" {
		wg.Add(1)
		go s.uploadLoop(ctx, &wg)
	}
	s.receiveLoop(ctx)
	wg.Wait()
	return nil
}

// connect dials the controller, retrying every reconnect_interval without
// bound. It fails only when ctx is cancelled.
func (s *Session) connect(ctx context.Context) error {
	op := func() error {
		conn, err := s.dial(ctx, s.addr)
		if err != nil {
			metrics.IncError(metrics.ErrDial)
			s.logger.Error("connect_failed", "controller", s.addr, "error", err)
			return err
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
			_ = tcp.SetKeepAlive(true)
		}
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		s.connected.Store(true)
		s.readyOnce.Do(func() { close(s.readyCh) })
		s.logger.Info("connected", "controller", s.addr)
		return nil
	}
	metrics.Reconnects.Inc()
	bo := backoff.WithContext(backoff.NewConstantBackOff(s.reconnectInterval), ctx)
	return backoff.Retry(op, bo)
}

// Send serializes and frames one envelope onto the connection. All three
// loops share this single write path, so frames never interleave.
func (s *Session) Send(env protocol.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || !s.connected.Load() {
		return ErrNotConnected
	}
	if _, err := s.codec.EncodeTo(s.conn, env); err != nil {
		metrics.IncError(metrics.ErrTCPWrite)
		return fmt.Errorf("session send: %w", err)
	}
	metrics.IncTx(env.Kind.String())
	return nil
}

// heartbeatLoop emits a HEARTBEAT every heartbeat_interval. Send failures are
// logged and swallowed; the receive loop owns reconnection.
func (s *Session) heartbeatLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	t := time.NewTicker(s.heartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := s.Send(protocol.NewHeartbeat()); err != nil {
				s.logger.Error("heartbeat_send_failed", "error", err)
				continue
			}
			s.logger.Debug("heartbeat_sent")
		case <-ctx.Done():
			return
		}
	}
}

// receiveLoop reads framed envelopes and dispatches them. A short read means
// the controller went away: mark disconnected, close the writer and reconnect,
// then resume reading on the new connection. A single malformed frame is
// logged and skipped.
func (s *Session) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.closeConn()
			return
		default:
		}
		conn := s.currentConn()
		if conn == nil {
			if err := s.connect(ctx); err != nil {
				return
			}
			continue
		}
		env, err := s.codec.Decode(conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, protocol.ErrShortRead) || errors.Is(err, net.ErrClosed) {
				if ctx.Err() != nil {
					return
				}
				s.logger.Error("controller_closed_connection")
				s.closeConn()
				if err := s.connect(ctx); err != nil {
					return
				}
				continue
			}
			if errors.Is(err, protocol.ErrMalformed) || errors.Is(err, protocol.ErrFrameTooLarge) {
				metrics.IncError(metrics.ErrMalformed)
				s.logger.Warn("malformed_frame", "error", err)
				continue
			}
			metrics.IncError(metrics.ErrTCPRead)
			s.logger.Error("receive_error", "error", err)
			s.closeConn()
			if err := s.connect(ctx); err != nil {
				return
			}
			continue
		}
		metrics.IncRx(env.Kind.String())
		s.dispatch(env)
	}
}

func (s *Session) currentConn() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *Session) closeConn() {
	s.connected.Store(false)
	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()
}
