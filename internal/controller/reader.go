package controller

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/sava-anti-ddos/sav-d/internal/metrics"
	"github.com/sava-anti-ddos/sav-d/internal/protocol"
	"github.com/sava-anti-ddos/sav-d/internal/registry"
)

// startReader launches the per-connection receive loop. Each decoded envelope
// is dispatched before the next frame is read, so per-session ordering holds.
// A short read or reset drops the connection without touching the registry;
// the liveness sweep owns eviction.
func (s *Server) startReader(ctxDone <-chan struct{}, conn net.Conn, peer *registry.Peer, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			peer.Close()
			_ = conn.Close()
			s.totalDropped.Add(1)
			logger.Info("client_disconnected")
		}()
		for {
			select {
			case <-ctxDone:
				return
			default:
			}
			env, err := s.Codec.Decode(conn)
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, protocol.ErrShortRead) || errors.Is(err, net.ErrClosed) {
					return
				}
				if errors.Is(err, protocol.ErrMalformed) || errors.Is(err, protocol.ErrFrameTooLarge) {
					// A single bad frame does not cost the session.
					metrics.IncError(mapErrToMetric(err))
					logger.Warn("malformed_frame", "error", err)
					continue
				}
				wrap := fmt.Errorf("%w: %v", ErrConnRead, err)
				metrics.IncError(mapErrToMetric(wrap))
				s.setError(wrap)
				logger.Error("conn_read_error", "error", wrap)
				return
			}
			metrics.IncRx(env.Kind.String())
			s.dispatch(peer, env, logger)
		}
	}()
}

// startWriter launches the goroutine draining the peer's send queue onto the
// connection. It is the sole write path for this session.
func (s *Server) startWriter(ctxDone <-chan struct{}, conn net.Conn, peer *registry.Peer, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			peer.Close()
			_ = conn.Close()
		}()
		for {
			select {
			case env := <-peer.Out:
				if _, err := s.Codec.EncodeTo(conn, env); err != nil {
					wrap := fmt.Errorf("%w: %v", ErrConnWrite, err)
					metrics.IncError(mapErrToMetric(wrap))
					s.setError(wrap)
					logger.Error("conn_write_error", "error", wrap)
					return
				}
				metrics.IncTx(env.Kind.String())
			case <-peer.Closed:
				return
			case <-ctxDone:
				return
			}
		}
	}()
}
