package controller

import (
	"log/slog"

	"github.com/sava-anti-ddos/sav-d/internal/protocol"
	"github.com/sava-anti-ddos/sav-d/internal/registry"
)

// dispatch routes one received envelope by kind. Failures are logged
// per-message and never close the connection.
func (s *Server) dispatch(peer *registry.Peer, env protocol.Envelope, logger *slog.Logger) {
	switch env.Kind {
	case protocol.KindHeartbeat:
		logger.Debug("heartbeat_received")
		s.Registry.Refresh(peer.Addr, peer)
		s.reply(peer, "heartbeat received", logger)
	case protocol.KindObservationBatch:
		obs, err := env.Observations()
		if err != nil {
			logger.Warn("observation_payload_invalid", "error", err)
			return
		}
		if s.Intake != nil {
			if err := s.Intake.Ingest(peer.Addr, obs); err != nil {
				logger.Error("observation_intake_error", "error", err)
			}
		}
		s.reply(peer, "sniffer data received", logger)
	case protocol.KindControl:
		// Peers do not send CONTROL.
		logger.Info("control_received", "from", peer.Addr)
	case protocol.KindResponse:
		if text, err := env.Text(); err == nil {
			logger.Info("response_received", "payload", text)
		}
	default:
		logger.Warn("unknown_message", "kind", int(env.Kind))
	}
}

func (s *Server) reply(peer *registry.Peer, text string, logger *slog.Logger) {
	if err := peer.Send(protocol.NewResponse(text)); err != nil {
		logger.Warn("response_send_failed", "error", err)
	}
}
