package device

import (
	"github.com/sava-anti-ddos/sav-d/internal/metrics"
	"github.com/sava-anti-ddos/sav-d/internal/protocol"
)

// dispatch routes one received envelope by kind. Only CONTROL acts: its rule
// payload goes to the packet-filter adapter. Failures are logged per-message
// and never break the receive loop.
func (s *Session) dispatch(env protocol.Envelope) {
	switch env.Kind {
	case protocol.KindHeartbeat:
		s.logger.Info("heartbeat_received")
	case protocol.KindObservationBatch:
		s.logger.Info("observation_batch_received")
	case protocol.KindControl:
		rules, err := env.Rules()
		if err != nil {
			s.logger.Warn("control_payload_invalid", "error", err)
			return
		}
		s.logger.Info("control_received", "rules", len(rules))
		if s.rules == nil {
			return
		}
		if err := s.rules.ApplyRules(rules); err != nil {
			metrics.IncError(metrics.ErrFilter)
			s.logger.Error("rule_apply_error", "error", err)
		}
	case protocol.KindResponse:
		if text, err := env.Text(); err == nil {
			s.logger.Info("response_received", "payload", text)
		}
	default:
		s.logger.Warn("unknown_message", "kind", int(env.Kind))
	}
}
