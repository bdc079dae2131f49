package server

import (
	"time"

	"github.com/leonardoventurini/helene-sub003/internal/logging"
	"github.com/leonardoventurini/helene-sub003/internal/metrics"
	"github.com/leonardoventurini/helene-sub003/internal/protocol"
)

// heartbeatLoop probes idle nodes and reaps the unresponsive. A node
// that stays silent past TerminationFactor heartbeat intervals is
// disconnected.
func (s *Server) heartbeatLoop() {
	defer logging.RecoverPanic(s.logger, "heartbeat_loop", nil)

	interval := s.cfg.HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	deadline := time.Duration(s.cfg.TerminationFactor) * interval

	for {
		select {
		case <-s.stopHeartbeat:
			return
		case now := <-ticker.C:
			s.nodes.Range(func(_, v any) bool {
				n := v.(*Node)
				idle := now.Sub(n.LastInbound())
				if idle > deadline {
					metrics.HeartbeatReaps.Inc()
					s.logger.Warn().
						Str("node_id", n.ID).
						Dur("idle", idle).
						Msg("reaping unresponsive node")
					go n.Close(ReasonHeartbeatDisconnect)
					return true
				}
				if idle > interval/2 {
					_ = n.SendEvent(EventKeepAlive, nil, protocol.NoChannel)
				}
				return true
			})
		}
	}
}
