package server

import (
	"io"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/leonardoventurini/helene-sub003/internal/logging"
	"github.com/leonardoventurini/helene-sub003/internal/metrics"
	"github.com/leonardoventurini/helene-sub003/internal/protocol"
)

const (
	// Transport-level keepalive ping, independent of the application
	// heartbeat.
	wsPingInterval = 30 * time.Second

	// Consecutive rate-limit violations tolerated before the socket is
	// dropped.
	rateLimitStrikes = 5

	// Extra frames flushed per write wake, to coalesce syscalls under
	// fan-out bursts.
	writeBatchMax = 16
)

// handleWebSocket upgrades the connection and hands it to the pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.accepting.Load() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	ip := remoteIP(r)
	if !s.connLimiter.Allow(ip) {
		metrics.RateLimited.WithLabelValues(TransportSocket).Inc()
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	if origin := r.Header.Get("Origin"); origin != "" && !s.originAllowed(origin) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	tokenCtx, err := s.tokenContext(r)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	n := newNode(s, TransportSocket, r.RemoteAddr, r.UserAgent())
	n.conn = conn
	if tokenCtx != nil {
		n.setContext(tokenCtx)
	}

	if err := s.addNode(n); err != nil {
		_ = conn.Close()
		return
	}

	go s.writePump(n)
	go s.readPump(n)
}

// readPump owns the inbound side of one socket. Every data frame passes
// the sliding-window limiter before dispatch; persistent violators are
// disconnected.
func (s *Server) readPump(n *Node) {
	defer n.Close(ReasonAbnormal)
	defer logging.RecoverPanic(s.logger, "read_pump", map[string]any{"node_id": n.ID})

	violations := 0
	for {
		data, op, err := wsutil.ReadClientData(n.conn)
		if err != nil {
			if _, ok := err.(wsutil.ClosedError); ok || err == io.EOF {
				n.Close(ReasonNormal)
			}
			return
		}
		if op != ws.OpText && op != ws.OpBinary {
			continue
		}

		if !s.frameLimiter.Allow(n.remoteHost) {
			metrics.RateLimited.WithLabelValues(TransportSocket).Inc()
			_ = n.Send(protocol.ErrorFrame("", "", protocol.ErrTooManyRequests))
			violations++
			if violations >= rateLimitStrikes {
				n.Close(ReasonRateLimited)
				return
			}
			continue
		}
		violations = 0

		s.dispatch(n, data)
	}
}

// writePump owns the outbound side: it is the only writer on the
// socket, draining the node's send channel and keeping the transport
// alive with pings.
func (s *Server) writePump(n *Node) {
	defer logging.RecoverPanic(s.logger, "write_pump", map[string]any{"node_id": n.ID})

	pingTicker := time.NewTicker(wsPingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case data := <-n.send:
			if err := wsutil.WriteServerText(n.conn, data); err != nil {
				n.Close(ReasonAbnormal)
				return
			}
			// Drain whatever queued while we were writing.
		drain:
			for i := 0; i < writeBatchMax; i++ {
				select {
				case extra := <-n.send:
					if err := wsutil.WriteServerText(n.conn, extra); err != nil {
						n.Close(ReasonAbnormal)
						return
					}
				default:
					break drain
				}
			}

		case <-pingTicker.C:
			if err := wsutil.WriteServerMessage(n.conn, ws.OpPing, nil); err != nil {
				n.Close(ReasonAbnormal)
				return
			}

		case <-n.done:
			body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
			_ = ws.WriteFrame(n.conn, ws.NewCloseFrame(body))
			return
		}
	}
}
