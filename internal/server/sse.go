package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/leonardoventurini/helene-sub003/internal/metrics"
	"github.com/leonardoventurini/helene-sub003/internal/protocol"
)

// ClientIDHeader attributes a method POST to its SSE node.
const ClientIDHeader = "x-client-id"

const maxHTTPBodyBytes = 1 << 20

// handleSSE serves the event stream half of the HTTP transport. A
// clientId query parameter naming a live SSE node reattaches to it,
// keeping its id and subscriptions across the reconnect; otherwise a
// fresh node is created.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if !s.accepting.Load() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	var n *Node
	if clientID := sseClientID(r); clientID != "" {
		if existing, ok := s.Node(clientID); ok && existing.transport == TransportSSE {
			n = existing
			n.Touch()
		}
	}

	if n == nil {
		ip := remoteIP(r)
		if !s.connLimiter.Allow(ip) {
			metrics.RateLimited.WithLabelValues(TransportSSE).Inc()
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
		tokenCtx, err := s.tokenContext(r)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		n = newNode(s, TransportSSE, r.RemoteAddr, r.UserAgent())
		if tokenCtx != nil {
			n.setContext(tokenCtx)
		}
		if err := s.addNode(n); err != nil {
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		}
	}

	takeover := n.attachSink()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case data := <-n.send:
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				n.detachSink(takeover, s.cfg.SSEGrace)
				return
			}
			flusher.Flush()

		case <-takeover:
			// A newer stream claimed the node.
			return

		case <-n.done:
			return

		case <-r.Context().Done():
			n.detachSink(takeover, s.cfg.SSEGrace)
			return
		}
	}
}

// handleHTTPMethod is the request half of the HTTP transport: the body
// is one wire frame, attributed to the SSE node named by x-client-id.
// Replies travel over the event stream, not this response.
func (s *Server) handleHTTPMethod(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ip := remoteIP(r)
	if !s.frameLimiter.Allow(ip) {
		metrics.RateLimited.WithLabelValues(TransportSSE).Inc()
		writeJSONError(w, http.StatusTooManyRequests, "Too Many Requests")
		return
	}

	clientID := r.Header.Get(ClientIDHeader)
	if clientID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing "+ClientIDHeader+" header")
		return
	}
	n, ok := s.Node(clientID)
	if !ok || n.transport != TransportSSE {
		// A socket node's id must not let HTTP callers inject frames
		// into its session.
		writeJSONError(w, http.StatusNotFound, "unknown client")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxHTTPBodyBytes))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	s.dispatch(n, body)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
}

// sseClientID resolves the reconnect identity from the query string or
// a cookie, accepting both spellings clients use.
func sseClientID(r *http.Request) string {
	q := r.URL.Query()
	if id := q.Get("clientId"); id != "" {
		return id
	}
	if id := q.Get(ClientIDHeader); id != "" {
		return id
	}
	if cookie, err := r.Cookie(ClientIDHeader); err == nil {
		return cookie.Value
	}
	return ""
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    protocol.CodeInternalError,
			"message": message,
		},
	})
}

// attachSink claims the node for a new SSE stream, displacing any
// previous stream and cancelling a pending grace timer.
func (n *Node) attachSink() chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sseTakeover != nil {
		close(n.sseTakeover)
	}
	n.sseTakeover = make(chan struct{})
	n.sseDetached = false
	if n.graceTimer != nil {
		n.graceTimer.Stop()
		n.graceTimer = nil
	}
	return n.sseTakeover
}

// detachSink marks the stream gone and arms the grace timer. If no
// stream reattaches within the window, the node closes for good. The
// caller passes its own takeover channel: a stream that was already
// displaced by a newer one must not disturb the new owner.
func (n *Node) detachSink(mine chan struct{}, grace time.Duration) {
	if n.closed.Load() {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sseTakeover != mine || n.sseDetached {
		return
	}
	n.sseDetached = true
	n.graceTimer = time.AfterFunc(grace, func() {
		n.mu.Lock()
		detached := n.sseDetached
		n.mu.Unlock()
		if detached {
			n.Close(ReasonSSETimeout)
		}
	})
}
