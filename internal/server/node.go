package server

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/leonardoventurini/helene-sub003/internal/metrics"
	"github.com/leonardoventurini/helene-sub003/internal/protocol"
)

// Transport kinds.
const (
	TransportSocket = "socket"
	TransportSSE    = "http_sse"
)

// Node lifecycle states.
const (
	StateConnecting int32 = iota
	StateReady
	StateAuthenticated
	StateClosing
	StateClosed
)

// Disconnect reasons.
const (
	ReasonNormal              = "normal"
	ReasonAbnormal            = "abnormal"
	ReasonHeartbeatDisconnect = "heartbeat_disconnect"
	ReasonRateLimited         = "rate_limited"
	ReasonSSETimeout          = "sse_timeout"
	ReasonServerShutdown      = "server_shutdown"
	ReasonSlowConsumer        = "slow_consumer"
)

// Outbound buffer per node. A full buffer marks the node slow; three
// consecutive full-buffer sends force a disconnect so one stalled peer
// cannot pin frames for everyone else.
const (
	sendBufferSize    = 256
	slowClientStrikes = 3
)

// Node is the server-side entity for one live transport connection. All
// frames leaving the node flow through a single buffered channel drained
// by exactly one pump goroutine, which is what gives per-node FIFO
// ordering of successfully enqueued frames.
type Node struct {
	ID string

	server    *Server
	transport string

	// Egress: the transport pump is the only reader.
	send chan []byte
	done chan struct{}

	state  atomic.Int32
	closed atomic.Bool

	// lastInboundAt is a UnixNano timestamp, reset on any inbound
	// activity. The heartbeat engine reaps nodes whose timestamp goes
	// stale past the termination window.
	lastInboundAt atomic.Int64

	sendAttempts atomic.Int32

	mu            sync.Mutex
	context       map[string]any
	authenticated bool

	// subscriptions mirrors channel membership for O(1) cleanup on
	// close: channel name → set of event names.
	subscriptions map[string]map[string]struct{}

	// SSE sink bookkeeping (TransportSSE only). takeover is closed when
	// a newer sink claims the node; graceTimer closes the node if no
	// sink reattaches within the grace window.
	sseTakeover chan struct{}
	sseDetached bool
	graceTimer  *time.Timer

	// Socket handle (TransportSocket only).
	conn net.Conn

	RemoteAddr string
	UserAgent  string

	// remoteHost is RemoteAddr without the port. Rate-limit windows key
	// on it so every connection from one address shares a budget.
	remoteHost string

	closeOnce sync.Once
}

func newNode(s *Server, transport, remoteAddr, userAgent string) *Node {
	n := &Node{
		ID:            uuid.NewString(),
		server:        s,
		transport:     transport,
		send:          make(chan []byte, sendBufferSize),
		done:          make(chan struct{}),
		context:       make(map[string]any),
		subscriptions: make(map[string]map[string]struct{}),
		RemoteAddr:    remoteAddr,
		UserAgent:     userAgent,
		remoteHost:    remoteAddr,
	}
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		n.remoteHost = host
	}
	n.state.Store(StateConnecting)
	n.Touch()
	return n
}

// Transport reports which transport carries this node.
func (n *Node) Transport() string { return n.transport }

// Touch resets the idleness clock. Called on every inbound frame and
// HTTP request attributed to the node.
func (n *Node) Touch() {
	n.lastInboundAt.Store(time.Now().UnixNano())
}

// LastInbound returns the time of the last inbound activity.
func (n *Node) LastInbound() time.Time {
	return time.Unix(0, n.lastInboundAt.Load())
}

// State returns the current lifecycle state.
func (n *Node) State() int32 { return n.state.Load() }

// setReady marks the SETUP frame as flushed.
func (n *Node) setReady() {
	n.state.CompareAndSwap(StateConnecting, StateReady)
}

// Send encodes and enqueues one frame. Frames enqueued successfully are
// delivered in order; a frame for a closed node returns an error.
func (n *Node) Send(p *protocol.Payload) error {
	data, err := p.Encode(n.server.codec)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return n.enqueue(data)
}

// SendEvent is the convenience form of Send for event frames.
func (n *Node) SendEvent(event string, params any, channel string) error {
	return n.Send(protocol.Event(event, channel, params))
}

// enqueue queues pre-encoded bytes for the transport pump. A full
// buffer is a strike against the node; persistent strikes close it.
func (n *Node) enqueue(data []byte) error {
	if n.closed.Load() {
		return fmt.Errorf("node %s is closed", n.ID)
	}

	select {
	case n.send <- data:
		n.sendAttempts.Store(0)
		metrics.FramesSent.Inc()
		return nil
	default:
		attempts := n.sendAttempts.Add(1)
		if attempts >= slowClientStrikes {
			n.server.logger.Warn().
				Str("node_id", n.ID).
				Int32("consecutive_failures", attempts).
				Msg("disconnecting slow client")
			go n.Close(ReasonSlowConsumer)
		}
		return fmt.Errorf("node %s send buffer full", n.ID)
	}
}

// Context returns a snapshot copy of the node context.
func (n *Node) Context() map[string]any {
	n.mu.Lock()
	defer n.mu.Unlock()
	snapshot := make(map[string]any, len(n.context))
	for k, v := range n.context {
		snapshot[k] = v
	}
	return snapshot
}

// IsAuthenticated reports whether the auth function accepted the
// current context.
func (n *Node) IsAuthenticated() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.authenticated
}

// UserID returns the authenticated principal's stable scalar id, or ""
// when unauthenticated.
func (n *Node) UserID() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return userIDFromContext(n.context)
}

func userIDFromContext(context map[string]any) string {
	user, ok := context["user"].(map[string]any)
	if !ok {
		return ""
	}
	id, ok := user["_id"]
	if !ok {
		return ""
	}
	return fmt.Sprintf("%v", id)
}

// setContext merges fields into the node context and re-evaluates the
// configured auth function. The node is authenticated iff the auth
// function returned a user, which is stored under "user".
func (n *Node) setContext(fields map[string]any) bool {
	n.mu.Lock()
	for k, v := range fields {
		n.context[k] = v
	}
	contextCopy := make(map[string]any, len(n.context))
	for k, v := range n.context {
		contextCopy[k] = v
	}
	n.mu.Unlock()

	authFn := n.server.authFn()
	if authFn == nil {
		// No auth function configured: a context carrying a user is
		// taken at face value.
		n.mu.Lock()
		n.authenticated = n.context["user"] != nil
		ok := n.authenticated
		if ok {
			n.state.CompareAndSwap(StateReady, StateAuthenticated)
		}
		n.mu.Unlock()
		return ok
	}

	user, ok := authFn(contextCopy)
	n.mu.Lock()
	if ok {
		n.context["user"] = user
		n.authenticated = true
		n.state.CompareAndSwap(StateReady, StateAuthenticated)
	} else {
		n.authenticated = false
	}
	n.mu.Unlock()
	return ok
}

// Logout clears the context and drops authentication. Subscribers of
// the logout event are notified for bookkeeping.
func (n *Node) Logout() {
	n.mu.Lock()
	n.context = make(map[string]any)
	n.authenticated = false
	n.mu.Unlock()
	n.state.CompareAndSwap(StateAuthenticated, StateReady)

	n.server.Emit(EventLogout, map[string]any{"clientId": n.ID}, protocol.NoChannel)
}

// trackSubscription records local channel membership for cleanup.
func (n *Node) trackSubscription(channel, event string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	events, ok := n.subscriptions[channel]
	if !ok {
		events = make(map[string]struct{})
		n.subscriptions[channel] = events
	}
	events[event] = struct{}{}
}

func (n *Node) untrackSubscription(channel, event string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if events, ok := n.subscriptions[channel]; ok {
		delete(events, event)
		if len(events) == 0 {
			delete(n.subscriptions, channel)
		}
	}
}

func (n *Node) subscriptionSnapshot() map[string][]string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[string][]string, len(n.subscriptions))
	for channel, events := range n.subscriptions {
		list := make([]string, 0, len(events))
		for event := range events {
			list = append(list, event)
		}
		out[channel] = list
	}
	return out
}

// Close tears the node down exactly once: deregister, leave all
// channels, stop timers, notify disconnection subscribers, and release
// the transport pump. In-flight handlers finish but their replies are
// discarded because enqueue refuses closed nodes.
func (n *Node) Close(reason string) {
	n.closeOnce.Do(func() {
		n.state.Store(StateClosing)
		n.closed.Store(true)

		n.mu.Lock()
		if n.graceTimer != nil {
			n.graceTimer.Stop()
			n.graceTimer = nil
		}
		conn := n.conn
		n.mu.Unlock()

		n.server.removeNode(n)

		for channel, events := range n.subscriptionSnapshot() {
			n.server.dropSubscriber(n, channel, events)
		}

		if conn != nil {
			_ = conn.Close()
		}

		close(n.done)
		n.state.Store(StateClosed)

		metrics.Disconnects.WithLabelValues(reason).Inc()
		metrics.ConnectionsCurrent.WithLabelValues(n.transport).Dec()
		n.server.logger.Info().
			Str("node_id", n.ID).
			Str("transport", n.transport).
			Str("reason", reason).
			Msg("node disconnected")

		n.server.Emit(EventDisconnection,
			map[string]any{"clientId": n.ID, "reason": reason},
			protocol.NoChannel)
	})
}
