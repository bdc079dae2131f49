// Package server is the core of the realtime RPC and pub/sub server:
// node lifecycle across the WebSocket and HTTP/SSE transports, the
// method registry and call pipeline, the event/channel subscription
// matrix, heartbeat reaping, and cluster fan-out over the bus.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/leonardoventurini/helene-sub003/internal/auth"
	"github.com/leonardoventurini/helene-sub003/internal/bus"
	"github.com/leonardoventurini/helene-sub003/internal/codec"
	"github.com/leonardoventurini/helene-sub003/internal/config"
	"github.com/leonardoventurini/helene-sub003/internal/limits"
	"github.com/leonardoventurini/helene-sub003/internal/metrics"
	"github.com/leonardoventurini/helene-sub003/internal/protocol"
)

// AuthFunc validates a node context and resolves its user object. It
// runs whenever the context changes; returning ok=false leaves the node
// connected but unauthenticated.
type AuthFunc func(context map[string]any) (user any, ok bool)

// ChannelAuthzFunc gates channel subscriptions. Evaluated once per
// subscribe request per channel, not per event.
type ChannelAuthzFunc func(n *Node, channel string) bool

// Options configures a Server. Config is the only field commonly set;
// everything else has a working default.
type Options struct {
	Config *config.Config
	Logger zerolog.Logger
	Codec  *codec.Codec

	// Bus overrides the connection dialed from Config.BusURL. An
	// in-process MemoryConn here forms an embedded cluster.
	Bus bus.Conn

	Auth         AuthFunc
	Login        Handler
	ChannelAuthz ChannelAuthzFunc
}

// Server hosts methods and events for any number of client nodes.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger
	codec  *codec.Codec

	methodMu sync.RWMutex
	methods  map[string]*Method

	eventMu sync.RWMutex
	events  map[string]*Event

	channelMu sync.RWMutex
	channels  map[string]*Channel

	nodes sync.Map // node id → *Node

	busAdapter *bus.Adapter

	frameLimiter *limits.SlidingWindow
	connLimiter  *limits.ConnectionLimiter

	tokens *auth.TokenManager

	authMu       sync.RWMutex
	auth         AuthFunc
	login        Handler
	channelAuthz ChannelAuthzFunc

	httpServer *http.Server
	listener   net.Listener
	accepting  atomic.Bool
	startedAt  time.Time

	stopHeartbeat chan struct{}
	closeOnce     sync.Once
}

// Process-wide reachable instance, for applications that treat the
// server as ambient (Emit from anywhere without threading a handle).
var defaultServer atomic.Pointer[Server]

// SetDefault registers s as the process-wide instance.
func SetDefault(s *Server) { defaultServer.Store(s) }

// Default returns the process-wide instance, or nil when none is set.
func Default() *Server { return defaultServer.Load() }

func defaultConfig() *config.Config {
	return &config.Config{
		Host:              "0.0.0.0",
		Port:              3000,
		RateLimitMax:      limits.DefaultMax,
		RateLimitWindow:   limits.DefaultWindow,
		HeartbeatInterval: 10 * time.Second,
		TerminationFactor: 2,
		CallTimeout:       15 * time.Second,
		SSEGrace:          5 * time.Second,
		BusNamespace:      "helene",
		LogLevel:          "info",
		LogFormat:         "json",
	}
}

// New builds a server, registers the built-in methods and events, and
// starts the heartbeat engine. Call Start to begin serving transports.
func New(opts Options) (*Server, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = defaultConfig()
	}

	c := opts.Codec
	if c == nil {
		c = codec.New()
	}

	s := &Server{
		cfg:          cfg,
		logger:       opts.Logger.With().Str("component", "server").Logger(),
		codec:        c,
		methods:      make(map[string]*Method),
		events:       make(map[string]*Event),
		channels:     make(map[string]*Channel),
		frameLimiter: limits.NewSlidingWindow(cfg.RateLimitMax, cfg.RateLimitWindow),
		connLimiter: limits.NewConnectionLimiter(limits.ConnectionLimiterConfig{
			Logger: opts.Logger,
		}),
		auth:          opts.Auth,
		login:         opts.Login,
		channelAuthz:  opts.ChannelAuthz,
		startedAt:     time.Now(),
		stopHeartbeat: make(chan struct{}),
	}

	if cfg.TokenSecret != "" {
		s.tokens = auth.NewTokenManager(cfg.TokenSecret, 24*time.Hour)
	}

	conn := opts.Bus
	if conn == nil && cfg.BusURL != "" {
		dialed, err := bus.DialNATS(cfg.BusURL, opts.Logger)
		if err != nil {
			return nil, fmt.Errorf("bus dial: %w", err)
		}
		conn = dialed
	}
	if conn != nil {
		s.busAdapter = bus.NewAdapter(conn, cfg.BusNamespace, opts.Logger, s.deliverFromBus)
	}

	s.registerBuiltinEvents()
	s.registerBuiltinMethods()

	s.accepting.Store(true)
	go s.heartbeatLoop()

	if cfg.GlobalInstance {
		SetDefault(s)
	}
	return s, nil
}

// Codec returns the wire codec, so applications can register custom
// types before any client connects.
func (s *Server) Codec() *codec.Codec { return s.codec }

// SetAuth installs the context validation function.
func (s *Server) SetAuth(fn AuthFunc) {
	s.authMu.Lock()
	s.auth = fn
	s.authMu.Unlock()
}

// SetLogin installs the credential exchange handler backing the login
// method.
func (s *Server) SetLogin(fn Handler) {
	s.authMu.Lock()
	s.login = fn
	s.authMu.Unlock()
}

// SetChannelAuthz installs the channel admission function.
func (s *Server) SetChannelAuthz(fn ChannelAuthzFunc) {
	s.authMu.Lock()
	s.channelAuthz = fn
	s.authMu.Unlock()
}

func (s *Server) authFn() AuthFunc {
	s.authMu.RLock()
	defer s.authMu.RUnlock()
	return s.auth
}

func (s *Server) loginFn() Handler {
	s.authMu.RLock()
	defer s.authMu.RUnlock()
	return s.login
}

func (s *Server) channelAuthzFn() ChannelAuthzFunc {
	s.authMu.RLock()
	defer s.authMu.RUnlock()
	return s.channelAuthz
}

// addNode registers a freshly connected node and queues its SETUP
// frame. The frame is the first thing on the send channel, so it always
// reaches the wire before any reply or event.
func (s *Server) addNode(n *Node) error {
	if !s.accepting.Load() {
		return fmt.Errorf("server is shutting down")
	}
	s.nodes.Store(n.ID, n)

	metrics.ConnectionsTotal.WithLabelValues(n.transport).Inc()
	metrics.ConnectionsCurrent.WithLabelValues(n.transport).Inc()

	if err := n.Send(protocol.Setup(n.ID)); err != nil {
		s.nodes.Delete(n.ID)
		return err
	}
	n.setReady()

	s.logger.Info().
		Str("node_id", n.ID).
		Str("transport", n.transport).
		Str("remote_addr", n.RemoteAddr).
		Msg("node connected")

	s.Emit(EventConnection, map[string]any{"clientId": n.ID}, protocol.NoChannel)
	return nil
}

func (s *Server) removeNode(n *Node) {
	s.nodes.Delete(n.ID)
}

// Node looks up a connected node by id.
func (s *Server) Node(id string) (*Node, bool) {
	v, ok := s.nodes.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Node), true
}

// NodeCount returns the number of connected nodes.
func (s *Server) NodeCount() int {
	count := 0
	s.nodes.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

// dispatch routes one inbound frame from a node. Parse and validation
// run synchronously in arrival order; handler execution is concurrent.
func (s *Server) dispatch(n *Node, data []byte) {
	metrics.FramesReceived.Inc()
	n.Touch()

	p, werr := protocol.Decode(s.codec, data)
	if werr != nil {
		_ = n.Send(protocol.ErrorFrame("", "", werr))
		return
	}

	switch p.Type {
	case protocol.TypeMethod:
		s.callMethod(n, p)
	case protocol.TypeSetup:
		// Setup is strictly server-originated.
		_ = n.Send(protocol.ErrorFrame(p.ID, "",
			protocol.NewError(protocol.CodeInvalidRequest, "setup frames are server-originated")))
	case protocol.TypeEvent, protocol.TypeResult, protocol.TypeError:
		// Legal on the wire but nothing in the core consumes them.
		s.logger.Debug().
			Str("node_id", n.ID).
			Str("type", p.Type).
			Msg("ignoring client frame")
	}
}

// Start serves HTTP on the configured address. It blocks until Shutdown
// or a listener error.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr(), err)
	}
	s.listener = ln

	s.httpServer = &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", s.cfg.Addr()).Msg("server listening")
	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Routes builds the HTTP mux: WebSocket upgrade, the SSE event stream
// and its method-call companion, health, and metrics.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/helene-ws", s.handleWebSocket)
	mux.Handle("/__h", s.cors(http.HandlerFunc(s.handleHTTPMethod)))
	mux.Handle("/__h/sse", s.cors(http.HandlerFunc(s.handleSSE)))
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// cors applies the configured origin allowlist to the HTTP transport
// endpoints and answers preflights.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Headers",
				"Content-Type, Authorization, x-client-id, "+auth.APIKeyHeader)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	if len(s.cfg.Origins) == 0 {
		return false
	}
	for _, allowed := range s.cfg.Origins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"uptime":      time.Since(s.startedAt).String(),
		"connections": s.NodeCount(),
		"system":      metrics.Snapshot(),
	})
}

// tokenContext resolves an optional handshake token into node-context
// fields. A missing token is fine; a bad one is rejected.
func (s *Server) tokenContext(r *http.Request) (map[string]any, error) {
	if s.tokens == nil {
		return nil, nil
	}
	token, err := auth.ExtractToken(r)
	if err != nil {
		return nil, nil
	}
	claims, err := s.tokens.Verify(token)
	if err != nil {
		return nil, err
	}
	return auth.ContextFromClaims(claims), nil
}

// Shutdown stops accepting connections, closes every node, and tears
// down the bus and HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	var httpErr error
	s.closeOnce.Do(func() {
		s.accepting.Store(false)
		close(s.stopHeartbeat)

		s.nodes.Range(func(_, v any) bool {
			v.(*Node).Close(ReasonServerShutdown)
			return true
		})

		if s.busAdapter != nil {
			s.busAdapter.Close()
		}
		s.connLimiter.Stop()

		if s.httpServer != nil {
			httpErr = s.httpServer.Shutdown(ctx)
		}

		if Default() == s {
			defaultServer.CompareAndSwap(s, nil)
		}
		s.logger.Info().Msg("server stopped")
	})
	return httpErr
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
