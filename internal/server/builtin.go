package server

import (
	"context"

	"github.com/leonardoventurini/helene-sub003/internal/metrics"
	"github.com/leonardoventurini/helene-sub003/internal/protocol"
)

// Built-in method names.
const (
	MethodLogin       = "login"
	MethodLogout      = "logout"
	MethodInit        = "init"
	MethodSubscribe   = "subscribe"
	MethodUnsubscribe = "unsubscribe"
	MethodList        = "list"
	MethodKeepAlive   = "keepAlive"
	MethodEventProbe  = "eventProbe"
)

func (s *Server) registerBuiltinMethods() {
	_ = s.Register(MethodLogin, s.builtinLogin)
	_ = s.Register(MethodLogout, s.builtinLogout, MethodOptions{Protected: true})
	_ = s.Register(MethodInit, s.builtinInit)
	_ = s.Register(MethodSubscribe, s.builtinSubscribe)
	_ = s.Register(MethodUnsubscribe, s.builtinUnsubscribe)
	_ = s.Register(MethodList, s.builtinList)
	_ = s.Register(MethodKeepAlive, s.builtinKeepAlive)
	_ = s.Register(MethodEventProbe, s.builtinEventProbe)
}

// builtinLogin exchanges credentials for a node context through the
// configured login function, then runs the auth function over the
// merged context. Either stage failing rejects the call without
// disconnecting the node.
func (s *Server) builtinLogin(ctx context.Context, n *Node, params any) (any, error) {
	login := s.loginFn()
	if login == nil {
		return nil, protocol.ErrAuthFailed
	}

	result, err := login(ctx, n, params)
	if err != nil {
		return nil, protocol.WireError(err, s.cfg.Debug, "")
	}

	fields, ok := result.(map[string]any)
	if !ok {
		return nil, protocol.NewError(protocol.CodeAuthFailed,
			"login function must return a context object")
	}
	if !n.setContext(fields) {
		return nil, protocol.ErrAuthFailed
	}
	return fields, nil
}

func (s *Server) builtinLogout(_ context.Context, n *Node, _ any) (any, error) {
	n.Logout()
	return true, nil
}

// builtinInit restores a context saved by the client (typically a token
// from an earlier login) and reports whether it authenticates.
func (s *Server) builtinInit(_ context.Context, n *Node, params any) (any, error) {
	fields, ok := paramsAsMap(params)
	if !ok {
		return nil, protocol.ErrInvalidParams
	}
	return n.setContext(fields), nil
}

func (s *Server) builtinSubscribe(_ context.Context, n *Node, params any) (any, error) {
	events, channel, err := subscriptionRequest(params)
	if err != nil {
		return nil, err
	}
	return s.SubscribeNode(n, channel, events), nil
}

func (s *Server) builtinUnsubscribe(_ context.Context, n *Node, params any) (any, error) {
	events, channel, err := subscriptionRequest(params)
	if err != nil {
		return nil, err
	}
	return s.UnsubscribeNode(n, channel, events), nil
}

func (s *Server) builtinList(_ context.Context, _ *Node, _ any) (any, error) {
	return s.MethodNames(), nil
}

// builtinKeepAlive exists so clients can refresh the idleness clock with
// a real round trip; dispatch already touched the node by the time this
// runs. The call is still observed so liveness traffic shows up in
// logs and metrics.
func (s *Server) builtinKeepAlive(_ context.Context, n *Node, _ any) (any, error) {
	metrics.KeepAlives.Inc()
	s.logger.Debug().Str("node_id", n.ID).Msg("keep-alive")
	return true, nil
}

// builtinEventProbe sends a probe event straight to the caller so
// clients can verify their event path end to end.
func (s *Server) builtinEventProbe(_ context.Context, n *Node, _ any) (any, error) {
	_ = n.SendEvent(EventProbe, map[string]any{"clientId": n.ID}, protocol.NoChannel)
	return true, nil
}

func paramsAsMap(params any) (map[string]any, bool) {
	m, ok := params.(map[string]any)
	return m, ok
}

// subscriptionRequest parses {events, channel} params. Events accepts a
// single name or a list; channel is optional.
func subscriptionRequest(params any) ([]string, string, error) {
	m, ok := paramsAsMap(params)
	if !ok {
		return nil, "", protocol.NewError(protocol.CodeEventNotProvided, "Event Not Provided")
	}

	events := stringList(m["events"])
	if len(events) == 0 {
		events = stringList(m["event"])
	}
	if len(events) == 0 {
		return nil, "", protocol.NewError(protocol.CodeEventNotProvided, "Event Not Provided")
	}

	channel, _ := m["channel"].(string)
	return events, channel, nil
}

func stringList(v any) []string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return t
	default:
		return nil
	}
}
