package server

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/leonardoventurini/helene-sub003/internal/execctx"
	"github.com/leonardoventurini/helene-sub003/internal/metrics"
	"github.com/leonardoventurini/helene-sub003/internal/protocol"
)

// Handler executes one method call. The context carries the call
// deadline and the execution info; params arrive decoded from the wire.
type Handler func(ctx context.Context, n *Node, params any) (any, error)

// Middleware transforms params before the handler runs. Returning an
// error aborts the call with that error's wire form.
type Middleware func(ctx context.Context, n *Node, params any) (any, error)

// SchemaFunc validates and coerces raw params. An error maps to
// INVALID_PARAMS with the error text attached.
type SchemaFunc func(params any) (any, error)

// MethodOptions tunes registration.
type MethodOptions struct {
	// Protected restricts the method to authenticated nodes.
	Protected bool

	// Middleware runs in order before the handler; each stage receives
	// the previous stage's output.
	Middleware []Middleware

	// CacheFor enables result caching keyed by the canonical encoding
	// of the params. Zero disables caching.
	CacheFor time.Duration

	// Schema validates params before middleware.
	Schema SchemaFunc
}

const methodCacheSize = 1024

// Method is one registered method.
type Method struct {
	name    string
	handler Handler
	opts    MethodOptions

	cache *expirable.LRU[string, any]
}

// Register installs or replaces a method. Registering over an existing
// name swaps the handler atomically for subsequent calls.
func (s *Server) Register(name string, handler Handler, opts ...MethodOptions) error {
	if name == "" {
		return protocol.NewError(protocol.CodeInvalidMethodName, "method name must not be empty")
	}
	var o MethodOptions
	if len(opts) > 0 {
		o = opts[0]
	}

	m := &Method{name: name, handler: handler, opts: o}
	if o.CacheFor > 0 {
		m.cache = expirable.NewLRU[string, any](methodCacheSize, nil, o.CacheFor)
	}

	s.methodMu.Lock()
	s.methods[name] = m
	s.methodMu.Unlock()
	return nil
}

// Unregister removes a method. Calls already past resolution finish.
func (s *Server) Unregister(name string) {
	s.methodMu.Lock()
	delete(s.methods, name)
	s.methodMu.Unlock()
}

func (s *Server) method(name string) *Method {
	s.methodMu.RLock()
	defer s.methodMu.RUnlock()
	return s.methods[name]
}

// MethodNames returns every registered method name, built-ins
// included, sorted.
func (s *Server) MethodNames() []string {
	s.methodMu.RLock()
	names := make([]string, 0, len(s.methods))
	for name := range s.methods {
		names = append(names, name)
	}
	s.methodMu.RUnlock()
	sort.Strings(names)
	return names
}

// callMethod runs the call pipeline for one method frame. Resolution,
// the auth gate, schema validation and the cache probe run synchronously
// in frame-arrival order; the middleware chain and handler run on their
// own goroutine. A non-void call gets exactly one RESULT or ERROR.
func (s *Server) callMethod(n *Node, p *protocol.Payload) {
	fail := func(werr *protocol.Error) {
		metrics.MethodCalls.WithLabelValues(p.Method, "error").Inc()
		if !p.Void {
			_ = n.Send(protocol.ErrorFrame(p.ID, p.Method, werr))
		}
	}

	if p.Method == "" {
		fail(protocol.NewError(protocol.CodeMethodNotSpecified, "Method Not Specified"))
		return
	}
	m := s.method(p.Method)
	if m == nil {
		fail(protocol.ErrMethodNotFound)
		return
	}
	if m.opts.Protected && !n.IsAuthenticated() {
		fail(protocol.ErrMethodForbidden)
		return
	}

	params := p.Params
	if m.opts.Schema != nil {
		coerced, err := m.opts.Schema(params)
		if err != nil {
			werr := protocol.NewError(protocol.CodeInvalidParams, "Invalid Params")
			werr.Errors = []string{err.Error()}
			fail(werr)
			return
		}
		params = coerced
	}

	var cacheKey string
	if m.cache != nil {
		if data, err := s.codec.Canonical(params); err == nil {
			cacheKey = string(data)
			if cached, ok := m.cache.Get(cacheKey); ok {
				metrics.MethodCacheHits.Inc()
				metrics.MethodCalls.WithLabelValues(p.Method, "cached").Inc()
				if !p.Void {
					_ = n.Send(protocol.Result(p.ID, p.Method, cached))
				}
				return
			}
		}
	}

	go s.invoke(n, p, m, params, cacheKey)
}

// invoke runs middleware and the handler with the call deadline and a
// panic guard, then delivers the outcome.
func (s *Server) invoke(n *Node, p *protocol.Payload, m *Method, params any, cacheKey string) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CallTimeout)
	defer cancel()
	ctx = execctx.With(ctx, execctx.Info{NodeID: n.ID, Context: n.Context()})
	info, _ := execctx.From(ctx)

	var result any
	var err error
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				stack := string(debug.Stack())
				s.logger.Error().
					Str("method", m.name).
					Str("execution_id", info.ExecutionID).
					Str("node_id", n.ID).
					Interface("panic", rec).
					Str("stack", stack).
					Msg("method handler panicked")
				werr := protocol.NewError(protocol.CodeInternalError, fmt.Sprintf("%v", rec))
				if s.cfg.Debug {
					werr.Stack = stack
				}
				err = werr
			}
		}()

		for _, mw := range m.opts.Middleware {
			params, err = mw(ctx, n, params)
			if err != nil {
				return
			}
		}
		result, err = m.handler(ctx, n, params)
	}()

	elapsed := time.Since(start)
	metrics.MethodDuration.WithLabelValues(m.name).Observe(elapsed.Seconds())

	if err != nil {
		metrics.MethodCalls.WithLabelValues(m.name, "error").Inc()
		s.logger.Warn().
			Str("method", m.name).
			Str("execution_id", info.ExecutionID).
			Str("node_id", n.ID).
			Dur("duration", elapsed).
			Err(err).
			Msg("method call failed")
		if !p.Void {
			_ = n.Send(protocol.ErrorFrame(p.ID, m.name, protocol.WireError(err, s.cfg.Debug, "")))
		}
		return
	}

	if m.cache != nil && cacheKey != "" {
		m.cache.Add(cacheKey, result)
	}

	metrics.MethodCalls.WithLabelValues(m.name, "ok").Inc()
	s.logger.Debug().
		Str("method", m.name).
		Str("execution_id", info.ExecutionID).
		Str("node_id", n.ID).
		Dur("duration", elapsed).
		Msg("method call completed")

	if !p.Void {
		_ = n.Send(protocol.Result(p.ID, m.name, result))
	}
}
