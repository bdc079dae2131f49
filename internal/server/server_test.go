package server

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leonardoventurini/helene-sub003/internal/config"
	"github.com/leonardoventurini/helene-sub003/internal/metrics"
	"github.com/leonardoventurini/helene-sub003/internal/protocol"
)

func testConfig() *config.Config {
	cfg := defaultConfig()
	cfg.CallTimeout = 2 * time.Second
	return cfg
}

func newTestServer(t *testing.T, opts Options) *Server {
	t.Helper()
	if opts.Config == nil {
		opts.Config = testConfig()
	}
	opts.Logger = zerolog.Nop()
	s, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s
}

// connect registers a node without a real transport; tests read frames
// straight off the send channel.
func connect(t *testing.T, s *Server) *Node {
	t.Helper()
	n := newNode(s, TransportSocket, "127.0.0.1:40000", "test-client")
	require.NoError(t, s.addNode(n))

	setup := readFrame(t, s, n)
	require.Equal(t, protocol.TypeSetup, setup.Type)
	require.Equal(t, n.ID, setup.ID)
	return n
}

func readFrame(t *testing.T, s *Server, n *Node) *protocol.Payload {
	t.Helper()
	select {
	case data := <-n.send:
		p, werr := protocol.Decode(s.codec, data)
		require.Nil(t, werr)
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func methodFrame(t *testing.T, s *Server, id, method string, params any, void bool) []byte {
	t.Helper()
	p := &protocol.Payload{
		Type:   protocol.TypeMethod,
		ID:     id,
		Method: method,
		Params: params,
		Void:   void,
	}
	data, err := p.Encode(s.codec)
	require.NoError(t, err)
	return data
}

// call dispatches a method frame and waits for its reply, skipping any
// interleaved event frames.
func call(t *testing.T, s *Server, n *Node, id, method string, params any) *protocol.Payload {
	t.Helper()
	s.dispatch(n, methodFrame(t, s, id, method, params, false))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case data := <-n.send:
			p, werr := protocol.Decode(s.codec, data)
			require.Nil(t, werr)
			if p.ID == id && (p.Type == protocol.TypeResult || p.Type == protocol.TypeError) {
				return p
			}
		case <-deadline:
			t.Fatalf("no reply for call %s/%s", id, method)
			return nil
		}
	}
}

func assertNoFrame(t *testing.T, n *Node, wait time.Duration) {
	t.Helper()
	select {
	case data := <-n.send:
		t.Fatalf("unexpected frame: %s", data)
	case <-time.After(wait):
	}
}

func TestSetupIsFirstFrame(t *testing.T) {
	s := newTestServer(t, Options{})
	n := newNode(s, TransportSocket, "127.0.0.1:40000", "test-client")
	require.NoError(t, s.addNode(n))

	first := readFrame(t, s, n)
	assert.Equal(t, protocol.TypeSetup, first.Type)
	assert.Equal(t, n.ID, first.ID)
	assert.Equal(t, StateReady, n.State())
}

func TestMalformedFrameGetsParseError(t *testing.T) {
	s := newTestServer(t, Options{})
	n := connect(t, s)

	s.dispatch(n, []byte("{not json"))

	p := readFrame(t, s, n)
	assert.Equal(t, protocol.TypeError, p.Type)
	assert.Equal(t, protocol.CodeParseError, p.Code)
	assert.Empty(t, p.ID)
}

func TestUnknownFrameTypeRejected(t *testing.T) {
	s := newTestServer(t, Options{})
	n := connect(t, s)

	s.dispatch(n, []byte(`{"type":"bogus"}`))

	p := readFrame(t, s, n)
	assert.Equal(t, protocol.TypeError, p.Type)
	assert.Equal(t, protocol.CodeInvalidRequest, p.Code)
}

func TestNodeCloseIsIdempotent(t *testing.T) {
	s := newTestServer(t, Options{})
	n := connect(t, s)

	n.Close(ReasonNormal)
	n.Close(ReasonNormal)

	assert.Equal(t, StateClosed, n.State())
	assert.Equal(t, 0, s.NodeCount())
	assert.Error(t, n.Send(protocol.Setup("x")))
}

func TestHeartbeatReapsSilentNode(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.TerminationFactor = 2
	s := newTestServer(t, Options{Config: cfg})

	n := connect(t, s)

	assert.Eventually(t, func() bool {
		return n.State() == StateClosed
	}, time.Second, 5*time.Millisecond, "silent node should be reaped")
	assert.Equal(t, 0, s.NodeCount())
}

func TestHeartbeatSparesActiveNode(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.TerminationFactor = 2
	s := newTestServer(t, Options{Config: cfg})

	n := connect(t, s)

	keep := time.After(100 * time.Millisecond)
	for alive := true; alive; {
		select {
		case <-keep:
			alive = false
		case <-time.After(5 * time.Millisecond):
			n.Touch()
		}
	}

	assert.NotEqual(t, StateClosed, n.State())
	assert.Equal(t, 1, s.NodeCount())
}

func TestShutdownClosesEverything(t *testing.T) {
	s := newTestServer(t, Options{})
	n := connect(t, s)

	require.NoError(t, s.Shutdown(context.Background()))

	assert.Equal(t, StateClosed, n.State())
	assert.Equal(t, 0, s.NodeCount())

	late := newNode(s, TransportSocket, "127.0.0.1:40001", "test-client")
	assert.Error(t, s.addNode(late))
}

func TestKeepAliveIsObserved(t *testing.T) {
	s := newTestServer(t, Options{})
	n := connect(t, s)

	before := testutil.ToFloat64(metrics.KeepAlives)

	p := call(t, s, n, "1", MethodKeepAlive, nil)
	assert.Equal(t, true, p.Result)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.KeepAlives))
}

func TestGlobalInstance(t *testing.T) {
	cfg := testConfig()
	cfg.GlobalInstance = true
	s := newTestServer(t, Options{Config: cfg})

	assert.Same(t, s, Default())

	require.NoError(t, s.Shutdown(context.Background()))
	assert.Nil(t, Default())
}
