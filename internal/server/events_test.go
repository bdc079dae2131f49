package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leonardoventurini/helene-sub003/internal/bus"
	"github.com/leonardoventurini/helene-sub003/internal/protocol"
)

// readEvent waits for the next event frame with the given name.
func readEvent(t *testing.T, s *Server, n *Node, event string) *protocol.Payload {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case data := <-n.send:
			p, werr := protocol.Decode(s.codec, data)
			require.Nil(t, werr)
			if p.Type == protocol.TypeEvent && p.Event == event {
				return p
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %q", event)
			return nil
		}
	}
}

func subscribe(t *testing.T, s *Server, n *Node, id, channel string, events ...string) map[string]any {
	t.Helper()
	params := map[string]any{"events": events}
	if channel != "" {
		params["channel"] = channel
	}
	p := call(t, s, n, id, MethodSubscribe, params)
	require.Equal(t, protocol.TypeResult, p.Type)
	verdicts, ok := p.Result.(map[string]any)
	require.True(t, ok, "subscribe result must be a verdict map")
	return verdicts
}

func TestChannelScopedDelivery(t *testing.T) {
	s := newTestServer(t, Options{})
	s.AddEvent("chat")

	a := connect(t, s)
	b := connect(t, s)

	verdicts := subscribe(t, s, a, "1", "c", "chat")
	assert.Equal(t, map[string]any{"chat": true}, verdicts)
	verdicts = subscribe(t, s, b, "1", "", "chat")
	assert.Equal(t, map[string]any{"chat": true}, verdicts)

	// Scoped emission reaches only channel "c".
	s.Emit("chat", map[string]any{"text": "hi"}, "c")
	p := readEvent(t, s, a, "chat")
	assert.Equal(t, "c", p.Channel)
	assert.Equal(t, map[string]any{"text": "hi"}, p.Params)
	assertNoFrame(t, b, 100*time.Millisecond)

	// Default-channel emission reaches only the default subscriber.
	s.Emit("chat", "global", "")
	p = readEvent(t, s, b, "chat")
	assert.Equal(t, protocol.NoChannel, p.Channel)
	assert.Equal(t, "global", p.Params)
	assertNoFrame(t, a, 100*time.Millisecond)
}

func TestSubscribeUnknownEventDenied(t *testing.T) {
	s := newTestServer(t, Options{})
	n := connect(t, s)

	verdicts := subscribe(t, s, n, "1", "", "ghost")
	assert.Equal(t, map[string]any{"ghost": false}, verdicts)
}

func TestProtectedEventRequiresAuth(t *testing.T) {
	s := newTestServer(t, Options{
		Login: func(context.Context, *Node, any) (any, error) {
			return map[string]any{"user": map[string]any{"_id": "u1"}}, nil
		},
	})
	s.AddEvent("secure", EventOptions{Protected: true})
	n := connect(t, s)

	verdicts := subscribe(t, s, n, "1", "", "secure")
	assert.Equal(t, map[string]any{"secure": false}, verdicts)

	p := call(t, s, n, "2", MethodLogin, map[string]any{})
	require.Equal(t, protocol.TypeResult, p.Type)

	verdicts = subscribe(t, s, n, "3", "", "secure")
	assert.Equal(t, map[string]any{"secure": true}, verdicts)
}

func TestUserScopedEvent(t *testing.T) {
	s := newTestServer(t, Options{
		Login: func(context.Context, *Node, any) (any, error) {
			return map[string]any{"user": map[string]any{"_id": "u1"}}, nil
		},
	})
	s.AddEvent("inbox", EventOptions{UserScoped: true})
	n := connect(t, s)

	p := call(t, s, n, "1", MethodLogin, map[string]any{})
	require.Equal(t, protocol.TypeResult, p.Type)

	verdicts := subscribe(t, s, n, "2", "someone-else", "inbox")
	assert.Equal(t, map[string]any{"inbox": false}, verdicts)

	verdicts = subscribe(t, s, n, "3", "u1", "inbox")
	assert.Equal(t, map[string]any{"inbox": true}, verdicts)

	s.Emit("inbox", "mail", "u1")
	p = readEvent(t, s, n, "inbox")
	assert.Equal(t, "mail", p.Params)
}

func TestShouldSubscribeHook(t *testing.T) {
	s := newTestServer(t, Options{})
	s.AddEvent("vip", EventOptions{
		ShouldSubscribe: func(_ *Node, _, channel string) bool {
			return channel == "allowed"
		},
	})
	n := connect(t, s)

	verdicts := subscribe(t, s, n, "1", "denied", "vip")
	assert.Equal(t, map[string]any{"vip": false}, verdicts)

	verdicts = subscribe(t, s, n, "2", "allowed", "vip")
	assert.Equal(t, map[string]any{"vip": true}, verdicts)
}

func TestChannelAuthzGatesWholeRequest(t *testing.T) {
	s := newTestServer(t, Options{
		ChannelAuthz: func(_ *Node, channel string) bool {
			return channel != "private"
		},
	})
	s.AddEvent("a")
	s.AddEvent("b")
	n := connect(t, s)

	verdicts := subscribe(t, s, n, "1", "private", "a", "b")
	assert.Equal(t, map[string]any{"a": false, "b": false}, verdicts)

	verdicts = subscribe(t, s, n, "2", "public", "a", "b")
	assert.Equal(t, map[string]any{"a": true, "b": true}, verdicts)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	s := newTestServer(t, Options{})
	s.AddEvent("news")
	n := connect(t, s)

	subscribe(t, s, n, "1", "", "news")

	p := call(t, s, n, "2", MethodUnsubscribe, map[string]any{"events": []any{"news"}})
	assert.Equal(t, map[string]any{"news": true}, p.Result)

	// Second unsubscribe of the same event is not an error.
	p = call(t, s, n, "3", MethodUnsubscribe, map[string]any{"events": []any{"news"}})
	assert.Equal(t, map[string]any{"news": true}, p.Result)

	s.Emit("news", nil, "")
	assertNoFrame(t, n, 100*time.Millisecond)
}

func TestCloseDropsSubscriptions(t *testing.T) {
	s := newTestServer(t, Options{})
	s.AddEvent("news")
	n := connect(t, s)

	subscribe(t, s, n, "1", "c", "news")
	require.Equal(t, 1, s.Channel("c").SubscriberCount("news"))

	n.Close(ReasonNormal)
	assert.Equal(t, 0, s.Channel("c").SubscriberCount("news"))
}

func TestRemoveEventDropsSubscriptions(t *testing.T) {
	s := newTestServer(t, Options{})
	s.AddEvent("old")
	n := connect(t, s)

	subscribe(t, s, n, "1", "", "old")
	s.RemoveEvent("old")

	assert.Equal(t, 0, s.Channel("").SubscriberCount("old"))
	verdicts := subscribe(t, s, n, "2", "", "old")
	assert.Equal(t, map[string]any{"old": false}, verdicts)
}

func TestEventProbeReachesCaller(t *testing.T) {
	s := newTestServer(t, Options{})
	n := connect(t, s)

	s.dispatch(n, methodFrame(t, s, "1", MethodEventProbe, nil, false))

	p := readEvent(t, s, n, EventProbe)
	params, ok := p.Params.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, n.ID, params["clientId"])
}

func TestClusterFanoutDeliversOncePerServer(t *testing.T) {
	mem := bus.NewMemory()

	s1 := newTestServer(t, Options{Bus: mem})
	s2 := newTestServer(t, Options{Bus: mem})
	s1.AddEvent("tick", EventOptions{ClusterWide: true})
	s2.AddEvent("tick", EventOptions{ClusterWide: true})

	a := connect(t, s1)
	b := connect(t, s2)
	subscribe(t, s1, a, "1", "", "tick")
	subscribe(t, s2, b, "1", "", "tick")

	s1.Emit("tick", map[string]any{"n": 1}, "")

	pa := readEvent(t, s1, a, "tick")
	assert.Equal(t, map[string]any{"n": 1.0}, pa.Params)
	pb := readEvent(t, s2, b, "tick")
	assert.Equal(t, map[string]any{"n": 1.0}, pb.Params)

	// Dedupe: neither node sees the emission twice.
	assertNoFrame(t, a, 100*time.Millisecond)
	assertNoFrame(t, b, 100*time.Millisecond)
}

func TestClusterFanoutPreservesChannelScope(t *testing.T) {
	mem := bus.NewMemory()

	s1 := newTestServer(t, Options{Bus: mem})
	s2 := newTestServer(t, Options{Bus: mem})
	s1.AddEvent("tick", EventOptions{ClusterWide: true})
	s2.AddEvent("tick", EventOptions{ClusterWide: true})

	a := connect(t, s2)
	b := connect(t, s2)
	subscribe(t, s2, a, "1", "room", "tick")
	subscribe(t, s2, b, "1", "other", "tick")

	// Make sure s1's adapter has a bus subscription to publish through.
	local := connect(t, s1)
	subscribe(t, s1, local, "1", "room", "tick")

	s1.Emit("tick", "x", "room")

	p := readEvent(t, s2, a, "tick")
	assert.Equal(t, "room", p.Channel)
	assertNoFrame(t, b, 100*time.Millisecond)
}

func TestLocalEventNotPublishedWithoutClusterFlag(t *testing.T) {
	mem := bus.NewMemory()

	s1 := newTestServer(t, Options{Bus: mem})
	s2 := newTestServer(t, Options{Bus: mem})
	s1.AddEvent("local-only")
	s2.AddEvent("local-only", EventOptions{ClusterWide: true})

	b := connect(t, s2)
	subscribe(t, s2, b, "1", "", "local-only")

	s1.Emit("local-only", nil, "")
	assertNoFrame(t, b, 100*time.Millisecond)
}

func TestEmitUnregisteredEventIsDropped(t *testing.T) {
	s := newTestServer(t, Options{})
	n := connect(t, s)

	// Must not panic or deliver anything.
	s.Emit("never-added", nil, "")
	assertNoFrame(t, n, 50*time.Millisecond)
}
