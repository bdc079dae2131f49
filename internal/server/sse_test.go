package server

import (
	"bufio"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leonardoventurini/helene-sub003/internal/protocol"
)

// sseStream wraps one live event-stream response.
type sseStream struct {
	resp   *http.Response
	reader *bufio.Reader
}

func openStream(t *testing.T, url string) *sseStream {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	return &sseStream{resp: resp, reader: bufio.NewReader(resp.Body)}
}

func (st *sseStream) close() { _ = st.resp.Body.Close() }

// next reads the next data frame off the stream.
func (st *sseStream) next(t *testing.T, s *Server) *protocol.Payload {
	t.Helper()
	type lineResult struct {
		payload *protocol.Payload
		err     error
	}
	ch := make(chan lineResult, 1)
	go func() {
		for {
			line, err := st.reader.ReadString('\n')
			if err != nil {
				ch <- lineResult{err: err}
				return
			}
			line = strings.TrimRight(line, "\n")
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			p, werr := protocol.Decode(s.codec, []byte(strings.TrimPrefix(line, "data: ")))
			if werr != nil {
				ch <- lineResult{err: werr}
				return
			}
			ch <- lineResult{payload: p}
			return
		}
	}()

	select {
	case res := <-ch:
		require.NoError(t, res.err)
		return res.payload
	case <-time.After(2 * time.Second):
		t.Fatal("timed out reading event stream")
		return nil
	}
}

func postFrame(t *testing.T, url, clientID string, frame []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url+"/__h", bytes.NewReader(frame))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ClientIDHeader, clientID)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestSSETransportRoundTrip(t *testing.T) {
	s := newTestServer(t, Options{})
	require.NoError(t, s.Register("hello", func(_ context.Context, _ *Node, _ any) (any, error) {
		return "world", nil
	}))

	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	st := openStream(t, srv.URL+"/__h/sse")
	defer st.close()

	setup := st.next(t, s)
	require.Equal(t, protocol.TypeSetup, setup.Type)
	require.NotEmpty(t, setup.ID)

	resp := postFrame(t, srv.URL, setup.ID, methodFrame(t, s, "1", "hello", nil, false))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	reply := st.next(t, s)
	assert.Equal(t, protocol.TypeResult, reply.Type)
	assert.Equal(t, "1", reply.ID)
	assert.Equal(t, "world", reply.Result)
}

func TestSSEReconnectKeepsIdentityAndSubscriptions(t *testing.T) {
	cfg := testConfig()
	cfg.SSEGrace = time.Second
	s := newTestServer(t, Options{Config: cfg})
	s.AddEvent("news")

	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	st := openStream(t, srv.URL+"/__h/sse")
	setup := st.next(t, s)
	clientID := setup.ID

	resp := postFrame(t, srv.URL, clientID,
		methodFrame(t, s, "1", MethodSubscribe, map[string]any{"events": []any{"news"}}, false))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()
	verdict := st.next(t, s)
	require.Equal(t, map[string]any{"news": true}, verdict.Result)

	// Drop the stream and come back within the grace window.
	st.close()
	time.Sleep(50 * time.Millisecond)

	st2 := openStream(t, srv.URL+"/__h/sse?clientId="+clientID)
	defer st2.close()

	require.Eventually(t, func() bool {
		n, ok := s.Node(clientID)
		if !ok {
			return false
		}
		n.mu.Lock()
		defer n.mu.Unlock()
		return !n.sseDetached
	}, time.Second, 10*time.Millisecond, "stream should reattach")

	s.Emit("news", "fresh", "")

	p := st2.next(t, s)
	assert.Equal(t, protocol.TypeEvent, p.Type)
	assert.Equal(t, "news", p.Event)
	assert.Equal(t, "fresh", p.Params)

	// Same node, same id: no second connection was created.
	assert.Equal(t, 1, s.NodeCount())
}

func TestSSEGraceExpiryClosesNode(t *testing.T) {
	cfg := testConfig()
	cfg.SSEGrace = 50 * time.Millisecond
	s := newTestServer(t, Options{Config: cfg})

	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	st := openStream(t, srv.URL+"/__h/sse")
	setup := st.next(t, s)
	require.Equal(t, 1, s.NodeCount())

	st.close()

	assert.Eventually(t, func() bool {
		_, ok := s.Node(setup.ID)
		return !ok
	}, time.Second, 10*time.Millisecond, "node should close after the grace window")
}

func TestHTTPMethodRequiresKnownClient(t *testing.T) {
	s := newTestServer(t, Options{})
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	resp := postFrame(t, srv.URL, "", []byte(`{}`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()

	resp = postFrame(t, srv.URL, "no-such-node", []byte(`{}`))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestHTTPMethodRejectsSocketNodes(t *testing.T) {
	s := newTestServer(t, Options{})
	require.NoError(t, s.Register("echo", func(_ context.Context, _ *Node, params any) (any, error) {
		return params, nil
	}))
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	n := connect(t, s)

	// Knowing a socket node's id must not allow injecting frames into
	// its session over HTTP.
	resp := postFrame(t, srv.URL, n.ID, methodFrame(t, s, "1", "echo", "x", false))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()

	assertNoFrame(t, n, 100*time.Millisecond)
}

func TestHTTPMethodRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitMax = 2
	s := newTestServer(t, Options{Config: cfg})

	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	statuses := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp := postFrame(t, srv.URL, "whoever", []byte(`{}`))
		statuses = append(statuses, resp.StatusCode)
		_ = resp.Body.Close()
	}

	assert.Equal(t, http.StatusNotFound, statuses[0])
	assert.Equal(t, http.StatusNotFound, statuses[1])
	assert.Equal(t, http.StatusTooManyRequests, statuses[2])
}

func TestCORSPreflight(t *testing.T) {
	cfg := testConfig()
	cfg.Origins = []string{"https://app.example.com"}
	s := newTestServer(t, Options{Config: cfg})

	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/__h", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example.com")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://app.example.com", resp.Header.Get("Access-Control-Allow-Origin"))

	req, err = http.NewRequest(http.MethodOptions, srv.URL+"/__h", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://evil.example.com")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, Options{})
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}
