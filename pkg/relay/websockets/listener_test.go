package websockets

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/loftwire/relay/pkg/relay/registry"
)

type testServer struct {
	registry *registry.Registry
	listener *Listener
	server   *httptest.Server
}

func newTestServer(t *testing.T, opts ...func(*ListenerConfig)) *testServer {
	t.Helper()

	logger := zaptest.NewLogger(t)
	reg := registry.New(logger)

	cfg := NewListenerConfig().
		WithRegistry(reg).
		WithLogger(logger)
	for _, opt := range opts {
		opt(cfg)
	}

	listener, err := cfg.Build()
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/{workspace_id}", listener.ServeWebsocket)

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &testServer{registry: reg, listener: listener, server: server}
}

// dial opens a client connection as the given user and waits until the
// server has registered it, so subsequent broadcasts include it.
func (ts *testServer) dial(t *testing.T, workspaceID, userID string) *websocket.Conn {
	t.Helper()

	url := strings.Replace(ts.server.URL, "http", "ws", 1) +
		fmt.Sprintf("/ws/%s?token=%s", workspaceID, userID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "test done") })

	return conn
}

func (ts *testServer) waitForConnections(t *testing.T, workspaceID string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return ts.registry.ConnectionCount(workspaceID) == n
	}, 2*time.Second, 5*time.Millisecond)
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(frame)))
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	return decoded
}

// expectSilence asserts that no frame arrives within the window.
func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, _, err := conn.Read(ctx)
	require.Error(t, err, "expected no frame to arrive")
}

func TestPingPong(t *testing.T) {
	ts := newTestServer(t)

	a := ts.dial(t, "w1", "A")
	b := ts.dial(t, "w1", "B")
	ts.waitForConnections(t, "w1", 2)

	send(t, a, `{"type":"ping"}`)

	frame := readFrame(t, a)
	assert.Equal(t, "pong", frame["type"])

	// Pong goes to the sender only.
	expectSilence(t, b)
}

func TestTypingBroadcast(t *testing.T) {
	ts := newTestServer(t)

	a := ts.dial(t, "w1", "A")
	b := ts.dial(t, "w1", "B")
	ts.waitForConnections(t, "w1", 2)

	send(t, a, `{"type":"typing","channel_id":"c1","is_typing":true}`)

	frame := readFrame(t, b)
	assert.Equal(t, "typing.start", frame["type"])
	data := frame["data"].(map[string]any)
	assert.Equal(t, "c1", data["channel_id"])
	assert.Equal(t, "A", data["user_id"])
	assert.Equal(t, "w1", frame["workspace_id"])
	assert.NotEmpty(t, frame["timestamp"])

	// The sender is excluded from its own typing broadcast.
	expectSilence(t, a)
}

func TestTypingStop(t *testing.T) {
	ts := newTestServer(t)

	a := ts.dial(t, "w1", "A")
	b := ts.dial(t, "w1", "B")
	ts.waitForConnections(t, "w1", 2)

	send(t, a, `{"type":"typing","channel_id":"c1","is_typing":false}`)

	frame := readFrame(t, b)
	assert.Equal(t, "typing.stop", frame["type"])
}

func TestCatchAllRebroadcast(t *testing.T) {
	ts := newTestServer(t)

	a := ts.dial(t, "w1", "A")
	b := ts.dial(t, "w1", "B")
	ts.waitForConnections(t, "w1", 2)

	send(t, a, `{"type":"custom.thing","payload":{"x":1}}`)

	// Forwarded verbatim, sender excluded.
	frame := readFrame(t, b)
	assert.Equal(t, "custom.thing", frame["type"])
	payload := frame["payload"].(map[string]any)
	assert.Equal(t, float64(1), payload["x"])

	expectSilence(t, a)
}

func TestWorkspaceIsolation(t *testing.T) {
	ts := newTestServer(t)

	a := ts.dial(t, "w1", "A")
	other := ts.dial(t, "w2", "C")
	ts.waitForConnections(t, "w1", 1)
	ts.waitForConnections(t, "w2", 1)

	send(t, a, `{"type":"custom.thing"}`)

	expectSilence(t, other)
}

func TestMalformedFrameClosesSession(t *testing.T) {
	ts := newTestServer(t)

	a := ts.dial(t, "w1", "A")
	ts.waitForConnections(t, "w1", 1)

	send(t, a, `{not json`)

	require.Eventually(t, func() bool {
		return ts.registry.ConnectionCount("w1") == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestClientCloseUnregisters(t *testing.T) {
	ts := newTestServer(t)

	a := ts.dial(t, "w1", "A")
	ts.waitForConnections(t, "w1", 1)

	require.NoError(t, a.Close(websocket.StatusNormalClosure, "bye"))

	require.Eventually(t, func() bool {
		return ts.registry.ConnectionCount("w1") == 0 && ts.listener.SessionCount() == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestMissingWorkspaceRejected(t *testing.T) {
	ts := newTestServer(t)

	// A bare workspace_id path value never matches the route, so hit
	// the handler with only a query-less URL through a direct mux
	// registration.
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", ts.listener.ServeWebsocket)
	server := httptest.NewServer(mux)
	defer server.Close()

	resp, err := http.Get(server.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAuthRejection(t *testing.T) {
	ts := newTestServer(t, func(cfg *ListenerConfig) {
		cfg.WithAuth(RequireToken(TokenSubjectAuth))
	})

	url := strings.Replace(ts.server.URL, "http", "ws", 1) + "/ws/w1"
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, url, nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
}

func TestListenerShutdownClosesSessions(t *testing.T) {
	ts := newTestServer(t)

	ts.dial(t, "w1", "A")
	ts.dial(t, "w1", "B")
	ts.waitForConnections(t, "w1", 2)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, ts.listener.Shutdown(ctx))
	assert.Equal(t, 0, ts.listener.SessionCount())
}
