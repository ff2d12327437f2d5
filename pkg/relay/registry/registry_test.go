package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/loftwire/relay/pkg/relay/event"
)

// fakeConn implements Conn for testing. It records every frame sent to
// it and can be told to fail sends.
type fakeConn struct {
	id        string
	userID    string
	workspace string

	mu       sync.Mutex
	sent     [][]byte
	failSend bool
	closed   bool
}

func newFakeConn(id, userID, workspace string) *fakeConn {
	return &fakeConn{id: id, userID: userID, workspace: workspace}
}

func (f *fakeConn) ID() string          { return f.id }
func (f *fakeConn) UserID() string      { return f.userID }
func (f *fakeConn) WorkspaceID() string { return f.workspace }

func (f *fakeConn) Send(_ context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend {
		return fmt.Errorf("simulated transport failure")
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	f.sent = append(f.sent, buf)
	return nil
}

func (f *fakeConn) Close(string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeConn) lastSent(t *testing.T) map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sent)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(f.sent[len(f.sent)-1], &decoded))
	return decoded
}

func TestConnectDisconnectCount(t *testing.T) {
	r := New(zaptest.NewLogger(t))

	a := newFakeConn("c1", "alice", "w1")
	b := newFakeConn("c2", "bob", "w1")

	assert.Equal(t, 0, r.ConnectionCount("w1"))

	r.Connect(a)
	assert.Equal(t, 1, r.ConnectionCount("w1"))

	r.Connect(b)
	assert.Equal(t, 2, r.ConnectionCount("w1"))

	t.Run("connect is idempotent per handle", func(t *testing.T) {
		r.Connect(a)
		assert.Equal(t, 2, r.ConnectionCount("w1"))
	})

	r.Disconnect(a)
	assert.Equal(t, 1, r.ConnectionCount("w1"))

	t.Run("re-disconnect is a no-op", func(t *testing.T) {
		r.Disconnect(a)
		assert.Equal(t, 1, r.ConnectionCount("w1"))
	})

	t.Run("unknown handle is a no-op", func(t *testing.T) {
		r.Disconnect(newFakeConn("never-seen", "eve", "w1"))
		assert.Equal(t, 1, r.ConnectionCount("w1"))
	})

	t.Run("empty workspace sets are pruned", func(t *testing.T) {
		r.Disconnect(b)
		assert.Equal(t, 0, r.ConnectionCount("w1"))
		assert.Empty(t, r.Workspaces())
	})
}

func TestConnectionCountUnknownWorkspace(t *testing.T) {
	r := New(zaptest.NewLogger(t))
	assert.Equal(t, 0, r.ConnectionCount("no-such-workspace"))
}

func TestBroadcastToWorkspace(t *testing.T) {
	ctx := context.Background()

	t.Run("excluded connection receives nothing", func(t *testing.T) {
		r := New(zaptest.NewLogger(t))
		sender := newFakeConn("c1", "alice", "w1")
		other := newFakeConn("c2", "bob", "w1")
		third := newFakeConn("c3", "carol", "w1")
		r.Connect(sender)
		r.Connect(other)
		r.Connect(third)

		r.BroadcastToWorkspace(ctx, "w1", event.NewPresenceEvent("alice", "online", "w1"), sender)

		assert.Equal(t, 0, sender.sentCount())
		assert.Equal(t, 1, other.sentCount())
		assert.Equal(t, 1, third.sentCount())
	})

	t.Run("other workspaces are untouched", func(t *testing.T) {
		r := New(zaptest.NewLogger(t))
		inW1 := newFakeConn("c1", "alice", "w1")
		inW2 := newFakeConn("c2", "bob", "w2")
		r.Connect(inW1)
		r.Connect(inW2)

		r.BroadcastToWorkspace(ctx, "w1", event.NewPresenceEvent("alice", "online", "w1"), nil)

		assert.Equal(t, 1, inW1.sentCount())
		assert.Equal(t, 0, inW2.sentCount())
	})

	t.Run("unknown workspace is a no-op", func(t *testing.T) {
		r := New(zaptest.NewLogger(t))
		r.BroadcastToWorkspace(ctx, "w9", event.NewPresenceEvent("alice", "online", "w9"), nil)
	})
}

func TestBroadcastPrunesFailedConnections(t *testing.T) {
	ctx := context.Background()
	r := New(zaptest.NewLogger(t))

	healthy1 := newFakeConn("c1", "alice", "w1")
	healthy2 := newFakeConn("c2", "bob", "w1")
	dead := newFakeConn("c3", "carol", "w1")
	dead.failSend = true

	r.Connect(healthy1)
	r.Connect(healthy2)
	r.Connect(dead)

	r.BroadcastToWorkspace(ctx, "w1", event.NewPresenceEvent("alice", "online", "w1"), nil)

	// Exactly N-1 deliveries, and the failed connection is gone.
	assert.Equal(t, 1, healthy1.sentCount())
	assert.Equal(t, 1, healthy2.sentCount())
	assert.Equal(t, 0, dead.sentCount())
	assert.Equal(t, 2, r.ConnectionCount("w1"))
}

func TestSendTo(t *testing.T) {
	ctx := context.Background()

	t.Run("delivers the event envelope", func(t *testing.T) {
		r := New(zaptest.NewLogger(t))
		conn := newFakeConn("c1", "alice", "w1")
		r.Connect(conn)

		r.SendTo(ctx, conn, event.NewTypingEvent("general", "bob", true, "w1"))

		frame := conn.lastSent(t)
		assert.Equal(t, "typing.start", frame["type"])
		data := frame["data"].(map[string]any)
		assert.Equal(t, "general", data["channel_id"])
		assert.Equal(t, "bob", data["user_id"])
		assert.Equal(t, "w1", frame["workspace_id"])
		assert.NotEmpty(t, frame["timestamp"])
	})

	t.Run("transport failure disconnects without error", func(t *testing.T) {
		r := New(zaptest.NewLogger(t))
		conn := newFakeConn("c1", "alice", "w1")
		conn.failSend = true
		r.Connect(conn)

		r.SendTo(ctx, conn, event.NewPresenceEvent("alice", "online", "w1"))

		assert.Equal(t, 0, r.ConnectionCount("w1"))
	})
}

func TestBroadcastToChannelUsesWorkspaceScopeByDefault(t *testing.T) {
	ctx := context.Background()
	r := New(zaptest.NewLogger(t))

	a := newFakeConn("c1", "alice", "w1")
	b := newFakeConn("c2", "bob", "w1")
	r.Connect(a)
	r.Connect(b)

	r.BroadcastToChannel(ctx, "w1", "general", event.NewTypingEvent("general", "alice", true, "w1"))

	// Coarse delivery: channel membership is not consulted.
	assert.Equal(t, 1, a.sentCount())
	assert.Equal(t, 1, b.sentCount())
}

// staticScope returns a fixed recipient list, standing in for a future
// membership-aware implementation.
type staticScope struct {
	conns []Conn
}

func (s staticScope) Recipients(context.Context, string, string) []Conn {
	return s.conns
}

func TestBroadcastToChannelCustomScope(t *testing.T) {
	ctx := context.Background()

	member := newFakeConn("c1", "alice", "w1")
	outsider := newFakeConn("c2", "bob", "w1")

	r := NewWithConfig(zaptest.NewLogger(t), &Config{Scope: staticScope{conns: []Conn{member}}})
	r.Connect(member)
	r.Connect(outsider)

	r.BroadcastToChannel(ctx, "w1", "general", event.NewTypingEvent("general", "alice", true, "w1"))

	assert.Equal(t, 1, member.sentCount())
	assert.Equal(t, 0, outsider.sentCount())
}

func TestWorkspaces(t *testing.T) {
	r := New(zaptest.NewLogger(t))
	r.Connect(newFakeConn("c1", "alice", "w1"))
	r.Connect(newFakeConn("c2", "bob", "w2"))

	assert.ElementsMatch(t, []string{"w1", "w2"}, r.Workspaces())
}

func TestConcurrentConnectDisconnectAndBroadcast(t *testing.T) {
	ctx := context.Background()
	r := New(zaptest.NewLogger(t))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := newFakeConn(fmt.Sprintf("c%d", i), "user", "w1")
			for j := 0; j < 50; j++ {
				r.Connect(conn)
				r.BroadcastToWorkspace(ctx, "w1", event.NewPresenceEvent("user", "online", "w1"), nil)
				r.Disconnect(conn)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, r.ConnectionCount("w1"))
}
