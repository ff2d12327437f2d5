package websockets

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Listener accepts WebSocket upgrades and runs a session per
// connection. Plug ServeWebsocket into any net/http router; the route
// is expected to carry a {workspace_id} path value (a workspace_id
// query parameter also works).
type Listener struct {
	config *ListenerConfig
	logger *zap.Logger

	// Session tracking for graceful shutdown.
	mu           sync.RWMutex
	sessions     map[*Connection]struct{}
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

func newListener(config *ListenerConfig) *Listener {
	return &Listener{
		config:   config,
		logger:   config.logger,
		sessions: make(map[*Connection]struct{}),
		shutdown: make(chan struct{}),
	}
}

// ServeWebsocket handles one client connection end to end: resolve the
// workspace and user, upgrade, register the session, run the protocol
// loop, and unregister on any exit. It blocks for the lifetime of the
// connection, as net/http handlers do.
func (l *Listener) ServeWebsocket(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.PathValue("workspace_id")
	if workspaceID == "" {
		workspaceID = r.URL.Query().Get("workspace_id")
	}
	if workspaceID == "" {
		http.Error(w, "workspace_id required", http.StatusBadRequest)
		return
	}

	userID, err := l.config.auth(r, workspaceID)
	if err != nil {
		l.logger.Debug("rejected connection",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("workspace_id", workspaceID),
		)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		l.logger.Error("websocket accept failed",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr),
		)
		return
	}

	select {
	case <-l.shutdown:
		conn.Close(websocket.StatusServiceRestart, "server shutting down")
		return
	default:
	}

	session := newConnection(uuid.NewString(), userID, workspaceID, conn, l.config)

	l.config.registry.Connect(session)
	l.track(session)

	session.run(r.Context())

	// Teardown is terminal and idempotent regardless of why the loop
	// exited.
	l.config.registry.Disconnect(session)
	l.untrack(session)
	session.Close("session ended")
}

func (l *Listener) track(c *Connection) {
	l.mu.Lock()
	l.sessions[c] = struct{}{}
	l.mu.Unlock()
}

func (l *Listener) untrack(c *Connection) {
	l.mu.Lock()
	delete(l.sessions, c)
	l.mu.Unlock()
}

// SessionCount returns the number of sessions currently being served
// by this listener across all workspaces.
func (l *Listener) SessionCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.sessions)
}

// Shutdown stops accepting new connections and closes every active
// session with StatusGoingAway, then waits for the session loops to
// drain or the context to expire.
func (l *Listener) Shutdown(ctx context.Context) error {
	l.shutdownOnce.Do(func() {
		close(l.shutdown)

		l.mu.RLock()
		sessions := make([]*Connection, 0, len(l.sessions))
		for s := range l.sessions {
			sessions = append(sessions, s)
		}
		l.mu.RUnlock()

		l.logger.Info("closing active sessions", zap.Int("count", len(sessions)))
		for _, s := range sessions {
			go s.shutdownClose(websocket.StatusGoingAway, "server shutting down")
		}
	})

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if remaining := l.SessionCount(); remaining > 0 {
				l.logger.Warn("shutdown deadline reached with open sessions",
					zap.Int("remaining", remaining))
			}
			return ctx.Err()
		case <-ticker.C:
			if l.SessionCount() == 0 {
				return nil
			}
		}
	}
}
