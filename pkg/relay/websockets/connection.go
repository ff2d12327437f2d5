package websockets

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/loftwire/relay/pkg/relay/event"
	"github.com/loftwire/relay/pkg/relay/registry"
)

// Connection is one live client session. It implements registry.Conn
// and runs the per-connection protocol loop: read a frame, dispatch it,
// repeat until the client closes or violates the protocol.
type Connection struct {
	id        string
	userID    string
	workspace string

	conn     *websocket.Conn
	registry *registry.Registry
	logger   *zap.Logger
	config   *ListenerConfig

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newConnection(id, userID, workspaceID string, conn *websocket.Conn, config *ListenerConfig) *Connection {
	return &Connection{
		id:        id,
		userID:    userID,
		workspace: workspaceID,
		conn:      conn,
		registry:  config.registry,
		config:    config,
		logger: config.logger.With(
			zap.String("conn_id", id),
			zap.String("user_id", userID),
			zap.String("workspace_id", workspaceID),
		),
	}
}

func (c *Connection) ID() string          { return c.id }
func (c *Connection) UserID() string      { return c.userID }
func (c *Connection) WorkspaceID() string { return c.workspace }

// Send writes one text frame to the client. Writes are serialized so
// broadcasts from the registry and replies from the session loop never
// interleave on the socket.
func (c *Connection) Send(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	writeCtx, cancel := context.WithTimeout(ctx, c.config.writeTimeout)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}

// Close shuts the transport down. Safe to call more than once.
func (c *Connection) Close(reason string) error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close(websocket.StatusNormalClosure, reason)
	})
	return err
}

// run reads and dispatches frames until the connection dies. It blocks
// in the calling goroutine; the caller unregisters the connection when
// it returns. Every exit path is terminal.
func (c *Connection) run(ctx context.Context) {
	c.conn.SetReadLimit(c.config.readLimit)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		readCtx := ctx
		var cancel context.CancelFunc
		if c.config.readTimeout > 0 {
			readCtx, cancel = context.WithTimeout(ctx, c.config.readTimeout)
		}

		_, data, err := c.conn.Read(readCtx)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			if status := websocket.CloseStatus(err); status != -1 {
				c.logger.Debug("client closed connection", zap.Int("close_status", int(status)))
			} else {
				c.logger.Debug("read failed, closing session", zap.Error(err))
			}
			return
		}

		if len(data) == 0 {
			continue
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			// Protocol violation terminates the session.
			c.logger.Warn("malformed client frame, closing session",
				zap.Error(err),
				zap.Int("frame_bytes", len(data)),
			)
			c.conn.Close(websocket.StatusProtocolError, "malformed frame")
			return
		}

		c.dispatch(ctx, frame, data)
	}
}

// dispatch routes one inbound frame by its type discriminator.
func (c *Connection) dispatch(ctx context.Context, frame inboundFrame, raw []byte) {
	switch frame.Type {
	case FrameTypePing:
		// Pong goes to the sender only.
		c.registry.SendRaw(ctx, c, pongFrame)

	case FrameTypeTyping:
		// The sender already knows it is typing; deliver to everyone
		// else in the workspace.
		e := event.NewTypingEvent(frame.ChannelID, c.userID, frame.typing(), c.workspace)
		c.registry.BroadcastToWorkspace(ctx, c.workspace, e, c)

	default:
		// Forward unrecognized frames verbatim to the rest of the
		// workspace, excluding the sender.
		c.registry.BroadcastRaw(ctx, c.workspace, raw, c)
	}
}

// shutdownClose tells the client the server is going away. The session
// loop observes the closed transport and tears down normally.
func (c *Connection) shutdownClose(code websocket.StatusCode, reason string) {
	if err := c.conn.Close(code, reason); err != nil {
		c.logger.Debug("close during shutdown", zap.Error(err))
	}
}
