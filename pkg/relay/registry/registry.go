// Package registry is the single source of truth for which users are
// connected to which workspace, and the fan-out primitive that delivers
// events to the live connections of a workspace.
package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loftwire/relay/pkg/relay/event"
	"github.com/loftwire/relay/pkg/relay/o11y"
)

// Conn is one live bidirectional session. A Conn belongs to exactly one
// user and one workspace for its whole lifetime. WebSocket sessions
// implement it; tests supply fakes.
type Conn interface {
	// ID uniquely identifies the connection within the process.
	ID() string
	UserID() string
	WorkspaceID() string

	// Send writes one serialized frame to the client. A returned error
	// means the connection is unusable and will be disconnected.
	Send(ctx context.Context, data []byte) error

	// Close tears down the underlying transport. Must be safe to call
	// more than once.
	Close(reason string) error
}

// Config carries the optional collaborators of a Registry.
type Config struct {
	// Scope resolves recipient sets for channel-addressed broadcasts.
	// Defaults to workspace-wide delivery.
	Scope Scope

	// Observability providers, all optional.
	Observability *o11y.Config
}

// Registry indexes live connections by workspace. All methods are safe
// for concurrent use. Broadcasts iterate a snapshot of the workspace
// set, so a connection that dies mid-broadcast simply fails its send
// and is pruned after the pass; the iteration itself never observes a
// concurrent mutation.
type Registry struct {
	logger *zap.Logger
	scope  Scope

	mu         sync.RWMutex
	workspaces map[string]map[string]Conn // workspace id -> conn id -> conn

	// Instruments, nil unless configured.
	connGauge         o11y.Gauge
	deliveredCounter  o11y.Counter
	sendFailCounter   o11y.Counter
	broadcastDuration o11y.Histogram
}

// New builds a registry with workspace-wide broadcast scoping and no
// telemetry.
func New(logger *zap.Logger) *Registry {
	return NewWithConfig(logger, nil)
}

// NewWithConfig builds a registry with the given optional scope and
// observability providers.
func NewWithConfig(logger *zap.Logger, cfg *Config) *Registry {
	r := &Registry{
		logger:     logger,
		workspaces: make(map[string]map[string]Conn),
	}

	if cfg != nil && cfg.Scope != nil {
		r.scope = cfg.Scope
	} else {
		r.scope = WorkspaceScope{r}
	}

	if cfg != nil && cfg.Observability != nil && cfg.Observability.Metrics != nil {
		m := cfg.Observability.Metrics
		r.connGauge = m.Gauge("relay_active_connections")
		r.deliveredCounter = m.Counter("relay_events_delivered_total")
		r.sendFailCounter = m.Counter("relay_send_failures_total")
		r.broadcastDuration = m.Histogram("relay_broadcast_duration_seconds")
	}

	return r
}

// Connect registers a connection under its workspace. Registering the
// same connection id twice is a no-op, so connect is idempotent per
// handle.
func (r *Registry) Connect(conn Conn) {
	workspaceID := conn.WorkspaceID()

	r.mu.Lock()
	set, ok := r.workspaces[workspaceID]
	if !ok {
		set = make(map[string]Conn)
		r.workspaces[workspaceID] = set
	}
	if _, exists := set[conn.ID()]; exists {
		r.mu.Unlock()
		return
	}
	set[conn.ID()] = conn
	r.mu.Unlock()

	if r.connGauge != nil {
		r.connGauge.Add(context.Background(), 1,
			o11y.Label{Key: "workspace", Value: workspaceID})
	}

	r.logger.Info("connection registered",
		zap.String("user_id", conn.UserID()),
		zap.String("workspace_id", workspaceID),
		zap.String("conn_id", conn.ID()),
	)
}

// Disconnect removes a connection from its workspace set. Unknown or
// already-removed connections are a no-op: teardown is terminal and
// idempotent. Empty workspace sets are pruned immediately.
func (r *Registry) Disconnect(conn Conn) {
	workspaceID := conn.WorkspaceID()

	r.mu.Lock()
	set, ok := r.workspaces[workspaceID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if _, exists := set[conn.ID()]; !exists {
		r.mu.Unlock()
		return
	}
	delete(set, conn.ID())
	if len(set) == 0 {
		delete(r.workspaces, workspaceID)
	}
	r.mu.Unlock()

	if r.connGauge != nil {
		r.connGauge.Add(context.Background(), -1,
			o11y.Label{Key: "workspace", Value: workspaceID})
	}

	r.logger.Info("connection removed",
		zap.String("user_id", conn.UserID()),
		zap.String("workspace_id", workspaceID),
		zap.String("conn_id", conn.ID()),
	)
}

// SendTo delivers one event directly to a single connection. A
// transport failure disconnects the connection and is not reported to
// the caller; delivery failures are self-healing, not fatal.
func (r *Registry) SendTo(ctx context.Context, conn Conn, e *event.Event) {
	data, err := event.Marshal(e)
	if err != nil {
		r.logger.Error("failed to encode event", zap.Error(err), zap.String("type", string(e.Type)))
		return
	}
	r.SendRaw(ctx, conn, data)
}

// SendRaw delivers a pre-serialized frame to a single connection with
// the same failure semantics as SendTo.
func (r *Registry) SendRaw(ctx context.Context, conn Conn, data []byte) {
	if err := conn.Send(ctx, data); err != nil {
		r.logger.Warn("send failed, disconnecting",
			zap.Error(err),
			zap.String("conn_id", conn.ID()),
			zap.String("workspace_id", conn.WorkspaceID()),
		)
		if r.sendFailCounter != nil {
			r.sendFailCounter.Add(ctx, 1)
		}
		r.Disconnect(conn)
	}
}

// BroadcastToWorkspace delivers an event to every connection currently
// registered for the workspace, except the excluded one (pass nil to
// deliver to all). Connections whose send fails are collected and
// disconnected after the pass completes.
func (r *Registry) BroadcastToWorkspace(ctx context.Context, workspaceID string, e *event.Event, exclude Conn) {
	data, err := event.Marshal(e)
	if err != nil {
		r.logger.Error("failed to encode event", zap.Error(err), zap.String("type", string(e.Type)))
		return
	}
	r.BroadcastRaw(ctx, workspaceID, data, exclude)
}

// BroadcastRaw delivers a pre-serialized frame to every connection in
// the workspace except the excluded one. Used directly by the session
// handler to re-broadcast client frames verbatim.
func (r *Registry) BroadcastRaw(ctx context.Context, workspaceID string, data []byte, exclude Conn) {
	start := time.Now()
	r.deliver(ctx, r.snapshot(workspaceID), data, exclude)
	if r.broadcastDuration != nil {
		r.broadcastDuration.Record(ctx, time.Since(start).Seconds(),
			o11y.Label{Key: "workspace", Value: workspaceID})
	}
}

// BroadcastToChannel delivers an event to the recipients of a channel,
// as resolved by the configured Scope. The default WorkspaceScope
// returns the whole workspace: channel membership is not consulted.
// That coarse delivery is inherited, documented behavior; a
// membership-aware Scope can replace it without touching the fan-out
// path.
func (r *Registry) BroadcastToChannel(ctx context.Context, workspaceID, channelID string, e *event.Event) {
	data, err := event.Marshal(e)
	if err != nil {
		r.logger.Error("failed to encode event", zap.Error(err), zap.String("type", string(e.Type)))
		return
	}
	r.deliver(ctx, r.scope.Recipients(ctx, workspaceID, channelID), data, nil)
}

// deliver sends data to each recipient, then disconnects the failures.
// Sends happen outside the registry lock; the recipient slice is a
// snapshot, so concurrent connect/disconnect never corrupts the pass.
func (r *Registry) deliver(ctx context.Context, recipients []Conn, data []byte, exclude Conn) {
	var failed []Conn
	delivered := int64(0)

	for _, conn := range recipients {
		if exclude != nil && conn.ID() == exclude.ID() {
			continue
		}
		if err := conn.Send(ctx, data); err != nil {
			r.logger.Warn("broadcast send failed",
				zap.Error(err),
				zap.String("conn_id", conn.ID()),
			)
			failed = append(failed, conn)
			continue
		}
		delivered++
	}

	for _, conn := range failed {
		r.Disconnect(conn)
	}

	if r.deliveredCounter != nil && delivered > 0 {
		r.deliveredCounter.Add(ctx, delivered)
	}
	if r.sendFailCounter != nil && len(failed) > 0 {
		r.sendFailCounter.Add(ctx, int64(len(failed)))
	}
}

// snapshot copies the workspace's connection set under the read lock.
func (r *Registry) snapshot(workspaceID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.workspaces[workspaceID]
	if !ok {
		return nil
	}
	conns := make([]Conn, 0, len(set))
	for _, conn := range set {
		conns = append(conns, conn)
	}
	return conns
}

// ConnectionCount reports the number of live connections for a
// workspace; 0 for unknown workspaces.
func (r *Registry) ConnectionCount(workspaceID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workspaces[workspaceID])
}

// Workspaces lists the ids of all workspaces that currently have at
// least one live connection.
func (r *Registry) Workspaces() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.workspaces))
	for id := range r.workspaces {
		ids = append(ids, id)
	}
	return ids
}
