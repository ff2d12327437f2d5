// Package heartbeat periodically broadcasts a heartbeat event to every
// workspace with live connections, giving clients a liveness signal and
// exercising each socket's write path so dead connections get pruned
// between client messages.
package heartbeat

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/loftwire/relay/pkg/relay/event"
	"github.com/loftwire/relay/pkg/relay/registry"
)

// DefaultSchedule matches the source system's 30 second heartbeat
// interval.
const DefaultSchedule = "@every 30s"

// Broadcaster runs the heartbeat schedule against a registry.
type Broadcaster struct {
	registry *registry.Registry
	logger   *zap.Logger
	cron     *cron.Cron
}

// New builds a Broadcaster. An empty schedule disables it (Start and
// Stop become no-ops); an unparsable schedule is an error.
func New(schedule string, reg *registry.Registry, logger *zap.Logger) (*Broadcaster, error) {
	b := &Broadcaster{registry: reg, logger: logger}

	if schedule == "" {
		return b, nil
	}

	c := cron.New()
	if _, err := c.AddFunc(schedule, b.tick); err != nil {
		return nil, fmt.Errorf("heartbeat schedule %q: %w", schedule, err)
	}
	b.cron = c
	return b, nil
}

// Start begins the schedule. Safe to call on a disabled Broadcaster.
func (b *Broadcaster) Start() {
	if b.cron == nil {
		b.logger.Info("heartbeat disabled")
		return
	}
	b.cron.Start()
	b.logger.Info("heartbeat started")
}

// Stop halts the schedule and waits for a running tick to finish.
func (b *Broadcaster) Stop() {
	if b.cron == nil {
		return
	}
	<-b.cron.Stop().Done()
	b.logger.Info("heartbeat stopped")
}

// tick sends one heartbeat to every live workspace.
func (b *Broadcaster) tick() {
	ctx := context.Background()
	for _, workspaceID := range b.registry.Workspaces() {
		b.registry.BroadcastToWorkspace(ctx, workspaceID, event.New(event.KindHeartbeat, nil, workspaceID), nil)
	}
}
