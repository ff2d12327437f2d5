package bridge

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/loftwire/relay/pkg/relay/event"
	"github.com/loftwire/relay/pkg/relay/o11y"
	"github.com/loftwire/relay/pkg/relay/registry"
)

const (
	// DefaultReconnectInitial is the first delay before the listener
	// retries a broken subscription.
	DefaultReconnectInitial = 250 * time.Millisecond

	// DefaultReconnectMax caps the exponential backoff between retries.
	DefaultReconnectMax = 30 * time.Second
)

// BridgeConfig configures a Bridge. Use NewBridgeConfig and chain the
// With* methods, then call Build.
//
// Example:
//
//	bridge, err := bridge.NewBridgeConfig().
//	    WithBus(bus).
//	    WithRegistry(reg).
//	    WithLogger(logger).
//	    Build()
type BridgeConfig struct {
	bus              Bus
	registry         *registry.Registry
	logger           *zap.Logger
	metrics          o11y.MetricsProvider
	tracing          o11y.TracingProvider
	reconnectInitial time.Duration
	reconnectMax     time.Duration
	maxAttempts      int
}

func NewBridgeConfig() *BridgeConfig {
	return &BridgeConfig{
		reconnectInitial: DefaultReconnectInitial,
		reconnectMax:     DefaultReconnectMax,
	}
}

// WithBus sets the broadcast transport. Required.
func (c *BridgeConfig) WithBus(bus Bus) *BridgeConfig {
	c.bus = bus
	return c
}

// WithRegistry sets the local registry inbound events fan out to.
// Required.
func (c *BridgeConfig) WithRegistry(r *registry.Registry) *BridgeConfig {
	c.registry = r
	return c
}

// WithLogger sets the logger. Required.
func (c *BridgeConfig) WithLogger(logger *zap.Logger) *BridgeConfig {
	c.logger = logger
	return c
}

// WithObservability sets optional metrics and tracing providers.
func (c *BridgeConfig) WithObservability(obs *o11y.Config) *BridgeConfig {
	if obs != nil {
		c.metrics = obs.Metrics
		c.tracing = obs.Tracing
	}
	return c
}

// WithReconnect tunes the listener's backoff after a broken
// subscription. maxAttempts bounds consecutive failed attempts before
// the listener gives up; 0 means retry forever.
func (c *BridgeConfig) WithReconnect(initial, max time.Duration, maxAttempts int) *BridgeConfig {
	if initial > 0 {
		c.reconnectInitial = initial
	}
	if max > 0 {
		c.reconnectMax = max
	}
	if maxAttempts >= 0 {
		c.maxAttempts = maxAttempts
	}
	return c
}

// IsValid reports whether the required parameters are set.
func (c *BridgeConfig) IsValid() error {
	var missing []string
	if c.bus == nil {
		missing = append(missing, "Bus")
	}
	if c.registry == nil {
		missing = append(missing, "Registry")
	}
	if c.logger == nil {
		missing = append(missing, "Logger")
	}
	if len(missing) > 0 {
		return fmt.Errorf("bridge config missing required parameters: %v", missing)
	}
	return nil
}

// Build validates the configuration and returns the Bridge.
func (c *BridgeConfig) Build() (*Bridge, error) {
	if err := c.IsValid(); err != nil {
		return nil, err
	}

	b := &Bridge{config: c}
	if c.metrics != nil {
		b.publishCounter = c.metrics.Counter("relay_bridge_published_total")
		b.receivedCounter = c.metrics.Counter("relay_bridge_received_total")
		b.droppedCounter = c.metrics.Counter("relay_bridge_dropped_total")
	}
	return b, nil
}

// Bridge relays domain events between this process and its peers over
// the Bus. Publish never delivers locally by itself: the local registry
// only sees the event when it comes back through the listener, so
// origin and remote events share one delivery code path.
type Bridge struct {
	config *BridgeConfig

	started int32 // atomic; 0 = stopped, 1 = running
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	publishCounter  o11y.Counter
	receivedCounter o11y.Counter
	droppedCounter  o11y.Counter
}

// Start opens the subscription and launches the listener goroutine.
// Must be called before any event is expected to fan out. Starting a
// running bridge is an error.
func (b *Bridge) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&b.started, 0, 1) {
		return fmt.Errorf("bridge already started")
	}

	listenCtx, cancel := context.WithCancel(ctx)

	sub, err := b.config.bus.Subscribe(listenCtx)
	if err != nil {
		cancel()
		atomic.StoreInt32(&b.started, 0)
		return fmt.Errorf("initial subscribe: %w", err)
	}

	b.cancel = cancel
	b.wg.Add(1)
	go b.listen(listenCtx, sub)

	b.config.logger.Info("bridge started, listening for broadcast events")
	return nil
}

// Publish serializes the event and sends it on the shared channel. If
// the bus is unavailable the error is returned for the caller to ignore
// or act on; local delivery for that event is lost but the process
// carries on.
func (b *Bridge) Publish(ctx context.Context, e *event.Event) error {
	if atomic.LoadInt32(&b.started) == 0 {
		return fmt.Errorf("bridge not started")
	}

	var span o11y.Span
	if b.config.tracing != nil {
		ctx, span = b.config.tracing.StartSpan(ctx, "bridge.publish")
		defer span.End()
		span.SetAttributes(
			o11y.Label{Key: "event_type", Value: string(e.Type)},
			o11y.Label{Key: "workspace", Value: e.WorkspaceID},
		)
	}

	payload, err := event.Marshal(e)
	if err == nil {
		err = b.config.bus.Publish(ctx, payload)
	}

	if err != nil {
		b.config.logger.Warn("bridge publish failed",
			zap.Error(err),
			zap.String("event_type", string(e.Type)),
		)
		if span != nil {
			span.SetStatus(o11y.StatusError, err.Error())
		}
		return err
	}

	if b.publishCounter != nil {
		b.publishCounter.Add(ctx, 1, o11y.Label{Key: "event_type", Value: string(e.Type)})
	}
	if span != nil {
		span.SetStatus(o11y.StatusOK, "")
	}
	return nil
}

// listen drains the subscription for the lifetime of the process. When
// the feed breaks it resubscribes with capped exponential backoff; only
// cancellation or exhausting the attempt budget ends the loop.
func (b *Bridge) listen(ctx context.Context, sub Subscription) {
	defer b.wg.Done()
	defer func() {
		if sub != nil {
			sub.Close()
		}
	}()

	logger := b.config.logger

	for {
		alive := true
		for alive {
			select {
			case payload, ok := <-sub.Messages():
				if !ok {
					alive = false
					break
				}
				b.handle(ctx, payload)
			case <-ctx.Done():
				logger.Info("bridge listener stopping")
				return
			}
		}

		sub.Close()
		sub = nil

		var err error
		sub, err = b.resubscribe(ctx)
		if err != nil {
			logger.Error("bridge subscription lost permanently", zap.Error(err))
			return
		}
	}
}

// resubscribe retries the bus subscription until it succeeds, the
// context is cancelled, or the attempt budget runs out.
func (b *Bridge) resubscribe(ctx context.Context) (Subscription, error) {
	logger := b.config.logger
	delay := b.config.reconnectInitial

	for attempt := 1; ; attempt++ {
		if b.config.maxAttempts > 0 && attempt > b.config.maxAttempts {
			return nil, fmt.Errorf("gave up after %d attempts", b.config.maxAttempts)
		}

		logger.Warn("bridge subscription broken, reconnecting",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}

		sub, err := b.config.bus.Subscribe(ctx)
		if err == nil {
			logger.Info("bridge resubscribed", zap.Int("attempts", attempt))
			return sub, nil
		}
		logger.Warn("bridge resubscribe failed", zap.Error(err), zap.Int("attempt", attempt))

		delay *= 2
		if delay > b.config.reconnectMax {
			delay = b.config.reconnectMax
		}
	}
}

// handle routes one inbound bus payload to the local registry.
// Malformed payloads and events without a workspace are dropped; one
// bad payload never affects the next.
func (b *Bridge) handle(ctx context.Context, payload []byte) {
	e, err := event.Unmarshal(payload)
	if err != nil {
		b.config.logger.Warn("dropping malformed bus payload", zap.Error(err))
		if b.droppedCounter != nil {
			b.droppedCounter.Add(ctx, 1, o11y.Label{Key: "reason", Value: "malformed"})
		}
		return
	}

	if e.WorkspaceID == "" {
		b.config.logger.Debug("dropping event without workspace",
			zap.String("event_type", string(e.Type)))
		if b.droppedCounter != nil {
			b.droppedCounter.Add(ctx, 1, o11y.Label{Key: "reason", Value: "no_workspace"})
		}
		return
	}

	if b.receivedCounter != nil {
		b.receivedCounter.Add(ctx, 1, o11y.Label{Key: "event_type", Value: string(e.Type)})
	}

	b.config.registry.BroadcastToWorkspace(ctx, e.WorkspaceID, e, nil)
}

// Close cancels the listener and waits for it to exit. Closing a
// stopped bridge is an error.
func (b *Bridge) Close() error {
	if !atomic.CompareAndSwapInt32(&b.started, 1, 0) {
		return fmt.Errorf("bridge not started")
	}

	b.cancel()
	b.wg.Wait()

	b.config.logger.Info("bridge stopped")
	return nil
}
