// Package bridge synchronizes connection registries across processes:
// every domain event is published on one shared broadcast channel, and
// a per-process listener fans inbound events out to the local registry.
// The bridge owns no domain state; it is a stateless relay with one
// long-lived subscription.
package bridge

import "context"

// Bus is the broadcast transport the bridge relays over. The production
// implementation is RedisBus; MemoryBus serves standalone deployments
// and tests.
type Bus interface {
	// Publish sends one payload to every subscriber on the shared
	// channel, including subscribers in this process.
	Publish(ctx context.Context, payload []byte) error

	// Subscribe opens a subscription to the shared channel.
	Subscribe(ctx context.Context) (Subscription, error)
}

// Subscription is one live feed of bus payloads. Messages is closed
// when the subscription ends, whether by Close or by transport failure.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}
