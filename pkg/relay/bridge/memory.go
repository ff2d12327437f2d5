package bridge

import (
	"context"
	"fmt"
	"sync"
)

// memoryBufferSize bounds each in-process subscription. A full
// subscriber drops payloads rather than blocking the publisher,
// matching the at-most-once semantics of the Redis channel.
const memoryBufferSize = 256

// MemoryBus is an in-process Bus for single-node deployments and
// tests. It loops published payloads straight back to all local
// subscriptions.
type MemoryBus struct {
	mu     sync.Mutex
	subs   map[*memorySubscription]struct{}
	closed bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[*memorySubscription]struct{})}
}

func (b *MemoryBus) Publish(_ context.Context, payload []byte) error {
	buf := make([]byte, len(payload))
	copy(buf, payload)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("memory bus closed")
	}
	for sub := range b.subs {
		select {
		case sub.msgs <- buf:
		default:
			// Subscriber not keeping up; drop.
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(context.Context) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("memory bus closed")
	}
	sub := &memorySubscription{
		bus:  b,
		msgs: make(chan []byte, memoryBufferSize),
	}
	b.subs[sub] = struct{}{}
	return sub, nil
}

// Close ends all subscriptions. Further publishes and subscribes fail.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.msgs)
	}
	b.subs = make(map[*memorySubscription]struct{})
	return nil
}

type memorySubscription struct {
	bus       *MemoryBus
	msgs      chan []byte
	closeOnce sync.Once
}

func (s *memorySubscription) Messages() <-chan []byte {
	return s.msgs
}

func (s *memorySubscription) Close() error {
	s.closeOnce.Do(func() {
		s.bus.mu.Lock()
		if _, ok := s.bus.subs[s]; ok {
			delete(s.bus.subs, s)
			close(s.msgs)
		}
		s.bus.mu.Unlock()
	})
	return nil
}
