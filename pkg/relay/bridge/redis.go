package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the well-known broadcast channel shared by all
// server processes. There is no partitioning by workspace at the
// transport level; every process receives every event and filters
// locally.
const DefaultChannel = "chat.events"

// RedisBus implements Bus on a Redis pub/sub channel.
type RedisBus struct {
	client  *redis.Client
	channel string
}

// NewRedisBus connects to Redis and verifies the connection with a
// ping. An empty channel selects DefaultChannel.
func NewRedisBus(ctx context.Context, opts *redis.Options, channel string) (*RedisBus, error) {
	if channel == "" {
		channel = DefaultChannel
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisBus{client: client, channel: channel}, nil
}

func (b *RedisBus) Publish(ctx context.Context, payload []byte) error {
	return b.client.Publish(ctx, b.channel, payload).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context) (Subscription, error) {
	ps := b.client.Subscribe(ctx, b.channel)

	// Force the subscribe round trip so a broken connection surfaces
	// here instead of as a silently empty message stream.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("redis subscribe %q: %w", b.channel, err)
	}

	sub := &redisSubscription{
		ps:   ps,
		msgs: make(chan []byte),
		done: make(chan struct{}),
	}
	go sub.pump()
	return sub, nil
}

// Close releases the underlying Redis client.
func (b *RedisBus) Close() error {
	return b.client.Close()
}

type redisSubscription struct {
	ps        *redis.PubSub
	msgs      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// pump copies payloads from the go-redis channel until it closes, then
// closes Messages so the bridge listener observes the end of the feed.
// The done channel unblocks an in-flight handoff when the subscription
// is closed with nobody reading.
func (s *redisSubscription) pump() {
	defer close(s.msgs)
	for msg := range s.ps.Channel() {
		select {
		case s.msgs <- []byte(msg.Payload):
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) Messages() <-chan []byte {
	return s.msgs
}

func (s *redisSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
