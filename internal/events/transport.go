package events

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Get when a key is missing or expired.
var ErrNotFound = errors.New("key not found")

// Message is one payload delivered on a subscribed channel.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is an open subscription over a channel set.
type Subscription interface {
	// Poll waits at most timeout for the next message. It returns nil, nil when
	// the timeout elapses without traffic.
	Poll(ctx context.Context, timeout time.Duration) (*Message, error)
	Close() error
}

// Transport is the pub/sub plus keyed-store backend of the bus.
type Transport interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
	Ping(ctx context.Context) error
}

// RedisTransport implements Transport over a go-redis client.
type RedisTransport struct {
	client redis.UniversalClient
}

// NewRedisTransport wraps the provided client.
func NewRedisTransport(client redis.UniversalClient) *RedisTransport {
	return &RedisTransport{client: client}
}

// Publish issues PUBLISH.
func (t *RedisTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := t.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

// Set issues SET with an expiry.
func (t *RedisTransport) Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	if err := t.client.Set(ctx, key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Get issues GET.
func (t *RedisTransport) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := t.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return data, nil
}

// Ping checks connectivity.
func (t *RedisTransport) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

// Subscribe opens a SUBSCRIBE over channels and waits for the first confirmation.
func (t *RedisTransport) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	if len(channels) == 0 {
		return nil, errors.New("subscribe: no channels")
	}
	pubsub := t.client.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}
	return &redisSubscription{pubsub: pubsub}, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
}

func (s *redisSubscription) Poll(ctx context.Context, timeout time.Duration) (*Message, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		msg, err := s.pubsub.ReceiveTimeout(ctx, remaining)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil, nil
			}
			return nil, err
		}
		// Subscription confirmations and pongs are not deliveries.
		if m, ok := msg.(*redis.Message); ok {
			return &Message{Channel: m.Channel, Payload: []byte(m.Payload)}, nil
		}
	}
}

func (s *redisSubscription) Close() error {
	return s.pubsub.Close()
}
