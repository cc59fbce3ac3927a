package events

import (
	"context"
	"errors"
	"sync"
	"time"
)

const memorySubscriptionBuffer = 256

// MemoryTransport is an in-process Transport. Keys honour their TTL and
// subscriptions receive every message published after they were opened.
type MemoryTransport struct {
	mu     sync.Mutex
	now    func() time.Time
	values map[string]memoryValue
	subs   map[*memorySubscription]struct{}
}

type memoryValue struct {
	payload []byte
	expires time.Time
}

// NewMemoryTransport returns an empty in-memory transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		now:    time.Now,
		values: make(map[string]memoryValue),
		subs:   make(map[*memorySubscription]struct{}),
	}
}

// Publish delivers payload to every open subscription on channel. Full
// subscriber buffers drop the message, as a slow Redis subscriber would.
func (t *MemoryTransport) Publish(_ context.Context, channel string, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for sub := range t.subs {
		if _, ok := sub.channels[channel]; !ok {
			continue
		}
		msg := &Message{Channel: channel, Payload: append([]byte(nil), payload...)}
		select {
		case sub.ch <- msg:
		default:
		}
	}
	return nil
}

// Set stores payload until ttl elapses. A non-positive ttl never expires.
func (t *MemoryTransport) Set(_ context.Context, key string, payload []byte, ttl time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	v := memoryValue{payload: append([]byte(nil), payload...)}
	if ttl > 0 {
		v.expires = t.now().Add(ttl)
	}
	t.values[key] = v
	return nil
}

// Get returns the stored payload or ErrNotFound.
func (t *MemoryTransport) Get(_ context.Context, key string) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	if !v.expires.IsZero() && !t.now().Before(v.expires) {
		delete(t.values, key)
		return nil, ErrNotFound
	}
	return append([]byte(nil), v.payload...), nil
}

// TTL reports the remaining lifetime of key. Zero means no expiry.
func (t *MemoryTransport) TTL(key string) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.values[key]
	if !ok {
		return 0, false
	}
	if v.expires.IsZero() {
		return 0, true
	}
	return v.expires.Sub(t.now()), true
}

// Keys lists the live keys.
func (t *MemoryTransport) Keys() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	out := make([]string, 0, len(t.values))
	for k, v := range t.values {
		if !v.expires.IsZero() && !now.Before(v.expires) {
			continue
		}
		out = append(out, k)
	}
	return out
}

// Ping always succeeds.
func (t *MemoryTransport) Ping(context.Context) error {
	return nil
}

// Subscribe opens a subscription over channels.
func (t *MemoryTransport) Subscribe(_ context.Context, channels ...string) (Subscription, error) {
	if len(channels) == 0 {
		return nil, errors.New("subscribe: no channels")
	}
	sub := &memorySubscription{
		transport: t,
		channels:  make(map[string]struct{}, len(channels)),
		ch:        make(chan *Message, memorySubscriptionBuffer),
		done:      make(chan struct{}),
	}
	for _, c := range channels {
		sub.channels[c] = struct{}{}
	}
	t.mu.Lock()
	t.subs[sub] = struct{}{}
	t.mu.Unlock()
	return sub, nil
}

type memorySubscription struct {
	transport *MemoryTransport
	channels  map[string]struct{}
	ch        chan *Message
	done      chan struct{}
	once      sync.Once
}

func (s *memorySubscription) Poll(ctx context.Context, timeout time.Duration) (*Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-s.ch:
		return msg, nil
	case <-timer.C:
		return nil, nil
	case <-s.done:
		return nil, errors.New("subscription closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.transport.mu.Lock()
		delete(s.transport.subs, s)
		s.transport.mu.Unlock()
		close(s.done)
	})
	return nil
}
