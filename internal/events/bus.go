package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/danielsht11/riley/internal/logutil"
	"github.com/danielsht11/riley/internal/metrics"
)

const (
	defaultRetention      = 24 * time.Hour
	defaultPublishTimeout = 2 * time.Second
	unknownStream         = "unknown"
)

// Bus publishes envelopes onto routed channels and keeps a replayable copy of each.
type Bus struct {
	transport      Transport
	logger         *log.Logger
	retention      time.Duration
	publishTimeout time.Duration
	now            func() time.Time
	newID          func() string
}

// Options configure the bus.
type Options struct {
	Transport Transport
	Logger    *log.Logger
	// Retention bounds how long persisted envelopes stay readable. Defaults to 24h.
	Retention time.Duration
	// PublishTimeout bounds a single Publish call. Defaults to 2s.
	PublishTimeout time.Duration
	Now            func() time.Time
	NewID          func() string
}

// NewBus creates a bus. A nil transport is allowed; every publish then reports failure.
func NewBus(opts Options) *Bus {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = defaultPublishTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Bus{
		transport:      opts.Transport,
		logger:         opts.Logger,
		retention:      opts.Retention,
		publishTimeout: opts.PublishTimeout,
		now:            opts.Now,
		newID:          opts.NewID,
	}
}

// Transport exposes the backend so collaborators can share the connection.
func (b *Bus) Transport() Transport {
	if b == nil {
		return nil
	}
	return b.transport
}

// Publish wraps data in a fresh envelope and sends it to the channel routed for t.
// It never returns an error: failures are logged and reported as false.
func (b *Bus) Publish(ctx context.Context, t Type, data map[string]interface{}, corr Correlation) bool {
	env, err := b.publish(ctx, t, data, corr)
	metrics.ObservePublish(string(t), err == nil)
	if err != nil {
		logutil.Error("event_publish_failed", err, map[string]interface{}{
			"event_type": string(t),
			"event_id":   env.EventID,
			"stream_id":  corr.StreamID,
		})
		return false
	}
	return true
}

// PublishEnvelope is Publish for callers that need the envelope that went out.
func (b *Bus) PublishEnvelope(ctx context.Context, t Type, data map[string]interface{}, corr Correlation) (Envelope, error) {
	env, err := b.publish(ctx, t, data, corr)
	metrics.ObservePublish(string(t), err == nil)
	return env, err
}

func (b *Bus) publish(ctx context.Context, t Type, data map[string]interface{}, corr Correlation) (Envelope, error) {
	if b == nil || b.transport == nil {
		return Envelope{}, errors.New("event bus transport unavailable")
	}
	env := Envelope{
		EventID:   b.newID(),
		EventType: t,
		Timestamp: b.now().UTC(),
		StreamID:  corr.StreamID,
		CallID:    corr.CallID,
		Data:      copyData(data),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return env, fmt.Errorf("marshal envelope: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.publishTimeout)
	defer cancel()

	channel := ChannelFor(t)
	if err := b.transport.Publish(ctx, channel, payload); err != nil {
		return env, err
	}
	if err := b.transport.Set(ctx, EnvelopeKey(corr.StreamID, env.EventID), payload, b.retention); err != nil {
		return env, err
	}
	if isUrgent(env.Data) && channel != PriorityChannel {
		if err := b.transport.Publish(ctx, PriorityChannel, payload); err != nil {
			return env, err
		}
	}
	return env, nil
}

// Subscribe opens a subscription over channels, or over every routed channel when none are given.
func (b *Bus) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	if b == nil || b.transport == nil {
		return nil, errors.New("event bus transport unavailable")
	}
	if len(channels) == 0 {
		channels = RoutedChannels()
	}
	return b.transport.Subscribe(ctx, channels...)
}

// Event reads a persisted envelope back. Expired or unknown ids yield ErrNotFound.
func (b *Bus) Event(ctx context.Context, streamID, eventID string) (*Envelope, error) {
	if b == nil || b.transport == nil {
		return nil, errors.New("event bus transport unavailable")
	}
	payload, err := b.transport.Get(ctx, EnvelopeKey(streamID, eventID))
	if err != nil {
		return nil, err
	}
	env, err := Decode(payload)
	if err != nil {
		return nil, err
	}
	return &env, nil
}

// Ping reports whether the transport is reachable.
func (b *Bus) Ping(ctx context.Context) error {
	if b == nil || b.transport == nil {
		return errors.New("event bus transport unavailable")
	}
	return b.transport.Ping(ctx)
}

// EnvelopeKey is the store key of a persisted envelope.
func EnvelopeKey(streamID, eventID string) string {
	return fmt.Sprintf("%s:%s", SessionKey(streamID), eventID)
}

// SessionKey is the store key of a stream's latest snapshot.
func SessionKey(streamID string) string {
	if streamID == "" {
		streamID = unknownStream
	}
	return "customer:session:" + streamID
}

func isUrgent(data map[string]interface{}) bool {
	v, ok := data["urgency"].(string)
	if !ok {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "high", "urgent":
		return true
	}
	return false
}

func copyData(data map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
