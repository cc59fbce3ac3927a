// Package sessioncache keeps the latest per-stream customer snapshot in the
// event store with the datastore as the durable fallback.
package sessioncache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/danielsht11/riley/internal/events"
	"github.com/danielsht11/riley/internal/store"
)

// ErrNotFound is returned when neither backend holds a snapshot.
var ErrNotFound = errors.New("session snapshot not found")

// KV is the keyed store the snapshot is written to.
type KV interface {
	Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// Durable persists snapshots beyond the KV retention.
type Durable interface {
	SaveSnapshot(ctx context.Context, streamSID, callSID string, snapshot map[string]interface{}) error
	GetSnapshot(ctx context.Context, streamSID string) (map[string]interface{}, error)
}

// Cache stores session snapshots under customer:session:{stream_id}.
type Cache struct {
	kv      KV
	durable Durable
	logger  *log.Logger
	ttl     time.Duration
}

// Options configure the cache.
type Options struct {
	KV      KV
	Durable Durable
	Logger  *log.Logger
	TTL     time.Duration
}

// New creates a snapshot cache.
func New(opts Options) *Cache {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	return &Cache{
		kv:      opts.KV,
		durable: opts.Durable,
		logger:  opts.Logger,
		ttl:     opts.TTL,
	}
}

// Save writes snapshot to every configured backend. Writing to at least one
// backend counts as success.
func (c *Cache) Save(ctx context.Context, streamID, callID string, snapshot map[string]interface{}) error {
	if streamID == "" {
		streamID = "unknown"
	}
	var stored bool
	var lastErr error
	if c.kv != nil {
		payload, err := json.Marshal(snapshot)
		if err != nil {
			return fmt.Errorf("marshal snapshot: %w", err)
		}
		if err := c.kv.Set(ctx, events.SessionKey(streamID), payload, c.ttl); err != nil {
			c.logger.Printf("session cache: failed to store %s: %v", streamID, err)
			lastErr = err
		} else {
			stored = true
		}
	}
	if c.durable != nil {
		if err := c.durable.SaveSnapshot(ctx, streamID, callID, snapshot); err != nil {
			c.logger.Printf("session cache: failed to persist %s: %v", streamID, err)
			lastErr = err
		} else {
			stored = true
		}
	}
	if stored {
		return nil
	}
	if lastErr == nil {
		lastErr = errors.New("session cache unavailable")
	}
	return lastErr
}

// Get returns the latest snapshot, preferring the KV store.
func (c *Cache) Get(ctx context.Context, streamID string) (map[string]interface{}, error) {
	if streamID == "" {
		return nil, fmt.Errorf("stream id required")
	}
	if c.kv != nil {
		data, err := c.kv.Get(ctx, events.SessionKey(streamID))
		if err == nil && len(data) > 0 {
			var snapshot map[string]interface{}
			if err := json.Unmarshal(data, &snapshot); err == nil {
				return snapshot, nil
			}
		}
	}
	if c.durable != nil {
		snapshot, err := c.durable.GetSnapshot(ctx, streamID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return snapshot, err
	}
	return nil, ErrNotFound
}
