package sessioncache

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/danielsht11/riley/internal/events"
	"github.com/danielsht11/riley/internal/store"
)

type brokenKV struct{}

func (brokenKV) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("redis down")
}

func (brokenKV) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("redis down")
}

func TestSaveWritesSessionKeyWithTTL(t *testing.T) {
	t.Parallel()

	kv := events.NewMemoryTransport()
	cache := New(Options{KV: kv})
	ctx := context.Background()

	if err := cache.Save(ctx, "MZ1", "CA1", map[string]interface{}{"full_name": "Dana", "validation_status": "valid"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	ttl, ok := kv.TTL("customer:session:MZ1")
	if !ok || ttl <= 23*time.Hour {
		t.Fatalf("expected 24h snapshot key, got ttl=%s present=%v", ttl, ok)
	}
	snap, err := cache.Get(ctx, "MZ1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if snap["validation_status"] != "valid" {
		t.Fatalf("unexpected snapshot %v", snap)
	}
}

func TestGetFallsBackToDatastore(t *testing.T) {
	t.Parallel()

	s, err := store.Open(filepath.Join(t.TempDir(), "state.db"), "sqlite")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	cache := New(Options{KV: brokenKV{}, Durable: s})
	ctx := context.Background()
	if err := cache.Save(ctx, "MZ2", "CA2", map[string]interface{}{"full_name": "Noa"}); err != nil {
		t.Fatalf("Save should succeed on the durable backend: %v", err)
	}
	snap, err := cache.Get(ctx, "MZ2")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if snap["full_name"] != "Noa" {
		t.Fatalf("unexpected snapshot %v", snap)
	}
	if _, err := cache.Get(ctx, "MZ404"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveFailsWithoutBackends(t *testing.T) {
	t.Parallel()

	if err := New(Options{KV: brokenKV{}}).Save(context.Background(), "MZ3", "", nil); err == nil {
		t.Fatalf("expected error when every backend fails")
	}
}
