package events

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"
)

func newTestBus(t *testing.T) (*Bus, *MemoryTransport) {
	t.Helper()
	transport := NewMemoryTransport()
	return NewBus(Options{Transport: transport}), transport
}

func pollAll(t *testing.T, sub Subscription) []*Message {
	t.Helper()
	var out []*Message
	for {
		msg, err := sub.Poll(context.Background(), 20*time.Millisecond)
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		if msg == nil {
			return out
		}
		out = append(out, msg)
	}
}

func TestPublishIdenticalDataGetsDistinctIDs(t *testing.T) {
	t.Parallel()

	bus, _ := newTestBus(t)
	ctx := context.Background()
	sub, err := bus.Subscribe(ctx, ChannelFor(TypeMeetingScheduled))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	data := map[string]interface{}{"client_name": "Dana", "meeting_date": "2025-07-01"}
	for i := 0; i < 2; i++ {
		if !bus.Publish(ctx, TypeMeetingScheduled, data, Correlation{StreamID: "MZ1"}) {
			t.Fatalf("publish %d returned false", i)
		}
	}

	msgs := pollAll(t, sub)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	first, err := Decode(msgs[0].Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	second, err := Decode(msgs[1].Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first.EventID == second.EventID {
		t.Fatalf("expected distinct event ids, both %s", first.EventID)
	}
	if !reflect.DeepEqual(first.Data, second.Data) {
		t.Fatalf("expected equal data, got %v and %v", first.Data, second.Data)
	}
}

func TestPublishUrgentFansOutToPriorityChannel(t *testing.T) {
	t.Parallel()

	bus, _ := newTestBus(t)
	ctx := context.Background()
	canonical := ChannelFor(TypeCustomerData)
	sub, err := bus.Subscribe(ctx, canonical, PriorityChannel)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	bus.Publish(ctx, TypeCustomerData, map[string]interface{}{"full_name": "Dana", "urgency": "high"}, Correlation{})
	msgs := pollAll(t, sub)
	if len(msgs) != 2 {
		t.Fatalf("expected canonical and priority delivery, got %d messages", len(msgs))
	}
	if msgs[0].Channel != canonical || msgs[1].Channel != PriorityChannel {
		t.Fatalf("unexpected channels %s, %s", msgs[0].Channel, msgs[1].Channel)
	}
	if string(msgs[0].Payload) != string(msgs[1].Payload) {
		t.Fatalf("priority copy differs from canonical envelope")
	}

	bus.Publish(ctx, TypeCustomerData, map[string]interface{}{"full_name": "Dana"}, Correlation{})
	msgs = pollAll(t, sub)
	if len(msgs) != 1 || msgs[0].Channel != canonical {
		t.Fatalf("expected canonical delivery only, got %+v", msgs)
	}
}

func TestPublishUrgencyIsCaseInsensitive(t *testing.T) {
	t.Parallel()

	bus, _ := newTestBus(t)
	ctx := context.Background()
	sub, err := bus.Subscribe(ctx, PriorityChannel)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	bus.Publish(ctx, TypeEmailRequest, map[string]interface{}{"urgency": "URGENT"}, Correlation{})
	bus.Publish(ctx, TypeEmailRequest, map[string]interface{}{"urgency": "low"}, Correlation{})
	if msgs := pollAll(t, sub); len(msgs) != 1 {
		t.Fatalf("expected one priority delivery, got %d", len(msgs))
	}
}

func TestPublishHighPriorityIsNotDuplicated(t *testing.T) {
	t.Parallel()

	bus, _ := newTestBus(t)
	ctx := context.Background()
	sub, err := bus.Subscribe(ctx, PriorityChannel)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	bus.Publish(ctx, TypeHighPriority, map[string]interface{}{"urgency": "urgent"}, Correlation{})
	if msgs := pollAll(t, sub); len(msgs) != 1 {
		t.Fatalf("expected a single delivery, got %d", len(msgs))
	}
}

func TestPublishUnknownTypeUsesDefaultChannel(t *testing.T) {
	t.Parallel()

	bus, _ := newTestBus(t)
	ctx := context.Background()
	sub, err := bus.Subscribe(ctx, DefaultChannel)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	bus.Publish(ctx, Type("survey_completed"), nil, Correlation{})
	msgs := pollAll(t, sub)
	if len(msgs) != 1 {
		t.Fatalf("expected delivery on default channel, got %d", len(msgs))
	}
	env, err := Decode(msgs[0].Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.EventType != "survey_completed" || env.Data == nil {
		t.Fatalf("unexpected envelope %+v", env)
	}
}

func TestPublishPersistsEnvelopeWithRetention(t *testing.T) {
	t.Parallel()

	bus, transport := newTestBus(t)
	ctx := context.Background()
	env, err := bus.PublishEnvelope(ctx, TypeCustomerData, map[string]interface{}{"full_name": "Dana"}, Correlation{StreamID: "MZ9", CallID: "CA9"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	key := "customer:session:MZ9:" + env.EventID
	ttl, ok := transport.TTL(key)
	if !ok {
		t.Fatalf("expected key %s to be stored", key)
	}
	if ttl <= 23*time.Hour || ttl > 24*time.Hour {
		t.Fatalf("expected ~24h retention, got %s", ttl)
	}

	stored, err := bus.Event(ctx, "MZ9", env.EventID)
	if err != nil {
		t.Fatalf("event: %v", err)
	}
	if stored.CallID != "CA9" || stored.String("full_name") != "Dana" {
		t.Fatalf("unexpected replayed envelope %+v", stored)
	}
}

func TestPublishWithoutStreamUsesUnknownKey(t *testing.T) {
	t.Parallel()

	bus, transport := newTestBus(t)
	env, err := bus.PublishEnvelope(context.Background(), TypeEmailRequest, nil, Correlation{})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, ok := transport.TTL("customer:session:unknown:" + env.EventID); !ok {
		t.Fatalf("expected envelope under the unknown stream key")
	}
}

func TestEventNotFound(t *testing.T) {
	t.Parallel()

	bus, _ := newTestBus(t)
	if _, err := bus.Event(context.Background(), "MZ1", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPublishWithoutTransportReturnsFalse(t *testing.T) {
	t.Parallel()

	bus := NewBus(Options{})
	if bus.Publish(context.Background(), TypeCustomerData, nil, Correlation{}) {
		t.Fatalf("expected publish without transport to fail")
	}
}

type failingTransport struct {
	*MemoryTransport
}

func (failingTransport) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("store down")
}

func TestPublishReportsStoreFailure(t *testing.T) {
	t.Parallel()

	bus := NewBus(Options{Transport: failingTransport{NewMemoryTransport()}})
	if bus.Publish(context.Background(), TypeCustomerData, nil, Correlation{}) {
		t.Fatalf("expected publish to report the failed write")
	}
}

func TestEnvelopeWireFormat(t *testing.T) {
	t.Parallel()

	env := Envelope{
		EventID:   "id-1",
		EventType: TypeCustomerData,
		Timestamp: time.Date(2025, 7, 1, 9, 30, 0, 0, time.UTC),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var wire map[string]interface{}
	if err := json.Unmarshal(raw, &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if wire["stream_id"] != nil || wire["call_id"] != nil {
		t.Fatalf("expected null correlation ids, got %v", wire)
	}
	if wire["timestamp"] != "2025-07-01T09:30:00Z" {
		t.Fatalf("unexpected timestamp %v", wire["timestamp"])
	}
	if _, ok := wire["data"].(map[string]interface{}); !ok {
		t.Fatalf("expected data object, got %v", wire["data"])
	}
}

func TestDecodeAcceptsZonelessTimestamp(t *testing.T) {
	t.Parallel()

	env, err := Decode([]byte(`{"event_id":"x","event_type":"customer_data","timestamp":"2025-07-01T09:30:00.123456","stream_id":null,"call_id":"CA1","data":{}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.CallID != "CA1" || env.StreamID != "" || env.Timestamp.Hour() != 9 {
		t.Fatalf("unexpected envelope %+v", env)
	}
	if _, err := Decode([]byte(`{"event_id":"x"}`)); err == nil {
		t.Fatalf("expected missing event_type to fail")
	}
}

func TestMemoryTransportExpiresKeys(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	transport := NewMemoryTransport()
	transport.now = func() time.Time { return now }
	ctx := context.Background()

	if err := transport.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := transport.Get(ctx, "k"); err != nil {
		t.Fatalf("get: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := transport.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expiry, got %v", err)
	}
}
