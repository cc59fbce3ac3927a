package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danielsht11/riley/internal/events"
	"github.com/danielsht11/riley/internal/notify"
)

type recordingHandler struct {
	eventType events.Type
	mu        sync.Mutex
	seen      []events.Envelope
	fail      func(env events.Envelope) error
	panicOn   string
}

func (h *recordingHandler) EventType() events.Type { return h.eventType }

func (h *recordingHandler) Handle(_ context.Context, env events.Envelope) error {
	h.mu.Lock()
	h.seen = append(h.seen, env)
	h.mu.Unlock()
	if h.panicOn != "" && env.String("name") == h.panicOn {
		panic("boom")
	}
	if h.fail != nil {
		return h.fail(env)
	}
	return nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.seen)
}

type readySubscriber struct {
	bus   *events.Bus
	ready chan struct{}
}

func (s *readySubscriber) Subscribe(ctx context.Context, channels ...string) (events.Subscription, error) {
	sub, err := s.bus.Subscribe(ctx, channels...)
	close(s.ready)
	return sub, err
}

func newBus() *events.Bus {
	return events.NewBus(events.Options{Transport: events.NewMemoryTransport()})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRunnerContinuesAfterHandlerFailure(t *testing.T) {
	t.Parallel()

	meetings := &recordingHandler{
		eventType: events.TypeMeetingScheduled,
		panicOn:   "second",
		fail: func(env events.Envelope) error {
			if env.String("name") == "first" {
				return errors.New("smtp down")
			}
			return nil
		},
	}
	reg, err := NewRegistry(meetings)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	bus := newBus()
	sub := &readySubscriber{bus: bus, ready: make(chan struct{})}
	runner := New(Options{Subscriber: sub, Registry: reg, PollTimeout: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()
	<-sub.ready

	for _, name := range []string{"first", "second", "third"} {
		if !bus.Publish(context.Background(), events.TypeMeetingScheduled, map[string]interface{}{"name": name}, events.Correlation{}) {
			t.Fatalf("publish %s failed", name)
		}
	}
	waitFor(t, "three handled events", func() bool { return meetings.count() == 3 })

	meetings.mu.Lock()
	last := meetings.seen[2].String("name")
	meetings.mu.Unlock()
	if last != "third" {
		t.Fatalf("expected events in order, last was %q", last)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("runner did not stop")
	}
}

func TestDispatchFallsBackToHighPriorityOnPriorityChannel(t *testing.T) {
	t.Parallel()

	high := &recordingHandler{eventType: events.TypeHighPriority}
	data := &recordingHandler{eventType: events.TypeCustomerData}
	reg, err := NewRegistry(high, data)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	runner := New(Options{Registry: reg})
	ctx := context.Background()

	env := func(t events.Type) []byte {
		b, err := events.Envelope{EventID: "e", EventType: t, Timestamp: time.Now()}.MarshalJSON()
		if err != nil {
			panic(err)
		}
		return b
	}

	runner.Dispatch(ctx, &events.Message{Channel: events.PriorityChannel, Payload: env(events.TypeEmailRequest)})
	if high.count() != 1 {
		t.Fatalf("unhandled type on the priority channel must reach the high_priority handler")
	}
	runner.Dispatch(ctx, &events.Message{Channel: events.PriorityChannel, Payload: env(events.TypeCustomerData)})
	if data.count() != 1 || high.count() != 1 {
		t.Fatalf("a registered type must use its own handler")
	}
	runner.Dispatch(ctx, &events.Message{Channel: "customer:email:request", Payload: env(events.TypeEmailRequest)})
	if high.count() != 1 {
		t.Fatalf("unhandled type off the priority channel must be dropped")
	}
	runner.Dispatch(ctx, &events.Message{Channel: events.DefaultChannel, Payload: []byte("{not json")})
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	t.Parallel()

	a := &recordingHandler{eventType: events.TypeCustomerData}
	b := &recordingHandler{eventType: events.TypeCustomerData}
	if _, err := NewRegistry(a, b); err == nil {
		t.Fatalf("expected duplicate handler error")
	}
	if _, err := NewRegistry(&recordingHandler{}); err == nil {
		t.Fatalf("expected empty event type error")
	}
}

type failingSubscriber struct{}

func (failingSubscriber) Subscribe(context.Context, ...string) (events.Subscription, error) {
	return nil, errors.New("redis unavailable")
}

func TestRunFailsWhenSubscribeFails(t *testing.T) {
	t.Parallel()

	if err := New(Options{Subscriber: failingSubscriber{}}).Run(context.Background()); err == nil {
		t.Fatalf("expected subscribe error")
	}
}

type fakeRecorder struct {
	sid, status string
	duration    int
}

func (f *fakeRecorder) UpdateCallStatus(_ context.Context, sid, status string, d int) error {
	f.sid, f.status, f.duration = sid, status, d
	return nil
}

func TestCallStatusHandler(t *testing.T) {
	t.Parallel()

	rec := &fakeRecorder{}
	h := &CallStatusHandler{Recorder: rec}
	err := h.Handle(context.Background(), events.Envelope{Data: map[string]interface{}{
		"call_sid": "CA1", "call_status": "completed", "call_duration": "42",
	}})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if rec.sid != "CA1" || rec.status != "completed" || rec.duration != 42 {
		t.Fatalf("unexpected update %+v", rec)
	}
	if err := h.Handle(context.Background(), events.Envelope{Data: map[string]interface{}{}}); err == nil {
		t.Fatalf("expected error without call sid")
	}
}

type nopDeliverer struct{}

func (nopDeliverer) Deliver(context.Context, notify.Message) bool { return true }

func TestNotificationRegistryCoversRoutedTypes(t *testing.T) {
	t.Parallel()

	reg, err := NotificationRegistry(notify.HandlerOptions{Deliverer: nopDeliverer{}}, &fakeRecorder{})
	if err != nil {
		t.Fatalf("NotificationRegistry: %v", err)
	}
	for _, typ := range []events.Type{
		events.TypeCustomerData,
		events.TypeCustomerDataInvalid,
		events.TypeMeetingScheduled,
		events.TypeEmailRequest,
		events.TypeHighPriority,
		events.TypeCallStatus,
	} {
		if _, ok := reg.Resolve(typ, events.ChannelFor(typ)); !ok {
			t.Fatalf("no handler registered for %s", typ)
		}
	}

	withoutStatus, err := NotificationRegistry(notify.HandlerOptions{Deliverer: nopDeliverer{}}, nil)
	if err != nil {
		t.Fatalf("NotificationRegistry: %v", err)
	}
	if _, ok := withoutStatus.Resolve(events.TypeCallStatus, events.ChannelFor(events.TypeCallStatus)); ok {
		t.Fatalf("call_status handler should be absent without a recorder")
	}
}
