package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/danielsht11/riley/internal/bridge"
	"github.com/danielsht11/riley/internal/events"
	"github.com/danielsht11/riley/internal/sessioncache"
	"github.com/danielsht11/riley/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newBus() *events.Bus {
	return events.NewBus(events.Options{Transport: events.NewMemoryTransport()})
}

func TestIncomingCallReturnsTwiML(t *testing.T) {
	t.Parallel()

	handler := New(nil, nil, nil, nil, nil, Options{PublicHost: "https://riley.example.com/"})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/twilio/incoming-call", strings.NewReader("CallSid=CA1"))
	c.Request.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	handler.IncomingCall(c)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/xml") {
		t.Fatalf("unexpected content type %q", ct)
	}
	if !strings.Contains(w.Body.String(), `<Stream url="wss://riley.example.com/twilio/media-stream">`) {
		t.Fatalf("unexpected twiml: %s", w.Body.String())
	}
}

func TestIncomingCallDefaultsToRequestHost(t *testing.T) {
	t.Parallel()

	handler := New(nil, nil, nil, nil, nil, Options{})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/twilio/incoming-call", nil)
	c.Request.Host = "agent.example.org"

	handler.IncomingCall(c)

	if !strings.Contains(w.Body.String(), "wss://agent.example.org/twilio/media-stream") {
		t.Fatalf("unexpected twiml: %s", w.Body.String())
	}
}

func TestCallStatusPublishesEvent(t *testing.T) {
	t.Parallel()

	bus := newBus()
	sub, err := bus.Subscribe(context.Background(), events.ChannelFor(events.TypeCallStatus))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	handler := New(bus, nil, nil, nil, nil, Options{})

	form := url.Values{"CallSid": {"CA9"}, "CallStatus": {"completed"}, "CallDuration": {"61"}}
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/twilio/call-status", strings.NewReader(form.Encode()))
	c.Request.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	handler.CallStatus(c)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d: %s", w.Code, w.Body.String())
	}
	msg, err := sub.Poll(context.Background(), time.Second)
	if err != nil || msg == nil {
		t.Fatalf("expected call_status message, got %v %v", msg, err)
	}
	env, err := events.Decode(msg.Payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.EventType != events.TypeCallStatus || env.CallID != "CA9" || env.String("call_duration") != "61" {
		t.Fatalf("unexpected envelope %+v", env)
	}
}

func TestCallStatusRequiresCallSid(t *testing.T) {
	t.Parallel()

	handler := New(newBus(), nil, nil, nil, nil, Options{})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/twilio/call-status?CallStatus=ringing", nil)

	handler.CallStatus(c)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 got %d", w.Code)
	}
}

func TestCustomersHealth(t *testing.T) {
	t.Parallel()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/customers/health", nil)
	New(newBus(), nil, nil, nil, nil, Options{}).CustomersHealth(c)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", w.Code)
	}

	w = httptest.NewRecorder()
	c, _ = gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/customers/health", nil)
	var nilBus *events.Bus
	New(nilBus, nil, nil, nil, nil, Options{}).CustomersHealth(c)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503 got %d", w.Code)
	}
}

type fakeSessions struct {
	snapshots map[string]map[string]interface{}
}

func (f *fakeSessions) Get(_ context.Context, streamID string) (map[string]interface{}, error) {
	if s, ok := f.snapshots[streamID]; ok {
		return s, nil
	}
	return nil, sessioncache.ErrNotFound
}

func TestGetSession(t *testing.T) {
	t.Parallel()

	sessions := &fakeSessions{snapshots: map[string]map[string]interface{}{
		"MZ1": {"full_name": "Dana Levi"},
	}}
	handler := New(nil, sessions, nil, nil, nil, Options{})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/customers/sessions/MZ1", nil)
	c.Params = gin.Params{{Key: "stream_id", Value: "MZ1"}}
	handler.GetSession(c)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", w.Code)
	}
	var body struct {
		StreamID string                 `json:"stream_id"`
		Data     map[string]interface{} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.StreamID != "MZ1" || body.Data["full_name"] != "Dana Levi" {
		t.Fatalf("unexpected body %+v", body)
	}

	w = httptest.NewRecorder()
	c, _ = gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/customers/sessions/MZ2", nil)
	c.Params = gin.Params{{Key: "stream_id", Value: "MZ2"}}
	handler.GetSession(c)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 got %d", w.Code)
	}
}

func TestGetSessionEventReplaysEnvelope(t *testing.T) {
	t.Parallel()

	bus := newBus()
	env, err := bus.PublishEnvelope(context.Background(), events.TypeMeetingScheduled,
		map[string]interface{}{"client_name": "Dana"}, events.Correlation{StreamID: "MZ1"})
	if err != nil {
		t.Fatalf("PublishEnvelope: %v", err)
	}
	handler := New(bus, nil, nil, nil, nil, Options{})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/customers/sessions/MZ1/events/"+env.EventID, nil)
	c.Params = gin.Params{{Key: "stream_id", Value: "MZ1"}, {Key: "event_id", Value: env.EventID}}
	handler.GetSessionEvent(c)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d: %s", w.Code, w.Body.String())
	}
	replayed, err := events.Decode(w.Body.Bytes())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if replayed.EventID != env.EventID || replayed.String("client_name") != "Dana" {
		t.Fatalf("unexpected replay %+v", replayed)
	}

	w = httptest.NewRecorder()
	c, _ = gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/customers/sessions/MZ1/events/missing", nil)
	c.Params = gin.Params{{Key: "stream_id", Value: "MZ1"}, {Key: "event_id", Value: "missing"}}
	handler.GetSessionEvent(c)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 got %d", w.Code)
	}
}

func TestPublishEvent(t *testing.T) {
	t.Parallel()

	handler := New(newBus(), nil, nil, nil, nil, Options{})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/customers/events",
		strings.NewReader(`{"event_type":"email_request","stream_id":"MZ1","data":{"client_data":{}}}`))
	c.Request.Header.Set("Content-Type", "application/json")
	handler.PublishEvent(c)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected status 202 got %d: %s", w.Code, w.Body.String())
	}
	var body struct {
		Channel string `json:"channel"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Channel != "customer:email:request" {
		t.Fatalf("unexpected channel %q", body.Channel)
	}

	w = httptest.NewRecorder()
	c, _ = gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/customers/events", strings.NewReader(`{"data":{}}`))
	c.Request.Header.Set("Content-Type", "application/json")
	handler.PublishEvent(c)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 got %d", w.Code)
	}
}

func TestValidateCustomer(t *testing.T) {
	t.Parallel()

	handler := New(nil, nil, nil, nil, nil, Options{})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/customers/validate", strings.NewReader(
		`{"full_name":"Dana Levi","reason_calling":"leaking pipe","preferred_contact_method":"Email"}`))
	c.Request.Header.Set("Content-Type", "application/json")
	handler.ValidateCustomer(c)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d: %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	c, _ = gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/customers/validate", strings.NewReader(
		`{"full_name":"Dana Levi","preferred_contact_method":"Email"}`))
	c.Request.Header.Set("Content-Type", "application/json")
	handler.ValidateCustomer(c)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422 got %d", w.Code)
	}
	var body struct {
		Valid  bool     `json:"valid"`
		Errors []string `json:"errors"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Valid || len(body.Errors) == 0 {
		t.Fatalf("expected validation errors, got %+v", body)
	}
}

type fakeCallLog struct {
	limit int
	calls []store.Call
	err   error
}

func (f *fakeCallLog) ListCalls(_ context.Context, limit int) ([]store.Call, error) {
	f.limit = limit
	return f.calls, f.err
}

func (f *fakeCallLog) ListDeliveries(_ context.Context, limit int) ([]store.Delivery, error) {
	f.limit = limit
	return nil, f.err
}

func TestListCallsClampsLimit(t *testing.T) {
	t.Parallel()

	calls := &fakeCallLog{calls: []store.Call{{CallSID: "CA1", Status: "completed"}}}
	handler := New(nil, nil, calls, nil, nil, Options{})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/calls?limit=100000", nil)
	handler.ListCalls(c)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", w.Code)
	}
	if calls.limit != maxListLimit {
		t.Fatalf("expected limit clamped to %d, got %d", maxListLimit, calls.limit)
	}
	if !strings.Contains(w.Body.String(), `"callSid":"CA1"`) {
		t.Fatalf("unexpected body %s", w.Body.String())
	}

	calls.err = errors.New("db down")
	w = httptest.NewRecorder()
	c, _ = gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/deliveries?limit=abc", nil)
	handler.ListDeliveries(c)
	if w.Code != http.StatusInternalServerError || calls.limit != defaultListLimit {
		t.Fatalf("expected 500 with default limit, got %d limit=%d", w.Code, calls.limit)
	}
}

type idleConn struct {
	closed chan struct{}
	once   sync.Once
}

func (c *idleConn) ReadMessage() (int, []byte, error) {
	<-c.closed
	return 0, nil, errors.New("closed")
}

func (c *idleConn) WriteMessage(int, []byte) error { return nil }

func (c *idleConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type recordingBridge struct {
	served chan bridge.Conn
}

func (b *recordingBridge) Serve(_ context.Context, telephonyConn, modelConn bridge.Conn) error {
	b.served <- modelConn
	_ = telephonyConn.Close()
	return modelConn.Close()
}

func TestMediaStreamBridgesUpgradedConnection(t *testing.T) {
	t.Parallel()

	model := &idleConn{closed: make(chan struct{})}
	br := &recordingBridge{served: make(chan bridge.Conn, 1)}
	dial := func(context.Context) (bridge.Conn, error) { return model, nil }
	handler := New(nil, nil, nil, br, dial, Options{})

	engine := gin.New()
	engine.GET("/twilio/media-stream", handler.MediaStream)
	srv := httptest.NewServer(engine)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/twilio/media-stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	select {
	case got := <-br.served:
		if got != model {
			t.Fatalf("bridge received the wrong model connection")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("bridge was not invoked")
	}
}

func TestMediaStreamWithoutBridge(t *testing.T) {
	t.Parallel()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/twilio/media-stream", nil)
	New(nil, nil, nil, nil, nil, Options{}).MediaStream(c)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503 got %d", w.Code)
	}
}
