package twilio

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	twilioclient "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

type fakeAPI struct {
	mu      sync.Mutex
	call    *openapi.ApiV2010Call
	err     error
	block   chan struct{}
	fetched []string
	updates map[string]*openapi.UpdateCallParams
	sent    []*openapi.CreateMessageParams
}

func (f *fakeAPI) FetchCall(sid string, _ *openapi.FetchCallParams) (*openapi.ApiV2010Call, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, sid)
	return f.call, f.err
}

func (f *fakeAPI) UpdateCall(sid string, params *openapi.UpdateCallParams) (*openapi.ApiV2010Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updates == nil {
		f.updates = map[string]*openapi.UpdateCallParams{}
	}
	f.updates[sid] = params
	return &openapi.ApiV2010Call{Sid: &sid}, f.err
}

func (f *fakeAPI) CreateMessage(params *openapi.CreateMessageParams) (*openapi.ApiV2010Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, params)
	sid := "SM1"
	return &openapi.ApiV2010Message{Sid: &sid}, nil
}

func strPtr(s string) *string { return &s }

func TestFetchCall(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{call: &openapi.ApiV2010Call{
		Sid:           strPtr("CA1"),
		From:          strPtr("+1555"),
		To:            strPtr("+1666"),
		ForwardedFrom: strPtr("+1777"),
		Status:        strPtr(CallStatusInProgress),
	}}
	c := newClient("AC123", "secret", api)

	call, err := c.FetchCall(context.Background(), "CA1")
	if err != nil {
		t.Fatalf("FetchCall: %v", err)
	}
	if call.ForwardedFrom != "+1777" || call.To != "+1666" || call.Status != CallStatusInProgress || call.Direction != "" {
		t.Fatalf("unexpected call %+v", call)
	}
	if len(api.fetched) != 1 || api.fetched[0] != "CA1" {
		t.Fatalf("unexpected lookups %v", api.fetched)
	}
}

func TestHangupPostsCompleted(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{}
	c := newClient("AC123", "secret", api)
	if err := c.Hangup(context.Background(), "CA1"); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	params := api.updates["CA1"]
	if params == nil || params.Status == nil || *params.Status != CallStatusCompleted {
		t.Fatalf("expected Status=completed, got %+v", params)
	}
}

func TestSendMessage(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{}
	c := newClient("AC123", "secret", api)
	sid, err := c.SendMessage(context.Background(), "whatsapp:+1", "whatsapp:+2", "hi")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if sid != "SM1" || len(api.sent) != 1 {
		t.Fatalf("unexpected send sid=%s sent=%d", sid, len(api.sent))
	}
	p := api.sent[0]
	if *p.From != "whatsapp:+1" || *p.To != "whatsapp:+2" || *p.Body != "hi" {
		t.Fatalf("unexpected params from=%s to=%s body=%s", *p.From, *p.To, *p.Body)
	}
}

func TestRestErrorIsReturned(t *testing.T) {
	t.Parallel()

	c := newClient("AC123", "secret", &fakeAPI{err: &twilioclient.TwilioRestError{Status: 404, Code: 20404, Message: "The requested resource was not found"}})
	_, err := c.SendMessage(context.Background(), "whatsapp:+1", "whatsapp:+2", "hi")
	var restErr *twilioclient.TwilioRestError
	if !errors.As(err, &restErr) {
		t.Fatalf("expected *TwilioRestError, got %v", err)
	}
	if restErr.Code != 20404 || restErr.Status != 404 {
		t.Fatalf("unexpected rest error %+v", restErr)
	}
}

func TestFetchCallHonorsContext(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{block: make(chan struct{}), call: &openapi.ApiV2010Call{}}
	t.Cleanup(func() { close(api.block) })
	c := newClient("AC123", "secret", api)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	if _, err := c.FetchCall(ctx, "CA1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("FetchCall ignored its context")
	}
}

func TestUnconfiguredClient(t *testing.T) {
	t.Parallel()

	c := NewClient("", "")
	if _, err := c.FetchCall(context.Background(), "CA1"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestConnectStream(t *testing.T) {
	t.Parallel()

	out, err := ConnectStream("wss://voice.example.com/twilio/media-stream")
	if err != nil {
		t.Fatalf("ConnectStream: %v", err)
	}
	want := `<Response><Connect><Stream url="wss://voice.example.com/twilio/media-stream"></Stream></Connect></Response>`
	if !strings.HasSuffix(string(out), want) || !strings.HasPrefix(string(out), "<?xml") {
		t.Fatalf("unexpected twiml %s", out)
	}
}
