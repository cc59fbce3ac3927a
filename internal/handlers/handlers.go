// Package handlers provides HTTP request handlers for the voice agent API.
package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/danielsht11/riley/internal/bridge"
	"github.com/danielsht11/riley/internal/customer"
	"github.com/danielsht11/riley/internal/events"
	"github.com/danielsht11/riley/internal/logutil"
	"github.com/danielsht11/riley/internal/openapi"
	"github.com/danielsht11/riley/internal/sessioncache"
	"github.com/danielsht11/riley/internal/store"
	"github.com/danielsht11/riley/internal/twilio"
)

const (
	defaultStreamPath = "/twilio/media-stream"
	defaultListLimit  = 50
	maxListLimit      = 500
)

// Options configures handler runtime behavior.
type Options struct {
	// PublicHost is the host Twilio reaches the media stream on. Defaults to the request host.
	PublicHost string
	StreamPath string
	// DialTimeout bounds the model connection attempt for a new call.
	DialTimeout time.Duration
}

type eventBus interface {
	PublishEnvelope(context.Context, events.Type, map[string]interface{}, events.Correlation) (events.Envelope, error)
	Event(ctx context.Context, streamID, eventID string) (*events.Envelope, error)
	Ping(context.Context) error
}

type sessionReader interface {
	Get(ctx context.Context, streamID string) (map[string]interface{}, error)
}

type callLog interface {
	ListCalls(ctx context.Context, limit int) ([]store.Call, error)
	ListDeliveries(ctx context.Context, limit int) ([]store.Delivery, error)
}

type callBridge interface {
	Serve(ctx context.Context, telephonyConn, modelConn bridge.Conn) error
}

// ModelDialer opens the model leg of a new call.
type ModelDialer func(ctx context.Context) (bridge.Conn, error)

// Handler encapsulates dependencies for HTTP handlers.
type Handler struct {
	bus      eventBus
	sessions sessionReader
	calls    callLog
	bridge   callBridge
	dial     ModelDialer
	upgrader websocket.Upgrader
	opts     Options
}

// New creates a new Handler instance. Any dependency may be nil; the routes
// that need it then answer 503.
func New(bus eventBus, sessions sessionReader, calls callLog, br callBridge, dial ModelDialer, opts Options) *Handler {
	if opts.StreamPath == "" {
		opts.StreamPath = defaultStreamPath
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 15 * time.Second
	}
	if bus != nil && isNilInterface(bus) {
		bus = nil
	}
	if sessions != nil && isNilInterface(sessions) {
		sessions = nil
	}
	if calls != nil && isNilInterface(calls) {
		calls = nil
	}
	if br != nil && isNilInterface(br) {
		br = nil
	}
	return &Handler{
		bus:      bus,
		sessions: sessions,
		calls:    calls,
		bridge:   br,
		dial:     dial,
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Twilio does not send an Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

type publishRequest struct {
	EventType string                 `json:"event_type" binding:"required"`
	StreamID  string                 `json:"stream_id,omitempty"`
	CallID    string                 `json:"call_id,omitempty"`
	Data      map[string]interface{} `json:"data"`
}

// Health returns the health status of the service.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// OpenAPISpec serves the API description as JSON.
func (h *Handler) OpenAPISpec(c *gin.Context) {
	body, err := openapi.JSON()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to render openapi document"})
		return
	}
	c.Data(http.StatusOK, "application/json", body)
}

// IncomingCall answers the Twilio voice webhook with TwiML that connects the
// call to the media stream endpoint.
func (h *Handler) IncomingCall(c *gin.Context) {
	host := h.opts.PublicHost
	if host == "" {
		host = c.Request.Host
	}
	host = strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(host, "https://"), "http://"), "/")

	body, err := twilio.ConnectStream("wss://" + host + h.opts.StreamPath)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to render twiml"})
		return
	}
	logutil.Info("incoming_call", map[string]interface{}{
		"call_sid": c.PostForm("CallSid"),
		"from":     c.PostForm("From"),
		"host":     host,
	})
	c.Data(http.StatusOK, "application/xml", body)
}

// MediaStream upgrades the Twilio media stream and bridges it to a fresh model session.
func (h *Handler) MediaStream(c *gin.Context) {
	if h.bridge == nil || h.dial == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "media bridge is not configured"})
		return
	}
	telephonyConn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("media stream upgrade failed: %v", err)
		return
	}

	ctx := c.Request.Context()
	dialCtx, cancel := context.WithTimeout(ctx, h.opts.DialTimeout)
	modelConn, err := h.dial(dialCtx)
	cancel()
	if err != nil {
		logutil.Error("model_dial_failed", err, nil)
		_ = telephonyConn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "model unavailable"),
			time.Now().Add(time.Second))
		_ = telephonyConn.Close()
		return
	}

	if err := h.bridge.Serve(ctx, telephonyConn, modelConn); err != nil {
		logutil.Error("call_session_failed", err, nil)
	}
}

// CallStatus publishes Twilio status callbacks as call_status events.
func (h *Handler) CallStatus(c *gin.Context) {
	if err := c.Request.ParseForm(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid form body"})
		return
	}
	form := c.Request.Form
	sid := form.Get("CallSid")
	if sid == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "CallSid is required"})
		return
	}
	if h.bus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event bus is not configured"})
		return
	}

	data := map[string]interface{}{
		"call_sid":      sid,
		"call_status":   form.Get("CallStatus"),
		"call_duration": form.Get("CallDuration"),
	}
	env, err := h.bus.PublishEnvelope(c.Request.Context(), events.TypeCallStatus, data, events.Correlation{CallID: sid})
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to publish call status"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "received", "event_id": env.EventID})
}

// CustomersHealth reports whether the event bus transport is reachable.
func (h *Handler) CustomersHealth(c *gin.Context) {
	if h.bus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": "event bus is not configured"})
		return
	}
	if err := h.bus.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "channels": events.RoutedChannels()})
}

// GetSession returns the latest customer snapshot captured for a stream.
func (h *Handler) GetSession(c *gin.Context) {
	if h.sessions == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "session cache is not configured"})
		return
	}
	streamID := c.Param("stream_id")
	snapshot, err := h.sessions.Get(c.Request.Context(), streamID)
	if errors.Is(err, sessioncache.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stream_id": streamID, "data": snapshot})
}

// GetSessionEvent replays one persisted envelope.
func (h *Handler) GetSessionEvent(c *gin.Context) {
	if h.bus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event bus is not configured"})
		return
	}
	env, err := h.bus.Event(c.Request.Context(), c.Param("stream_id"), c.Param("event_id"))
	if errors.Is(err, events.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "event not found or expired"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, env)
}

// PublishEvent lets an operator inject an event onto the bus.
func (h *Handler) PublishEvent(c *gin.Context) {
	var req publishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if h.bus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event bus is not configured"})
		return
	}
	if req.Data == nil {
		req.Data = map[string]interface{}{}
	}

	env, err := h.bus.PublishEnvelope(c.Request.Context(), events.Type(req.EventType), req.Data,
		events.Correlation{StreamID: req.StreamID, CallID: req.CallID})
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "publish failed: " + err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"status":  "published",
		"channel": events.ChannelFor(env.EventType),
		"event":   env,
	})
}

// ValidateCustomer runs the customer schema against a candidate payload.
func (h *Handler) ValidateCustomer(c *gin.Context) {
	var fields map[string]interface{}
	if err := c.ShouldBindJSON(&fields); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid customer payload: " + err.Error()})
		return
	}

	record, err := customer.Validate(fields)
	var verr *customer.ValidationError
	if errors.As(err, &verr) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"valid": false, "errors": verr.Problems})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true, "record": record})
}

// ListCalls returns the most recent call log rows.
func (h *Handler) ListCalls(c *gin.Context) {
	if h.calls == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "datastore is not configured"})
		return
	}
	calls, err := h.calls.ListCalls(c.Request.Context(), listLimit(c))
	if err != nil {
		log.Printf("Failed to list calls: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list calls"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": calls})
}

// ListDeliveries returns the most recent notification attempts.
func (h *Handler) ListDeliveries(c *gin.Context) {
	if h.calls == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "datastore is not configured"})
		return
	}
	deliveries, err := h.calls.ListDeliveries(c.Request.Context(), listLimit(c))
	if err != nil {
		log.Printf("Failed to list deliveries: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list deliveries"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": deliveries})
}

func listLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultListLimit)))
	if err != nil || limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func isNilInterface(value interface{}) bool {
	val := reflect.ValueOf(value)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Func, reflect.Map, reflect.Slice, reflect.Chan:
		return val.IsNil()
	default:
		return false
	}
}
