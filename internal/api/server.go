package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/danielsht11/riley/internal/handlers"
)

// Options configures the HTTP server wiring.
type Options struct {
	APIToken string
	// TwilioAuthToken enables X-Twilio-Signature checks on the voice webhooks.
	TwilioAuthToken string
	// PublicHost is the host Twilio calls, used to rebuild signed URLs.
	PublicHost string
}

// Server wraps the Gin engine and associated configuration.
type Server struct {
	engine *gin.Engine
}

// NewServer constructs a Server with all HTTP routes configured.
func NewServer(handler *handlers.Handler, opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	engine.Use(gin.Recovery(), requestIDMiddleware(), metricsMiddleware(), requestLogger())

	// Health + meta
	engine.GET("/healthz", handler.Health)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/openapi", handler.OpenAPISpec)

	// Twilio webhooks and the media stream
	engine.GET("/twilio/media-stream", handler.MediaStream)
	webhooks := engine.Group("/twilio")
	webhooks.Use(twilioSignatureMiddleware(opts.TwilioAuthToken, opts.PublicHost))
	webhooks.POST("/incoming-call", handler.IncomingCall)
	webhooks.POST("/call-status", handler.CallStatus)
	webhooks.GET("/call-status", handler.CallStatus)

	protected := engine.Group("/")
	protected.Use(authMiddleware(opts.APIToken))

	protected.GET("/customers/health", handler.CustomersHealth)
	protected.GET("/customers/sessions/:stream_id", handler.GetSession)
	protected.GET("/customers/sessions/:stream_id/events/:event_id", handler.GetSessionEvent)
	protected.POST("/customers/events", handler.PublishEvent)
	protected.POST("/customers/validate", handler.ValidateCustomer)
	protected.GET("/calls", handler.ListCalls)
	protected.GET("/deliveries", handler.ListDeliveries)

	return &Server{engine: engine}
}

// Engine exposes the underlying Gin engine for advanced use (testing, etc.).
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Start launches the HTTP server on the provided address. WriteTimeout is left
// unset because media stream connections are long lived.
func (s *Server) Start(addr string) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			panic(err)
		}
	}()
	return srv
}
