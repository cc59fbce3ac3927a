package api

import (
	"crypto/subtle"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	twilioclient "github.com/twilio/twilio-go/client"

	"github.com/danielsht11/riley/internal/logutil"
)

const twilioSignatureHeader = "X-Twilio-Signature"

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()

		requestID, _ := c.Get("requestID")
		// Twilio webhooks carry the call they belong to; the form is only
		// read when a handler already parsed it.
		if c.Request.Form != nil {
			if callSID := c.Request.Form.Get("CallSid"); callSID != "" {
				log.Printf("%s %s %d %s request_id=%v call_sid=%s", method, path, statusCode, latency, requestID, callSID)
				return
			}
		}
		log.Printf("%s %s %d %s request_id=%v", method, path, statusCode, latency, requestID)
	}
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("requestID", id)
		c.Writer.Header().Set("X-Request-ID", id)
		c.Next()
	}
}

func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		latency := time.Since(start).Seconds()
		status := fmt.Sprintf("%d", c.Writer.Status())
		httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(latency)
	}
}

// authMiddleware guards the operator routes with RILEY_API_TOKEN, sent as a
// bearer token or X-API-Key.
func authMiddleware(token string) gin.HandlerFunc {
	if token == "" {
		return func(c *gin.Context) {
			c.Next()
		}
	}
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if strings.HasPrefix(header, "Bearer ") {
			header = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		}
		if header == "" {
			header = c.GetHeader("X-API-Key")
		}

		if subtle.ConstantTimeCompare([]byte(header), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// twilioSignatureMiddleware rejects webhooks whose X-Twilio-Signature does not
// match the URL Twilio called plus the posted form, signed with the account
// auth token. Without a token every request passes.
func twilioSignatureMiddleware(authToken, publicHost string) gin.HandlerFunc {
	if authToken == "" {
		return func(c *gin.Context) {
			c.Next()
		}
	}
	validator := twilioclient.NewRequestValidator(authToken)
	return func(c *gin.Context) {
		signature := c.GetHeader(twilioSignatureHeader)
		if signature == "" {
			rejectWebhook(c, "missing signature")
			return
		}
		params := map[string]string{}
		if c.Request.Method == http.MethodPost {
			if err := c.Request.ParseForm(); err != nil {
				rejectWebhook(c, "unreadable form")
				return
			}
			for key, values := range c.Request.PostForm {
				if len(values) > 0 {
					params[key] = values[0]
				}
			}
		}
		if !validator.Validate(webhookURL(c.Request, publicHost), params, signature) {
			rejectWebhook(c, "signature mismatch")
			return
		}
		c.Next()
	}
}

func rejectWebhook(c *gin.Context, reason string) {
	logutil.Warn("twilio_webhook_rejected", map[string]interface{}{
		"path":   c.Request.URL.Path,
		"reason": reason,
	})
	c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid twilio signature"})
}

// webhookURL rebuilds the public URL Twilio signed. Behind a proxy the
// configured public host wins over the Host header.
func webhookURL(r *http.Request, publicHost string) string {
	scheme := "https"
	host := strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(publicHost, "https://"), "http://"), "/")
	if host == "" {
		host = r.Host
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else if r.TLS == nil {
			scheme = "http"
		}
	}
	return scheme + "://" + host + r.URL.RequestURI()
}
