// Package transport wires the HTTP surface: route registration, the
// gin middleware stack, and the WebSocket upgrade that hands connections
// off to internal/relay.
//
// Grounded on internal/middleware + cmd/main.go's router setup, trimmed
// to the concerns a relay process actually needs (request id, recovery,
// structured logging, timeout, CORS) and dropped of concerns with no
// analog here (agent API keys, CSRF, quota, org context, team RBAC).
package transport

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/streamspace/relayd/internal/logger"
)

const requestIDHeader = "X-Request-ID"

// RequestID assigns (or preserves) a correlation id for the request,
// echoing it back as a response header. Grounded on
// internal/middleware/request_id.go.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set(requestIDHeader, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func requestID(c *gin.Context) string {
	if v, ok := c.Get(requestIDHeader); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// StructuredLogger logs one structured entry per request via the
// package-wide zerolog logger, leveled by response status. Grounded on
// internal/middleware/structured_logger.go, ported from log.Printf maps
// to zerolog's structured event builder.
func StructuredLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		event := logger.HTTP().Info()
		switch {
		case status >= 500:
			event = logger.HTTP().Error()
		case status >= 400:
			event = logger.HTTP().Warn()
		}

		event.
			Str("request_id", requestID(c)).
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("request handled")
	}
}

// TimeoutConfig bounds plain HTTP handler duration; WebSocket upgrades
// are excluded since their connection lifetime is the relay's, not the
// router's. Grounded on internal/middleware/timeout.go.
type TimeoutConfig struct {
	Timeout       time.Duration
	ExcludedPaths []string
}

func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		Timeout:       30 * time.Second,
		ExcludedPaths: []string{"/ws/"},
	}
}

func Timeout(config TimeoutConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		for _, excluded := range config.ExcludedPaths {
			if strings.HasPrefix(path, excluded) {
				c.Next()
				return
			}
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), config.Timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		finished := make(chan struct{})
		go func() {
			c.Next()
			close(finished)
		}()

		select {
		case <-finished:
		case <-ctx.Done():
			c.AbortWithStatusJSON(http.StatusRequestTimeout, gin.H{
				"error":   "request timeout",
				"timeout": config.Timeout.String(),
			})
		}
	}
}

// CORSConfig controls which origins may talk to the relay's plain-HTTP
// endpoints. allowedOrigins empty means "reflect nothing", i.e. same-
// origin/non-browser clients only. Grounded on cmd/main.go's
// corsMiddleware, trimmed to the headers a WebSocket upgrade plus a
// couple of JSON endpoints actually need.
type CORSConfig struct {
	AllowedOrigins []string
}

func CORS(config CORSConfig) gin.HandlerFunc {
	allowed := make(map[string]bool, len(config.AllowedOrigins))
	for _, o := range config.AllowedOrigins {
		allowed[strings.TrimSpace(o)] = true
	}

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowed[origin] {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		c.Writer.Header().Set("Access-Control-Allow-Headers",
			"Content-Type, Accept, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Extensions, Sec-WebSocket-Protocol")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
