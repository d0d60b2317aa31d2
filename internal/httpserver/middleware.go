package httpserver

import (
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/intervue/interview-rtc/internal/metrics"
	"github.com/intervue/interview-rtc/internal/origin"
)

const (
	headerRequestID = "X-Request-ID"
	ctxKeyRequestID = "request_id"
	maxRequestIDLen = 128
)

func recoverMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(io.Discard, func(c *gin.Context, rec any) {
		logger.Error("panic in http handler",
			"recover", rec,
			"path", c.Request.URL.Path,
			"stack", string(debug.Stack()),
		)
		c.AbortWithStatus(http.StatusInternalServerError)
	})
}

// requestIDMiddleware propagates a caller supplied X-Request-ID or assigns a
// fresh uuid.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := strings.TrimSpace(c.GetHeader(headerRequestID))
		if reqID == "" || len(reqID) > maxRequestIDLen {
			reqID = uuid.NewString()
		}
		c.Request.Header.Set(headerRequestID, reqID)
		c.Header(headerRequestID, reqID)
		c.Set(ctxKeyRequestID, reqID)
		c.Next()
	}
}

func requestLoggerMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Info("http_request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", c.Request.RemoteAddr,
			"request_id", c.GetString(ctxKeyRequestID),
		)
	}
}

// originMiddleware rejects disallowed browser origins and answers CORS
// preflights. Requests without an Origin header pass untouched.
func originMiddleware(policy origin.Policy, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		normalizedOrigin, ok := policy.Check(c.Request)
		if !ok {
			m.Inc(metrics.OriginRejected)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
			return
		}
		if normalizedOrigin == "" {
			c.Next()
			return
		}

		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", normalizedOrigin)
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Set("Access-Control-Expose-Headers", headerRequestID)
		h.Add("Vary", "Origin")

		if c.Request.Method == http.MethodOptions && c.GetHeader("Access-Control-Request-Method") != "" {
			h.Set("Access-Control-Allow-Methods", "GET,OPTIONS")
			if requested := strings.TrimSpace(c.GetHeader("Access-Control-Request-Headers")); requested != "" {
				h.Set("Access-Control-Allow-Headers", requested)
			}
			h.Set("Access-Control-Max-Age", "600")
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
