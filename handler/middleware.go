package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"kb-chat/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	correlationKey    = "correlationId"
)

var newCorrelationID = func() string { return uuid.NewString() }

// correlate propagates the caller's correlation id or assigns a new one.
// gin's header lookup is case-insensitive.
func correlate() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(correlationHeader))
		if id == "" {
			id = newCorrelationID()
		}
		c.Set(correlationKey, id)
		c.Header(correlationHeader, id)
		c.Next()
	}
}

func correlationID(c *gin.Context) string {
	return c.GetString(correlationKey)
}

func requestLog(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("correlation_id", correlationID(c)),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

func cors(origin string) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Correlation-Id, X-Corp-Id, X-Employee-Id, X-User-Name, X-Department, X-Role")
		h.Set("Access-Control-Expose-Headers", correlationHeader)
		h.Set("Access-Control-Max-Age", "86400")
		if origin != "*" {
			h.Set("Access-Control-Allow-Credentials", "true")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (h *Handler) recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, rec any) {
		h.logger.Error("panic in handler",
			zap.String("correlation_id", correlationID(c)),
			zap.Any("panic", rec),
		)
		if c.Writer.Written() {
			c.Abort()
			return
		}
		h.writeError(c, &usecase.Error{Code: usecase.ErrorInternal, Reason: "panic"})
	})
}
