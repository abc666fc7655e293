package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Logger returns a zap-based request logging middleware. Server errors are
// logged at warn level.
func Logger(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("route", c.FullPath()),
			zap.String("client_ip", c.ClientIP()),
		}
		if sub, ok := c.Get(ContextSubject); ok {
			fields = append(fields, zap.Any("subject", sub))
		}
		if status >= 500 {
			logger.Warn("request", fields...)
			return
		}
		logger.Info("request", fields...)
	}
}
