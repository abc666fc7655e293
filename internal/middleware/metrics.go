package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aura-nvr/backend/internal/metrics"
)

// Metrics records request latency by route template.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequests.
			WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).
			Observe(time.Since(start).Seconds())
	}
}
