package admin

import (
	"edge-rpc/metrics"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		event := logger.Debug()
		if status >= 500 {
			event = logger.Error()
		} else if status >= 400 {
			event = logger.Warn()
		}

		event.
			Str("method", c.Request.Method).
			Str("path", routePath(c)).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Int("bytes", c.Writer.Size()).
			Msg("http_request")
	}
}

func requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		metrics.RecordHTTPRequest(c.Request.Method, routePath(c), c.Writer.Status(), time.Since(start))
	}
}

// routePath keeps metric labels bounded: unmatched requests share one label.
func routePath(c *gin.Context) string {
	if p := c.FullPath(); p != "" {
		return p
	}
	return "unmatched"
}
