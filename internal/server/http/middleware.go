package http

import (
	"time"

	"github.com/gin-gonic/gin"

	"fable/internal/logging"
)

// requestLogger logs one line per completed request. Streaming endpoints log
// when the stream closes, so their latency is the stream lifetime.
func requestLogger(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		line := "%s %s -> %d (%s)"
		args := []any{c.Request.Method, c.Request.URL.Path, status, time.Since(start).Round(time.Millisecond)}
		switch {
		case status >= 500:
			logger.Error(line, args...)
		case status >= 400:
			logger.Warn(line, args...)
		default:
			logger.Debug(line, args...)
		}
	}
}
