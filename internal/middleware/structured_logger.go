package middleware

import (
	"log"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// skipLogPaths are endpoints whose request logs would be pure noise: the
// liveness probe fires constantly. Session streams are not skipped;
// StructuredLogger logs them when they open.
var skipLogPaths = []string{"/health"}

// StructuredLogger writes one structured line per request: correlation id,
// method, path, status, duration, and client address. Websocket stream
// requests are logged at open time rather than close, since their lifetime
// is the session's, not the handler's.
func StructuredLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		for _, skip := range skipLogPaths {
			if path == skip {
				c.Next()
				return
			}
		}

		if strings.Contains(c.Request.Header.Get("Upgrade"), "websocket") {
			log.Printf("INFO %v", map[string]interface{}{
				"request_id": GetRequestID(c),
				"method":     c.Request.Method,
				"path":       path,
				"event":      "stream_open",
				"client_ip":  c.ClientIP(),
			})
			c.Next()
			return
		}

		start := time.Now()
		raw := c.Request.URL.RawQuery

		c.Next()

		duration := time.Since(start)
		status := c.Writer.Status()

		logEntry := map[string]interface{}{
			"request_id":  GetRequestID(c),
			"method":      c.Request.Method,
			"path":        path,
			"status":      status,
			"duration_ms": duration.Milliseconds(),
			"client_ip":   c.ClientIP(),
		}
		if raw != "" {
			logEntry["query"] = raw
		}
		if userID, exists := c.Get("user_id"); exists {
			logEntry["user_id"] = userID
		}
		if len(c.Errors) > 0 {
			logEntry["errors"] = c.Errors.String()
		}

		switch {
		case status >= 500:
			log.Printf("ERROR %v", logEntry)
		case status >= 400:
			log.Printf("WARN %v", logEntry)
		default:
			log.Printf("INFO %v", logEntry)
		}
	}
}
