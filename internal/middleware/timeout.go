package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// TimeoutConfig parameterizes the request deadline.
type TimeoutConfig struct {
	// Timeout is the maximum duration for a request.
	Timeout time.Duration

	// ExcludedPaths are path prefixes the deadline does not apply to. A
	// session stream stays open for the lifetime of the run it watches, so
	// it must never ride under a request deadline.
	ExcludedPaths []string
}

// DefaultTimeoutConfig applies a 30s deadline to everything except paths
// under /api/v1/sessions/ (the per-session endpoints, including the
// long-lived websocket streams); session creation itself stays under it.
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		Timeout:       30 * time.Second,
		ExcludedPaths: []string{"/api/v1/sessions/"},
	}
}

// Timeout enforces config.Timeout on every non-excluded request. Launching
// a session is unaffected by the pipeline's own duration (StartRun returns
// once the run row is durably created, long before any plugin finishes),
// so a single deadline fits the whole REST surface.
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
				"error":   "REQUEST_TIMEOUT",
				"message": "the request took too long to process",
				"timeout": config.Timeout.String(),
			})
		}
	}
}
