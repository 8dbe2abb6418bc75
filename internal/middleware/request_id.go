package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// RequestIDHeader carries the correlation id between client and server.
	RequestIDHeader = "X-Request-ID"

	// RequestIDKey is the gin.Context key the id is stored under.
	RequestIDKey = "request_id"
)

// RequestID tags every request with a correlation id: the caller's
// X-Request-ID when it is a well-formed UUID, a fresh one otherwise. The id
// is echoed back on the response so a client can cite it when reporting a
// failed session launch.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if _, err := uuid.Parse(requestID); err != nil {
			requestID = uuid.New().String()
		}

		c.Set(RequestIDKey, requestID)
		c.Header(RequestIDHeader, requestID)

		c.Next()
	}
}

// GetRequestID returns the correlation id RequestID stored on c, or "" when
// the middleware is not installed.
func GetRequestID(c *gin.Context) string {
	if requestID, exists := c.Get(RequestIDKey); exists {
		if id, ok := requestID.(string); ok {
			return id
		}
	}
	return ""
}
