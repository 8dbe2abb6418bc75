package middleware

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/streamspace/gradeflow/internal/apperrors"
)

// cleanupInterval is how often stale per-client limiters are swept; the map
// is reset wholesale once it grows past cleanupThreshold entries.
const (
	cleanupInterval  = 5 * time.Minute
	cleanupThreshold = 10000
)

// RateLimiter throttles requests per client IP with a token bucket each.
// This is the whole-surface throttle; session creation has its own,
// tighter per-course limiter inside sessionmgr.
type RateLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewRateLimiter creates a limiter allowing requestsPerSecond sustained and
// burst at peak, per client IP, and starts its background sweep.
func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	rl := &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
	}
	go rl.cleanupRoutine()
	return rl
}

func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.limiters[key]
	rl.mu.RUnlock()
	if exists {
		return limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if limiter, exists = rl.limiters[key]; exists {
		return limiter
	}
	limiter = rate.NewLimiter(rl.rate, rl.burst)
	rl.limiters[key] = limiter
	return limiter
}

// cleanupRoutine bounds the limiter map: a reset drops per-client state and
// refills everyone's bucket, which is acceptable for a throttle whose job is
// protecting the process, not accounting.
func (rl *RateLimiter) cleanupRoutine() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		if len(rl.limiters) > cleanupThreshold {
			rl.limiters = make(map[string]*rate.Limiter)
		}
		rl.mu.Unlock()
	}
}

// Middleware rejects over-limit requests with the API's standard error
// shape before they reach routing.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.getLimiter(c.ClientIP()).Allow() {
			apperrors.AbortWithError(c, apperrors.RateLimitExceeded("too many requests, try again later"))
			return
		}
		c.Next()
	}
}
