package api

import (
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// staleAfter is how long an idle client keeps its bucket.
const staleAfter = 10 * time.Minute

// RateLimiter keeps one token bucket per client IP
type RateLimiter struct {
	mu       sync.Mutex
	clients  map[string]*clientBucket
	limit    rate.Limit
	interval time.Duration
	burst    int
	now      func() time.Time
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing n requests per interval with the given burst
func NewRateLimiter(n int, interval time.Duration, burst int) *RateLimiter {
	return &RateLimiter{
		clients:  make(map[string]*clientBucket),
		limit:    rate.Limit(float64(n) / interval.Seconds()),
		interval: interval,
		burst:    burst,
		now:      time.Now,
	}
}

// Allow reports whether a request from ip may proceed now, and drops buckets
// of clients idle for longer than staleAfter.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	bucket, exists := rl.clients[ip]
	if !exists {
		bucket = &clientBucket{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[ip] = bucket
	}
	bucket.lastSeen = now

	for other, b := range rl.clients {
		if now.Sub(b.lastSeen) > staleAfter {
			delete(rl.clients, other)
		}
	}

	return bucket.limiter.AllowN(now, 1)
}

// retryAfter is the wait for one token at the sustained rate, in seconds.
func (rl *RateLimiter) retryAfter() float64 {
	if rl.limit <= 0 || rl.limit == rate.Inf {
		return 0
	}
	return math.Ceil(1 / float64(rl.limit))
}

// Middleware returns a Gin middleware that rate limits requests
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too many requests",
				"retry_after": rl.retryAfter(),
			})
			return
		}
		c.Next()
	}
}

// Global rate limiters for different endpoints
var (
	// ScanLimiter: 10 scans per minute, burst of 3.
	// Each scan holds a stream open and spends resolver quota.
	ScanLimiter = NewRateLimiter(10, time.Minute, 3)

	// ImportLimiter: 20 imports per minute, burst of 5
	ImportLimiter = NewRateLimiter(20, time.Minute, 5)
)
