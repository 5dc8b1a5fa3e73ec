package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"fabricmon/internal/metrics"
)

// ClientLimiter throttles API callers per client IP. The query surface sits
// in front of operator dashboards that poll aggressively, so limits are
// generous but bounded.
type ClientLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientBucket
	rps     rate.Limit
	burst   int
	maxIdle time.Duration
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewClientLimiter creates a limiter allowing rps sustained requests per
// client with the given burst. Buckets idle longer than maxIdle are dropped.
func NewClientLimiter(rps float64, burst int, maxIdle time.Duration) *ClientLimiter {
	cl := &ClientLimiter{
		clients: make(map[string]*clientBucket),
		rps:     rate.Limit(rps),
		burst:   burst,
		maxIdle: maxIdle,
	}
	go cl.reap()
	return cl
}

func (cl *ClientLimiter) bucket(ip string) *rate.Limiter {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	b, ok := cl.clients[ip]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(cl.rps, cl.burst)}
		cl.clients[ip] = b
	}
	b.lastSeen = time.Now()
	return b.limiter
}

func (cl *ClientLimiter) reap() {
	ticker := time.NewTicker(cl.maxIdle)
	defer ticker.Stop()

	for range ticker.C {
		cl.mu.Lock()
		cutoff := time.Now().Add(-cl.maxIdle)
		for ip, b := range cl.clients {
			if b.lastSeen.Before(cutoff) {
				delete(cl.clients, ip)
			}
		}
		cl.mu.Unlock()
	}
}

// Middleware rejects over-limit requests with 429.
func (cl *ClientLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !cl.bucket(c.ClientIP()).Allow() {
			metrics.HTTPRateLimited.Inc()
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

var defaultLimiter = NewClientLimiter(100, 200, 5*time.Minute)

// RateLimit is the middleware backed by the default limiter.
func RateLimit() gin.HandlerFunc {
	return defaultLimiter.Middleware()
}
