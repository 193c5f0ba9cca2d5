package mw

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ClientLimiter stores a token bucket for each client IP. Buckets that have
// not been used for the idle period are dropped.
type ClientLimiter struct {
	buckets *cache.Cache
	mu      sync.Mutex
	r       rate.Limit
	b       int
	idle    time.Duration
}

// NewClientLimiter creates a limiter allowing r requests per second with a
// burst of b for every client.
func NewClientLimiter(r rate.Limit, b int, idle time.Duration) *ClientLimiter {
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	return &ClientLimiter{
		buckets: cache.New(idle, 2*idle),
		r:       r,
		b:       b,
		idle:    idle,
	}
}

// Limiter returns the bucket for key, creating it on first use.
func (l *ClientLimiter) Limiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if v, found := l.buckets.Get(key); found {
		limiter := v.(*rate.Limiter)
		l.buckets.Set(key, limiter, l.idle)
		return limiter
	}
	limiter := rate.NewLimiter(l.r, l.b)
	l.buckets.Set(key, limiter, l.idle)
	return limiter
}

// RateLimiter is a middleware for IP-based rate limiting.
func RateLimiter(l *ClientLimiter, log zerolog.Logger) gin.HandlerFunc {
	retryAfter := "1"
	if l.r > 0 && !math.IsInf(float64(l.r), 1) {
		retryAfter = strconv.Itoa(int(math.Ceil(1 / float64(l.r))))
	}
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !l.Limiter(ip).Allow() {
			log.Warn().Str("client_ip", ip).Str("path", c.FullPath()).Msg("rate limit exceeded")
			c.Header("Retry-After", retryAfter)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
