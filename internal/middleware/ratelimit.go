package middleware

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/scheduling-api/internal/handler"
)

type RateLimiterConfig struct {
	RPS   float64
	Burst int
}

// RateLimiter keeps one token bucket per client IP.
type RateLimiter struct {
	cfg      RateLimiterConfig
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	return &RateLimiter{
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (r *RateLimiter) limiterFor(key string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[key]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(r.cfg.RPS), r.cfg.Burst)
	r.limiters[key] = l
	return l
}

func (r *RateLimiter) RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !r.limiterFor(c.ClientIP()).Allow() {
			c.JSON(http.StatusTooManyRequests, handler.NewErrorResponse("rate limit exceeded"))
			c.Abort()
			return
		}
		c.Next()
	}
}
