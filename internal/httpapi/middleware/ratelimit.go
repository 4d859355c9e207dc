package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/suPer8Hu/quote-assistant/internal/common"
)

// RateLimiter hands out one token bucket per company. Keying on the company
// rather than the session stops clients from rotating session ids.
type RateLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*companyLimiter
	every     rate.Limit
	burst     int
	idle      time.Duration
	lastSweep time.Time
	now       func() time.Time
}

type companyLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows perMinute requests per company with a small burst.
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 30
	}
	burst := perMinute / 6
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*companyLimiter),
		every:    rate.Limit(float64(perMinute) / 60),
		burst:    burst,
		idle:     10 * time.Minute,
		now:      time.Now,
	}
}

func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if now.Sub(r.lastSweep) > r.idle {
		for k, l := range r.limiters {
			if now.Sub(l.lastSeen) > r.idle {
				delete(r.limiters, k)
			}
		}
		r.lastSweep = now
	}

	l, ok := r.limiters[key]
	if !ok {
		l = &companyLimiter{lim: rate.NewLimiter(r.every, r.burst)}
		r.limiters[key] = l
	}
	l.lastSeen = now
	return l.lim.AllowN(now, 1)
}

// Middleware limits requests by the authenticated company. It must run
// after AuthRequired.
func (r *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := CompanyFromContext(c)
		if !ok {
			c.Next()
			return
		}
		if !r.Allow(id.CompanyID) {
			c.Header("Retry-After", "10")
			common.Fail(c, http.StatusTooManyRequests, 42901, "too many requests")
			c.Abort()
			return
		}
		c.Next()
	}
}
