package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per key
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*keyedLimiter
	rate     rate.Limit
	burst    int
	idle     time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

type keyedLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing perSecond requests with the given burst per key
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	rl := &RateLimiter{
		limiters: make(map[string]*keyedLimiter),
		rate:     rate.Limit(perSecond),
		burst:    burst,
		idle:     5 * time.Minute,
		stopCh:   make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// cleanupLoop removes limiters that have been idle
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.idle)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for key, l := range rl.limiters {
				if now.Sub(l.lastSeen) > rl.idle {
					delete(rl.limiters, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.stopCh:
			return
		}
	}
}

// Stop ends the cleanup goroutine
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// Allow checks if a request should be allowed
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	l, ok := rl.limiters[key]
	if !ok {
		l = &keyedLimiter{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[key] = l
	}
	l.lastSeen = time.Now()
	rl.mu.Unlock()

	return l.limiter.Allow()
}

// RateLimitMiddleware creates a rate limiting middleware
// key can be "user", "gateway" or "ip"
func RateLimitMiddleware(limiter *RateLimiter, keyType string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var key string

		switch keyType {
		case "user":
			key = c.GetString(ActorKey)
		case "gateway":
			key = c.Param("gateway")
		}
		if key == "" {
			key = c.ClientIP()
		}

		if !limiter.Allow(key) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "Rate limit exceeded",
				"message": "Too many requests, please try again later",
			})
			return
		}

		c.Next()
	}
}

// LedgerRateLimits defines rate limits for the service's route groups
type LedgerRateLimits struct {
	Webhook        *RateLimiter
	API            *RateLimiter
	RefundMutation *RateLimiter
	Import         *RateLimiter
}

// NewLedgerRateLimits creates the default limiters
func NewLedgerRateLimits() *LedgerRateLimits {
	return &LedgerRateLimits{
		Webhook:        NewRateLimiter(500, 1000), // gateways deliver in bursts
		API:            NewRateLimiter(100, 200),
		RefundMutation: NewRateLimiter(5, 15),
		Import:         NewRateLimiter(0.5, 2),
	}
}

// Stop stops every limiter
func (l *LedgerRateLimits) Stop() {
	l.Webhook.Stop()
	l.API.Stop()
	l.RefundMutation.Stop()
	l.Import.Stop()
}
