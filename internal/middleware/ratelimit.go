package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"fleetdash/internal/logging"
)

// RateLimiter is a fixed-window counter per key. Expired windows are swept
// on the first call after each window length, so it owns no goroutine.
type RateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu        sync.Mutex
	windows   map[string]*window
	nextSweep time.Time
}

type window struct {
	used    int
	resetAt time.Time
}

func NewRateLimiter(limit int, period time.Duration) *RateLimiter {
	return NewRateLimiterWithNow(limit, period, time.Now)
}

func NewRateLimiterWithNow(limit int, period time.Duration, now func() time.Time) *RateLimiter {
	return &RateLimiter{
		limit:   limit,
		window:  period,
		now:     now,
		windows: make(map[string]*window),
	}
}

// Take spends one request of key's budget. When the budget is spent it
// returns false and the time left until the window resets.
func (rl *RateLimiter) Take(key string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.sweep(now)

	w, ok := rl.windows[key]
	if !ok || !now.Before(w.resetAt) {
		rl.windows[key] = &window{used: 1, resetAt: now.Add(rl.window)}
		return true, 0
	}
	if w.used >= rl.limit {
		return false, w.resetAt.Sub(now)
	}
	w.used++
	return true, 0
}

func (rl *RateLimiter) Allow(key string) bool {
	ok, _ := rl.Take(key)
	return ok
}

func (rl *RateLimiter) sweep(now time.Time) {
	if now.Before(rl.nextSweep) {
		return
	}
	for key, w := range rl.windows {
		if !now.Before(w.resetAt) {
			delete(rl.windows, key)
		}
	}
	rl.nextSweep = now.Add(rl.window)
}

// Len reports the number of live windows.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.windows)
}

// RateLimitMiddleware limits requests per signed-in user, falling back to
// the client IP before authentication. Rejections carry Retry-After.
func RateLimitMiddleware(rl *RateLimiter, logger *zap.Logger) gin.HandlerFunc {
	logger = logging.OrNop(logger)
	return func(c *gin.Context) {
		key, ok := MailFromContext(c)
		if !ok {
			key = c.ClientIP()
		}
		allowed, wait := rl.Take(key)
		if !allowed {
			seconds := int(math.Ceil(wait.Seconds()))
			c.Header("Retry-After", strconv.Itoa(seconds))
			logger.Info("rate limited", zap.String("key", key), zap.String("path", c.FullPath()))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
			return
		}
		c.Next()
	}
}
