package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// BucketStore is a shared token bucket, typically Redis.
type BucketStore interface {
	AllowAction(ctx context.Context, userID int64, action string, rate int, burst int) (bool, error)
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter limits actions per user. It asks the shared store first and
// falls back to in-process buckets when the store is missing or failing.
type RateLimiter struct {
	limiters map[int64]*limiterEntry
	mu       sync.Mutex
	rps      int
	burst    int
	shared   BucketStore
	rejected func()
}

func NewRateLimiter(rps int, shared BucketStore) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[int64]*limiterEntry),
		rps:      rps,
		burst:    rps * 2,
		shared:   shared,
	}
}

// OnReject registers a callback run for every rejected request.
func (rl *RateLimiter) OnReject(fn func()) {
	rl.rejected = fn
}

func (rl *RateLimiter) getLimiter(userID int64) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, exists := rl.limiters[userID]
	if !exists {
		entry = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(rl.rps), rl.burst)}
		rl.limiters[userID] = entry
	}
	entry.lastSeen = time.Now()

	return entry.limiter
}

// Allow reports whether userID may perform action now.
func (rl *RateLimiter) Allow(ctx context.Context, userID int64, action string) bool {
	if rl.shared != nil {
		ok, err := rl.shared.AllowAction(ctx, userID, action, rl.rps, rl.burst)
		if err == nil {
			return ok
		}
		log.Warn("shared rate limiter unavailable, using local buckets", "err", err)
	}
	return rl.getLimiter(userID).Allow()
}

// Sweep drops local limiters idle for longer than idle.
func (rl *RateLimiter) Sweep(idle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-idle)
	removed := 0
	for id, entry := range rl.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.limiters, id)
			removed++
		}
	}
	return removed
}

// Cleanup sweeps idle limiters every five minutes until ctx is done.
func (rl *RateLimiter) Cleanup(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.Sweep(10 * time.Minute)
			}
		}
	}()
}

// RateLimitMiddleware limits requests per user
func RateLimitMiddleware(rl *RateLimiter, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, ok := CurrentUser(c)
		if !ok {
			c.Next()
			return
		}

		if !rl.Allow(c.Request.Context(), uid, action) {
			if rl.rejected != nil {
				rl.rejected()
			}
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
			return
		}

		c.Next()
	}
}
