// ratelimit.go provides Gin middleware that enforces per-client rate limits,
// returning 429 responses when a client exceeds its allowance. Limits are
// enforced by a Limiter: the in-process token bucket below for single replicas,
// or RedisLimiter when state must be shared between replicas.
package middleware

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/knowledge-portal/portal/internal/config"
	"github.com/knowledge-portal/portal/internal/session"
)

// RateLimitConfig holds configuration for rate limiting
type RateLimitConfig struct {
	// RequestsPerMinute is the sustained rate allowed per client
	RequestsPerMinute int
	// BurstSize is the maximum burst of requests allowed
	BurstSize int
	// CleanupInterval is how often idle in-memory entries are dropped
	CleanupInterval time.Duration
}

// RateLimitConfigFrom converts the security.rate_limiting section
func RateLimitConfigFrom(cfg config.RateLimitingConfig) RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: cfg.RequestsPerMinute,
		BurstSize:         cfg.Burst,
		CleanupInterval:   5 * time.Minute,
	}
}

// AuthRateLimitConfig returns stricter limits for the sign-in and callback routes
func AuthRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 10,
		BurstSize:         5,
		CleanupInterval:   5 * time.Minute,
	}
}

// UploadRateLimitConfig returns limits for document uploads
func UploadRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 30,
		BurstSize:         5,
		CleanupInterval:   5 * time.Minute,
	}
}

// LimitResult is the outcome of one rate-limit check
type LimitResult struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter decides whether a request identified by key may proceed
type Limiter interface {
	Check(ctx context.Context, key string) (LimitResult, error)
}

// rateLimitEntry tracks request counts for a single client
type rateLimitEntry struct {
	tokens     float64
	lastUpdate time.Time
}

// RateLimiter implements an in-process token bucket limiter
type RateLimiter struct {
	config  RateLimitConfig
	entries map[string]*rateLimitEntry
	mu      sync.Mutex
	stopCh  chan struct{}
	stop    sync.Once
}

var _ Limiter = (*RateLimiter)(nil)

// NewRateLimiter creates a limiter and starts its cleanup goroutine. Call Stop
// when done.
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	rl := &RateLimiter{
		config:  config,
		entries: make(map[string]*rateLimitEntry),
		stopCh:  make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// cleanup periodically removes entries idle for more than 10 minutes
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for key, entry := range rl.entries {
				if now.Sub(entry.lastUpdate) > 10*time.Minute {
					delete(rl.entries, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.stopCh:
			return
		}
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stop.Do(func() { close(rl.stopCh) })
}

func (rl *RateLimiter) tokensPerSecond() float64 {
	return float64(rl.config.RequestsPerMinute) / 60.0
}

// refill brings entry up to date at now. Callers hold rl.mu.
func (rl *RateLimiter) refill(entry *rateLimitEntry, now time.Time) {
	elapsed := now.Sub(entry.lastUpdate).Seconds()
	entry.tokens = math.Min(float64(rl.config.BurstSize), entry.tokens+elapsed*rl.tokensPerSecond())
	entry.lastUpdate = now
}

// Check consumes one token for key
func (rl *RateLimiter) Check(_ context.Context, key string) (LimitResult, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	res := LimitResult{Limit: rl.config.RequestsPerMinute}

	entry, exists := rl.entries[key]
	if !exists {
		entry = &rateLimitEntry{tokens: float64(rl.config.BurstSize), lastUpdate: now}
		rl.entries[key] = entry
	} else {
		rl.refill(entry, now)
	}

	if entry.tokens >= 1 {
		entry.tokens--
		res.Allowed = true
	} else if rate := rl.tokensPerSecond(); rate > 0 {
		res.RetryAfter = time.Duration((1 - entry.tokens) / rate * float64(time.Second))
	} else {
		res.RetryAfter = time.Minute
	}
	res.Remaining = int(entry.tokens)
	return res, nil
}

// Allow reports whether a request from key may proceed
func (rl *RateLimiter) Allow(key string) bool {
	res, _ := rl.Check(context.Background(), key)
	return res.Allowed
}

// RemainingTokens returns how many tokens are left for a key
func (rl *RateLimiter) RemainingTokens(key string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, exists := rl.entries[key]
	if !exists {
		return rl.config.BurstSize
	}
	snapshot := *entry
	rl.refill(&snapshot, time.Now())
	return int(snapshot.tokens)
}

// RateLimitMiddleware rejects requests over the limit with 429. A limiter error
// (Redis unreachable) lets the request through: rate limiting never takes the
// portal down.
func RateLimitMiddleware(limiter Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := rateLimitKey(c)

		res, err := limiter.Check(c.Request.Context(), key)
		if err != nil {
			slog.Warn("rate limiter unavailable; allowing request", "key", key, "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(max(res.Remaining, 0)))

		if !res.Allowed {
			retry := int(math.Ceil(res.RetryAfter.Seconds()))
			if retry < 1 {
				retry = 1
			}
			c.Header("Retry-After", strconv.Itoa(retry))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"retry_after": retry,
			})
			return
		}

		c.Next()
	}
}

// rateLimitKey identifies the client: the session when a guard has already
// attached one, the client IP otherwise.
func rateLimitKey(c *gin.Context) string {
	if s, ok := session.From(c); ok && s.ID != "" {
		return "session:" + s.ID
	}
	ip := c.ClientIP()
	if ip == "" {
		ip = c.Request.RemoteAddr
	}
	return "ip:" + ip
}
