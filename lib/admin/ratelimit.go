package admin

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/go-i2p/sqlproxy/lib/metrics"
	"github.com/go-i2p/sqlproxy/lib/ratelimit"
)

// RateLimitConfig configures per-IP rate limiting for admin endpoints.
type RateLimitConfig struct {
	// RequestsPerSecond is the rate of allowed requests per IP.
	RequestsPerSecond float64
	// BurstSize is the maximum burst size per IP.
	BurstSize int
	// CleanupInterval is how long an idle client's bucket is kept.
	CleanupInterval time.Duration
}

// DefaultRateLimitConfig returns sensible defaults for rate limiting.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 10.0,
		BurstSize:         20,
		CleanupInterval:   5 * time.Minute,
	}
}

// RateLimiter is gin middleware enforcing a per-IP token bucket.
type RateLimiter struct {
	limiter  *ratelimit.KeyedLimiter
	onReject func(ip string, path string)
}

// NewRateLimiter creates a rate limiter. Zero fields take their defaults.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	def := DefaultRateLimitConfig()
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = def.BurstSize
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}

	return &RateLimiter{
		limiter: ratelimit.NewKeyed(cfg.RequestsPerSecond, cfg.BurstSize, cfg.CleanupInterval),
	}
}

// SetOnReject sets a callback that is invoked when a request is rate limited.
func (rl *RateLimiter) SetOnReject(fn func(ip string, path string)) {
	rl.onReject = fn
}

// Close stops the limiter's cleanup goroutine.
func (rl *RateLimiter) Close() {
	rl.limiter.Close()
}

// Middleware rejects requests over the limit with 429 Too Many Requests.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if rl.limiter.Allow(ip) {
			c.Next()
			return
		}

		metrics.RateLimitRejections.Inc()
		if rl.onReject != nil {
			rl.onReject(ip, c.Request.URL.Path)
		}
		c.Header("Retry-After", "1")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
	}
}
