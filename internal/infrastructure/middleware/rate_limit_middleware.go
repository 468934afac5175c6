package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"xipher/pkg/cache"
	"xipher/pkg/config"
	apperrors "xipher/pkg/errors"
)

// limiterIdleTTL bounds how long an idle client's limiter is retained.
const limiterIdleTTL = 10 * time.Minute

// rateLimiterStore holds one limiter per client key, dropped after
// limiterIdleTTL without requests.
type rateLimiterStore struct {
	limiters *cache.Cache[*rate.Limiter]
	rate     rate.Limit
	burst    int
}

func newRateLimiterStore(r rate.Limit, burst int) *rateLimiterStore {
	return &rateLimiterStore{
		limiters: cache.New[*rate.Limiter](limiterIdleTTL, time.Minute),
		rate:     r,
		burst:    burst,
	}
}

func (s *rateLimiterStore) allow(ctx context.Context, key string) bool {
	limiter, err := s.limiters.GetOrLoad(ctx, key, func(context.Context) (*rate.Limiter, time.Duration, error) {
		return rate.NewLimiter(s.rate, s.burst), limiterIdleTTL, nil
	})
	if err != nil {
		return true
	}
	s.limiters.SetWithTTL(key, limiter, limiterIdleTTL)
	return limiter.Allow()
}

// NewHTTPRateLimitMiddleware limits control API requests per client IP.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	store := newRateLimiterStore(rate.Limit(cfg.RateLimiting.HTTP.RequestsPerSecond), cfg.RateLimiting.HTTP.Burst)
	return func(c *gin.Context) {
		if !store.allow(c.Request.Context(), c.ClientIP()) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   string(apperrors.ErrCodeRateLimit),
				"message": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
