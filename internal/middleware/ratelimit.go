package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/sheetarchiver/api/pkg/response"
)

// RateLimiter counts requests per user in fixed Redis windows
type RateLimiter struct {
	redis  redis.Cmdable
	logger *slog.Logger
}

func NewRateLimiter(redisClient redis.Cmdable, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{redis: redisClient, logger: logger}
}

// Limit creates a rate limiting middleware. Requests are let through when
// Redis is unavailable or no user is known.
func (rl *RateLimiter) Limit(keyPrefix string, maxRequests int, window time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := GetUserID(c)
		if userID == "" || rl.redis == nil || maxRequests <= 0 {
			return c.Next()
		}

		key := fmt.Sprintf("ratelimit:%s:%s", keyPrefix, userID)
		ctx := context.Background()

		count, err := rl.redis.Incr(ctx, key).Result()
		if err != nil {
			rl.logger.Warn("rate limiter unavailable", "key", key, "error", err)
			return c.Next()
		}

		if count == 1 {
			rl.redis.Expire(ctx, key, window)
		}

		if count > int64(maxRequests) {
			ttl, _ := rl.redis.TTL(ctx, key).Result()
			c.Set("Retry-After", fmt.Sprintf("%d", int(ttl.Seconds())))
			return response.RateLimited(c)
		}

		c.Set("X-RateLimit-Limit", fmt.Sprintf("%d", maxRequests))
		c.Set("X-RateLimit-Remaining", fmt.Sprintf("%d", maxRequests-int(count)))

		return c.Next()
	}
}

// ArchiveLimit limits batch submissions per hour
func (rl *RateLimiter) ArchiveLimit(maxPerHour int) fiber.Handler {
	return rl.Limit("archive", maxPerHour, time.Hour)
}

// RemoteLimit limits remote job submissions per hour
func (rl *RateLimiter) RemoteLimit(maxPerHour int) fiber.Handler {
	return rl.Limit("remote", maxPerHour, time.Hour)
}
