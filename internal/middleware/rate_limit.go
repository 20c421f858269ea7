package middleware

import (
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"mealpage_backend/pkg/ratelimit"
	"mealpage_backend/pkg/utils/jwt"
)

var importLimiter *ratelimit.Limiter

func InitRateLimiter(l *ratelimit.Limiter) {
	importLimiter = l
}

// ImportRateLimit caps import requests per user inside a fixed window,
// before any billing logic runs. Rejection is a structured outcome, not an
// error, and mirrors retryAfterSeconds in the Retry-After header.
func ImportRateLimit() fiber.Handler {
	return func(c *fiber.Ctx) error {
		claims := c.Locals("user").(*jwt.Claims)

		res, err := importLimiter.Consume(fmt.Sprintf("import:%d", claims.UserID), time.Now())
		if err != nil {
			// a broken counter should not take the feature down
			log.Printf("Rate limiter error for user %d: %v", claims.UserID, err)
			return c.Next()
		}

		if !res.Allowed {
			c.Set("Retry-After", strconv.Itoa(res.RetryAfterSeconds))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"allowed":           false,
				"reasonCode":        "rate_limited",
				"limit":             res.Limit,
				"remaining":         0,
				"retryAfterSeconds": res.RetryAfterSeconds,
			})
		}

		return c.Next()
	}
}
