package api

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/time/rate"

	"github.com/p-blackswan/calendar-archiver/internal/lru"
)

// RateLimitConfig holds rate limiter configuration.
type RateLimitConfig struct {
	RPS   int // requests per second
	Burst int // burst size
}

const (
	maxTrackedClients = 10000
	clientIdleTTL     = 10 * time.Minute
)

// NewRateLimitMiddleware returns a per-client token-bucket rate limiter. Idle clients
// fall out of the bounded cache.
func NewRateLimitMiddleware(cfg RateLimitConfig) fiber.Handler {
	burst := cfg.Burst
	if burst < 1 {
		burst = cfg.RPS
	}
	clients := lru.New[string, *rate.Limiter](maxTrackedClients, clientIdleTTL)

	return func(c *fiber.Ctx) error {
		if isProbe(c.Path()) {
			return c.Next()
		}

		clientIP := c.IP()
		limiter, ok := clients.Get(clientIP)
		if !ok {
			limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
			clients.Put(clientIP, limiter)
		}

		if !limiter.Allow() {
			return problemResponse(c, fiber.StatusTooManyRequests,
				"rate_limit_exceeded", "Too Many Requests",
				"Rate limit exceeded. Please try again later.")
		}
		return c.Next()
	}
}
