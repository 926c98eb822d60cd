package middleware

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/medportal/portal/internal/platform/auth"
)

// RateLimitConfig holds the per-caller limit (RATE_LIMIT_RPS, RATE_LIMIT_BURST).
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// IdleExpiry drops a caller's limiter after this long without traffic.
	// Zero uses echo's default of three minutes.
	IdleExpiry time.Duration
}

// rateLimitKey limits authenticated callers per user and anonymous
// verification lookups per client IP.
func rateLimitKey(c echo.Context) (string, error) {
	if p, ok := auth.PrincipalFromContext(c.Request().Context()); ok {
		return "user:" + p.UserID.String(), nil
	}
	return "ip:" + c.RealIP(), nil
}

func retryAfterSeconds(rps float64) string {
	if rps <= 0 {
		return "1"
	}
	return strconv.Itoa(int(math.Max(1, math.Ceil(1/rps))))
}

// RateLimit rejects callers that exhaust their limit with 429 and a
// Retry-After header. Register it after the auth middleware.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	store := echomw.NewRateLimiterMemoryStoreWithConfig(echomw.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(cfg.RequestsPerSecond),
		Burst:     cfg.BurstSize,
		ExpiresIn: cfg.IdleExpiry,
	})
	limit := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', -1, 64)
	retryAfter := retryAfterSeconds(cfg.RequestsPerSecond)

	return echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Store:               store,
		IdentifierExtractor: rateLimitKey,
		BeforeFunc: func(c echo.Context) {
			c.Response().Header().Set("X-RateLimit-Limit", limit)
		},
		DenyHandler: func(c echo.Context, _ string, _ error) error {
			h := c.Response().Header()
			h.Set("Retry-After", retryAfter)
			h.Set("X-RateLimit-Remaining", "0")
			return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
		},
	})
}
