package ratelimit

import (
	"math"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

// Middleware checks every request against class using the identifier
// returned by key. Requests with an empty identifier pass unchecked.
func Middleware(l Limiter, class Class, key func(c echo.Context) string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := key(c)
			if id == "" {
				return next(c)
			}
			d := l.Check(c.Request().Context(), class, id)
			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				h.Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
				return echo.NewHTTPError(http.StatusTooManyRequests, "Too many requests, please retry later")
			}
			return next(c)
		}
	}
}
