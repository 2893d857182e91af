package pkg

import (
	"math"
	"net/http"
	"strconv"

	"github.com/28Pollux28/kiln/internal/auth"
	"github.com/28Pollux28/kiln/pkg/ratelimit"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// ReadRateLimitKey keys GET requests of authenticated users for the relaxed
// class. Other requests are not checked; their workflows have their own limits.
func ReadRateLimitKey(c echo.Context) string {
	if c.Request().Method != http.MethodGet {
		return ""
	}
	switch c.Path() {
	case "/health", "/metrics":
		return ""
	}
	p := auth.PrincipalFrom(c)
	if !p.Authenticated() {
		return ""
	}
	return "read:" + p.UserID
}

// AuthErrorHandler answers requests rejected by the JWT middleware. Repeated
// failures from one address are throttled with the auth class.
func AuthErrorHandler(l ratelimit.Limiter) func(c echo.Context, err error) error {
	return func(c echo.Context, err error) error {
		authFailures.Inc()
		zap.S().Debugf("Rejected token from %s: %v", c.RealIP(), err)

		d := l.Check(c.Request().Context(), ratelimit.Auth, "auth:"+c.RealIP())
		if !d.Allowed {
			c.Response().Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
			return echo.NewHTTPError(http.StatusTooManyRequests, "Too many requests, please retry later")
		}
		return echo.NewHTTPError(http.StatusUnauthorized, "Unauthorized")
	}
}
