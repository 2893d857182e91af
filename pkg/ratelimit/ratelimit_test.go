package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/28Pollux28/kiln/pkg/config"
	"github.com/28Pollux28/kiln/pkg/metrics"
	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(t *testing.T, cfg config.RateLimitConfig) (*RedisLimiter, *miniredis.Miniredis, *clock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	c := &clock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	l := NewRedisLimiter(client, cfg, zap.NewNop().Sugar())
	l.now = c.now
	return l, mr, c
}

func TestRedisLimiter_StrictWindow(t *testing.T) {
	l, _, c := newTestLimiter(t, config.RateLimitConfig{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d := l.Check(ctx, Strict, "provision:alice")
		require.True(t, d.Allowed, "request %d", i+1)
		assert.Equal(t, 5-(i+1), d.Remaining)
		c.advance(time.Second)
	}

	before := testutil.ToFloat64(metrics.RateLimitedTotal.WithLabelValues("strict"))
	d := l.Check(ctx, Strict, "provision:alice")
	assert.False(t, d.Allowed)
	assert.Equal(t, 5, d.Limit)
	// The first request was made 5s ago in a one minute window.
	assert.Equal(t, 55*time.Second, d.RetryAfter)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.RateLimitedTotal.WithLabelValues("strict")))

	// Other identifiers have their own window.
	assert.True(t, l.Check(ctx, Strict, "provision:bob").Allowed)

	// Once the oldest entry slides out one more request fits.
	c.advance(55 * time.Second)
	assert.True(t, l.Check(ctx, Strict, "provision:alice").Allowed)
	assert.False(t, l.Check(ctx, Strict, "provision:alice").Allowed)
}

func TestRedisLimiter_DeniedRequestsDoNotExtendWindow(t *testing.T) {
	l, mr, _ := newTestLimiter(t, config.RateLimitConfig{
		Rules: map[string]config.RuleConfig{"strict": {Limit: 1, Window: time.Minute}},
	})
	ctx := context.Background()

	assert.True(t, l.Check(ctx, Strict, "u").Allowed)
	for i := 0; i < 3; i++ {
		assert.False(t, l.Check(ctx, Strict, "u").Allowed)
	}
	members, err := mr.ZMembers("kiln:ratelimit:strict:u")
	require.NoError(t, err)
	assert.Len(t, members, 1)
}

func TestRedisLimiter_UnknownClassUsesStandard(t *testing.T) {
	l, mr, _ := newTestLimiter(t, config.RateLimitConfig{Prefix: "rl"})

	d := l.Check(context.Background(), Class("bogus"), "u")
	assert.True(t, d.Allowed)
	assert.Equal(t, 30, d.Limit)
	assert.True(t, mr.Exists("rl:standard:u"))
}

func TestRedisLimiter_FailsOpen(t *testing.T) {
	l, mr, _ := newTestLimiter(t, config.RateLimitConfig{})
	mr.Close()

	before := testutil.ToFloat64(metrics.RateLimiterErrorsTotal.WithLabelValues("strict"))
	d := l.Check(context.Background(), Strict, "u")
	assert.True(t, d.Allowed)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.RateLimiterErrorsTotal.WithLabelValues("strict")))
}

func TestRedisLimiter_NilClientAllows(t *testing.T) {
	l := NewRedisLimiter(nil, config.RateLimitConfig{}, zap.NewNop().Sugar())
	for i := 0; i < 10; i++ {
		assert.True(t, l.Check(context.Background(), Strict, "u").Allowed)
	}
}

func TestRulesFromConfig(t *testing.T) {
	rules := RulesFromConfig(config.RateLimitConfig{Rules: map[string]config.RuleConfig{
		"strict":  {Limit: 2, Window: 10 * time.Second},
		"relaxed": {Limit: 0, Window: time.Minute},
	}})
	assert.Equal(t, Rule{Limit: 2, Window: 10 * time.Second}, rules[Strict])
	assert.Equal(t, DefaultRules[Relaxed], rules[Relaxed])
	assert.Equal(t, DefaultRules[Auth], rules[Auth])
}

type denyAll struct{}

func (denyAll) Check(context.Context, Class, string) Decision {
	return Decision{Allowed: false, Limit: 3, RetryAfter: 1500 * time.Millisecond}
}

func TestMiddleware(t *testing.T) {
	e := echo.New()
	handler := func(c echo.Context) error { return c.NoContent(http.StatusOK) }
	key := func(c echo.Context) string { return c.Request().Header.Get("X-User") }

	req := httptest.NewRequest(http.MethodGet, "/instances", nil)
	req.Header.Set("X-User", "alice")
	rec := httptest.NewRecorder()
	err := Middleware(denyAll{}, Relaxed, key)(handler)(e.NewContext(req, rec))
	var he *echo.HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusTooManyRequests, he.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.Equal(t, "3", rec.Header().Get("X-RateLimit-Limit"))

	// Anonymous requests are not limited here.
	rec = httptest.NewRecorder()
	err = Middleware(denyAll{}, Relaxed, key)(handler)(e.NewContext(httptest.NewRequest(http.MethodGet, "/instances", nil), rec))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	err = Middleware(AllowAll{}, Relaxed, key)(handler)(e.NewContext(req, rec))
	require.NoError(t, err)
	assert.Equal(t, "120", rec.Header().Get("X-RateLimit-Remaining"))
}
