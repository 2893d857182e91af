package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/28Pollux28/kiln/pkg/config"
	"github.com/28Pollux28/kiln/pkg/metrics"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Class string

const (
	Strict   Class = "strict"
	Standard Class = "standard"
	Relaxed  Class = "relaxed"
	Auth     Class = "auth"
)

type Rule struct {
	Limit  int
	Window time.Duration
}

// DefaultRules apply to classes the configuration does not override.
var DefaultRules = map[Class]Rule{
	Strict:   {Limit: 5, Window: time.Minute},
	Standard: {Limit: 30, Window: time.Minute},
	Relaxed:  {Limit: 120, Window: time.Minute},
	Auth:     {Limit: 10, Window: 15 * time.Minute},
}

// Decision is the outcome of a single check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

type Limiter interface {
	Check(ctx context.Context, class Class, identifier string) Decision
}

// AllowAll never denies.
type AllowAll struct{}

func (AllowAll) Check(_ context.Context, class Class, _ string) Decision {
	r := DefaultRules[class]
	return Decision{Allowed: true, Limit: r.Limit, Remaining: r.Limit}
}

// RulesFromConfig overlays the configured rules on DefaultRules. Rules with a
// non-positive limit or window are ignored.
func RulesFromConfig(cfg config.RateLimitConfig) map[Class]Rule {
	rules := make(map[Class]Rule, len(DefaultRules))
	for c, r := range DefaultRules {
		rules[c] = r
	}
	for name, rc := range cfg.Rules {
		if rc.Limit <= 0 || rc.Window <= 0 {
			continue
		}
		rules[Class(name)] = Rule{Limit: rc.Limit, Window: rc.Window}
	}
	return rules
}

// RedisLimiter keeps a sliding-window log per key in a sorted set scored by
// request time in milliseconds. Backend errors let the request through.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
	rules  map[Class]Rule
	l      *zap.SugaredLogger
	now    func() time.Time
}

var _ Limiter = (*RedisLimiter)(nil)

func NewRedisLimiter(client redis.UniversalClient, cfg config.RateLimitConfig, logger *zap.SugaredLogger) *RedisLimiter {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "kiln:ratelimit"
	}
	return &RedisLimiter{
		client: client,
		prefix: prefix,
		rules:  RulesFromConfig(cfg),
		l:      logger,
		now:    time.Now,
	}
}

func (r *RedisLimiter) rule(class Class) (Class, Rule) {
	if rule, ok := r.rules[class]; ok {
		return class, rule
	}
	return Standard, r.rules[Standard]
}

func (r *RedisLimiter) Check(ctx context.Context, class Class, identifier string) Decision {
	class, rule := r.rule(class)
	if r.client == nil {
		return Decision{Allowed: true, Limit: rule.Limit, Remaining: rule.Limit}
	}

	key := fmt.Sprintf("%s:%s:%s", r.prefix, class, identifier)
	now := r.now().UnixMilli()
	member := strconv.FormatInt(now, 10) + "-" + uuid.NewString()

	var card *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(now-rule.Window.Milliseconds(), 10))
		p.ZAdd(ctx, key, redis.Z{Score: float64(now), Member: member})
		card = p.ZCard(ctx, key)
		p.PExpire(ctx, key, rule.Window)
		return nil
	})
	if err != nil {
		metrics.RateLimiterErrorsTotal.WithLabelValues(string(class)).Inc()
		r.l.Warnf("rate limiter unavailable for %s, allowing: %v", key, err)
		return Decision{Allowed: true, Limit: rule.Limit, Remaining: rule.Limit}
	}

	count := int(card.Val())
	if count <= rule.Limit {
		return Decision{Allowed: true, Limit: rule.Limit, Remaining: rule.Limit - count}
	}

	// Denied requests do not occupy the window.
	if err := r.client.ZRem(ctx, key, member).Err(); err != nil {
		r.l.Debugf("failed to drop denied entry from %s: %v", key, err)
	}
	metrics.RateLimitedTotal.WithLabelValues(string(class)).Inc()
	return Decision{Allowed: false, Limit: rule.Limit, RetryAfter: r.retryAfter(ctx, key, now, rule)}
}

// retryAfter is the time until the oldest entry leaves the window.
func (r *RedisLimiter) retryAfter(ctx context.Context, key string, now int64, rule Rule) time.Duration {
	oldest, err := r.client.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil || len(oldest) == 0 {
		return rule.Window
	}
	wait := time.Duration(int64(oldest[0].Score)+rule.Window.Milliseconds()-now) * time.Millisecond
	if wait < time.Second {
		return time.Second
	}
	return wait
}
