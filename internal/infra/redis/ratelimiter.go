package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/approval-relay/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultLimitPerSec int64 = 25
	keyPrefix                = "relay:ratelimit"
	window                   = time.Second
	minPause                 = 5 * time.Millisecond
)

// allowScript counts one call in the current window and reports whether it
// fits the budget. The key expires with the window, so idle scopes cost nothing.
var allowScript = goredis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
  return 0
end
return 1
`)

var _ ratelimit.RateLimiter = (*RedisRateLimiter)(nil)

// RedisRateLimiter is a fixed-window per-second limiter shared by every relay
// instance, so the bot bridge sees one global budget per transport operation.
// Scopes without an explicit limit use the default budget.
type RedisRateLimiter struct {
	client       *goredis.Client
	defaultLimit int64
	limits       map[string]int64
	now          func() time.Time
	sleep        func(ctx context.Context, d time.Duration) error
}

// Option adjusts a RedisRateLimiter at construction.
type Option func(*RedisRateLimiter)

// WithScopeLimit gives scope its own per-second budget.
func WithScopeLimit(scope string, limitPerSec int) Option {
	return func(r *RedisRateLimiter) {
		if limitPerSec > 0 {
			r.limits[normalizeScope(scope)] = int64(limitPerSec)
		}
	}
}

func withClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(r *RedisRateLimiter) {
		if now != nil {
			r.now = now
		}
		if sleep != nil {
			r.sleep = sleep
		}
	}
}

func NewRedisRateLimiter(client *goredis.Client, limitPerSec int, opts ...Option) (*RedisRateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	r := &RedisRateLimiter{
		client:       client,
		defaultLimit: int64(limitPerSec),
		limits:       make(map[string]int64),
		now:          time.Now,
		sleep:        sleepWithContext,
	}
	if r.defaultLimit <= 0 {
		r.defaultLimit = defaultLimitPerSec
	}
	for _, opt := range opts {
		opt(r)
	}

	return r, nil
}

// Limit returns the per-second budget applied to scope.
func (r *RedisRateLimiter) Limit(scope string) int64 {
	if limit, ok := r.limits[normalizeScope(scope)]; ok {
		return limit
	}
	return r.defaultLimit
}

func (r *RedisRateLimiter) Allow(ctx context.Context, scope string) (bool, error) {
	if r == nil || r.client == nil {
		return false, fmt.Errorf("rate limiter is not initialized")
	}

	normalized := normalizeScope(scope)
	if normalized == "" {
		return false, fmt.Errorf("scope is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	windowStart := r.now().UTC().Truncate(window)
	key := fmt.Sprintf("%s:%s:%d", keyPrefix, normalized, windowStart.Unix())

	result, err := allowScript.Run(ctx, r.client, []string{key}, r.Limit(normalized), window.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to evaluate rate limit: %w", err)
	}

	return result == 1, nil
}

// Wait blocks until scope has budget, sleeping to the next window boundary
// after each denied attempt.
func (r *RedisRateLimiter) Wait(ctx context.Context, scope string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		allowed, err := r.Allow(ctx, scope)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}

		if err := r.sleep(ctx, untilNextWindow(r.now())); err != nil {
			return err
		}
	}
}

func untilNextWindow(now time.Time) time.Duration {
	pause := now.Truncate(window).Add(window).Sub(now)
	if pause < minPause {
		return minPause
	}
	return pause
}

func normalizeScope(scope string) string {
	return strings.ToLower(strings.TrimSpace(scope))
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
