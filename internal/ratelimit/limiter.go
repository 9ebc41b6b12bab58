// Package ratelimit tracks the upstream provider's request budget in two
// overlapping fixed windows (per-minute and per-day) backed by redis.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// consumeScript increments both window counters only if both have capacity.
// Running it as a single EVAL keeps the dual-window consume atomic under
// concurrent callers: a denial never leaks a token from either window.
const consumeScript = `
local minute = tonumber(redis.call('GET', KEYS[1]) or '0')
local day = tonumber(redis.call('GET', KEYS[2]) or '0')
if minute >= tonumber(ARGV[1]) or day >= tonumber(ARGV[2]) then
  return 0
end
redis.call('INCR', KEYS[1])
redis.call('EXPIREAT', KEYS[1], ARGV[3])
redis.call('INCR', KEYS[2])
redis.call('EXPIREAT', KEYS[2], ARGV[4])
return 1
`

// RedisClient is the subset of *redis.Client the limiter needs.
type RedisClient interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

// Budget is the state of one window.
type Budget struct {
	Remaining int       `json:"remaining"`
	Limit     int       `json:"limit"`
	ResetsAt  time.Time `json:"resets_at"`
}

// Remaining reports both window budgets.
type Remaining struct {
	PerMinute Budget `json:"per_minute"`
	PerDay    Budget `json:"per_day"`
}

// Limiter grants or denies permission to call the upstream provider. It never
// blocks or sleeps; a denied consume is a normal result and the caller falls
// back to cached data.
type Limiter struct {
	client    RedisClient
	name      string
	perMinute int
	perDay    int
	now       func() time.Time
}

// New creates a limiter identified by name (part of the redis key space)
// allowing perMinute calls per wall-clock minute and perDay per UTC day.
func New(client RedisClient, name string, perMinute, perDay int) *Limiter {
	return &Limiter{
		client:    client,
		name:      name,
		perMinute: perMinute,
		perDay:    perDay,
		now:       time.Now,
	}
}

// TryConsume atomically takes one token from both windows. Both must have
// capacity or neither is decremented.
func (l *Limiter) TryConsume(ctx context.Context) (bool, error) {
	now := l.now().UTC()
	minuteKey, dayKey := l.windowKeys(now)

	granted, err := l.client.Eval(ctx, consumeScript,
		[]string{minuteKey, dayKey},
		l.perMinute, l.perDay,
		nextMinute(now).Unix(), nextDay(now).Unix(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("rate limit consume: %w", err)
	}
	return granted == 1, nil
}

// Remaining reads both counters without consuming.
func (l *Limiter) Remaining(ctx context.Context) (*Remaining, error) {
	now := l.now().UTC()
	minuteKey, dayKey := l.windowKeys(now)

	minuteUsed, err := l.windowCount(ctx, minuteKey)
	if err != nil {
		return nil, err
	}
	dayUsed, err := l.windowCount(ctx, dayKey)
	if err != nil {
		return nil, err
	}

	return &Remaining{
		PerMinute: Budget{Remaining: max(l.perMinute-minuteUsed, 0), Limit: l.perMinute, ResetsAt: nextMinute(now)},
		PerDay:    Budget{Remaining: max(l.perDay-dayUsed, 0), Limit: l.perDay, ResetsAt: nextDay(now)},
	}, nil
}

// TimeUntilNextToken is how long a denied caller would have to wait for a
// window with capacity to reopen. Zero when a token is available right now.
func (l *Limiter) TimeUntilNextToken(ctx context.Context) (time.Duration, error) {
	rem, err := l.Remaining(ctx)
	if err != nil {
		return 0, err
	}
	now := l.now().UTC()
	if rem.PerDay.Remaining == 0 {
		return rem.PerDay.ResetsAt.Sub(now), nil
	}
	if rem.PerMinute.Remaining == 0 {
		return rem.PerMinute.ResetsAt.Sub(now), nil
	}
	return 0, nil
}

func (l *Limiter) windowCount(ctx context.Context, key string) (int, error) {
	n, err := l.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("rate limit read %s: %w", key, err)
	}
	return n, nil
}

// windowKeys carry the window bucket id so resets are visible in redis itself.
func (l *Limiter) windowKeys(now time.Time) (string, string) {
	minuteKey := fmt.Sprintf("ratelimit:%s:minute:%d", l.name, now.Unix()/60)
	dayKey := fmt.Sprintf("ratelimit:%s:day:%s", l.name, now.Format("2006-01-02"))
	return minuteKey, dayKey
}

func nextMinute(now time.Time) time.Time {
	return now.Truncate(time.Minute).Add(time.Minute)
}

func nextDay(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}
