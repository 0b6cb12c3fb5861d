package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces ledger keys.
const DefaultRedisPrefix = "qfetch:quota"

// cooldownGrace keeps a cool-down key past its end. An expired end is
// ignored by readers, so outliving it is harmless.
const cooldownGrace = time.Hour

// reserveScript trims the window, then adds the request if there is room.
// Returns {1, 0} on success or {0, oldest_score_ms} when full.
var reserveScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
local n = redis.call('ZCARD', KEYS[1])
if limit <= 0 or n < limit then
	redis.call('ZADD', KEYS[1], now, ARGV[4])
	redis.call('PEXPIRE', KEYS[1], window)
	return {1, '0'}
end
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
return {0, oldest[2]}
`)

// extendCooldownScript only ever moves the cool-down end forward.
var extendCooldownScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local untilMs = tonumber(ARGV[1])
if untilMs > cur then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
end
return 1
`)

// RedisLedger shares the request log and cool-downs through Redis so that
// several processes targeting one remote account draw from one budget.
// Scores are unix milliseconds.
type RedisLedger struct {
	redis  *redis.Client
	prefix string
}

// NewRedisLedger creates a ledger using keys under prefix.
func NewRedisLedger(client *redis.Client, prefix string) *RedisLedger {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisLedger{redis: client, prefix: prefix}
}

var _ Ledger = (*RedisLedger)(nil)

func (l *RedisLedger) requestsKey(class Class) string {
	return fmt.Sprintf("%s:%s:requests", l.prefix, class)
}

func (l *RedisLedger) cooldownKey(class Class) string {
	return fmt.Sprintf("%s:%s:cooldown_until", l.prefix, class)
}

// Reserve implements Ledger.
func (l *RedisLedger) Reserve(ctx context.Context, class Class, now time.Time, window time.Duration, limit int) (bool, time.Time, error) {
	res, err := reserveScript.Run(ctx, l.redis,
		[]string{l.requestsKey(class)},
		now.UnixMilli(), window.Milliseconds(), limit, uuid.NewString(),
	).Slice()
	if err != nil {
		return false, time.Time{}, fmt.Errorf("reserve request slot: %w", err)
	}
	if len(res) != 2 {
		return false, time.Time{}, fmt.Errorf("reserve request slot: unexpected reply %v", res)
	}

	if ok, _ := res[0].(int64); ok == 1 {
		return true, time.Time{}, nil
	}

	oldestStr, _ := res[1].(string)
	oldest, err := strconv.ParseFloat(oldestStr, 64)
	if err != nil {
		return false, time.Time{}, fmt.Errorf("parse oldest request score %q: %w", oldestStr, err)
	}
	return false, time.UnixMilli(int64(oldest)).Add(window), nil
}

// Count implements Ledger.
func (l *RedisLedger) Count(ctx context.Context, class Class, now time.Time, window time.Duration) (int, error) {
	minScore := "(" + strconv.FormatInt(now.Add(-window).UnixMilli(), 10)
	n, err := l.redis.ZCount(ctx, l.requestsKey(class), minScore, "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("count requests: %w", err)
	}
	return int(n), nil
}

// ExtendCooldown implements Ledger.
func (l *RedisLedger) ExtendCooldown(ctx context.Context, class Class, now, until time.Time) error {
	ttl := until.Sub(now)
	if ttl < 0 {
		ttl = 0
	}
	ttl += cooldownGrace
	err := extendCooldownScript.Run(ctx, l.redis,
		[]string{l.cooldownKey(class)},
		until.UnixMilli(), ttl.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("extend cooldown: %w", err)
	}
	return nil
}

// Cooldown implements Ledger.
func (l *RedisLedger) Cooldown(ctx context.Context, class Class) (time.Time, error) {
	ms, err := l.redis.Get(ctx, l.cooldownKey(class)).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get cooldown: %w", err)
	}
	return time.UnixMilli(ms), nil
}
