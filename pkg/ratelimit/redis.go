package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/psantana5/vidhook/pkg/clock"
)

// reserveScript prunes, counts and conditionally records one request on a
// sorted set scored by unix microseconds. Returns {allowed, count, oldest}.
var reserveScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  local score = now
  if oldest[2] then score = tonumber(oldest[2]) end
  return {0, count, score}
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, math.ceil(window / 1000))
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
return {1, count + 1, tonumber(oldest[2])}
`)

// RedisStore keeps one sliding window per key in Redis so several gateway
// instances share a counter
type RedisStore struct {
	client redis.Scripter
	prefix string
	limit  int
	length time.Duration
	clock  clock.Clock
}

// NewRedisStore creates a store on client. Keys are namespaced under prefix.
func NewRedisStore(client redis.Scripter, prefix string, limit int, length time.Duration, clk clock.Clock) *RedisStore {
	if prefix == "" {
		prefix = "vidhook:ratelimit"
	}
	if length <= 0 {
		length = DefaultWindow
	}
	if clk == nil {
		clk = clock.New()
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		limit:  limit,
		length: length,
		clock:  clk,
	}
}

// NewRedisClient connects to a Redis server and verifies it answers
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return client, nil
}

func (s *RedisStore) key(k string) string {
	return fmt.Sprintf("%s:%s", s.prefix, k)
}

// Limit returns the per-key ceiling
func (s *RedisStore) Limit() int { return s.limit }

// Reserve checks and reserves one request for key atomically on the server
func (s *RedisStore) Reserve(ctx context.Context, key string) (Decision, error) {
	now := s.clock.Now()
	res, err := reserveScript.Run(ctx, s.client, []string{s.key(key)},
		now.UnixMicro(), s.length.Microseconds(), s.limit, uuid.NewString()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("redis reserve for %s: %w", key, err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("redis reserve for %s: unexpected reply %v", key, res)
	}

	allowed := res[0] == 1
	count := int(res[1])
	resetTime := time.UnixMicro(res[2]).Add(s.length)

	d := Decision{
		Allowed:   allowed,
		Remaining: max(0, s.limit-count),
		ResetTime: resetTime,
	}
	if !allowed {
		d.Remaining = 0
		d.RetryAfter = max(0, resetTime.Sub(now))
		if d.RetryAfter == 0 && count == 0 {
			d.RetryAfter = s.length
		}
	}
	return d, nil
}
