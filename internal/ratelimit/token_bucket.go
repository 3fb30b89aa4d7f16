package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenBucket limits catalog mutations per client with a bucket kept in Redis,
// so every API instance draws from the same budget.
type TokenBucket struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	prefix   string
}

// Decision is the outcome of one Allow call. Remaining is floored.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		prefix:   "rl:",
	}
}

// Allow takes one token from key's bucket when one is available.
func (b *TokenBucket) Allow(ctx context.Context, key string) (Decision, error) {
	now := time.Now().UnixMilli()
	res, err := takeToken.Run(ctx, b.client, []string{b.prefix + key},
		b.capacity, b.refill, now, b.ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("run bucket script: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("unexpected bucket script reply %v", res)
	}
	return Decision{
		Allowed:    res[0] == 1,
		Remaining:  int(res[1]),
		RetryAfter: time.Duration(res[2]) * time.Millisecond,
	}, nil
}

// Replies are {allowed, floor(level), ms until the next token}. Lua numbers
// are truncated to integers on the way out.
var takeToken = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'level', 'stamp')
local level = tonumber(state[1]) or capacity
local stamp = tonumber(state[2]) or now

if now > stamp then
  level = math.min(capacity, level + (now - stamp) * rate / 1000)
end

local allowed = 0
if level >= 1 then
  level = level - 1
  allowed = 1
end

local wait = 0
if level < 1 then
  if rate > 0 then
    wait = math.ceil((1 - level) * 1000 / rate)
  else
    wait = ttl
  end
end

redis.call('HSET', KEYS[1], 'level', level, 'stamp', now)
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return {allowed, math.floor(level), wait}
`)
