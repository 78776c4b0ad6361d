// Package ratelimit throttles inbound webhook traffic per provider. The
// bucket state lives in Redis so every receiver replica draws from the
// same budget.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// allowScript refills the bucket from the elapsed wall time, then takes
// one token if any remain. State is a Redis hash {tok, ms} per key.
var allowScript = redis.NewScript(`
local cap = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tok', 'ms')
local tok = tonumber(state[1]) or cap
local ms = tonumber(state[2]) or now

if now > ms then
  tok = math.min(cap, tok + (now - ms) / 1000 * rate)
end

local ok = 0
if tok >= 1 then
  ok = 1
  tok = tok - 1
end

redis.call('HMSET', KEYS[1], 'tok', tok, 'ms', now)
if ttl > 0 then redis.call('PEXPIRE', KEYS[1], ttl) end
return {ok, tostring(tok)}
`)

// TokenBucket is a distributed token bucket. The webhook receiver keys
// one bucket per provider so a burst from one marketplace cannot starve
// the others.
type TokenBucket struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
}

func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
	}
}

// ProviderKey builds the bucket key for a webhook provider.
func ProviderKey(provider string) string {
	return "ratelimit:webhook:" + provider
}

// Allow takes one token from the key's bucket. It reports whether the
// request may proceed along with the tokens left afterward.
func (b *TokenBucket) Allow(ctx context.Context, key string) (bool, float64, error) {
	now := time.Now().UnixMilli()
	res, err := allowScript.Run(ctx, b.client, []string{key},
		b.capacity, b.refill, now, b.ttl.Milliseconds()).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit %s: %w", key, err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("rate limit %s: malformed script reply", key)
	}
	ok, _ := res[0].(int64)
	var left float64
	if s, isStr := res[1].(string); isStr {
		left, _ = strconv.ParseFloat(s, 64)
	}
	return ok == 1, left, nil
}
