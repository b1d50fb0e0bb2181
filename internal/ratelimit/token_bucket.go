package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Budget is a Redis-backed token bucket bounding how much GitHub API traffic
// each user's refreshes may generate. GitHub's own limits are per-token, so
// the bucket is keyed per user and shared by every worker and API instance.
type Budget struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
}

// NewBudget constructs a budget with the given capacity and refill rate.
func NewBudget(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *Budget {
	return &Budget{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
	}
}

// Allow consumes a single token for the user if available.
func (b *Budget) Allow(ctx context.Context, userID string) (bool, float64, error) {
	return b.AllowN(ctx, userID, 1)
}

// AllowN consumes n tokens at once; a refresh that fans out into several
// GitHub API calls reserves its whole cost up front. It returns whether the
// reservation succeeded and the remaining token count.
func (b *Budget) AllowN(ctx context.Context, userID string, n int) (bool, float64, error) {
	if n <= 0 {
		n = 1
	}
	now := time.Now().UnixMilli()
	res, err := budgetScript.Run(ctx, b.client, []string{"budget:" + userID},
		b.capacity, b.refill, now, b.ttl.Milliseconds(), n).Result()
	if err != nil {
		return false, 0, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, err
	}
	allowed := arr[0].(int64) == 1
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case float64:
		tokens = v
	}
	return allowed, tokens, nil
}

var budgetScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
local cost = tonumber(ARGV[5])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
local add = delta / 1000 * refill
tokens = math.min(capacity, tokens + add)

local allowed = 0
if tokens >= cost then
  allowed = 1
  tokens = tokens - cost
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tokens}
`)
