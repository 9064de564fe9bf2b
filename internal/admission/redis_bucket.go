// SPDX-License-Identifier: MIT

package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/draftwire/draftwire/internal/buffer"
)

// consumeScript performs refill-then-consume as one atomic server-side
// operation, so concurrent requests for the same identity never race a
// read-modify-write. Tokens are fractional; retry_after is whole seconds.
var consumeScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local ttl_ms = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'last_refill')
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil or last == nil then
  tokens = capacity
  last = now_ms
end

local elapsed = (now_ms - last) / 1000.0
if elapsed < 0 then elapsed = 0 end
tokens = tokens + elapsed * refill_rate
if tokens > capacity then tokens = capacity end

local allowed = 0
local retry_after = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
else
  retry_after = math.ceil((1 - tokens) / refill_rate)
  if retry_after < 1 then retry_after = 1 end
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_refill', now_ms)
redis.call('PEXPIRE', key, ttl_ms)
return {allowed, retry_after}
`)

// RedisBucket is the durable token-bucket backend, shared across processes
// so horizontally scaled instances enforce one limit per identity.
type RedisBucket struct {
	client *redis.Client
	limits BucketLimits
	now    func() time.Time
}

// NewRedisBucket wraps an existing client.
func NewRedisBucket(client *redis.Client, limits BucketLimits) *RedisBucket {
	return &RedisBucket{client: client, limits: limits, now: time.Now}
}

func bucketKey(identity string, kind Kind) string {
	return fmt.Sprintf("draftwire:ratelimit:%s:%s", identity, kind)
}

// TryConsume runs the atomic script. Errors surface as
// buffer.ErrUnavailable so the caller can fall back in-process.
func (b *RedisBucket) TryConsume(ctx context.Context, identity string, kind Kind) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	capacity := b.limits.capacity(kind)
	res, err := consumeScript.Run(ctx, b.client,
		[]string{bucketKey(identity, kind)},
		capacity,
		capacity/60.0,
		b.now().UnixMilli(),
		b.limits.IdleTTL.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("%w: consume script: %v", buffer.ErrUnavailable, err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("consume script returned %d values", len(res))
	}

	if res[0] == 1 {
		return Decision{Allowed: true}, nil
	}
	return Decision{Allowed: false, RetryAfterSeconds: res[1], Reason: "rate_limited"}, nil
}
