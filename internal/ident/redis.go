package ident

import (
	"context"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// ─────────────────────────────────────────────
// Lua Scripts for Atomic Redis Operations
// ─────────────────────────────────────────────

// luaObserve raises the counter to at least ARGV[1]+1.
//
// KEYS[1] = ident:next:{kind}   (string – next value to hand out)
// ARGV[1] = observed value
//
// Returns the counter after the call.
const luaObserve = `
local key      = KEYS[1]
local observed = tonumber(ARGV[1])

local current = tonumber(redis.call("GET", key) or "0")
if current < observed + 1 then
    redis.call("SET", key, observed + 1)
    return observed + 1
end
return current
`

// counterKey builds the counter key: "ident:next:{kind}"
func counterKey(kind Kind) string {
	return "ident:next:" + string(kind)
}

// RedisAllocator shares counters between server replicas through Redis.
type RedisAllocator struct {
	rdb           *redis.Client
	observeScript *redis.Script
}

func NewRedisAllocator(rdb *redis.Client) *RedisAllocator {
	return &RedisAllocator{
		rdb:           rdb,
		observeScript: redis.NewScript(luaObserve),
	}
}

// Next increments the counter. The key holds the next value to hand out, so
// INCR returns one past the allocated value.
func (a *RedisAllocator) Next(ctx context.Context, kind Kind) (uint64, error) {
	n, err := a.rdb.Incr(ctx, counterKey(kind)).Result()
	if err != nil {
		return 0, errors.Wrap(err, "incr id counter")
	}
	return uint64(n - 1), nil
}

func (a *RedisAllocator) Observe(ctx context.Context, kind Kind, n uint64) error {
	if err := a.observeScript.Run(ctx, a.rdb, []string{counterKey(kind)}, int64(n)).Err(); err != nil {
		return errors.Wrap(err, "observe id lua")
	}
	return nil
}
