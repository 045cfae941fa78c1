package concurrency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/runcore/core/internal/model"
)

// releaseIfOwnerScript deletes a lock key only if it is still held by the
// caller's execution id, the classic check-and-delete pattern for Redis
// locks: a plain DEL would risk deleting a lease some other execution
// acquired after ours expired.
const releaseIfOwnerScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// RedisGuard is a Guard backed by Redis SET NX PX, for deployments running
// more than one process against databases that don't share a connection
// (so a Postgres row lock alone wouldn't be visible everywhere).
type RedisGuard struct {
	client *redis.Client
	prefix string
}

// NewRedisGuard builds a Guard over an existing go-redis client. keyPrefix
// namespaces lock keys so the guard can share a Redis instance with other
// subsystems.
func NewRedisGuard(client *redis.Client, keyPrefix string) *RedisGuard {
	if keyPrefix == "" {
		keyPrefix = "runcore:lock:"
	}
	return &RedisGuard{client: client, prefix: keyPrefix}
}

func (g *RedisGuard) redisKey(key string) string {
	return g.prefix + key
}

func (g *RedisGuard) TryAcquire(ctx context.Context, key string, _ model.ID, executionID model.ID, ttl time.Duration) error {
	rk := g.redisKey(key)
	owner := executionID.String()

	// Reentrant: if we already hold it, just extend the TTL.
	current, err := g.client.Get(ctx, rk).Result()
	if err == nil && current == owner {
		return g.client.Expire(ctx, rk, ttl).Err()
	}
	if err != nil && err != redis.Nil {
		return fmt.Errorf("concurrency: redis get %q: %w", key, err)
	}

	ok, err := g.client.SetNX(ctx, rk, owner, ttl).Result()
	if err != nil {
		return fmt.Errorf("concurrency: redis setnx %q: %w", key, err)
	}
	if !ok {
		return ErrLockHeld
	}
	return nil
}

func (g *RedisGuard) Renew(ctx context.Context, key string, runID, executionID model.ID, ttl time.Duration) error {
	return g.TryAcquire(ctx, key, runID, executionID, ttl)
}

func (g *RedisGuard) Release(ctx context.Context, key string, executionID model.ID) error {
	res := g.client.Eval(ctx, releaseIfOwnerScript, []string{g.redisKey(key)}, executionID.String())
	if err := res.Err(); err != nil {
		return fmt.Errorf("concurrency: redis release %q: %w", key, err)
	}
	return nil
}
