// Package idempotency short-circuits repeated submissions that carry the same
// client external_id. The unique index on tasks is the durable backstop; the guard
// only keeps concurrent duplicates from reaching the ledger.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Guard claims an external id for a task.
type Guard interface {
	// Claim records taskID as the owner of (userID, externalID) unless another task
	// already owns it, in which case that owner is returned with claimed=false.
	Claim(ctx context.Context, userID uuid.UUID, externalID string, taskID uuid.UUID) (owner uuid.UUID, claimed bool, err error)
	// Forget drops a claim whose submission did not commit.
	Forget(ctx context.Context, userID uuid.UUID, externalID string) error
}

// claimScript is a get-or-set: it returns the current owner, setting ARGV[1] with a
// TTL of ARGV[2] milliseconds when the key is free.
var claimScript = redis.NewScript(`
local owner = redis.call('GET', KEYS[1])
if owner then
  return owner
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return ARGV[1]
`)

// RedisGuard keeps claims in Redis under idem:<user_id>:<external_id>.
type RedisGuard struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisGuard(rdb *redis.Client, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisGuard{rdb: rdb, ttl: ttl}
}

func claimKey(userID uuid.UUID, externalID string) string {
	return fmt.Sprintf("idem:%s:%s", userID, externalID)
}

func (g *RedisGuard) Claim(ctx context.Context, userID uuid.UUID, externalID string, taskID uuid.UUID) (uuid.UUID, bool, error) {
	res, err := claimScript.Run(ctx, g.rdb, []string{claimKey(userID, externalID)}, taskID.String(), g.ttl.Milliseconds()).Text()
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("claim external id: %w", err)
	}
	owner, err := uuid.Parse(res)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("claim external id: bad owner %q: %w", res, err)
	}
	return owner, owner == taskID, nil
}

func (g *RedisGuard) Forget(ctx context.Context, userID uuid.UUID, externalID string) error {
	if err := g.rdb.Del(ctx, claimKey(userID, externalID)).Err(); err != nil {
		return fmt.Errorf("forget external id: %w", err)
	}
	return nil
}

// Nop claims every id. The database unique index does all the work.
type Nop struct{}

func (Nop) Claim(_ context.Context, _ uuid.UUID, _ string, taskID uuid.UUID) (uuid.UUID, bool, error) {
	return taskID, true, nil
}

func (Nop) Forget(context.Context, uuid.UUID, string) error { return nil }

// Connect opens a Redis client from a redis:// URL and checks it answers.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}
