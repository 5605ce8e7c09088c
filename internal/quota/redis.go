package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// checkAndIncrScript runs atomically on the Redis server.
// KEYS[1] counter key, ARGV[1] limit (<= 0 unlimited), ARGV[2] ttl ms.
// Returns {allowed, count}.
var checkAndIncrScript = redis.NewScript(`
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[1])
if limit > 0 and count >= limit then
  return {0, count}
end
count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return {1, count}
`)

// RedisStore keeps counters in Redis under "quota:<user>:<period>".
type RedisStore struct {
	client redis.Scripter
	ttl    time.Duration
}

// NewRedisStore creates a RedisStore. Counter keys expire ttl after their
// first increment; a zero ttl defaults to 62 days, enough to outlive a
// monthly period.
func NewRedisStore(client redis.Scripter, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 62 * 24 * time.Hour
	}
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) CheckAndIncrement(ctx context.Context, userID, periodKey string, limit int64) (Result, error) {
	key := fmt.Sprintf("quota:%s:%s", userID, periodKey)
	vals, err := checkAndIncrScript.Run(ctx, s.client, []string{key}, limit, s.ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return Result{}, unavailable("redis check-and-increment", err)
	}
	if len(vals) != 2 {
		return Result{}, unavailable("redis check-and-increment", fmt.Errorf("unexpected reply %v", vals))
	}
	return result(vals[0] == 1, vals[1], limit), nil
}
