package limit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var incrWithTTLScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return c
`)

// KeyLimiter caps how many trace payloads one owner key may ingest per hour.
// Counters live in redis so the limit holds across replicas.
type KeyLimiter struct {
	redis *redis.Client
	limit int64
}

func NewKeyLimiter(rdb *redis.Client, limit int64) *KeyLimiter {
	return &KeyLimiter{redis: rdb, limit: limit}
}

func (r *KeyLimiter) Allow(ctx context.Context, ownerKey string, now time.Time) (allowed bool, used int64, resetAt time.Time, err error) {
	windowStart := now.UTC().Truncate(time.Hour)
	windowEnd := windowStart.Add(time.Hour)
	ttl := int64(windowEnd.Sub(now.UTC()).Seconds())
	if ttl < 1 {
		ttl = 1
	}

	key := fmt.Sprintf("traced:ratelimit:%s:%s", ownerKey, windowStart.Format("2006010215"))
	res, err := incrWithTTLScript.Run(ctx, r.redis, []string{key}, ttl).Int64()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limit script: %w", err)
	}
	return res <= r.limit, res, windowEnd, nil
}
