package enhancer

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/coderisk/cachecore/internal/errs"
)

// distributedScript atomically increments a per-second request counter
// and reports whether the caller is still within budget, the same
// shape as a token-bucket check but scoped to one Redis round trip so
// concurrent driver instances share one budget.
var distributedScript = redis.NewScript(`
	local key = KEYS[1]
	local limit = tonumber(ARGV[1])
	local count = redis.call('INCR', key)
	if count == 1 then redis.call('EXPIRE', key, 2) end
	if count > limit then
		return 0
	end
	return 1
`)

// DistributedLimiter shares a request budget across driver instances
// via Redis, for deployments where more than one process fans out to
// the same language server fleet.
type DistributedLimiter struct {
	client *redis.Client
	prefix string
	limit  int64
}

// NewDistributedLimiter connects to redisAddr and scopes its counters
// under prefix (typically a workspace identifier).
func NewDistributedLimiter(redisAddr, prefix string, ratePerSecond float64) (*DistributedLimiter, error) {
	client := redis.NewClient(&redis.Options{Addr: redisAddr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errs.Wrapf(err, errs.Unavailable, "connect to redis at %s", redisAddr)
	}

	limit := int64(ratePerSecond)
	if limit < 1 {
		limit = 1
	}
	return &DistributedLimiter{client: client, prefix: prefix, limit: limit}, nil
}

// Allow reports whether the shared per-second budget still has room.
// It never blocks; callers combine it with a local rate.Limiter for
// backoff behavior.
func (d *DistributedLimiter) Allow(ctx context.Context) (bool, error) {
	key := fmt.Sprintf("cachecore:enhancer:%s:%d", d.prefix, time.Now().Unix())
	result, err := distributedScript.Run(ctx, d.client, []string{key}, d.limit).Int()
	if err != nil {
		return false, errs.Wrap(err, errs.Unavailable, "distributed limiter check failed")
	}
	return result == 1, nil
}

// Close releases the Redis connection.
func (d *DistributedLimiter) Close() error {
	if d.client != nil {
		return d.client.Close()
	}
	return nil
}

// budget combines a local token bucket with an optional distributed
// check. Wait blocks for the local bucket first (bounding concurrency
// against this process alone), then consults the distributed limiter
// if configured.
type budget struct {
	local       *rate.Limiter
	distributed *DistributedLimiter
}

func (b *budget) wait(ctx context.Context) error {
	if b.local != nil {
		if err := b.local.Wait(ctx); err != nil {
			return errs.Wrap(err, errs.Timeout, "local rate limiter wait")
		}
	}
	if b.distributed != nil {
		ok, err := b.distributed.Allow(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return errs.New(errs.Unavailable, "distributed rate budget exhausted")
		}
	}
	return nil
}
