package enhancer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/coderisk/cachecore/internal/errs"
)

// ResultCache memoizes one (symbol, operation) LSP response in Redis so
// a second driver instance, or a retry after a soft timeout, doesn't
// re-issue an identical request. It is optional — a nil *ResultCache
// behaves as an always-miss cache.
type ResultCache struct {
	client *redis.Client
	logger *logrus.Logger
	ttl    time.Duration
}

// NewResultCache connects to redisAddr and verifies connectivity.
func NewResultCache(redisAddr string, ttl time.Duration, logger *logrus.Logger) (*ResultCache, error) {
	if redisAddr == "" {
		return nil, errs.New(errs.ConfigError, "enhancer: redis address missing")
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	client := redis.NewClient(&redis.Options{Addr: redisAddr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errs.Wrapf(err, errs.Unavailable, "connect to redis at %s", redisAddr)
	}

	return &ResultCache{client: client, logger: logger, ttl: ttl}, nil
}

// Close releases the underlying Redis connection.
func (c *ResultCache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// Get returns the cached edges for (symbolUID, op), or a miss.
func (c *ResultCache) Get(ctx context.Context, symbolUID string, op Operation) ([]Edge, bool) {
	if c == nil {
		return nil, false
	}
	key := resultCacheKey(symbolUID, op)
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		c.logger.WithError(err).WithField("key", key).Debug("enhancer: result cache get failed")
		return nil, false
	}

	var edges []Edge
	if err := json.Unmarshal([]byte(val), &edges); err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("enhancer: result cache unmarshal failed")
		return nil, false
	}
	return edges, true
}

// Set stores edges for (symbolUID, op), best-effort.
func (c *ResultCache) Set(ctx context.Context, symbolUID string, op Operation, edges []Edge) {
	if c == nil {
		return
	}
	key := resultCacheKey(symbolUID, op)
	data, err := json.Marshal(edges)
	if err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("enhancer: result cache marshal failed")
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.WithError(err).WithField("key", key).Debug("enhancer: result cache set failed")
	}
}

// InvalidateSymbol drops every cached operation for symbolUID. The
// cache façade's InvalidateFile does not call it; results left behind
// expire on their TTL.
func (c *ResultCache) InvalidateSymbol(ctx context.Context, symbolUID string) {
	if c == nil {
		return
	}
	var cursor uint64
	pattern := fmt.Sprintf("cachecore:enhancer:result:%s:*", symbolUID)
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			c.logger.WithError(err).WithField("pattern", pattern).Warn("enhancer: result cache scan failed")
			return
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				c.logger.WithError(err).Warn("enhancer: result cache delete failed")
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
}

func resultCacheKey(symbolUID string, op Operation) string {
	return fmt.Sprintf("cachecore:enhancer:result:%s:%s", symbolUID, op)
}
