package keydir

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"whisperwire/internal/model"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const cacheKeyPrefix = "keydir:"

// RedisCache caches key records in Redis with a TTL. All failures are
// logged and treated as misses so a flaky cache only costs latency.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisCache {
	return &RedisCache{
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

func (c *RedisCache) Get(ctx context.Context, userID string) (*model.UserKeyRecord, bool) {
	raw, err := c.client.Get(ctx, cacheKeyPrefix+userID).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("key cache read failed", zap.String("user_id", userID), zap.Error(err))
		}
		return nil, false
	}

	var rec model.UserKeyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		c.logger.Warn("key cache entry corrupt", zap.String("user_id", userID), zap.Error(err))
		return nil, false
	}
	return &rec, true
}

func (c *RedisCache) Set(ctx context.Context, userID string, rec *model.UserKeyRecord) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, cacheKeyPrefix+userID, raw, c.ttl).Err(); err != nil {
		c.logger.Warn("key cache write failed", zap.String("user_id", userID), zap.Error(err))
	}
}

func (c *RedisCache) Invalidate(ctx context.Context, userID string) {
	if err := c.client.Del(ctx, cacheKeyPrefix+userID).Err(); err != nil {
		c.logger.Warn("key cache invalidate failed", zap.String("user_id", userID), zap.Error(err))
	}
}
