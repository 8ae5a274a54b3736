package presence

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const lastSeenKeyPrefix = "presence:last_seen:"

// RedisLastSeen records last-seen timestamps in Redis. Presence itself
// is volatile and rebuilt on reconnect; only the timestamp survives.
type RedisLastSeen struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedisLastSeen(client *redis.Client, logger *zap.Logger) *RedisLastSeen {
	return &RedisLastSeen{client: client, logger: logger}
}

func (r *RedisLastSeen) Touch(ctx context.Context, userID string, at time.Time) {
	if err := r.client.Set(ctx, lastSeenKeyPrefix+userID, at.Format(time.RFC3339), 0).Err(); err != nil {
		r.logger.Warn("last-seen write failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// LastSeen reads a user's last-seen timestamp. Zero time when unknown.
func (r *RedisLastSeen) LastSeen(ctx context.Context, userID string) time.Time {
	raw, err := r.client.Get(ctx, lastSeenKeyPrefix+userID).Result()
	if err != nil {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return ts
}
