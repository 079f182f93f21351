package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// 自分のトークンの場合のみ削除する
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a lease lock shared by every server instance through Redis.
type RedisLocker struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
	logger *zap.Logger
}

func NewRedisLocker(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisLocker {
	return &RedisLocker{rdb: rdb, ttl: ttl, prefix: "lock:", logger: logger}
}

func (l *RedisLocker) Acquire(ctx context.Context, roomID uint, timeout time.Duration) (Token, error) {
	token := Token{Key: roomKey(l.prefix, roomID), Value: uuid.NewString()}
	err := acquireWithRetry(ctx, timeout, func(ctx context.Context) (bool, error) {
		return l.rdb.SetNX(ctx, token.Key, token.Value, l.ttl).Result()
	})
	if err != nil {
		l.logger.Warn("Failed to acquire room lock", zap.Uint("roomID", roomID), zap.Error(err))
		return Token{}, err
	}
	return token, nil
}

// Release drops the lease if it is still owned by token. Releasing an expired
// or already released token is a no-op.
func (l *RedisLocker) Release(ctx context.Context, token Token) error {
	if token.Key == "" {
		return nil
	}
	released, err := releaseScript.Run(ctx, l.rdb, []string{token.Key}, token.Value).Int()
	if err != nil {
		return fmt.Errorf("release %s: %w", token.Key, err)
	}
	if released == 0 {
		l.logger.Warn("Room lock lease expired before release", zap.String("key", token.Key))
	}
	return nil
}
