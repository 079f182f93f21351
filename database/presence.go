package database

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const defaultPresenceTTL = 24 * time.Hour

// Presence counts a user's live connections across every instance. Each user
// has a Redis set of connection ids; the set expires if no instance refreshes
// it, so ids left behind by a crashed instance do not live forever.
type Presence struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

func NewPresence(rdb *redis.Client, logger *zap.Logger) *Presence {
	return &Presence{rdb: rdb, prefix: "presence:user:", ttl: defaultPresenceTTL, logger: logger}
}

func (p *Presence) key(userID uint) string {
	return fmt.Sprintf("%s%d", p.prefix, userID)
}

// Add records connID as a live connection of userID.
func (p *Presence) Add(ctx context.Context, userID uint, connID string) error {
	key := p.key(userID)
	_, err := p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, key, connID)
		pipe.Expire(ctx, key, p.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("presence add: %w", err)
	}
	return nil
}

// Remove forgets connID and returns how many connections of userID remain.
func (p *Presence) Remove(ctx context.Context, userID uint, connID string) (int64, error) {
	key := p.key(userID)
	var card *redis.IntCmd
	_, err := p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, key, connID)
		card = pipe.SCard(ctx, key)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("presence remove: %w", err)
	}
	remaining := card.Val()
	p.logger.Debug("Presence removed", zap.Uint("userID", userID), zap.String("connID", connID), zap.Int64("remaining", remaining))
	return remaining, nil
}
