// Package broadcast fans events out to every server instance through Redis
// Pub/Sub. Each instance subscribes once and hands every message to its local
// session registry, which knows the connections behind each channel.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const defaultPrefix = "dice:"

// Envelope はRedisに流すメッセージの形式
type Envelope struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// DeliverFunc receives every message published on any channel.
type DeliverFunc func(channel, event string, data json.RawMessage)

type RedisBus struct {
	rdb        *redis.Client
	prefix     string
	maxRetries uint64
	logger     *zap.Logger
}

func NewRedisBus(rdb *redis.Client, logger *zap.Logger) *RedisBus {
	return &RedisBus{rdb: rdb, prefix: defaultPrefix, maxRetries: 3, logger: logger}
}

// Publish sends event to channel. Delivery is at-least-once: a publish whose
// reply was lost is retried, so receivers may see duplicates.
func (b *RedisBus) Publish(ctx context.Context, channel, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event, err)
	}
	msg, err := json.Marshal(Envelope{Channel: channel, Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", event, err)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 20 * time.Millisecond
	eb.MaxInterval = 200 * time.Millisecond
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, b.maxRetries), ctx)

	err = backoff.RetryNotify(func() error {
		return b.rdb.Publish(ctx, b.prefix+channel, msg).Err()
	}, policy, func(err error, wait time.Duration) {
		b.logger.Warn("Retrying publish", zap.String("channel", channel), zap.String("event", event),
			zap.Duration("wait", wait), zap.Error(err))
	})
	if err != nil {
		return fmt.Errorf("publish %s to %s: %w", event, channel, err)
	}
	return nil
}

// Subscription is this instance's single pattern subscription on the bus.
type Subscription struct {
	pubsub *redis.PubSub
	prefix string
	logger *zap.Logger
}

// Subscribe registers the instance on the bus. Messages published after it
// returns are guaranteed to be received.
func (b *RedisBus) Subscribe(ctx context.Context) (*Subscription, error) {
	pubsub := b.rdb.PSubscribe(ctx, b.prefix+"*")
	// 購読完了の確認を待つ
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s*: %w", b.prefix, err)
	}
	return &Subscription{pubsub: pubsub, prefix: b.prefix, logger: b.logger}, nil
}

// Run hands every received message to deliver until ctx is done or the
// subscription is closed.
func (s *Subscription) Run(ctx context.Context, deliver DeliverFunc) error {
	ch := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				s.logger.Error("Failed to decode bus message", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			deliver(env.Channel, env.Event, env.Data)
		}
	}
}

func (s *Subscription) Close() error {
	return s.pubsub.Close()
}
