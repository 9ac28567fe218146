package eventbus

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/0xmhha/pingpong-go/internal/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// redisClient is the subset of the go-redis client used for publishing
type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// RedisPublisher publishes outcomes on a Redis pub/sub channel
type RedisPublisher struct {
	client  redisClient
	channel string
	logger  *zap.Logger
	closed  atomic.Bool

	published atomic.Uint64
	failed    atomic.Uint64
}

// NewRedisPublisher creates a publisher for the configured Redis deployment.
// More than one address selects a cluster client.
func NewRedisPublisher(cfg config.RedisNotificationsConfig, logger *zap.Logger) (*RedisPublisher, error) {
	if len(cfg.Addresses) == 0 {
		return nil, fmt.Errorf("%w: no Redis addresses configured", ErrInvalidConfiguration)
	}
	if cfg.Channel == "" {
		return nil, fmt.Errorf("%w: no Redis channel configured", ErrInvalidConfiguration)
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Addresses,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return newRedisPublisher(client, cfg.Channel, logger), nil
}

func newRedisPublisher(client redisClient, channel string, logger *zap.Logger) *RedisPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPublisher{
		client:  client,
		channel: channel,
		logger:  logger.With(zap.String("publisher", "redis"), zap.String("channel", channel)),
	}
}

// Publish sends the outcome as JSON
func (p *RedisPublisher) Publish(ctx context.Context, outcome *Outcome) error {
	if p.closed.Load() {
		return ErrClosed
	}

	data, err := outcome.Marshal()
	if err != nil {
		return err
	}

	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		p.failed.Add(1)
		return fmt.Errorf("failed to publish to redis: %w", err)
	}
	p.published.Add(1)
	return nil
}

// Published returns the number of outcomes delivered
func (p *RedisPublisher) Published() uint64 {
	return p.published.Load()
}

// Close releases the Redis connection
func (p *RedisPublisher) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.logger.Info("closing redis publisher",
		zap.Uint64("published", p.published.Load()),
		zap.Uint64("failed", p.failed.Load()),
	)
	return p.client.Close()
}

var _ Publisher = (*RedisPublisher)(nil)
