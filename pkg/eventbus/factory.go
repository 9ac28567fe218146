package eventbus

import (
	"fmt"

	"github.com/0xmhha/pingpong-go/internal/config"
	"go.uber.org/zap"
)

// New builds the publisher selected by cfg.Type. "none" yields a NopPublisher.
func New(cfg config.NotificationsConfig, logger *zap.Logger) (Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Type {
	case "", "none":
		return NopPublisher{}, nil
	case "redis", "kafka", "both":
	default:
		return nil, fmt.Errorf("%w: unknown notifications type %q", ErrInvalidConfiguration, cfg.Type)
	}

	multi := NewMultiPublisher()
	if cfg.RedisEnabled() {
		p, err := NewRedisPublisher(cfg.Redis, logger)
		if err != nil {
			return nil, err
		}
		multi.Add(p)
	}
	if cfg.KafkaEnabled() {
		p, err := NewKafkaPublisher(cfg.Kafka, logger)
		if err != nil {
			_ = multi.Close()
			return nil, err
		}
		multi.Add(p)
	}

	logger.Info("outcome publishing enabled", zap.String("type", cfg.Type), zap.Int("publishers", multi.Len()))
	if multi.Len() == 1 {
		return multi.publishers[0], nil
	}
	return multi, nil
}
