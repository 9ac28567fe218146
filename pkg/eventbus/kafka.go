package eventbus

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/0xmhha/pingpong-go/internal/config"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// messageWriter is the subset of kafka.Writer used for publishing
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes outcomes to a Kafka topic, keyed by ping hash so
// that every outcome of one ping lands on the same partition.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
	logger *zap.Logger
	closed atomic.Bool

	messagesWritten atomic.Uint64
	bytesWritten    atomic.Uint64
	errors          atomic.Uint64
}

// NewKafkaPublisher creates a synchronous producer for the configured topic
func NewKafkaPublisher(cfg config.KafkaNotificationsConfig, logger *zap.Logger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("%w: no Kafka brokers configured", ErrInvalidConfiguration)
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("%w: no Kafka topic configured", ErrInvalidConfiguration)
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return newKafkaPublisher(writer, cfg.Topic, logger), nil
}

func newKafkaPublisher(writer messageWriter, topic string, logger *zap.Logger) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaPublisher{
		writer: writer,
		topic:  topic,
		logger: logger.With(zap.String("publisher", "kafka"), zap.String("topic", topic)),
	}
}

// Publish writes the outcome and waits for the broker acknowledgement
func (p *KafkaPublisher) Publish(ctx context.Context, outcome *Outcome) error {
	if p.closed.Load() {
		return ErrClosed
	}

	data, err := outcome.Marshal()
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Key:   outcome.PingTxHash.Bytes(),
		Value: data,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(outcome.Type)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.errors.Add(1)
		return fmt.Errorf("failed to write to kafka: %w", err)
	}

	p.messagesWritten.Add(1)
	p.bytesWritten.Add(uint64(len(data)))
	return nil
}

// Close flushes and closes the writer
func (p *KafkaPublisher) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.logger.Info("closing kafka publisher",
		zap.Uint64("messages_written", p.messagesWritten.Load()),
		zap.Uint64("bytes_written", p.bytesWritten.Load()),
		zap.Uint64("errors", p.errors.Load()),
	)
	return p.writer.Close()
}

var _ Publisher = (*KafkaPublisher)(nil)
