package responder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/0xmhha/pingpong-go/internal/constants"
	"github.com/0xmhha/pingpong-go/internal/logger"
	"github.com/0xmhha/pingpong-go/pkg/client"
	"github.com/0xmhha/pingpong-go/pkg/eventbus"
	"github.com/0xmhha/pingpong-go/pkg/storage"
	"go.uber.org/zap"
)

// Chain is everything the responder needs from the node
type Chain interface {
	Submitter
	LogFilterer
	LogSubscriber
}

var _ Chain = (*client.Client)(nil)

// Config holds responder configuration
type Config struct {
	// StartingBlock is where the first scan begins when the store is empty.
	// Nil means the chain height at startup.
	StartingBlock *uint64

	ConfirmationTimeout time.Duration
	QueueSize           int
	ScanChunkSize       uint64
	SeenCacheSize       int

	// RPCTimeout bounds each nonce and submission call
	RPCTimeout time.Duration

	// StuckPingsLimit caps the pending pings reported after the scan
	StuckPingsLimit int
}

// Service wires the processor, dispatcher, scanner and feed around one store
// and one chain connection.
type Service struct {
	config     *Config
	store      storage.Store
	chain      Chain
	processor  *Processor
	dispatcher *Dispatcher
	scanner    *Scanner
	feed       *Feed
	logger     *zap.Logger
}

// NewService builds a service. publisher and metrics may be nil.
func NewService(cfg *Config, store storage.Store, chain Chain, publisher eventbus.Publisher, metrics *Metrics, log *zap.Logger) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	processor, err := NewProcessor(store, chain, ProcessorConfig{
		ConfirmationTimeout: cfg.ConfirmationTimeout,
		RPCTimeout:          cfg.RPCTimeout,
		SeenCacheSize:       cfg.SeenCacheSize,
		Publisher:           publisher,
		Metrics:             metrics,
		Logger:              log,
	})
	if err != nil {
		return nil, err
	}

	dispatcher := NewDispatcher(processor, cfg.QueueSize, log)
	return &Service{
		config:     cfg,
		store:      store,
		chain:      chain,
		processor:  processor,
		dispatcher: dispatcher,
		scanner:    NewScanner(store, chain, dispatcher, cfg.ScanChunkSize, log),
		feed:       NewFeed(chain, dispatcher, metrics, log),
		logger:     logger.WithComponent(log, "service"),
	}, nil
}

// Dispatcher returns the service's dispatcher
func (s *Service) Dispatcher() *Dispatcher {
	return s.dispatcher
}

// Run subscribes to live pings, replays missed pings, then serves the live
// feed until ctx is cancelled. Live pings that arrive during the replay are
// held by the subscription and processed afterwards.
//
// A nil return means a clean shutdown. Queued submissions are finished before
// Run returns; pending confirmation waits are abandoned.
func (s *Service) Run(ctx context.Context) error {
	s.dispatcher.Start(ctx)
	defer s.dispatcher.Stop()

	fallback, err := FallbackStartBlock(ctx, s.chain, s.config.StartingBlock)
	if err != nil {
		return s.exit(ctx, err)
	}

	if err := s.feed.Subscribe(ctx); err != nil {
		return s.exit(ctx, err)
	}
	defer s.feed.Close()

	if _, err := s.scanner.Scan(ctx, fallback); err != nil {
		return s.exit(ctx, fmt.Errorf("gap scan failed: %w", err))
	}

	s.reportStuck(ctx)

	return s.exit(ctx, s.feed.Run(ctx))
}

// exit hides errors caused by shutdown
func (s *Service) exit(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		s.logger.Info("responder stopped during startup", zap.Error(err))
		return nil
	}
	return err
}

// reportStuck logs pings that never got a confirmed pong. They are not retried.
func (s *Service) reportStuck(ctx context.Context) {
	limit := s.config.StuckPingsLimit
	if limit <= 0 {
		limit = constants.DefaultStuckPingsLimit
	}

	stuck, err := s.store.ListStuckPings(ctx, limit)
	if err != nil {
		s.logger.Warn("failed to list stuck pings", zap.Error(err))
		return
	}
	for _, p := range stuck {
		s.logger.Warn("ping has no pong",
			logger.Hash("ping_tx", p.TxHash),
			zap.Uint64("block", p.BlockNumber),
			zap.Time("processed_at", p.ProcessedAt),
		)
	}
}
