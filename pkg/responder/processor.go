package responder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/0xmhha/pingpong-go/internal/constants"
	"github.com/0xmhha/pingpong-go/internal/logger"
	"github.com/0xmhha/pingpong-go/pkg/eventbus"
	"github.com/0xmhha/pingpong-go/pkg/storage"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// Submitter defines the chain operations needed to answer a ping
type Submitter interface {
	PendingNonce(ctx context.Context) (uint64, error)
	SubmitPong(ctx context.Context, pingTxHash common.Hash, nonce uint64) (*types.Transaction, error)
	WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
}

// ProcessorConfig holds processor configuration
type ProcessorConfig struct {
	// ConfirmationTimeout bounds the wait for a pong receipt
	ConfirmationTimeout time.Duration

	// RPCTimeout bounds each nonce and submission call
	RPCTimeout time.Duration

	// SeenCacheSize is the number of recently persisted ping hashes kept in memory
	SeenCacheSize int

	Publisher eventbus.Publisher
	Metrics   *Metrics
	Logger    *zap.Logger
}

// Submission is a pong accepted by the node and recorded as pending
type Submission struct {
	Event       Event
	Tx          *types.Transaction
	Nonce       uint64
	SubmittedAt time.Time
}

// Processor turns a detected ping into exactly one pong transaction.
//
// Submit runs the idempotency gate, persists the ping, acquires a nonce,
// broadcasts the pong and persists it. It is serialized by a mutex so nonce
// acquisition never interleaves. AwaitConfirmation runs outside the mutex.
type Processor struct {
	store      storage.Store
	chain      Submitter
	publisher  eventbus.Publisher
	metrics    *Metrics
	logger     *zap.Logger
	timeout    time.Duration
	rpcTimeout time.Duration

	mu        sync.Mutex
	seen      *lru.Cache[common.Hash, struct{}]
	lastBlock uint64

	now func() time.Time
}

// NewProcessor creates a processor. Zero config values take their defaults.
func NewProcessor(store storage.Store, chain Submitter, cfg ProcessorConfig) (*Processor, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if chain == nil {
		return nil, fmt.Errorf("chain cannot be nil")
	}

	if cfg.ConfirmationTimeout <= 0 {
		cfg.ConfirmationTimeout = constants.DefaultConfirmationTimeout
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = constants.DefaultRPCTimeout
	}
	if cfg.SeenCacheSize <= 0 {
		cfg.SeenCacheSize = constants.DefaultSeenCacheSize
	}
	if cfg.Publisher == nil {
		cfg.Publisher = eventbus.NopPublisher{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	seen, err := lru.New[common.Hash, struct{}](cfg.SeenCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create seen cache: %w", err)
	}

	return &Processor{
		store:      store,
		chain:      chain,
		publisher:  cfg.Publisher,
		metrics:    cfg.Metrics,
		logger:     logger.WithComponent(cfg.Logger, "processor"),
		timeout:    cfg.ConfirmationTimeout,
		rpcTimeout: cfg.RPCTimeout,
		seen:       seen,
		now:        time.Now,
	}, nil
}

// Process handles one event end to end: Submit followed by AwaitConfirmation
func (p *Processor) Process(ctx context.Context, ev Event) error {
	sub, err := p.Submit(ctx, ev)
	if err != nil || sub == nil {
		return err
	}
	return p.AwaitConfirmation(ctx, sub)
}

// Submit answers ev with a pong unless it was already handled.
// A nil Submission with a nil error means the event was a duplicate.
//
// Chain calls follow ctx and are bounded by the RPC timeout. An event whose
// ctx is already done is not touched, so a later gap scan picks it up.
func (p *Processor) Submit(ctx context.Context, ev Event) (*Submission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.metrics.PingsDetected.WithLabelValues(string(ev.Source)).Inc()

	if p.seen.Contains(ev.TxHash) {
		p.duplicate(ev, "cache")
		return nil, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	exists, err := p.store.HasPing(ctx, ev.TxHash)
	if err != nil {
		return nil, fmt.Errorf("failed to check ping %s: %w", ev.TxHash.Hex(), err)
	}
	if exists {
		p.seen.Add(ev.TxHash, struct{}{})
		p.duplicate(ev, "store")
		return nil, nil
	}

	inserted, err := p.store.InsertPing(ctx, ev.TxHash, ev.BlockNumber, storage.PingPending)
	if err != nil {
		return nil, fmt.Errorf("failed to record ping %s: %w", ev.TxHash.Hex(), err)
	}
	p.seen.Add(ev.TxHash, struct{}{})
	if !inserted {
		p.duplicate(ev, "conflict")
		return nil, nil
	}
	if ev.BlockNumber > p.lastBlock {
		p.lastBlock = ev.BlockNumber
		p.metrics.LastProcessedBlock.Set(float64(ev.BlockNumber))
	}

	p.logger.Info("ping detected",
		logger.Hash("ping_tx", ev.TxHash),
		zap.Uint64("block", ev.BlockNumber),
		zap.String("source", string(ev.Source)),
	)

	callCtx, cancel := context.WithTimeout(ctx, p.rpcTimeout)
	nonce, err := p.chain.PendingNonce(callCtx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("%w: ping %s: %w", ErrSubmission, ev.TxHash.Hex(), err)
	}

	callCtx, cancel = context.WithTimeout(ctx, p.rpcTimeout)
	tx, err := p.chain.SubmitPong(callCtx, ev.TxHash, nonce)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("%w: ping %s nonce %d: %w", ErrSubmission, ev.TxHash.Hex(), nonce, err)
	}
	sub := &Submission{Event: ev, Tx: tx, Nonce: nonce, SubmittedAt: p.now()}

	// The node accepted the transaction; record it even if shutdown began.
	storeCtx := context.WithoutCancel(ctx)
	inserted, err = p.store.InsertPong(storeCtx, ev.TxHash, tx.Hash(), nonce, storage.PongPending)
	if err != nil {
		return nil, fmt.Errorf("failed to record pong %s for ping %s: %w", tx.Hash().Hex(), ev.TxHash.Hex(), err)
	}
	if !inserted {
		p.logger.Warn("pong already recorded", logger.Hash("pong_tx", tx.Hash()))
	}

	p.metrics.PongsSubmitted.Inc()
	p.logger.Info("pong submitted",
		logger.Hash("ping_tx", ev.TxHash),
		logger.Hash("pong_tx", tx.Hash()),
		zap.Uint64("nonce", nonce),
	)
	p.publish(ctx, eventbus.NewOutcome(eventbus.OutcomeSubmitted, ev.TxHash, tx.Hash(), nonce))

	return sub, nil
}

// AwaitConfirmation waits for the pong receipt, bounded by the confirmation timeout.
//
// A timeout or a cancelled ctx leaves both records pending and returns nil.
// A reverted receipt or a failed wait marks the pong failed and returns ErrSubmission.
func (p *Processor) AwaitConfirmation(ctx context.Context, sub *Submission) error {
	waitCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	receipt, err := p.chain.WaitMined(waitCtx, sub.Tx)
	storeCtx := context.WithoutCancel(ctx)

	switch {
	case err == nil && receipt.Status == types.ReceiptStatusSuccessful:
		return p.confirm(storeCtx, sub, receipt)

	case err == nil:
		return p.fail(storeCtx, sub, fmt.Errorf("pong reverted in block %d", receiptBlock(receipt)))

	case ctx.Err() != nil:
		p.logger.Info("confirmation wait abandoned",
			logger.Hash("ping_tx", sub.Event.TxHash),
			logger.Hash("pong_tx", sub.Tx.Hash()),
		)
		p.publish(storeCtx, eventbus.NewOutcome(eventbus.OutcomeAbandoned, sub.Event.TxHash, sub.Tx.Hash(), sub.Nonce))
		return nil

	case errors.Is(err, context.DeadlineExceeded):
		p.metrics.PongsTimedOut.Inc()
		p.logger.Warn("pong confirmation timed out",
			logger.Hash("ping_tx", sub.Event.TxHash),
			logger.Hash("pong_tx", sub.Tx.Hash()),
			zap.Uint64("nonce", sub.Nonce),
			zap.Duration("timeout", p.timeout),
		)
		p.publish(storeCtx, eventbus.NewOutcome(eventbus.OutcomeTimeout, sub.Event.TxHash, sub.Tx.Hash(), sub.Nonce))
		return nil

	default:
		return p.fail(storeCtx, sub, err)
	}
}

func (p *Processor) confirm(ctx context.Context, sub *Submission, receipt *types.Receipt) error {
	if err := p.store.UpdatePong(ctx, sub.Tx.Hash(), storage.PongConfirmed); err != nil {
		return fmt.Errorf("failed to confirm pong %s: %w", sub.Tx.Hash().Hex(), err)
	}
	if err := p.store.UpdatePing(ctx, sub.Event.TxHash, storage.PingConfirmed); err != nil {
		return fmt.Errorf("failed to confirm ping %s: %w", sub.Event.TxHash.Hex(), err)
	}

	latency := p.now().Sub(sub.SubmittedAt)
	p.metrics.PongsConfirmed.Inc()
	p.metrics.ConfirmationLatency.Observe(latency.Seconds())

	block := receiptBlock(receipt)
	p.logger.Info("pong confirmed",
		logger.Hash("ping_tx", sub.Event.TxHash),
		logger.Hash("pong_tx", sub.Tx.Hash()),
		zap.Uint64("block", block),
		zap.Uint64("gas_used", receipt.GasUsed),
		zap.Duration("latency", latency),
	)

	outcome := eventbus.NewOutcome(eventbus.OutcomeConfirmed, sub.Event.TxHash, sub.Tx.Hash(), sub.Nonce)
	outcome.BlockNumber = block
	outcome.GasUsed = receipt.GasUsed
	p.publish(ctx, outcome)
	return nil
}

func (p *Processor) fail(ctx context.Context, sub *Submission, cause error) error {
	p.metrics.PongsFailed.Inc()
	p.logger.Error("pong failed",
		logger.Hash("ping_tx", sub.Event.TxHash),
		logger.Hash("pong_tx", sub.Tx.Hash()),
		zap.Uint64("nonce", sub.Nonce),
		zap.Error(cause),
	)

	outcome := eventbus.NewOutcome(eventbus.OutcomeFailed, sub.Event.TxHash, sub.Tx.Hash(), sub.Nonce)
	outcome.Error = cause.Error()
	p.publish(ctx, outcome)

	err := fmt.Errorf("%w: pong %s: %w", ErrSubmission, sub.Tx.Hash().Hex(), cause)
	if uerr := p.store.UpdatePong(ctx, sub.Tx.Hash(), storage.PongFailed); uerr != nil {
		return errors.Join(err, fmt.Errorf("failed to mark pong failed: %w", uerr))
	}
	return err
}

func receiptBlock(r *types.Receipt) uint64 {
	if r.BlockNumber == nil {
		return 0
	}
	return r.BlockNumber.Uint64()
}

func (p *Processor) duplicate(ev Event, reason string) {
	p.metrics.Duplicates.WithLabelValues(string(ev.Source)).Inc()
	p.logger.Debug("duplicate ping ignored",
		logger.Hash("ping_tx", ev.TxHash),
		zap.String("source", string(ev.Source)),
		zap.String("reason", reason),
	)
}

// publish delivers an outcome without failing the caller
func (p *Processor) publish(ctx context.Context, outcome *eventbus.Outcome) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), constants.DefaultPublishTimeout)
	defer cancel()

	if err := p.publisher.Publish(ctx, outcome); err != nil {
		p.logger.Warn("failed to publish outcome",
			zap.String("type", string(outcome.Type)),
			logger.Hash("ping_tx", outcome.PingTxHash),
			zap.Error(err),
		)
	}
}
