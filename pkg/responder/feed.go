package responder

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/0xmhha/pingpong-go/internal/logger"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

// LogSubscriber defines the chain subscription used by the live feed
type LogSubscriber interface {
	SubscribePings(ctx context.Context, ch chan<- types.Log) (ethereum.Subscription, error)
}

// defaultFeedBuffer is the capacity of the channel receiving subscription logs
const defaultFeedBuffer = 128

// Feed delivers live Ping events to the sink. It never reconnects: a broken
// subscription is reported as ErrTransport.
type Feed struct {
	chain   LogSubscriber
	sink    Sink
	metrics *Metrics
	logger  *zap.Logger

	mu   sync.Mutex
	sub  ethereum.Subscription
	logs chan types.Log

	// logs received between Subscribe and Run, kept in arrival order
	held       []types.Log
	holdFailed bool
	holdErr    error
	release    chan struct{}
	holderDone chan struct{}
	once       sync.Once
}

// NewFeed creates a live feed
func NewFeed(chain LogSubscriber, sink Sink, metrics *Metrics, log *zap.Logger) *Feed {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Feed{
		chain:   chain,
		sink:    sink,
		metrics: metrics,
		logger:  logger.WithComponent(log, "feed"),
	}
}

// Subscribe opens the subscription. Until Run takes over, logs are moved off
// the subscription into memory so a long gap scan cannot overflow the client
// side notification queue.
func (f *Feed) Subscribe(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sub != nil {
		return nil
	}

	logs := make(chan types.Log, defaultFeedBuffer)
	sub, err := f.chain.SubscribePings(ctx, logs)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	f.sub = sub
	f.logs = logs
	f.release = make(chan struct{})
	f.holderDone = make(chan struct{})
	go f.hold(sub, logs, f.release, f.holderDone)
	f.logger.Info("subscribed to ping events")
	return nil
}

// hold drains the subscription until release is closed or the subscription
// fails
func (f *Feed) hold(sub ethereum.Subscription, logs <-chan types.Log, release, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-release:
			return
		case err := <-sub.Err():
			f.mu.Lock()
			f.holdFailed = true
			f.holdErr = err
			f.mu.Unlock()
			return
		case l := <-logs:
			f.mu.Lock()
			f.held = append(f.held, l)
			f.mu.Unlock()
		}
	}
}

// stopHolding ends hold and waits for it to return
func (f *Feed) stopHolding() {
	f.mu.Lock()
	release, done := f.release, f.holderDone
	f.mu.Unlock()
	if release == nil {
		return
	}
	f.once.Do(func() { close(release) })
	<-done
}

// takeHeld returns the logs collected before Run and whether the
// subscription already failed
func (f *Feed) takeHeld() ([]types.Log, bool, error) {
	f.stopHolding()
	f.mu.Lock()
	defer f.mu.Unlock()
	held := f.held
	f.held = nil
	return held, f.holdFailed, f.holdErr
}

// Run consumes the subscription until ctx is cancelled (returns nil) or the
// transport fails (returns ErrTransport).
func (f *Feed) Run(ctx context.Context) error {
	if err := f.Subscribe(ctx); err != nil {
		return err
	}

	f.mu.Lock()
	sub, logs := f.sub, f.logs
	f.mu.Unlock()
	defer sub.Unsubscribe()

	held, failed, holdErr := f.takeHeld()
	if len(held) > 0 {
		f.logger.Info("delivering pings received during startup", zap.Int("count", len(held)))
	}
	for _, l := range held {
		f.deliver(ctx, l)
	}
	if failed {
		return f.failure(ctx, holdErr)
	}

	for {
		select {
		case <-ctx.Done():
			f.logger.Info("feed stopped")
			return nil

		case err := <-sub.Err():
			return f.failure(ctx, err)

		case l := <-logs:
			f.deliver(ctx, l)
		}
	}
}

func (f *Feed) failure(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	if err == nil {
		err = errors.New("subscription closed")
	}
	f.logger.Error("ping subscription failed", zap.Error(err))
	return fmt.Errorf("%w: %w", ErrTransport, err)
}

func (f *Feed) deliver(ctx context.Context, l types.Log) {
	if ctx.Err() != nil {
		f.metrics.DroppedEvents.WithLabelValues("shutdown").Inc()
		return
	}
	if l.Removed {
		f.metrics.DroppedEvents.WithLabelValues("removed").Inc()
		f.logger.Warn("ping log removed by reorg",
			logger.Hash("ping_tx", l.TxHash),
			zap.Uint64("block", l.BlockNumber),
		)
		return
	}

	ev := EventFromLog(l, SourceLive)
	if err := f.sink.Enqueue(ctx, ev); err != nil {
		reason := "error"
		if errors.Is(err, ErrStopped) || ctx.Err() != nil {
			reason = "shutdown"
		}
		f.metrics.DroppedEvents.WithLabelValues(reason).Inc()
		f.logger.Warn("live ping dropped",
			logger.Hash("ping_tx", ev.TxHash),
			zap.String("reason", reason),
			zap.Error(err),
		)
	}
}

// Close drops the subscription if Run was never reached
func (f *Feed) Close() {
	f.stopHolding()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sub != nil {
		f.sub.Unsubscribe()
	}
}
