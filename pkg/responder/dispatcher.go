package responder

import (
	"context"
	"sync"

	"github.com/0xmhha/pingpong-go/internal/constants"
	"github.com/0xmhha/pingpong-go/internal/logger"
	"go.uber.org/zap"
)

// Sink accepts events for processing
type Sink interface {
	// Enqueue hands the event off without waiting for it to be processed
	Enqueue(ctx context.Context, ev Event) error
	// Submit waits until the event's pong is submitted and recorded
	Submit(ctx context.Context, ev Event) error
}

type job struct {
	ev   Event
	done chan error
}

// Dispatcher funnels events from every producer into a single worker, so
// pong submissions (and their nonces) happen strictly one at a time.
// Confirmation waits run concurrently on tracked goroutines.
type Dispatcher struct {
	processor *Processor
	metrics   *Metrics
	logger    *zap.Logger
	queue     chan job

	mu      sync.RWMutex
	stopped bool
	started bool
	runCtx  context.Context

	worker sync.WaitGroup
	waits  sync.WaitGroup
}

// NewDispatcher creates a dispatcher with a queue of queueSize events
func NewDispatcher(processor *Processor, queueSize int, log *zap.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = constants.DefaultQueueSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		processor: processor,
		metrics:   processor.metrics,
		logger:    logger.WithComponent(log, "dispatcher"),
		queue:     make(chan job, queueSize),
	}
}

// Start launches the worker. Submissions and confirmation waits are bound to
// ctx: once it is done, queued events are discarded without side effects.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.stopped {
		return
	}
	d.started = true
	d.runCtx = ctx

	d.worker.Add(1)
	go d.loop()
}

func (d *Dispatcher) loop() {
	defer d.worker.Done()

	for j := range d.queue {
		d.metrics.QueueDepth.Set(float64(len(d.queue)))
		d.handle(j)
	}
}

func (d *Dispatcher) handle(j job) {
	sub, err := d.processor.Submit(d.runCtx, j.ev)
	switch {
	case j.done != nil:
		j.done <- err
	case err != nil && d.runCtx.Err() != nil:
		d.logger.Info("ping not answered before shutdown",
			logger.Hash("ping_tx", j.ev.TxHash),
			zap.Uint64("block", j.ev.BlockNumber),
			zap.Error(err),
		)
	case err != nil:
		d.logger.Error("failed to process ping",
			logger.Hash("ping_tx", j.ev.TxHash),
			zap.Uint64("block", j.ev.BlockNumber),
			zap.String("source", string(j.ev.Source)),
			zap.Error(err),
		)
	}
	if sub == nil {
		return
	}

	d.waits.Add(1)
	go func() {
		defer d.waits.Done()
		if err := d.processor.AwaitConfirmation(d.runCtx, sub); err != nil {
			d.logger.Error("pong not confirmed",
				logger.Hash("ping_tx", sub.Event.TxHash),
				zap.Error(err),
			)
		}
	}()
}

func (d *Dispatcher) enqueue(ctx context.Context, j job) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrStopped
	}

	select {
	case d.queue <- j:
		d.metrics.QueueDepth.Set(float64(len(d.queue)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue queues ev for submission. It blocks while the queue is full.
func (d *Dispatcher) Enqueue(ctx context.Context, ev Event) error {
	return d.enqueue(ctx, job{ev: ev})
}

// Submit queues ev and waits for its submission result. Confirmation is not awaited.
func (d *Dispatcher) Submit(ctx context.Context, ev Event) error {
	done := make(chan error, 1)
	if err := d.enqueue(ctx, job{ev: ev, done: done}); err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of queued events
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

// Stop rejects new events, works through the queue and waits for
// confirmation goroutines to return. Cancel the Start context first for a
// prompt shutdown. It is safe to call more than once.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.queue)
	d.mu.Unlock()

	d.logger.Info("draining dispatcher", zap.Int("pending", len(d.queue)))
	d.worker.Wait()
	d.waits.Wait()
	d.metrics.QueueDepth.Set(0)
	d.logger.Info("dispatcher stopped")
}

var _ Sink = (*Dispatcher)(nil)
