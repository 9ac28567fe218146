package responder

import (
	"context"
	"sync"

	"github.com/0xmhha/pingpong-go/internal/testutil"
	"github.com/0xmhha/pingpong-go/pkg/eventbus"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	testContract = common.HexToAddress("0x7D3a625977bFD7445466439E60C495bdc2855367")
	testTopic    = common.HexToHash("0xca6e822df923f741dfe968d15d80a18abd25bd1e748bcb9ad81fea5bbb7386af")
)

type pongCall struct {
	ping  common.Hash
	nonce uint64
}

// fakeChain implements Chain in memory
type fakeChain struct {
	mu sync.Mutex

	height uint64
	logs   []types.Log
	nonce  uint64

	heightErr    error
	filterErr    error
	nonceErr     error
	submitErr    error
	subscribeErr error

	// onFilter runs after each range query with the live subscription channel
	onFilter func(live chan<- types.Log)
	// onSubmit runs before a pong is sent; a non-nil error fails the call
	onSubmit func(ctx context.Context) error
	// wait overrides the default receipt behaviour
	wait func(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)

	filterCalls [][2]uint64
	pongs       []pongCall
	sub         *fakeSubscription
	sink        chan<- types.Log
}

func newFakeChain(height uint64) *fakeChain {
	return &fakeChain{height: height}
}

func (c *fakeChain) GetLatestBlockNumber(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.heightErr != nil {
		return 0, c.heightErr
	}
	return c.height, nil
}

func (c *fakeChain) FilterPings(ctx context.Context, from, to uint64) ([]types.Log, error) {
	c.mu.Lock()
	c.filterCalls = append(c.filterCalls, [2]uint64{from, to})
	if c.filterErr != nil {
		c.mu.Unlock()
		return nil, c.filterErr
	}
	var out []types.Log
	for _, l := range c.logs {
		if l.BlockNumber >= from && l.BlockNumber <= to {
			out = append(out, l)
		}
	}
	hook, live := c.onFilter, c.sink
	c.mu.Unlock()

	if hook != nil {
		hook(live)
	}
	return out, nil
}

func (c *fakeChain) SubscribePings(ctx context.Context, ch chan<- types.Log) (ethereum.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribeErr != nil {
		return nil, c.subscribeErr
	}
	c.sink = ch
	c.sub = &fakeSubscription{errCh: make(chan error, 1)}
	return c.sub, nil
}

// PendingNonce counts pongs already sent, like a node's pending nonce
func (c *fakeChain) PendingNonce(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nonceErr != nil {
		return 0, c.nonceErr
	}
	return c.nonce + uint64(len(c.pongs)), nil
}

func (c *fakeChain) SubmitPong(ctx context.Context, ping common.Hash, nonce uint64) (*types.Transaction, error) {
	c.mu.Lock()
	hook := c.onSubmit
	c.mu.Unlock()
	if hook != nil {
		if err := hook(ctx); err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.submitErr != nil {
		return nil, c.submitErr
	}
	c.pongs = append(c.pongs, pongCall{ping: ping, nonce: nonce})
	return testutil.NewPongTx(ping, nonce), nil
}

func (c *fakeChain) WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	c.mu.Lock()
	wait := c.wait
	height := c.height
	c.mu.Unlock()

	if wait != nil {
		return wait(ctx, tx)
	}
	return testutil.NewTestReceipt(tx.Hash(), height+1, types.ReceiptStatusSuccessful), nil
}

func (c *fakeChain) setOnSubmit(fn func(ctx context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSubmit = fn
}

// hangingSubmit behaves like an RPC call that never gets an answer. entered
// is closed on the first call.
func hangingSubmit(entered chan struct{}) func(ctx context.Context) error {
	var once sync.Once
	return func(ctx context.Context) error {
		once.Do(func() { close(entered) })
		<-ctx.Done()
		return ctx.Err()
	}
}

func (c *fakeChain) setWait(fn func(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wait = fn
}

func (c *fakeChain) addPing(txHash common.Hash, block uint64, index uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs = append(c.logs, testutil.NewPingLog(testContract, testTopic, txHash, block, index))
}

func (c *fakeChain) submitted() []pongCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]pongCall(nil), c.pongs...)
}

func (c *fakeChain) queries() [][2]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][2]uint64(nil), c.filterCalls...)
}

func (c *fakeChain) subscription() (*fakeSubscription, chan<- types.Log) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sub, c.sink
}

// blockUntilDone never mines; it returns when the wait context ends
func blockUntilDone(ctx context.Context, _ *types.Transaction) (*types.Receipt, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type fakeSubscription struct {
	errCh chan error
	once  sync.Once
}

func (s *fakeSubscription) Err() <-chan error { return s.errCh }

func (s *fakeSubscription) Unsubscribe() {
	s.once.Do(func() { close(s.errCh) })
}

// fail reports a transport error the way go-ethereum subscriptions do
func (s *fakeSubscription) fail(err error) {
	s.errCh <- err
}

// recordingPublisher collects published outcomes
type recordingPublisher struct {
	mu       sync.Mutex
	outcomes []*eventbus.Outcome
}

func (r *recordingPublisher) Publish(_ context.Context, o *eventbus.Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
	return nil
}

func (r *recordingPublisher) Close() error { return nil }

func (r *recordingPublisher) types() []eventbus.OutcomeType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]eventbus.OutcomeType, 0, len(r.outcomes))
	for _, o := range r.outcomes {
		out = append(out, o.Type)
	}
	return out
}

var _ Chain = (*fakeChain)(nil)
