package responder

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/0xmhha/pingpong-go/internal/testutil"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chanSink forwards enqueued events to a channel
type chanSink struct {
	events chan Event
	err    error
}

func (s *chanSink) Enqueue(_ context.Context, ev Event) error {
	if s.err != nil {
		return s.err
	}
	s.events <- ev
	return nil
}

func (s *chanSink) Submit(ctx context.Context, ev Event) error { return s.Enqueue(ctx, ev) }

func startFeed(t *testing.T, ctx context.Context, feed *Feed) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- feed.Run(ctx) }()
	return done
}

func waitErr(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("feed did not return")
		return nil
	}
}

func TestFeedDeliversLiveEvents(t *testing.T) {
	chain := newFakeChain(0)
	sink := &chanSink{events: make(chan Event, 4)}
	metrics := NewMetrics(prometheus.NewRegistry())
	feed := NewFeed(chain, sink, metrics, testutil.NewTestLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, feed.Subscribe(ctx))
	_, logs := chain.subscription()
	require.NotNil(t, logs)

	done := startFeed(t, ctx, feed)

	logs <- testutil.NewPingLog(testContract, testTopic, testutil.TxHash(1), 1050, 2)
	select {
	case ev := <-sink.events:
		assert.Equal(t, testutil.TxHash(1), ev.TxHash)
		assert.Equal(t, uint64(1050), ev.BlockNumber)
		assert.Equal(t, uint(2), ev.LogIndex)
		assert.Equal(t, SourceLive, ev.Source)
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}

	removed := testutil.NewPingLog(testContract, testTopic, testutil.TxHash(2), 1051, 0)
	removed.Removed = true
	logs <- removed
	require.Eventually(t, func() bool {
		return promtest.ToFloat64(metrics.DroppedEvents.WithLabelValues("removed")) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, waitErr(t, done))
	assert.Empty(t, sink.events)
}

func TestFeedTransportFailure(t *testing.T) {
	chain := newFakeChain(0)
	feed := NewFeed(chain, &chanSink{events: make(chan Event, 1)}, nil, testutil.NewTestLogger(t))

	ctx := context.Background()
	require.NoError(t, feed.Subscribe(ctx))
	done := startFeed(t, ctx, feed)

	sub, _ := chain.subscription()
	sub.fail(errors.New("websocket: close 1006 (abnormal closure)"))

	err := waitErr(t, done)
	assert.ErrorIs(t, err, ErrTransport)
}

func TestFeedSubscribeFailure(t *testing.T) {
	chain := newFakeChain(0)
	chain.subscribeErr = errors.New("notifications not supported")
	feed := NewFeed(chain, &chanSink{}, nil, nil)

	err := feed.Run(context.Background())
	assert.ErrorIs(t, err, ErrTransport)
}

func TestFeedDropsWhenDispatcherStopped(t *testing.T) {
	chain := newFakeChain(0)
	metrics := NewMetrics(prometheus.NewRegistry())
	feed := NewFeed(chain, &chanSink{err: ErrStopped}, metrics, testutil.NewTestLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, feed.Subscribe(ctx))
	_, logs := chain.subscription()
	done := startFeed(t, ctx, feed)

	logs <- testutil.NewPingLog(testContract, testTopic, testutil.TxHash(1), 10, 0)
	require.Eventually(t, func() bool {
		return promtest.ToFloat64(metrics.DroppedEvents.WithLabelValues("shutdown")) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, waitErr(t, done))
}

func TestFeedDropsAfterShutdown(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	sink := &chanSink{events: make(chan Event, 1)}
	feed := NewFeed(newFakeChain(0), sink, metrics, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	feed.deliver(ctx, testutil.NewPingLog(testContract, testTopic, testutil.TxHash(1), 10, 0))

	assert.Empty(t, sink.events)
	assert.Equal(t, float64(1), promtest.ToFloat64(metrics.DroppedEvents.WithLabelValues("shutdown")))
}

func TestFeedHoldsLogsUntilRun(t *testing.T) {
	chain := newFakeChain(0)
	const backlog = defaultFeedBuffer * 4
	sink := &chanSink{events: make(chan Event, backlog)}
	feed := NewFeed(chain, sink, nil, testutil.NewTestLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, feed.Subscribe(ctx))
	_, logs := chain.subscription()

	// more than the subscription channel holds, with nobody running the feed
	pushed := make(chan struct{})
	go func() {
		defer close(pushed)
		for i := 0; i < backlog; i++ {
			logs <- testutil.NewPingLog(testContract, testTopic, testutil.TxHash(i+1), uint64(100+i), 0)
		}
	}()
	select {
	case <-pushed:
	case <-time.After(5 * time.Second):
		t.Fatal("subscription not drained before Run")
	}
	assert.Empty(t, sink.events)

	done := startFeed(t, ctx, feed)
	for i := 0; i < backlog; i++ {
		select {
		case ev := <-sink.events:
			require.Equal(t, testutil.TxHash(i+1), ev.TxHash)
			assert.Equal(t, SourceLive, ev.Source)
		case <-time.After(5 * time.Second):
			t.Fatalf("held event %d not delivered", i)
		}
	}

	cancel()
	require.NoError(t, waitErr(t, done))
}

func TestFeedReportsFailureWhileHolding(t *testing.T) {
	chain := newFakeChain(0)
	sink := &chanSink{events: make(chan Event, 1)}
	feed := NewFeed(chain, sink, nil, testutil.NewTestLogger(t))

	ctx := context.Background()
	require.NoError(t, feed.Subscribe(ctx))
	sub, logs := chain.subscription()
	logs <- testutil.NewPingLog(testContract, testTopic, testutil.TxHash(1), 10, 0)
	require.Eventually(t, func() bool {
		feed.mu.Lock()
		defer feed.mu.Unlock()
		return len(feed.held) == 1
	}, 5*time.Second, 10*time.Millisecond)
	sub.fail(errors.New("websocket: close 1006 (abnormal closure)"))

	err := waitErr(t, startFeed(t, ctx, feed))
	assert.ErrorIs(t, err, ErrTransport)

	// logs received before the failure still go out
	select {
	case ev := <-sink.events:
		assert.Equal(t, testutil.TxHash(1), ev.TxHash)
	default:
		t.Fatal("held event not delivered")
	}
}

func TestFeedCloseBeforeRun(t *testing.T) {
	chain := newFakeChain(0)
	feed := NewFeed(chain, &chanSink{}, nil, nil)

	require.NoError(t, feed.Subscribe(context.Background()))
	feed.Close()
	feed.Close()

	sub, _ := chain.subscription()
	_, open := <-sub.Err()
	assert.False(t, open)
}
