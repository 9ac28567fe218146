package responder

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/0xmhha/pingpong-go/internal/testutil"
	"github.com/0xmhha/pingpong-go/pkg/storage"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// orderedSink records submissions in order and forwards them to a processor
type orderedSink struct {
	processor *Processor
	events    []Event
	err       error
}

func (s *orderedSink) Enqueue(ctx context.Context, ev Event) error { return s.Submit(ctx, ev) }

func (s *orderedSink) Submit(ctx context.Context, ev Event) error {
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	if s.processor == nil {
		return nil
	}
	_, err := s.processor.Submit(ctx, ev)
	return err
}

func newTestScanner(t *testing.T, store storage.Store, chain *fakeChain, sink Sink, chunk uint64) *Scanner {
	t.Helper()
	return NewScanner(store, chain, sink, chunk, testutil.NewTestLogger(t))
}

func TestScanNoGapWhenCheckpointAtHeight(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewTestStore(t)
	chain := newFakeChain(500)
	sink := &orderedSink{}

	_, err := store.InsertPing(ctx, testutil.TxHash(1), 500, storage.PingConfirmed)
	require.NoError(t, err)

	res, err := newTestScanner(t, store, chain, sink, 100).Scan(ctx, 0)
	require.NoError(t, err)
	assert.True(t, res.Empty())
	assert.Equal(t, 0, res.Queries)
	assert.Empty(t, chain.queries())
	assert.Empty(t, sink.events)
}

func TestScanRangeAfterCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewTestStore(t)
	chain := newFakeChain(505)
	sink := &orderedSink{}

	_, err := store.InsertPing(ctx, testutil.TxHash(1), 500, storage.PingConfirmed)
	require.NoError(t, err)

	res, err := newTestScanner(t, store, chain, sink, 100).Scan(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(501), res.From)
	assert.Equal(t, uint64(505), res.To)
	assert.Equal(t, [][2]uint64{{501, 505}}, chain.queries())
}

func TestScanEmptyStoreUsesFallback(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewTestStore(t)
	chain := newFakeChain(1000)
	sink := &orderedSink{}

	// configured starting block equals the height: nothing to do
	start := uint64(1000)
	fallback, err := FallbackStartBlock(ctx, chain, &start)
	require.NoError(t, err)

	res, err := newTestScanner(t, store, chain, sink, 100).Scan(ctx, fallback)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), res.From)
	assert.Equal(t, [][2]uint64{{1000, 1000}}, chain.queries())
	assert.Empty(t, sink.events)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalPings)
}

func TestFallbackStartBlock(t *testing.T) {
	ctx := context.Background()
	chain := newFakeChain(777)

	got, err := FallbackStartBlock(ctx, chain, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(777), got)

	configured := uint64(12)
	got, err = FallbackStartBlock(ctx, chain, &configured)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), got)

	chain.heightErr = errors.New("dial tcp: connection refused")
	_, err = FallbackStartBlock(ctx, chain, nil)
	assert.ErrorIs(t, err, ErrTransport)
}

func TestScanChunksAndOrdersEvents(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewTestStore(t)
	chain := newFakeChain(250)
	sink := &orderedSink{}

	// inserted out of order
	chain.addPing(testutil.TxHash(4), 240, 0)
	chain.addPing(testutil.TxHash(2), 120, 3)
	chain.addPing(testutil.TxHash(1), 120, 1)
	chain.addPing(testutil.TxHash(3), 199, 0)
	chain.addPing(testutil.TxHash(0), 10, 0)

	res, err := newTestScanner(t, store, chain, sink, 100).Scan(ctx, 50)
	require.NoError(t, err)

	assert.Equal(t, [][2]uint64{{50, 149}, {150, 249}, {250, 250}}, chain.queries())
	assert.Equal(t, 3, res.Queries)

	var got []common.Hash
	for _, ev := range sink.events {
		assert.Equal(t, SourceScan, ev.Source)
		got = append(got, ev.TxHash)
	}
	assert.Equal(t, []common.Hash{testutil.TxHash(1), testutil.TxHash(2), testutil.TxHash(3), testutil.TxHash(4)}, got)
	assert.Equal(t, 4, res.Submitted)
}

func TestScanResumesAfterCheckpoint(t *testing.T) {
	ctx := context.Background()
	f := newProcessorFixture(t, time.Second)
	chain := f.chain
	chain.height = 30
	sink := &orderedSink{processor: f.processor}

	chain.addPing(testutil.TxHash(1), 21, 0)
	chain.addPing(testutil.TxHash(2), 22, 0)
	chain.addPing(testutil.TxHash(3), 23, 0)

	// the live feed already recorded the second ping
	_, err := f.store.InsertPing(ctx, testutil.TxHash(2), 22, storage.PingPending)
	require.NoError(t, err)

	res, err := newTestScanner(t, f.store, chain, sink, 100).Scan(ctx, 20)
	require.NoError(t, err)
	// the checkpoint is already 22, so the scan starts after it
	assert.Equal(t, uint64(23), res.From)
	assert.Equal(t, 1, res.Submitted)
	assert.Len(t, chain.submitted(), 1)
}

func TestScanSkipsStoredHashInRange(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewTestStore(t)
	chain := newFakeChain(30)
	sink := &orderedSink{}

	chain.addPing(testutil.TxHash(1), 25, 0)
	chain.addPing(testutil.TxHash(2), 26, 0)
	_, err := store.InsertPing(ctx, testutil.TxHash(2), 5, storage.PingConfirmed)
	require.NoError(t, err)

	res, err := newTestScanner(t, store, chain, sink, 100).Scan(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), res.From)
	assert.Equal(t, 2, res.Found)
	assert.Equal(t, 1, res.Skipped)
	require.Len(t, sink.events, 1)
	assert.Equal(t, testutil.TxHash(1), sink.events[0].TxHash)
}

func TestScanAbortsOnError(t *testing.T) {
	ctx := context.Background()

	t.Run("filter", func(t *testing.T) {
		chain := newFakeChain(300)
		chain.filterErr = errors.New("query timeout")
		_, err := newTestScanner(t, testutil.NewTestStore(t), chain, &orderedSink{}, 100).Scan(ctx, 0)
		assert.ErrorIs(t, err, ErrTransport)
		assert.Len(t, chain.queries(), 1)
	})

	t.Run("height", func(t *testing.T) {
		chain := newFakeChain(300)
		chain.heightErr = errors.New("eof")
		_, err := newTestScanner(t, testutil.NewTestStore(t), chain, &orderedSink{}, 100).Scan(ctx, 0)
		assert.ErrorIs(t, err, ErrTransport)
	})

	t.Run("submission", func(t *testing.T) {
		chain := newFakeChain(300)
		chain.addPing(testutil.TxHash(1), 10, 0)
		chain.addPing(testutil.TxHash(2), 250, 0)
		sink := &orderedSink{err: ErrSubmission}
		res, err := newTestScanner(t, testutil.NewTestStore(t), chain, sink, 100).Scan(ctx, 0)
		assert.ErrorIs(t, err, ErrSubmission)
		assert.Equal(t, 0, res.Submitted)
		// later chunks are not queried
		assert.Len(t, chain.queries(), 1)
	})
}
