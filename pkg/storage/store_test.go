package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeFactory opens an empty store that is closed when the test ends
type storeFactory func(t *testing.T) Store

func hash(n int) common.Hash {
	return crypto.Keccak256Hash([]byte(fmt.Sprintf("tx-%d", n)))
}

// runStoreSuite exercises the Store contract against one backend
func runStoreSuite(t *testing.T, open storeFactory) {
	ctx := context.Background()

	t.Run("InsertPingIsIdempotent", func(t *testing.T) {
		s := open(t)
		h := hash(1)

		inserted, err := s.InsertPing(ctx, h, 100, PingPending)
		require.NoError(t, err)
		assert.True(t, inserted)

		inserted, err = s.InsertPing(ctx, h, 100, PingPending)
		require.NoError(t, err)
		assert.False(t, inserted)

		ok, err := s.HasPing(ctx, h)
		require.NoError(t, err)
		assert.True(t, ok)

		ping, err := s.GetPing(ctx, h)
		require.NoError(t, err)
		assert.Equal(t, h, ping.TxHash)
		assert.Equal(t, uint64(100), ping.BlockNumber)
		assert.Equal(t, PingPending, ping.Status)
		assert.False(t, ping.ProcessedAt.IsZero())
	})

	t.Run("UnknownPing", func(t *testing.T) {
		s := open(t)

		ok, err := s.HasPing(ctx, hash(2))
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = s.GetPing(ctx, hash(2))
		assert.ErrorIs(t, err, ErrNotFound)

		assert.ErrorIs(t, s.UpdatePing(ctx, hash(2), PingConfirmed), ErrNotFound)
		assert.ErrorIs(t, s.UpdatePong(ctx, hash(3), PongConfirmed), ErrNotFound)
	})

	t.Run("InvalidStatus", func(t *testing.T) {
		s := open(t)

		_, err := s.InsertPing(ctx, hash(1), 1, PingStatus("failed"))
		assert.ErrorIs(t, err, ErrInvalidStatus)

		_, err = s.InsertPong(ctx, hash(1), hash(2), 0, PongStatus("lost"))
		assert.ErrorIs(t, err, ErrInvalidStatus)
	})

	t.Run("LastProcessedBlock", func(t *testing.T) {
		s := open(t)

		_, ok, err := s.LastProcessedBlock(ctx)
		require.NoError(t, err)
		assert.False(t, ok)

		for i, block := range []uint64{100, 250, 180} {
			_, err := s.InsertPing(ctx, hash(i), block, PingPending)
			require.NoError(t, err)
		}

		block, ok, err := s.LastProcessedBlock(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, uint64(250), block)
	})

	t.Run("PongLifecycle", func(t *testing.T) {
		s := open(t)
		ping, pong := hash(10), hash(11)

		_, err := s.InsertPing(ctx, ping, 5, PingPending)
		require.NoError(t, err)

		inserted, err := s.InsertPong(ctx, ping, pong, 7, PongPending)
		require.NoError(t, err)
		assert.True(t, inserted)

		inserted, err = s.InsertPong(ctx, ping, pong, 7, PongPending)
		require.NoError(t, err)
		assert.False(t, inserted)

		pongs, err := s.GetPongsByPing(ctx, ping)
		require.NoError(t, err)
		require.Len(t, pongs, 1)
		assert.Equal(t, pong, pongs[0].PongTxHash)
		assert.Equal(t, ping, pongs[0].PingTxHash)
		assert.Equal(t, uint64(7), pongs[0].Nonce)
		assert.Equal(t, PongPending, pongs[0].Status)
		assert.Nil(t, pongs[0].ConfirmedAt)

		require.NoError(t, s.UpdatePong(ctx, pong, PongConfirmed))
		require.NoError(t, s.UpdatePing(ctx, ping, PingConfirmed))

		pongs, err = s.GetPongsByPing(ctx, ping)
		require.NoError(t, err)
		require.Len(t, pongs, 1)
		assert.Equal(t, PongConfirmed, pongs[0].Status)
		require.NotNil(t, pongs[0].ConfirmedAt)

		got, err := s.GetPing(ctx, ping)
		require.NoError(t, err)
		assert.Equal(t, PingConfirmed, got.Status)

		// Leaving the confirmed state clears the confirmation time.
		require.NoError(t, s.UpdatePong(ctx, pong, PongFailed))
		pongs, err = s.GetPongsByPing(ctx, ping)
		require.NoError(t, err)
		assert.Equal(t, PongFailed, pongs[0].Status)
		assert.Nil(t, pongs[0].ConfirmedAt)
	})

	t.Run("Stats", func(t *testing.T) {
		s := open(t)

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, Stats{}, *stats)

		// 4 pings, 3 pongs: 2 confirmed, 1 failed
		for i := 0; i < 4; i++ {
			_, err := s.InsertPing(ctx, hash(i), uint64(i), PingPending)
			require.NoError(t, err)
		}
		for i := 0; i < 3; i++ {
			_, err := s.InsertPong(ctx, hash(i), hash(100+i), uint64(i), PongPending)
			require.NoError(t, err)
		}
		require.NoError(t, s.UpdatePong(ctx, hash(100), PongConfirmed))
		require.NoError(t, s.UpdatePong(ctx, hash(101), PongConfirmed))
		require.NoError(t, s.UpdatePong(ctx, hash(102), PongFailed))
		require.NoError(t, s.UpdatePing(ctx, hash(0), PingConfirmed))
		require.NoError(t, s.UpdatePing(ctx, hash(1), PingConfirmed))

		stats, err = s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(4), stats.TotalPings)
		assert.Equal(t, uint64(2), stats.ConfirmedPings)
		assert.Equal(t, uint64(2), stats.PendingPings)
		assert.Equal(t, uint64(3), stats.TotalPongs)
		assert.Equal(t, uint64(2), stats.ConfirmedPongs)
		assert.Equal(t, uint64(0), stats.PendingPongs)
		assert.Equal(t, uint64(1), stats.FailedPongs)
		assert.Equal(t, 50, stats.SuccessRate)
	})

	t.Run("ListStuckPings", func(t *testing.T) {
		s := open(t)

		_, err := s.InsertPing(ctx, hash(1), 30, PingPending)
		require.NoError(t, err)
		_, err = s.InsertPing(ctx, hash(2), 10, PingPending)
		require.NoError(t, err)
		_, err = s.InsertPing(ctx, hash(3), 20, PingPending)
		require.NoError(t, err)
		_, err = s.InsertPing(ctx, hash(4), 5, PingConfirmed)
		require.NoError(t, err)
		_, err = s.InsertPong(ctx, hash(3), hash(33), 0, PongPending)
		require.NoError(t, err)

		stuck, err := s.ListStuckPings(ctx, 0)
		require.NoError(t, err)
		require.Len(t, stuck, 2)
		assert.Equal(t, hash(2), stuck[0].TxHash)
		assert.Equal(t, hash(1), stuck[1].TxHash)

		stuck, err = s.ListStuckPings(ctx, 1)
		require.NoError(t, err)
		require.Len(t, stuck, 1)
		assert.Equal(t, uint64(10), stuck[0].BlockNumber)
	})

	t.Run("ConcurrentInsertSingleWinner", func(t *testing.T) {
		s := open(t)
		h := hash(42)

		var wins atomic.Int32
		var wg sync.WaitGroup
		errs := make(chan error, 16)
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				inserted, err := s.InsertPing(ctx, h, 9, PingPending)
				if err != nil {
					errs <- err
					return
				}
				if inserted {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		close(errs)

		for err := range errs {
			t.Errorf("InsertPing: %v", err)
		}
		assert.Equal(t, int32(1), wins.Load())

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), stats.TotalPings)
	})

	t.Run("Closed", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Close())
		require.NoError(t, s.Close())

		_, err := s.HasPing(ctx, hash(1))
		assert.ErrorIs(t, err, ErrClosed)
		_, err = s.InsertPing(ctx, hash(1), 1, PingPending)
		assert.ErrorIs(t, err, ErrClosed)
		_, _, err = s.LastProcessedBlock(ctx)
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestSuccessRate(t *testing.T) {
	tests := []struct {
		pings, confirmed uint64
		want             int
	}{
		{0, 0, 0},
		{4, 2, 50},
		{3, 1, 33},
		{3, 2, 67},
		{10, 10, 100},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d_of_%d", tt.confirmed, tt.pings), func(t *testing.T) {
			s := &Stats{TotalPings: tt.pings, ConfirmedPongs: tt.confirmed}
			s.computeSuccessRate()
			assert.Equal(t, tt.want, s.SuccessRate)
		})
	}
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig(BackendPebble, "/tmp/x").Validate())
	assert.NoError(t, DefaultConfig(BackendSQLite, "/tmp/x.db").Validate())
	assert.Error(t, DefaultConfig(BackendPebble, "").Validate())
	assert.Error(t, DefaultConfig("leveldb", "/tmp/x").Validate())
}
