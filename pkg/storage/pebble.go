package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// PebbleStorage implements Store using PebbleDB
type PebbleStorage struct {
	db     *pebble.DB
	config *Config
	logger *zap.Logger
	closed atomic.Bool

	// writeMu serializes read-check-write sequences so that concurrent
	// inserts of the same key resolve to exactly one winner.
	writeMu sync.Mutex

	now func() time.Time
}

// NewPebbleStorage creates a new PebbleDB storage
func NewPebbleStorage(cfg *Config) (*PebbleStorage, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	opts := &pebble.Options{
		Cache:        pebble.NewCache(int64(cfg.Cache) << 20),
		MaxOpenFiles: cfg.MaxOpenFiles,
	}

	db, err := pebble.Open(cfg.Path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &PebbleStorage{
		db:     db,
		config: cfg,
		logger: zap.NewNop(),
		now:    time.Now,
	}, nil
}

// SetLogger sets the logger for the storage
func (s *PebbleStorage) SetLogger(logger *zap.Logger) {
	s.logger = logger
}

func (s *PebbleStorage) ensureNotClosed() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Close closes the storage and releases resources
func (s *PebbleStorage) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// get returns a copy of the value stored at key
func (s *PebbleStorage) get(key []byte) ([]byte, error) {
	value, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer closer.Close()

	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (s *PebbleStorage) has(key []byte) (bool, error) {
	_, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	closer.Close()
	return true, nil
}

// HasPing reports whether a ping exists
func (s *PebbleStorage) HasPing(ctx context.Context, txHash common.Hash) (bool, error) {
	if err := s.ensureNotClosed(); err != nil {
		return false, err
	}
	ok, err := s.has(PingKey(txHash))
	if err != nil {
		return false, fmt.Errorf("failed to check ping: %w", err)
	}
	return ok, nil
}

// GetPing returns a ping by transaction hash
func (s *PebbleStorage) GetPing(ctx context.Context, txHash common.Hash) (*PingRecord, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}
	data, err := s.get(PingKey(txHash))
	if err != nil {
		return nil, err
	}
	return DecodePing(data)
}

func (s *PebbleStorage) getPong(txHash common.Hash) (*PongRecord, error) {
	data, err := s.get(PongKey(txHash))
	if err != nil {
		return nil, err
	}
	return DecodePong(data)
}

// GetPongsByPing returns all pongs recorded for a ping
func (s *PebbleStorage) GetPongsByPing(ctx context.Context, pingTxHash common.Hash) ([]*PongRecord, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	prefix := PongByPingKeyPrefix(pingTxHash)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	var pongs []*PongRecord
	for iter.First(); iter.Valid(); iter.Next() {
		pongHash, err := ParsePongByPingKey(iter.Key())
		if err != nil {
			return nil, err
		}
		pong, err := s.getPong(pongHash)
		if err != nil {
			return nil, fmt.Errorf("failed to load pong %s: %w", pongHash.Hex(), err)
		}
		pongs = append(pongs, pong)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterator error: %w", err)
	}

	sort.SliceStable(pongs, func(i, j int) bool {
		return pongs[i].SubmittedAt.Before(pongs[j].SubmittedAt)
	})
	return pongs, nil
}

// LastProcessedBlock returns the highest stored ping block
func (s *PebbleStorage) LastProcessedBlock(ctx context.Context) (uint64, bool, error) {
	if err := s.ensureNotClosed(); err != nil {
		return 0, false, err
	}
	data, err := s.get(LastBlockKey())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to get last block: %w", err)
	}
	block, err := DecodeUint64(data)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return block, true, nil
}

// InsertPing stores a new ping and advances the checkpoint in one batch
func (s *PebbleStorage) InsertPing(ctx context.Context, txHash common.Hash, blockNumber uint64, status PingStatus) (bool, error) {
	if err := s.ensureNotClosed(); err != nil {
		return false, err
	}
	if !status.Valid() {
		return false, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	key := PingKey(txHash)
	exists, err := s.has(key)
	if err != nil {
		return false, fmt.Errorf("failed to check ping: %w", err)
	}
	if exists {
		return false, nil
	}

	data, err := EncodePing(&PingRecord{
		TxHash:      txHash,
		BlockNumber: blockNumber,
		Status:      status,
		ProcessedAt: s.now(),
	})
	if err != nil {
		return false, err
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(key, data, nil); err != nil {
		return false, fmt.Errorf("failed to set ping: %w", err)
	}

	last, ok, err := s.LastProcessedBlock(ctx)
	if err != nil {
		return false, err
	}
	if !ok || blockNumber > last {
		if err := batch.Set(LastBlockKey(), EncodeUint64(blockNumber), nil); err != nil {
			return false, fmt.Errorf("failed to set last block: %w", err)
		}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return false, fmt.Errorf("failed to commit ping: %w", err)
	}
	s.logger.Debug("ping stored",
		zap.String("tx", txHash.Hex()),
		zap.Uint64("block", blockNumber),
	)
	return true, nil
}

// UpdatePing overwrites the status of an existing ping
func (s *PebbleStorage) UpdatePing(ctx context.Context, txHash common.Hash, status PingStatus) error {
	if err := s.ensureNotClosed(); err != nil {
		return err
	}
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ping, err := s.GetPing(ctx, txHash)
	if err != nil {
		return err
	}
	ping.Status = status

	data, err := EncodePing(ping)
	if err != nil {
		return err
	}
	if err := s.db.Set(PingKey(txHash), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to update ping: %w", err)
	}
	return nil
}

// InsertPong stores a new pong and its ping index entry in one batch
func (s *PebbleStorage) InsertPong(ctx context.Context, pingTxHash, pongTxHash common.Hash, nonce uint64, status PongStatus) (bool, error) {
	if err := s.ensureNotClosed(); err != nil {
		return false, err
	}
	if !status.Valid() {
		return false, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	key := PongKey(pongTxHash)
	exists, err := s.has(key)
	if err != nil {
		return false, fmt.Errorf("failed to check pong: %w", err)
	}
	if exists {
		return false, nil
	}

	now := s.now()
	pong := &PongRecord{
		PingTxHash:  pingTxHash,
		PongTxHash:  pongTxHash,
		Nonce:       nonce,
		Status:      status,
		SubmittedAt: now,
	}
	if status == PongConfirmed {
		pong.ConfirmedAt = &now
	}
	data, err := EncodePong(pong)
	if err != nil {
		return false, err
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(key, data, nil); err != nil {
		return false, fmt.Errorf("failed to set pong: %w", err)
	}
	if err := batch.Set(PongByPingKey(pingTxHash, pongTxHash), nil, nil); err != nil {
		return false, fmt.Errorf("failed to set pong index: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return false, fmt.Errorf("failed to commit pong: %w", err)
	}
	return true, nil
}

// UpdatePong overwrites the status of an existing pong
func (s *PebbleStorage) UpdatePong(ctx context.Context, pongTxHash common.Hash, status PongStatus) error {
	if err := s.ensureNotClosed(); err != nil {
		return err
	}
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	pong, err := s.getPong(pongTxHash)
	if err != nil {
		return err
	}
	pong.Status = status
	if status == PongConfirmed {
		now := s.now()
		pong.ConfirmedAt = &now
	} else {
		pong.ConfirmedAt = nil
	}

	data, err := EncodePong(pong)
	if err != nil {
		return err
	}
	if err := s.db.Set(PongKey(pongTxHash), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to update pong: %w", err)
	}
	return nil
}

// forEach decodes every value under prefix with fn
func (s *PebbleStorage) forEach(prefix string, fn func(value []byte) error) error {
	lower := []byte(prefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: prefixUpperBound(lower),
	})
	if err != nil {
		return fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Stats counts records by status
func (s *PebbleStorage) Stats(ctx context.Context) (*Stats, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	stats := &Stats{}
	err := s.forEach(prefixPings, func(value []byte) error {
		ping, err := DecodePing(value)
		if err != nil {
			return err
		}
		stats.TotalPings++
		switch ping.Status {
		case PingConfirmed:
			stats.ConfirmedPings++
		case PingPending:
			stats.PendingPings++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to count pings: %w", err)
	}

	err = s.forEach(prefixPongs, func(value []byte) error {
		pong, err := DecodePong(value)
		if err != nil {
			return err
		}
		stats.TotalPongs++
		switch pong.Status {
		case PongConfirmed:
			stats.ConfirmedPongs++
		case PongPending:
			stats.PendingPongs++
		case PongFailed:
			stats.FailedPongs++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to count pongs: %w", err)
	}

	stats.computeSuccessRate()
	return stats, nil
}

// ListStuckPings returns pending pings that have no pong recorded
func (s *PebbleStorage) ListStuckPings(ctx context.Context, limit int) ([]*PingRecord, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	var stuck []*PingRecord
	err := s.forEach(prefixPings, func(value []byte) error {
		ping, err := DecodePing(value)
		if err != nil {
			return err
		}
		if ping.Status != PingPending {
			return nil
		}
		pongs, err := s.GetPongsByPing(ctx, ping.TxHash)
		if err != nil {
			return err
		}
		if len(pongs) == 0 {
			stuck = append(stuck, ping)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck pings: %w", err)
	}

	sort.Slice(stuck, func(i, j int) bool {
		return stuck[i].BlockNumber < stuck[j].BlockNumber
	})
	if limit > 0 && len(stuck) > limit {
		stuck = stuck[:limit]
	}
	return stuck, nil
}

var _ Store = (*PebbleStorage)(nil)
