package responder

import (
	"context"
	"fmt"
	"sort"

	"github.com/0xmhha/pingpong-go/internal/constants"
	"github.com/0xmhha/pingpong-go/internal/logger"
	"github.com/0xmhha/pingpong-go/pkg/storage"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

// LogFilterer defines the chain reads used for gap scanning
type LogFilterer interface {
	GetLatestBlockNumber(ctx context.Context) (uint64, error)
	FilterPings(ctx context.Context, from, to uint64) ([]types.Log, error)
}

// ScanResult summarizes a gap scan
type ScanResult struct {
	From uint64
	To   uint64

	Queries   int
	Found     int
	Skipped   int
	Submitted int
}

// Empty reports whether there was no block range to scan
func (r *ScanResult) Empty() bool {
	return r.To < r.From
}

// Scanner replays Ping events emitted while the process was not running
type Scanner struct {
	store     storage.Reader
	chain     LogFilterer
	sink      Sink
	chunkSize uint64
	logger    *zap.Logger
}

// NewScanner creates a scanner that queries at most chunkSize blocks per request
func NewScanner(store storage.Reader, chain LogFilterer, sink Sink, chunkSize uint64, log *zap.Logger) *Scanner {
	if chunkSize == 0 {
		chunkSize = constants.DefaultScanChunkSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scanner{
		store:     store,
		chain:     chain,
		sink:      sink,
		chunkSize: chunkSize,
		logger:    logger.WithComponent(log, "scanner"),
	}
}

// FallbackStartBlock returns the block to scan from when the store has no
// checkpoint: the configured block if set, otherwise the current chain height.
func FallbackStartBlock(ctx context.Context, chain LogFilterer, configured *uint64) (uint64, error) {
	if configured != nil {
		return *configured, nil
	}
	height, err := chain.GetLatestBlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return height, nil
}

// Scan processes every Ping in (checkpoint, height], or [fallback, height]
// when the store is empty, in ascending (block, log index) order. Each event
// is submitted and recorded before the next one starts. Any error aborts.
func (s *Scanner) Scan(ctx context.Context, fallback uint64) (*ScanResult, error) {
	from := fallback
	last, ok, err := s.store.LastProcessedBlock(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	if ok {
		from = last + 1
	}

	to, err := s.chain.GetLatestBlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	res := &ScanResult{From: from, To: to}
	if res.Empty() {
		s.logger.Info("no missed blocks", zap.Uint64("from", from), zap.Uint64("height", to))
		return res, nil
	}

	s.logger.Info("scanning for missed pings",
		zap.Uint64("from", from),
		zap.Uint64("to", to),
		zap.Uint64("blocks", to-from+1),
	)

	for start := from; ; {
		end := start + s.chunkSize - 1
		if end > to || end < start {
			end = to
		}

		if err := s.scanChunk(ctx, start, end, res); err != nil {
			return res, err
		}
		if end == to {
			break
		}
		start = end + 1
	}

	s.logger.Info("gap scan complete",
		zap.Uint64("from", res.From),
		zap.Uint64("to", res.To),
		zap.Int("found", res.Found),
		zap.Int("skipped", res.Skipped),
		zap.Int("submitted", res.Submitted),
	)
	return res, nil
}

func (s *Scanner) scanChunk(ctx context.Context, start, end uint64, res *ScanResult) error {
	logs, err := s.chain.FilterPings(ctx, start, end)
	res.Queries++
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}

	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})

	for _, l := range logs {
		if l.Removed {
			continue
		}
		ev := EventFromLog(l, SourceScan)
		res.Found++

		exists, err := s.store.HasPing(ctx, ev.TxHash)
		if err != nil {
			return fmt.Errorf("failed to check ping %s: %w", ev.TxHash.Hex(), err)
		}
		if exists {
			res.Skipped++
			continue
		}

		if err := s.sink.Submit(ctx, ev); err != nil {
			return fmt.Errorf("failed to process ping %s at block %d: %w", ev.TxHash.Hex(), ev.BlockNumber, err)
		}
		res.Submitted++
		s.logger.Debug("replayed ping", logger.Hash("ping_tx", ev.TxHash), zap.Uint64("block", ev.BlockNumber))
	}

	s.logger.Debug("scanned chunk",
		zap.Uint64("start", start),
		zap.Uint64("end", end),
		zap.Int("logs", len(logs)),
	)
	return nil
}
