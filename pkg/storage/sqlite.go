package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

const (
	// inMemoryDSN opens an ephemeral database
	inMemoryDSN = ":memory:"

	dbDirPermissions = 0o750
)

// pingEvent is the ping_events row
type pingEvent struct {
	ID              uint      `gorm:"primaryKey"`
	TransactionHash string    `gorm:"column:transaction_hash;uniqueIndex;not null"`
	BlockNumber     uint64    `gorm:"column:block_number;index;not null"`
	Status          string    `gorm:"column:status;not null;default:pending"`
	ProcessedAt     time.Time `gorm:"column:processed_at;not null"`
}

func (pingEvent) TableName() string { return "ping_events" }

func (p *pingEvent) record() *PingRecord {
	return &PingRecord{
		TxHash:      common.HexToHash(p.TransactionHash),
		BlockNumber: p.BlockNumber,
		Status:      PingStatus(p.Status),
		ProcessedAt: p.ProcessedAt.UTC(),
	}
}

// pongTransaction is the pong_transactions row. PingTxHash references
// ping_events.transaction_hash.
type pongTransaction struct {
	ID          uint       `gorm:"primaryKey"`
	PingTxHash  string     `gorm:"column:ping_tx_hash;index;not null"`
	PongTxHash  string     `gorm:"column:pong_tx_hash;uniqueIndex;not null"`
	Nonce       uint64     `gorm:"column:nonce;not null"`
	Status      string     `gorm:"column:status;not null;default:pending"`
	SubmittedAt time.Time  `gorm:"column:submitted_at;not null"`
	ConfirmedAt *time.Time `gorm:"column:confirmed_at"`
}

func (pongTransaction) TableName() string { return "pong_transactions" }

func (p *pongTransaction) record() *PongRecord {
	r := &PongRecord{
		PingTxHash:  common.HexToHash(p.PingTxHash),
		PongTxHash:  common.HexToHash(p.PongTxHash),
		Nonce:       p.Nonce,
		Status:      PongStatus(p.Status),
		SubmittedAt: p.SubmittedAt.UTC(),
	}
	if p.ConfirmedAt != nil {
		t := p.ConfirmedAt.UTC()
		r.ConfirmedAt = &t
	}
	return r
}

// SQLiteStorage implements Store on a single SQLite file through gorm
type SQLiteStorage struct {
	db     *gorm.DB
	logger *zap.Logger
	closed atomic.Bool
	now    func() time.Time
}

// NewSQLiteStorage opens (or creates) the database at cfg.Path and migrates the schema
func NewSQLiteStorage(cfg *Config, logger *zap.Logger) (*SQLiteStorage, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	dsn := cfg.Path
	if dsn != inMemoryDSN {
		if err := os.MkdirAll(filepath.Dir(dsn), dbDirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		if !strings.Contains(dsn, "?") {
			dsn += "?_journal_mode=WAL&_busy_timeout=5000"
		}
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.AutoMigrate(&pingEvent{}, &pongTransaction{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	// A single connection keeps writes serialized and lets ":memory:" share one database.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	logger.Info("sqlite store opened", zap.String("path", cfg.Path))
	return &SQLiteStorage{db: db, logger: logger, now: time.Now}, nil
}

func (s *SQLiteStorage) ensureNotClosed() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Close closes the underlying connection
func (s *SQLiteStorage) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	return sqlDB.Close()
}

// HasPing reports whether a ping exists
func (s *SQLiteStorage) HasPing(ctx context.Context, txHash common.Hash) (bool, error) {
	if err := s.ensureNotClosed(); err != nil {
		return false, err
	}
	var count int64
	err := s.db.WithContext(ctx).Model(&pingEvent{}).
		Where("transaction_hash = ?", txHash.Hex()).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check ping: %w", err)
	}
	return count > 0, nil
}

// GetPing returns a ping by transaction hash
func (s *SQLiteStorage) GetPing(ctx context.Context, txHash common.Hash) (*PingRecord, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}
	var rows []pingEvent
	err := s.db.WithContext(ctx).
		Where("transaction_hash = ?", txHash.Hex()).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get ping: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0].record(), nil
}

// GetPongsByPing returns all pongs recorded for a ping
func (s *SQLiteStorage) GetPongsByPing(ctx context.Context, pingTxHash common.Hash) ([]*PongRecord, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}
	var rows []pongTransaction
	err := s.db.WithContext(ctx).
		Where("ping_tx_hash = ?", pingTxHash.Hex()).
		Order("submitted_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get pongs: %w", err)
	}
	out := make([]*PongRecord, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].record())
	}
	return out, nil
}

// LastProcessedBlock returns MAX(block_number) over ping_events
func (s *SQLiteStorage) LastProcessedBlock(ctx context.Context) (uint64, bool, error) {
	if err := s.ensureNotClosed(); err != nil {
		return 0, false, err
	}
	var last sql.NullInt64
	err := s.db.WithContext(ctx).Model(&pingEvent{}).
		Select("MAX(block_number)").
		Row().Scan(&last)
	if err != nil {
		return 0, false, fmt.Errorf("failed to get last block: %w", err)
	}
	if !last.Valid {
		return 0, false, nil
	}
	return uint64(last.Int64), true, nil
}

// InsertPing inserts a ping; an existing hash yields inserted=false
func (s *SQLiteStorage) InsertPing(ctx context.Context, txHash common.Hash, blockNumber uint64, status PingStatus) (bool, error) {
	if err := s.ensureNotClosed(); err != nil {
		return false, err
	}
	if !status.Valid() {
		return false, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	row := &pingEvent{
		TransactionHash: txHash.Hex(),
		BlockNumber:     blockNumber,
		Status:          string(status),
		ProcessedAt:     s.now().UTC(),
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(row)
	if res.Error != nil {
		return false, fmt.Errorf("failed to insert ping: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// UpdatePing overwrites the status of an existing ping
func (s *SQLiteStorage) UpdatePing(ctx context.Context, txHash common.Hash, status PingStatus) error {
	if err := s.ensureNotClosed(); err != nil {
		return err
	}
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	res := s.db.WithContext(ctx).Model(&pingEvent{}).
		Where("transaction_hash = ?", txHash.Hex()).
		Update("status", string(status))
	if res.Error != nil {
		return fmt.Errorf("failed to update ping: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertPong inserts a pong; an existing pong hash yields inserted=false
func (s *SQLiteStorage) InsertPong(ctx context.Context, pingTxHash, pongTxHash common.Hash, nonce uint64, status PongStatus) (bool, error) {
	if err := s.ensureNotClosed(); err != nil {
		return false, err
	}
	if !status.Valid() {
		return false, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	now := s.now().UTC()
	row := &pongTransaction{
		PingTxHash:  pingTxHash.Hex(),
		PongTxHash:  pongTxHash.Hex(),
		Nonce:       nonce,
		Status:      string(status),
		SubmittedAt: now,
	}
	if status == PongConfirmed {
		row.ConfirmedAt = &now
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(row)
	if res.Error != nil {
		return false, fmt.Errorf("failed to insert pong: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// UpdatePong overwrites the status of an existing pong
func (s *SQLiteStorage) UpdatePong(ctx context.Context, pongTxHash common.Hash, status PongStatus) error {
	if err := s.ensureNotClosed(); err != nil {
		return err
	}
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	var confirmedAt *time.Time
	if status == PongConfirmed {
		now := s.now().UTC()
		confirmedAt = &now
	}
	res := s.db.WithContext(ctx).Model(&pongTransaction{}).
		Where("pong_tx_hash = ?", pongTxHash.Hex()).
		Updates(map[string]interface{}{
			"status":       string(status),
			"confirmed_at": confirmedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update pong: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	s.logger.Debug("pong status updated",
		zap.String("pong_tx", pongTxHash.Hex()),
		zap.String("status", string(status)),
	)
	return nil
}

type statusCount struct {
	Status string
	Count  uint64
}

func (s *SQLiteStorage) countByStatus(ctx context.Context, model interface{}) ([]statusCount, error) {
	var rows []statusCount
	err := s.db.WithContext(ctx).Model(model).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	return rows, err
}

// Stats counts records by status
func (s *SQLiteStorage) Stats(ctx context.Context) (*Stats, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	stats := &Stats{}
	pings, err := s.countByStatus(ctx, &pingEvent{})
	if err != nil {
		return nil, fmt.Errorf("failed to count pings: %w", err)
	}
	for _, row := range pings {
		stats.TotalPings += row.Count
		switch PingStatus(row.Status) {
		case PingConfirmed:
			stats.ConfirmedPings = row.Count
		case PingPending:
			stats.PendingPings = row.Count
		}
	}

	pongs, err := s.countByStatus(ctx, &pongTransaction{})
	if err != nil {
		return nil, fmt.Errorf("failed to count pongs: %w", err)
	}
	for _, row := range pongs {
		stats.TotalPongs += row.Count
		switch PongStatus(row.Status) {
		case PongConfirmed:
			stats.ConfirmedPongs = row.Count
		case PongPending:
			stats.PendingPongs = row.Count
		case PongFailed:
			stats.FailedPongs = row.Count
		}
	}

	stats.computeSuccessRate()
	return stats, nil
}

// ListStuckPings returns pending pings that have no pong recorded
func (s *SQLiteStorage) ListStuckPings(ctx context.Context, limit int) ([]*PingRecord, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	q := s.db.WithContext(ctx).
		Where("status = ?", string(PingPending)).
		Where("NOT EXISTS (SELECT 1 FROM pong_transactions p WHERE p.ping_tx_hash = ping_events.transaction_hash)").
		Order("block_number ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []pingEvent
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list stuck pings: %w", err)
	}
	out := make([]*PingRecord, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].record())
	}
	return out, nil
}

var _ Store = (*SQLiteStorage)(nil)
