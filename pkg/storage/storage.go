package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Common errors
var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("not found")

	// ErrClosed is returned when operating on a closed store
	ErrClosed = errors.New("storage closed")

	// ErrInvalidStatus is returned for a status outside the record's state set
	ErrInvalidStatus = errors.New("invalid status")

	// ErrInvalidData is returned when a stored record cannot be decoded
	ErrInvalidData = errors.New("invalid data")
)

// Reader provides read access to processing state
type Reader interface {
	// HasPing reports whether a ping with the given transaction hash exists
	HasPing(ctx context.Context, txHash common.Hash) (bool, error)

	// GetPing returns a ping by transaction hash
	GetPing(ctx context.Context, txHash common.Hash) (*PingRecord, error)

	// GetPongsByPing returns the pongs recorded for a ping, oldest first
	GetPongsByPing(ctx context.Context, pingTxHash common.Hash) ([]*PongRecord, error)

	// LastProcessedBlock returns the highest block number among stored pings.
	// ok is false when no ping has been stored yet.
	LastProcessedBlock(ctx context.Context) (block uint64, ok bool, err error)

	// Stats returns record counts by status
	Stats(ctx context.Context) (*Stats, error)

	// ListStuckPings returns pending pings with no pong, lowest block first
	ListStuckPings(ctx context.Context, limit int) ([]*PingRecord, error)
}

// Writer provides write access to processing state.
// Inserts report inserted=false without error when the key already exists.
type Writer interface {
	InsertPing(ctx context.Context, txHash common.Hash, blockNumber uint64, status PingStatus) (inserted bool, err error)

	// UpdatePing overwrites the ping status. Returns ErrNotFound for an unknown hash.
	UpdatePing(ctx context.Context, txHash common.Hash, status PingStatus) error

	InsertPong(ctx context.Context, pingTxHash, pongTxHash common.Hash, nonce uint64, status PongStatus) (inserted bool, err error)

	// UpdatePong overwrites the pong status, stamping ConfirmedAt when it
	// becomes confirmed and clearing it otherwise.
	UpdatePong(ctx context.Context, pongTxHash common.Hash, status PongStatus) error
}

// Store combines Reader and Writer
type Store interface {
	Reader
	Writer

	// Close closes the store and releases resources
	Close() error
}

// Backend names
const (
	BackendPebble = "pebble"
	BackendSQLite = "sqlite"
)

// Config holds state store configuration
type Config struct {
	// Backend is BackendPebble or BackendSQLite
	Backend string

	// Path is the Pebble directory or the SQLite database file
	Path string

	// Cache is the Pebble block cache size in MB
	Cache int

	// MaxOpenFiles is the Pebble open file limit
	MaxOpenFiles int
}

// DefaultConfig returns a configuration with default values
func DefaultConfig(backend, path string) *Config {
	return &Config{
		Backend:      backend,
		Path:         path,
		Cache:        64,
		MaxOpenFiles: 500,
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("path cannot be empty")
	}
	switch c.Backend {
	case BackendPebble:
		if c.Cache < 0 {
			return fmt.Errorf("cache size cannot be negative")
		}
		if c.MaxOpenFiles < 0 {
			return fmt.Errorf("max open files cannot be negative")
		}
	case BackendSQLite:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	return nil
}
