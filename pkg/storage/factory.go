package storage

import (
	"fmt"

	"go.uber.org/zap"
)

// Open opens the backend selected by cfg.Backend
func Open(cfg *Config, logger *zap.Logger) (Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Backend {
	case BackendPebble:
		s, err := NewPebbleStorage(cfg)
		if err != nil {
			return nil, err
		}
		s.SetLogger(logger)
		return s, nil
	case BackendSQLite:
		return NewSQLiteStorage(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
