package constants

import "time"

// Responder Constants
const (
	// DefaultConfirmationTimeout bounds how long a submitted pong is awaited
	DefaultConfirmationTimeout = 300 * time.Second

	// DefaultQueueSize is the capacity of the dispatcher queue
	DefaultQueueSize = 256

	// DefaultScanChunkSize is the number of blocks requested per log filter query
	DefaultScanChunkSize = 5000

	// MaxScanChunkSize caps the range of a single log filter query
	MaxScanChunkSize = 100000

	// DefaultSeenCacheSize is the number of recently persisted ping hashes kept in memory
	DefaultSeenCacheSize = 4096

	// DefaultReceiptPollInterval is how often a pending pong's receipt is polled
	DefaultReceiptPollInterval = 2 * time.Second

	// DefaultGasLimitMargin is added to the estimated gas of a pong transaction (percent)
	DefaultGasLimitMargin = 20

	// DefaultStuckPingsLimit is how many stuck pings are reported at startup
	DefaultStuckPingsLimit = 20
)

// RPC Constants
const (
	// DefaultRPCTimeout is the default per-call RPC timeout
	DefaultRPCTimeout = 30 * time.Second
)

// Database Constants
const (
	// DefaultDatabaseBackend is the default state store backend
	DefaultDatabaseBackend = "pebble"

	// DefaultDatabasePath is the default location of the state store
	DefaultDatabasePath = "/data/pingpong"

	// DefaultCacheSize is the default Pebble block cache size in MB
	DefaultCacheSize = 64

	// DefaultMaxOpenFiles is the default Pebble open file limit
	DefaultMaxOpenFiles = 500
)

// API Server Constants
const (
	// DefaultAPIHost is the default ops server host
	DefaultAPIHost = "localhost"

	// DefaultAPIPort is the default ops server port
	DefaultAPIPort = 8080

	// MinPort is the minimum valid port number
	MinPort = 1

	// MaxPort is the maximum valid port number
	MaxPort = 65535

	DefaultReadTimeout     = 15 * time.Second
	DefaultWriteTimeout    = 15 * time.Second
	DefaultIdleTimeout     = 60 * time.Second
	DefaultShutdownTimeout = 10 * time.Second

	// DefaultRateLimitPerSecond is the default per-IP request rate
	DefaultRateLimitPerSecond = 50

	// DefaultRateLimitBurst is the default per-IP burst size
	DefaultRateLimitBurst = 100

	// DefaultWebSocketPath is the outcome stream endpoint
	DefaultWebSocketPath = "/ws"

	// DefaultMaxWebSocketClients limits concurrent outcome stream subscribers
	DefaultMaxWebSocketClients = 100
)

// Notification Constants
const (
	// DefaultRedisChannel is the default pub/sub channel for outcomes
	DefaultRedisChannel = "pingpong:outcomes"

	// DefaultKafkaTopic is the default topic for outcomes
	DefaultKafkaTopic = "pingpong-outcomes"

	// DefaultPublishTimeout bounds a single outcome publish
	DefaultPublishTimeout = 5 * time.Second
)
