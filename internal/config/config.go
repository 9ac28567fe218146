package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/0xmhha/pingpong-go/internal/constants"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is the root of every configuration error.
var ErrInvalidConfig = errors.New("invalid configuration")

// MissingError reports required settings that were not provided.
// It unwraps to ErrInvalidConfig.
type MissingError struct {
	Keys []string
}

func (e *MissingError) Error() string {
	return "missing required configuration: " + strings.Join(e.Keys, ", ")
}

func (e *MissingError) Unwrap() error { return ErrInvalidConfig }

// Config holds all configuration for the responder
type Config struct {
	RPC           RPCConfig           `yaml:"rpc"`
	Wallet        WalletConfig        `yaml:"wallet"`
	Contract      ContractConfig      `yaml:"contract"`
	Database      DatabaseConfig      `yaml:"database"`
	Log           LogConfig           `yaml:"log"`
	Bot           BotConfig           `yaml:"bot"`
	API           APIConfig           `yaml:"api"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

// RPCConfig holds the chain connection settings. Endpoint must be a
// WebSocket URL since the live feed relies on subscriptions.
type RPCConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
}

// WalletConfig holds the signing key used for pong transactions
type WalletConfig struct {
	PrivateKey string `yaml:"private_key"`
}

// ContractConfig identifies the watched PingPong contract
type ContractConfig struct {
	Address string `yaml:"address"`
}

// DatabaseConfig holds state store configuration
type DatabaseConfig struct {
	// Backend is "pebble" or "sqlite"
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// BotConfig holds event processing settings
type BotConfig struct {
	// StartingBlock is used by the gap scan only when the store is empty.
	// When nil the chain height at startup is used.
	StartingBlock       *uint64       `yaml:"starting_block"`
	ConfirmationTimeout time.Duration `yaml:"confirmation_timeout"`
	QueueSize           int           `yaml:"queue_size"`
	ScanChunkSize       uint64        `yaml:"scan_chunk_size"`
	SeenCacheSize       int           `yaml:"seen_cache_size"`
}

// APIConfig holds ops server configuration
type APIConfig struct {
	Enabled         bool    `yaml:"enabled"`
	Host            string  `yaml:"host"`
	Port            int     `yaml:"port"`
	RateLimit       float64 `yaml:"rate_limit"`
	RateBurst       int     `yaml:"rate_burst"`
	EnableWebSocket bool    `yaml:"enable_websocket"`
}

// NotificationsConfig holds outcome publishing configuration
type NotificationsConfig struct {
	// Type is "none", "redis", "kafka" or "both"
	Type  string                   `yaml:"type"`
	Redis RedisNotificationsConfig `yaml:"redis"`
	Kafka KafkaNotificationsConfig `yaml:"kafka"`
}

// RedisNotificationsConfig holds Redis pub/sub settings
type RedisNotificationsConfig struct {
	Addresses []string `yaml:"addresses"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db"`
	Channel   string   `yaml:"channel"`
}

// KafkaNotificationsConfig holds Kafka producer settings
type KafkaNotificationsConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// NewConfig creates a new configuration with default values
func NewConfig() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills zero values with defaults
func (c *Config) SetDefaults() {
	if c.RPC.Timeout == 0 {
		c.RPC.Timeout = constants.DefaultRPCTimeout
	}

	if c.Database.Backend == "" {
		c.Database.Backend = constants.DefaultDatabaseBackend
	}
	if c.Database.Path == "" {
		c.Database.Path = constants.DefaultDatabasePath
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	if c.Bot.ConfirmationTimeout == 0 {
		c.Bot.ConfirmationTimeout = constants.DefaultConfirmationTimeout
	}
	if c.Bot.QueueSize == 0 {
		c.Bot.QueueSize = constants.DefaultQueueSize
	}
	if c.Bot.ScanChunkSize == 0 {
		c.Bot.ScanChunkSize = constants.DefaultScanChunkSize
	}
	if c.Bot.SeenCacheSize == 0 {
		c.Bot.SeenCacheSize = constants.DefaultSeenCacheSize
	}

	if c.API.Host == "" {
		c.API.Host = constants.DefaultAPIHost
	}
	if c.API.Port == 0 {
		c.API.Port = constants.DefaultAPIPort
	}
	if c.API.RateLimit == 0 {
		c.API.RateLimit = constants.DefaultRateLimitPerSecond
	}
	if c.API.RateBurst == 0 {
		c.API.RateBurst = constants.DefaultRateLimitBurst
	}

	if c.Notifications.Type == "" {
		c.Notifications.Type = "none"
	}
	if c.Notifications.Redis.Channel == "" {
		c.Notifications.Redis.Channel = constants.DefaultRedisChannel
	}
	if c.Notifications.Kafka.Topic == "" {
		c.Notifications.Kafka.Topic = constants.DefaultKafkaTopic
	}
}

// getenv returns the first non-empty value among keys along with the key it came from.
// The PINGPONG_ prefixed name is listed first; bare names are accepted for
// compatibility with existing deployments.
func getenv(keys ...string) (string, string) {
	for _, key := range keys {
		if v := os.Getenv(key); v != "" {
			return v, key
		}
	}
	return "", ""
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// LoadFromEnv loads configuration from environment variables
func (c *Config) LoadFromEnv() error {
	// RPC configuration
	if endpoint, _ := getenv("PINGPONG_RPC_ENDPOINT", "RPC_WSS_URL"); endpoint != "" {
		c.RPC.Endpoint = endpoint
	}
	if timeout := os.Getenv("PINGPONG_RPC_TIMEOUT"); timeout != "" {
		duration, err := time.ParseDuration(timeout)
		if err != nil {
			return fmt.Errorf("invalid PINGPONG_RPC_TIMEOUT: %w", err)
		}
		c.RPC.Timeout = duration
	}

	// Wallet and contract
	if key, _ := getenv("PINGPONG_PRIVATE_KEY", "PRIVATE_KEY"); key != "" {
		c.Wallet.PrivateKey = key
	}
	if addr, _ := getenv("PINGPONG_CONTRACT", "PING_PONG_CONTRACT"); addr != "" {
		c.Contract.Address = addr
	}

	// Database configuration
	if backend := os.Getenv("PINGPONG_DB_BACKEND"); backend != "" {
		c.Database.Backend = backend
	}
	if path, _ := getenv("PINGPONG_DB_PATH", "DB_PATH"); path != "" {
		c.Database.Path = path
	}

	// Log configuration
	if level := os.Getenv("PINGPONG_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if format := os.Getenv("PINGPONG_LOG_FORMAT"); format != "" {
		c.Log.Format = format
	}

	// Bot configuration
	if start, key := getenv("PINGPONG_STARTING_BLOCK", "STARTING_BLOCK"); start != "" {
		val, err := strconv.ParseUint(start, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		c.Bot.StartingBlock = &val
	}
	if timeout := os.Getenv("PINGPONG_CONFIRMATION_TIMEOUT"); timeout != "" {
		duration, err := time.ParseDuration(timeout)
		if err != nil {
			return fmt.Errorf("invalid PINGPONG_CONFIRMATION_TIMEOUT: %w", err)
		}
		c.Bot.ConfirmationTimeout = duration
	}
	if size := os.Getenv("PINGPONG_QUEUE_SIZE"); size != "" {
		val, err := strconv.Atoi(size)
		if err != nil {
			return fmt.Errorf("invalid PINGPONG_QUEUE_SIZE: %w", err)
		}
		c.Bot.QueueSize = val
	}
	if chunk := os.Getenv("PINGPONG_SCAN_CHUNK_SIZE"); chunk != "" {
		val, err := strconv.ParseUint(chunk, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid PINGPONG_SCAN_CHUNK_SIZE: %w", err)
		}
		c.Bot.ScanChunkSize = val
	}
	if size := os.Getenv("PINGPONG_SEEN_CACHE_SIZE"); size != "" {
		val, err := strconv.Atoi(size)
		if err != nil {
			return fmt.Errorf("invalid PINGPONG_SEEN_CACHE_SIZE: %w", err)
		}
		c.Bot.SeenCacheSize = val
	}

	// API configuration
	if enabled := os.Getenv("PINGPONG_API_ENABLED"); enabled != "" {
		val, err := strconv.ParseBool(enabled)
		if err != nil {
			return fmt.Errorf("invalid PINGPONG_API_ENABLED: %w", err)
		}
		c.API.Enabled = val
	}
	if host := os.Getenv("PINGPONG_API_HOST"); host != "" {
		c.API.Host = host
	}
	if port := os.Getenv("PINGPONG_API_PORT"); port != "" {
		val, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid PINGPONG_API_PORT: %w", err)
		}
		c.API.Port = val
	}
	if rl := os.Getenv("PINGPONG_API_RATE_LIMIT"); rl != "" {
		val, err := strconv.ParseFloat(rl, 64)
		if err != nil {
			return fmt.Errorf("invalid PINGPONG_API_RATE_LIMIT: %w", err)
		}
		c.API.RateLimit = val
	}
	if burst := os.Getenv("PINGPONG_API_RATE_BURST"); burst != "" {
		val, err := strconv.Atoi(burst)
		if err != nil {
			return fmt.Errorf("invalid PINGPONG_API_RATE_BURST: %w", err)
		}
		c.API.RateBurst = val
	}
	if ws := os.Getenv("PINGPONG_API_WEBSOCKET"); ws != "" {
		val, err := strconv.ParseBool(ws)
		if err != nil {
			return fmt.Errorf("invalid PINGPONG_API_WEBSOCKET: %w", err)
		}
		c.API.EnableWebSocket = val
	}

	// Notifications
	if typ := os.Getenv("PINGPONG_NOTIFY_TYPE"); typ != "" {
		c.Notifications.Type = typ
	}
	if addrs := os.Getenv("PINGPONG_NOTIFY_REDIS_ADDRESSES"); addrs != "" {
		c.Notifications.Redis.Addresses = splitList(addrs)
	}
	if pw := os.Getenv("PINGPONG_NOTIFY_REDIS_PASSWORD"); pw != "" {
		c.Notifications.Redis.Password = pw
	}
	if db := os.Getenv("PINGPONG_NOTIFY_REDIS_DB"); db != "" {
		val, err := strconv.Atoi(db)
		if err != nil {
			return fmt.Errorf("invalid PINGPONG_NOTIFY_REDIS_DB: %w", err)
		}
		c.Notifications.Redis.DB = val
	}
	if ch := os.Getenv("PINGPONG_NOTIFY_REDIS_CHANNEL"); ch != "" {
		c.Notifications.Redis.Channel = ch
	}
	if brokers := os.Getenv("PINGPONG_NOTIFY_KAFKA_BROKERS"); brokers != "" {
		c.Notifications.Kafka.Brokers = splitList(brokers)
	}
	if topic := os.Getenv("PINGPONG_NOTIFY_KAFKA_TOPIC"); topic != "" {
		c.Notifications.Kafka.Topic = topic
	}

	return nil
}

// LoadFromFile loads configuration from a YAML file
func (c *Config) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// Validate checks the configuration. Missing required settings are reported
// together as a *MissingError before any other check runs.
func (c *Config) Validate() error {
	var missing []string
	if c.RPC.Endpoint == "" {
		missing = append(missing, "RPC_WSS_URL")
	}
	if c.Wallet.PrivateKey == "" {
		missing = append(missing, "PRIVATE_KEY")
	}
	if c.Contract.Address == "" {
		missing = append(missing, "PING_PONG_CONTRACT")
	}
	if len(missing) > 0 {
		return &MissingError{Keys: missing}
	}

	if !strings.HasPrefix(c.RPC.Endpoint, "ws://") && !strings.HasPrefix(c.RPC.Endpoint, "wss://") {
		return fmt.Errorf("%w: RPC endpoint %q must be a websocket URL", ErrInvalidConfig, c.RPC.Endpoint)
	}
	if c.RPC.Timeout <= 0 {
		return fmt.Errorf("%w: RPC timeout must be positive", ErrInvalidConfig)
	}
	if !common.IsHexAddress(c.Contract.Address) {
		return fmt.Errorf("%w: contract address %q is not a hex address", ErrInvalidConfig, c.Contract.Address)
	}

	validBackends := map[string]bool{
		"pebble": true,
		"sqlite": true,
	}
	if !validBackends[c.Database.Backend] {
		return fmt.Errorf("%w: invalid database backend %q, must be one of: pebble, sqlite", ErrInvalidConfig, c.Database.Backend)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("%w: database path is required", ErrInvalidConfig)
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("%w: invalid log level %q, must be one of: debug, info, warn, error", ErrInvalidConfig, c.Log.Level)
	}
	validLogFormats := map[string]bool{
		"json":    true,
		"console": true,
	}
	if !validLogFormats[c.Log.Format] {
		return fmt.Errorf("%w: invalid log format %q, must be one of: json, console", ErrInvalidConfig, c.Log.Format)
	}

	if c.Bot.ConfirmationTimeout <= 0 {
		return fmt.Errorf("%w: confirmation timeout must be positive", ErrInvalidConfig)
	}
	if c.Bot.QueueSize <= 0 {
		return fmt.Errorf("%w: queue size must be positive", ErrInvalidConfig)
	}
	if c.Bot.ScanChunkSize == 0 || c.Bot.ScanChunkSize > constants.MaxScanChunkSize {
		return fmt.Errorf("%w: scan chunk size must be between 1 and %d", ErrInvalidConfig, constants.MaxScanChunkSize)
	}
	if c.Bot.SeenCacheSize < 0 {
		return fmt.Errorf("%w: seen cache size cannot be negative", ErrInvalidConfig)
	}

	if c.API.Enabled {
		if c.API.Port < constants.MinPort || c.API.Port > constants.MaxPort {
			return fmt.Errorf("%w: invalid API port %d", ErrInvalidConfig, c.API.Port)
		}
		if c.API.RateLimit < 0 || c.API.RateBurst < 0 {
			return fmt.Errorf("%w: rate limit settings cannot be negative", ErrInvalidConfig)
		}
	}

	validNotifyTypes := map[string]bool{
		"none":  true,
		"redis": true,
		"kafka": true,
		"both":  true,
	}
	if !validNotifyTypes[c.Notifications.Type] {
		return fmt.Errorf("%w: invalid notifications type %q, must be one of: none, redis, kafka, both", ErrInvalidConfig, c.Notifications.Type)
	}
	if c.Notifications.RedisEnabled() && len(c.Notifications.Redis.Addresses) == 0 {
		return fmt.Errorf("%w: redis notifications enabled but no addresses configured", ErrInvalidConfig)
	}
	if c.Notifications.KafkaEnabled() && len(c.Notifications.Kafka.Brokers) == 0 {
		return fmt.Errorf("%w: kafka notifications enabled but no brokers configured", ErrInvalidConfig)
	}

	return nil
}

// RedisEnabled reports whether outcomes are published to Redis
func (n *NotificationsConfig) RedisEnabled() bool {
	return n.Type == "redis" || n.Type == "both"
}

// KafkaEnabled reports whether outcomes are published to Kafka
func (n *NotificationsConfig) KafkaEnabled() bool {
	return n.Type == "kafka" || n.Type == "both"
}

// Load loads configuration from file and environment variables
// Priority: environment variables > config file > defaults
func Load(configFile string) (*Config, error) {
	cfg := NewConfig()

	if configFile != "" {
		if err := cfg.LoadFromFile(configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}
