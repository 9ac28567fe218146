package api

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/0xmhha/pingpong-go/internal/constants"
)

// Config holds ops server configuration
type Config struct {
	Host string
	Port int

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// EnableRateLimit enables the per-IP rate limiter
	EnableRateLimit    bool
	RateLimitPerSecond float64
	RateLimitBurst     int

	// EnableWebSocket serves the outcome stream at WebSocketPath
	EnableWebSocket     bool
	WebSocketPath       string
	MaxWebSocketClients int
}

// DefaultConfig returns a default ops server configuration
func DefaultConfig() *Config {
	return &Config{
		Host:                constants.DefaultAPIHost,
		Port:                constants.DefaultAPIPort,
		ReadTimeout:         constants.DefaultReadTimeout,
		WriteTimeout:        constants.DefaultWriteTimeout,
		IdleTimeout:         constants.DefaultIdleTimeout,
		ShutdownTimeout:     constants.DefaultShutdownTimeout,
		EnableRateLimit:     true,
		RateLimitPerSecond:  constants.DefaultRateLimitPerSecond,
		RateLimitBurst:      constants.DefaultRateLimitBurst,
		EnableWebSocket:     true,
		WebSocketPath:       constants.DefaultWebSocketPath,
		MaxWebSocketClients: constants.DefaultMaxWebSocketClients,
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Host == "" {
		return errors.New("host cannot be empty")
	}
	if c.Port < constants.MinPort || c.Port > constants.MaxPort {
		return fmt.Errorf("port must be between %d and %d", constants.MinPort, constants.MaxPort)
	}
	if c.ReadTimeout <= 0 || c.WriteTimeout <= 0 || c.IdleTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.EnableRateLimit && (c.RateLimitPerSecond <= 0 || c.RateLimitBurst <= 0) {
		return errors.New("rate limit and burst must be positive")
	}
	if c.EnableWebSocket && c.WebSocketPath == "" {
		return errors.New("websocket path cannot be empty")
	}
	return nil
}

// Address returns the server address in host:port format
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
