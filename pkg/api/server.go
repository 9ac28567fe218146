package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	apimiddleware "github.com/0xmhha/pingpong-go/pkg/api/middleware"
	"github.com/0xmhha/pingpong-go/pkg/api/websocket"
	"github.com/0xmhha/pingpong-go/pkg/storage"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server is the read-only ops server: health, stats, record lookups,
// Prometheus metrics and the outcome websocket stream.
type Server struct {
	config   *Config
	logger   *zap.Logger
	store    storage.Reader
	gatherer prometheus.Gatherer
	router   *chi.Mux
	server   *http.Server
	wsServer *websocket.Server
	started  time.Time
}

// ServerOptions holds optional server dependencies
type ServerOptions struct {
	// Gatherer backs /metrics. Defaults to the global registry.
	Gatherer prometheus.Gatherer
}

// NewServer creates an ops server over store
func NewServer(config *Config, logger *zap.Logger, store storage.Reader, opts *ServerOptions) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	gatherer := prometheus.DefaultGatherer
	if opts != nil && opts.Gatherer != nil {
		gatherer = opts.Gatherer
	}

	s := &Server{
		config:   config,
		logger:   logger.With(zap.String("component", "api")),
		store:    store,
		gatherer: gatherer,
		router:   chi.NewRouter(),
		started:  time.Now(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         config.Address(),
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s, nil
}

func (s *Server) setupMiddleware() {
	s.router.Use(apimiddleware.Recovery(s.logger))
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(apimiddleware.Logger(s.logger))

	if s.config.EnableRateLimit {
		s.router.Use(apimiddleware.RateLimit(s.config.RateLimitPerSecond, s.config.RateLimitBurst, s.logger))
		s.logger.Info("rate limiting enabled",
			zap.Float64("rate_per_second", s.config.RateLimitPerSecond),
			zap.Int("burst", s.config.RateLimitBurst),
		)
	}
}

func (s *Server) setupRoutes() {
	if s.config.EnableWebSocket {
		s.wsServer = websocket.NewServer(s.config.MaxWebSocketClients, s.logger)
		s.router.Get(s.config.WebSocketPath, s.wsServer.ServeHTTP)
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/stats", s.handleStats)
	s.router.Get("/pings/stuck", s.handleStuckPings)
	s.router.Get("/pings/{txHash}", s.handleGetPing)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
}

// Hub returns the websocket hub, or nil when the stream is disabled
func (s *Server) Hub() *websocket.Hub {
	if s.wsServer == nil {
		return nil
	}
	return s.wsServer.Hub()
}

// Start serves until Stop is called
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on an existing listener
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("starting ops server",
		zap.String("address", ln.Addr().String()),
		zap.Bool("websocket", s.config.EnableWebSocket),
	)
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	if s.wsServer != nil {
		s.wsServer.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info("ops server stopped")
	return nil
}

// Router returns the underlying chi router
func (s *Server) Router() *chi.Mux {
	return s.router
}
