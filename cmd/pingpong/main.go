package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/0xmhha/pingpong-go/internal/config"
	"github.com/0xmhha/pingpong-go/internal/constants"
	"github.com/0xmhha/pingpong-go/internal/logger"
	"github.com/0xmhha/pingpong-go/pkg/api"
	"github.com/0xmhha/pingpong-go/pkg/client"
	"github.com/0xmhha/pingpong-go/pkg/eventbus"
	"github.com/0xmhha/pingpong-go/pkg/responder"
	"github.com/0xmhha/pingpong-go/pkg/storage"
	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// Version information (set by build flags)
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

type flags struct {
	configFile  string
	showVersion bool
	rpcEndpoint string
	dbPath      string
	dbBackend   string
	startBlock  int64
	logLevel    string
	logFormat   string
	enableAPI   bool
	apiHost     string
	apiPort     int
}

func parseFlags() *flags {
	f := &flags{}
	flag.StringVar(&f.configFile, "config", "", "Path to configuration file")
	flag.BoolVar(&f.showVersion, "version", false, "Show version information")
	flag.StringVar(&f.rpcEndpoint, "rpc", "", "WebSocket RPC endpoint URL")
	flag.StringVar(&f.dbPath, "db", "", "State store path")
	flag.StringVar(&f.dbBackend, "db-backend", "", "State store backend (pebble, sqlite)")
	flag.Int64Var(&f.startBlock, "start-block", -1, "Block to scan from when the store is empty")
	flag.StringVar(&f.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&f.logFormat, "log-format", "", "Log format (json, console)")
	flag.BoolVar(&f.enableAPI, "api", false, "Enable the ops server")
	flag.StringVar(&f.apiHost, "api-host", "", "Ops server host")
	flag.IntVar(&f.apiPort, "api-port", 0, "Ops server port")
	flag.Parse()
	return f
}

func main() {
	os.Exit(run())
}

func run() int {
	f := parseFlags()

	if f.showVersion {
		fmt.Printf("pingpong %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", buildTime)
		return 0
	}

	cfg, err := loadConfig(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 1
	}

	log, err := logger.New(&logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return 1
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting pingpong responder",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("rpc", cfg.RPC.Endpoint),
		zap.String("contract", cfg.Contract.Address),
		zap.String("db_backend", cfg.Database.Backend),
		zap.String("db_path", cfg.Database.Path),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, stop, cfg, log); err != nil {
		log.Error("responder stopped with error", zap.Error(err))
		return 1
	}
	log.Info("responder stopped")
	return 0
}

// serve opens every dependency and runs the responder until ctx is cancelled
// or a fatal error occurs
func serve(ctx context.Context, stop context.CancelFunc, cfg *config.Config, log *zap.Logger) error {
	store, err := storage.Open(&storage.Config{
		Backend:      cfg.Database.Backend,
		Path:         cfg.Database.Path,
		Cache:        constants.DefaultCacheSize,
		MaxOpenFiles: constants.DefaultMaxOpenFiles,
	}, logger.WithComponent(log, "storage"))
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("failed to close state store", zap.Error(err))
		}
	}()

	chain, err := client.NewClient(&client.Config{
		Endpoint:   cfg.RPC.Endpoint,
		Timeout:    cfg.RPC.Timeout,
		Logger:     logger.WithComponent(log, "client"),
		PrivateKey: cfg.Wallet.PrivateKey,
		Contract:   common.HexToAddress(cfg.Contract.Address),
	})
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer chain.Close()

	if balance, err := chain.Balance(ctx); err != nil {
		log.Warn("failed to read wallet balance", zap.Error(err))
	} else if balance.Sign() == 0 {
		log.Warn("wallet has no funds, pong submissions will fail",
			zap.String("wallet", chain.Address().Hex()),
		)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := responder.NewMetrics(reg)

	publisher, err := eventbus.New(cfg.Notifications, logger.WithComponent(log, "eventbus"))
	if err != nil {
		return fmt.Errorf("failed to create outcome publisher: %w", err)
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Warn("failed to close outcome publisher", zap.Error(err))
		}
	}()

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer, err = api.NewServer(apiConfig(cfg), log, store, &api.ServerOptions{Gatherer: reg})
		if err != nil {
			return fmt.Errorf("failed to create ops server: %w", err)
		}
		if hub := apiServer.Hub(); hub != nil {
			publisher = eventbus.NewMultiPublisher(publisher, hub)
		}
	}

	service, err := responder.NewService(botConfig(cfg), store, chain, publisher, metrics, log)
	if err != nil {
		return fmt.Errorf("failed to create responder: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer stop()
		return service.Run(gctx)
	})

	if apiServer != nil {
		g.Go(apiServer.Start)
		g.Go(func() error {
			<-gctx.Done()
			return apiServer.Stop(context.Background())
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// loadConfig reads .env, the config file and the environment, then applies
// command-line overrides and validates the result
func loadConfig(f *flags) (*config.Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	cfg := config.NewConfig()
	if f.configFile != "" {
		if err := cfg.LoadFromFile(f.configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	applyFlags(cfg, f)
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadDotEnv loads environment variables from a .env file if it exists
func loadDotEnv() error {
	info, err := os.Stat(".env")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to stat .env: %w", err)
	}
	if info.IsDir() {
		return errors.New(".env exists but is a directory")
	}
	if err := godotenv.Load(".env"); err != nil {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}

func applyFlags(cfg *config.Config, f *flags) {
	if f.rpcEndpoint != "" {
		cfg.RPC.Endpoint = f.rpcEndpoint
	}
	if f.dbPath != "" {
		cfg.Database.Path = f.dbPath
	}
	if f.dbBackend != "" {
		cfg.Database.Backend = f.dbBackend
	}
	if f.startBlock >= 0 {
		block := uint64(f.startBlock)
		cfg.Bot.StartingBlock = &block
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Log.Format = f.logFormat
	}
	if f.enableAPI {
		cfg.API.Enabled = true
	}
	if f.apiHost != "" {
		cfg.API.Host = f.apiHost
	}
	if f.apiPort > 0 {
		cfg.API.Port = f.apiPort
	}
}

func botConfig(cfg *config.Config) *responder.Config {
	return &responder.Config{
		StartingBlock:       cfg.Bot.StartingBlock,
		ConfirmationTimeout: cfg.Bot.ConfirmationTimeout,
		RPCTimeout:          cfg.RPC.Timeout,
		QueueSize:           cfg.Bot.QueueSize,
		ScanChunkSize:       cfg.Bot.ScanChunkSize,
		SeenCacheSize:       cfg.Bot.SeenCacheSize,
		StuckPingsLimit:     constants.DefaultStuckPingsLimit,
	}
}

func apiConfig(cfg *config.Config) *api.Config {
	c := api.DefaultConfig()
	c.Host = cfg.API.Host
	c.Port = cfg.API.Port
	c.EnableRateLimit = cfg.API.RateLimit > 0
	c.RateLimitPerSecond = cfg.API.RateLimit
	c.RateLimitBurst = cfg.API.RateBurst
	c.EnableWebSocket = cfg.API.EnableWebSocket
	return c
}
