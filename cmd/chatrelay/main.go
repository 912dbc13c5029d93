package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatrelay/internal/clock"
	"chatrelay/internal/config"
	"chatrelay/internal/constants"
	"chatrelay/internal/database"
	"chatrelay/internal/delivery"
	"chatrelay/internal/gateway"
	"chatrelay/internal/models"
	"chatrelay/internal/privacy"
	"chatrelay/internal/queue"
	"chatrelay/internal/registry"
	"chatrelay/internal/retry"
	"chatrelay/internal/service"
	"chatrelay/internal/signaling"
	"chatrelay/internal/tracing"
	"chatrelay/internal/transport"
	"chatrelay/pkg/protocol"

	"github.com/sirupsen/logrus"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	verbose    = flag.Bool("verbose", false, "Enable verbose logging (includes user ids and message text)")
	configPath = flag.String("config", "config.json", "Path to configuration file")
	version    = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("chatrelay %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

func run(ctx context.Context) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting chatrelay")

	path := resolveConfigPath(*configPath)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	configureLogLevel(logger, cfg.LogLevel, *verbose)

	ctx = privacy.WithVerbose(ctx, *verbose)
	clk := clock.Real()

	if cfg.Tracing.ServiceVersion == "" {
		cfg.Tracing.ServiceVersion = Version
	}
	tracingManager := tracing.NewManager(cfg.Tracing, logger)
	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	db, err := openDatabase(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close database")
		}
	}()

	q, err := newQueue(ctx, cfg, clk, logger)
	if err != nil {
		return err
	}
	guarded := queue.WithBreaker(q, queue.NewBreaker("delivery-queue", 5, 30*time.Second, clk, logger))

	hub := transport.NewHub(transport.Options{
		PingInterval:   time.Duration(cfg.Server.PingIntervalSec) * time.Second,
		PongTimeout:    time.Duration(cfg.Server.PingTimeoutSec) * time.Second,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logger,
	})
	reg := registry.New(clk)

	deliveryOpts := delivery.OptionsFromConfig(cfg.Delivery)
	deliveryOpts.Clock = clk
	deliveryOpts.Logger = logger
	coordinator := delivery.NewCoordinator(db, guarded, hub, deliveryOpts)
	if err := coordinator.Start(ctx); err != nil {
		return fmt.Errorf("failed to start delivery coordinator: %w", err)
	}

	signalOpts := signaling.OptionsFromConfig(cfg.Signaling)
	signalOpts.Clock = clk
	signalOpts.Logger = logger
	relay := signaling.NewRelay(reg, hub, signalOpts)

	hub.SetHandler(gateway.New(coordinator, relay, reg, hub, clk, logger))

	queueDone := make(chan error, 1)
	go func() { queueDone <- q.Run(ctx, coordinator) }()

	scheduler := service.NewScheduler(db, service.RetentionFromConfig(cfg.Retention), clk, logger)
	go scheduler.Start(ctx)
	defer scheduler.Stop()

	monitor := service.NewDeliveryMonitor(db, guarded, clk,
		time.Duration(cfg.Server.DeliveryMonitorSec)*time.Second,
		time.Duration(cfg.Delivery.MaxBackoffMs)*time.Millisecond*2,
		logger)
	go monitor.Start(ctx)
	defer monitor.Stop()

	if path != "" {
		watcher := config.NewWatcher(path, config.WatcherOptions{Clock: clk, Logger: logger})
		watcher.Subscribe(func(c config.Change) {
			if c.DropRate {
				coordinator.SetDropRate(c.New.Delivery.DropRate)
			}
			if c.LogLevel {
				configureLogLevel(logger, c.New.LogLevel, *verbose)
			}
		})
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.WithError(err).Warn("Configuration watcher stopped")
			}
		}()
	}

	server := NewServer(cfg, Deps{
		Hub:       hub,
		Store:     db,
		Retrier:   coordinator,
		Purger:    scheduler,
		Queue:     guarded,
		Breaker:   guarded.Breaker(),
		Clock:     clk,
		StartedAt: clk.Now(),
	}, logger)

	serverErrCh := make(chan error, constants.ServerErrorChannelSize)
	go func() {
		if err := server.Start(); err != nil {
			serverErrCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serverErrCh:
		logger.Error(err)
		return err
	case err := <-queueDone:
		if err != nil {
			logger.WithError(err).Error("Delivery queue stopped")
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(constants.DefaultGracefulShutdownSec)*time.Second)
	defer cancel()

	hub.Broadcast(protocol.EventServerShutdown, protocol.ServerShutdown{Timestamp: protocol.Millis(clk.Now())})

	if err := q.Pause(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Failed to pause delivery queue")
	}
	if err := q.Close(); err != nil {
		logger.WithError(err).Warn("Failed to close delivery queue")
	}
	if err := hub.Close(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Connections did not close in time")
	}
	relay.Close()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server gracefully: %w", err)
	}

	logger.Info("Server shutdown completed")
	return nil
}

// resolveConfigPath drops the default path when no such file exists, so the
// server can run on defaults and environment variables alone.
func resolveConfigPath(path string) string {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) && path == "config.json" {
		return ""
	}
	return path
}

func validateConfig(cfg *models.Config) error {
	if cfg.Server.Port > 65535 {
		return fmt.Errorf("server port %d is out of range", cfg.Server.Port)
	}
	if cfg.Redis.Enabled && cfg.Redis.Addr == "" {
		return fmt.Errorf("redis address is required when redis is enabled")
	}
	if cfg.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing sample rate must be at most 1")
	}
	return nil
}

// configureLogLevel applies the configured level. Verbose always means
// debug; otherwise levels above info are capped at info.
func configureLogLevel(logger *logrus.Logger, level string, verbose bool) {
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
		logger.Info("Verbose logging enabled - user ids and message text will be logged")
		return
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		logger.Warnf("Invalid log level %q, defaulting to info", level)
		logger.SetLevel(logrus.InfoLevel)
		return
	}
	if parsed > logrus.InfoLevel {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)
}

func openDatabase(ctx context.Context, cfg models.DatabaseConfig, logger *logrus.Logger) (*database.Database, error) {
	policy := database.DefaultRetry()
	policy.Jitter = true
	backoff := retry.NewBackoff(policy)

	var db *database.Database
	err := backoff.Retry(ctx, func() error {
		var openErr error
		db, openErr = database.Open(ctx, cfg)
		if openErr != nil {
			logger.Warnf("Failed to initialize database: %v", openErr)
		}
		return openErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database after retries: %w", err)
	}
	logger.WithField("driver", db.Dialect()).Info("Message repository ready")
	return db, nil
}

func newQueue(ctx context.Context, cfg *models.Config, clk clock.Clock, logger *logrus.Logger) (queue.Queue, error) {
	opts := queue.Options{
		Prefix: cfg.Redis.Prefix,
		Policy: retry.Exponential(
			time.Duration(cfg.Delivery.BaseDelayMs)*time.Millisecond,
			time.Duration(cfg.Delivery.MaxBackoffMs)*time.Millisecond,
		),
		PollInterval: time.Duration(cfg.Redis.PollIntervalMs) * time.Millisecond,
		LockTimeout:  time.Duration(cfg.Redis.LockTimeoutSec) * time.Second,
		Clock:        clk,
		Logger:       logger,
	}

	if !cfg.Redis.Enabled {
		logger.Info("Redis disabled, using in-process delivery queue")
		return queue.NewMemoryQueue(opts), nil
	}

	client, err := queue.DialRedis(ctx, cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.WithField("addr", cfg.Redis.Addr).Info("Using Redis delivery queue")
	return queue.NewOwnedRedisQueue(client, opts), nil
}
