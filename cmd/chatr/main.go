package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"chatr/internal/config"
	"chatr/internal/constants"
	"chatr/internal/database"
	"chatr/internal/metrics"
	"chatr/internal/models"
	"chatr/internal/network"
	"chatr/internal/notify"
	"chatr/internal/retry"
	"chatr/internal/service"
	"chatr/internal/tracing"
	"chatr/pkg/backend"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// CLI flags
	verbose    = flag.Bool("verbose", false, "Enable verbose logging (includes sensitive information)")
	configPath = flag.String("config", "config.json", "Path to configuration file")
	version    = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("chatr %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
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
	}).Info("Starting chatr")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	applyLogLevel(logger, cfg)

	if cfg.Tracing.ServiceVersion == "" {
		cfg.Tracing.ServiceVersion = Version
	}
	tracingManager := tracing.NewTracingManager(cfg.Tracing, logger)
	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	db, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	registry := metrics.NewRegistry()

	client := backend.NewClient(backend.ClientConfig{
		URL:                       cfg.Backend.URL,
		AnonKey:                   cfg.Backend.AnonKey,
		Timeout:                   time.Duration(cfg.Backend.TimeoutSec) * time.Second,
		CircuitBreakerMaxFailures: cfg.Backend.CircuitBreakerMaxFailures,
		CircuitBreakerTimeout:     time.Duration(cfg.Backend.CircuitBreakerTimeoutSec) * time.Second,
	}, &http.Client{Timeout: time.Duration(cfg.Backend.TimeoutSec) * time.Second}, logger)

	realtimeClient := backend.NewRealtimeClient(backend.RealtimeConfig{
		URL:       cfg.Backend.RealtimeURL,
		AnonKey:   cfg.Backend.AnonKey,
		Heartbeat: time.Duration(cfg.Backend.HeartbeatSec) * time.Second,
	}, logger)

	// The socket is the only reachability signal the agent has; PUT
	// /v1/network can still override it.
	monitor := network.NewMonitor(false, logger)
	realtimeClient.OnStateChange(monitor.SetOnline)

	toasts := notify.NewToastCenter(cfg.Notifications.ToastHistory, logger)
	var osNotifier notify.OSNotifier = notify.NoopNotifier{}
	if cfg.Notifications.Desktop {
		osNotifier = notify.NewDesktopNotifier("chatr",
			time.Duration(cfg.Notifications.DismissAfterSec)*time.Second, logger)
	}

	sessions := service.NewSessionManager(service.Deps{
		Store:   db,
		Backend: client,
		Feed:    realtimeClient,
		Network: monitor,
		Toaster: toasts,
		Sound:   notify.NewBellPlayer(os.Stdout),
		OS:      osNotifier,
		Focuser: notify.FocusFunc(func() error {
			logger.Info("Window focus requested")
			return nil
		}),
		Metrics: registry,
		Config:  cfg,
		Verbose: *verbose,
		Logger:  logger,
	}, client, realtimeClient)

	if cfg.Auth.UserID != "" {
		if _, err := sessions.Login(ctx, models.Identity{
			UserID:      cfg.Auth.UserID,
			AccessToken: cfg.Auth.AccessToken,
		}); err != nil {
			logger.WithError(err).Warn("Automatic login failed")
		}
	}

	watcher := config.NewConfigWatcher(*configPath, logger)
	watcher.OnConfigChange(func(updated *models.Config) {
		applyLogLevel(logger, updated)
	})

	server := NewServer(ServerDeps{
		Config:   cfg,
		Sessions: sessions,
		Toasts:   toasts,
		Network:  monitor,
		Metrics:  registry,
		Storage:  db,
		Realtime: realtimeClient,
		Breaker:  client.BreakerStats,
		Logger:   logger,
	})

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return realtimeClient.Run(groupCtx)
	})
	group.Go(func() error {
		if err := watcher.Start(groupCtx); err != nil {
			logger.WithError(err).Warn("Configuration watcher stopped")
		}
		return nil
	})
	group.Go(func() error {
		if err := server.Start(); err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("Received shutdown signal")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(constants.DefaultGracefulShutdownSec)*time.Second)
		defer cancel()

		if err := sessions.Close(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Session did not close cleanly")
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server gracefully: %w", err)
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		return err
	}

	logger.Info("Shutdown completed")
	return nil
}

// openDatabase opens local storage with exponential backoff, since the
// file may briefly be locked by a previous instance that is shutting down.
func openDatabase(ctx context.Context, cfg *models.Config, logger *logrus.Logger) (*database.Database, error) {
	backoff := retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: time.Duration(constants.DefaultRetryBackoffMs) * time.Millisecond,
		MaxDelay:     time.Duration(constants.DefaultMaxBackoffMs) * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
		Jitter:       true,
	})

	var db *database.Database
	err := backoff.Retry(ctx, func() error {
		var initErr error
		db, initErr = database.New(cfg.Database.Path)
		if initErr != nil {
			logger.Warnf("Failed to initialize database: %v", initErr)
		}
		return initErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database after retries: %w", err)
	}
	return db, nil
}

func applyLogLevel(logger *logrus.Logger, cfg *models.Config) {
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
		logger.Info("Verbose logging enabled - sensitive information will be logged")
		return
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Warnf("Invalid log level %q, defaulting to info", cfg.LogLevel)
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
}
