package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mescon/panoguard/internal/api"
	"github.com/mescon/panoguard/internal/auth"
	"github.com/mescon/panoguard/internal/clock"
	"github.com/mescon/panoguard/internal/config"
	"github.com/mescon/panoguard/internal/db"
	"github.com/mescon/panoguard/internal/eventbus"
	"github.com/mescon/panoguard/internal/logger"
	"github.com/mescon/panoguard/internal/metrics"
	"github.com/mescon/panoguard/internal/notifier"
	"github.com/mescon/panoguard/internal/services"
	"github.com/mescon/panoguard/internal/streetview"
)

const (
	checkpointInterval = 5 * time.Minute
	scanDrainTimeout   = 15 * time.Second
)

func main() {
	// Define command line flags (these override environment variables)
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.BoolVar(showVersion, "v", false, "Print version and exit (shorthand)")

	// Configuration flags - all can also be set via environment variables (PANOGUARD_*)
	flagPort := flag.String("port", "", "HTTP server port (env: PANOGUARD_PORT, default: 3095)")
	flagBasePath := flag.String("base-path", "", "URL base path for reverse proxy (env: PANOGUARD_BASE_PATH, default: /)")
	flagLogLevel := flag.String("log-level", "", "Log level: debug, info, warn, error (env: PANOGUARD_LOG_LEVEL, default: info)")
	flagDataDir := flag.String("data-dir", "", "Data directory path (env: PANOGUARD_DATA_DIR)")
	flagDBDriver := flag.String("db-driver", "", "Database driver: sqlite, mysql, postgres (env: PANOGUARD_DATABASE_DRIVER, default: sqlite)")
	flagDBURI := flag.String("db-uri", "", "Database file path or DSN (env: PANOGUARD_DATABASE_URI)")
	flagWindow := flag.Int("scan-window", 0, "Locations loaded per scan window (env: PANOGUARD_SCAN_WINDOW, default: 100)")
	flagConcurrency := flag.Int("scan-concurrency", 0, "Concurrent lookups per scan (env: PANOGUARD_SCAN_CONCURRENCY, default: 10)")
	flagRefreshDelay := flag.Duration("refresh-delay", 0, "Pause between refresh lookups (env: PANOGUARD_REFRESH_DELAY, default: 50ms)")
	flagResolverRPS := flag.Float64("resolver-rps", 0, "Max metadata requests per second (env: PANOGUARD_RESOLVER_RATE_LIMIT_RPS, default: 50)")

	flag.Parse()

	if *showVersion {
		fmt.Printf("panoguard %s\n", config.Version)
		os.Exit(0)
	}

	config.Load()
	config.ApplyFlags(config.FlagOverrides{
		Port:            flagPort,
		BasePath:        flagBasePath,
		LogLevel:        flagLogLevel,
		DataDir:         flagDataDir,
		DatabaseDriver:  flagDBDriver,
		DatabaseURI:     flagDBURI,
		ScanWindowSize:  flagWindow,
		ScanConcurrency: flagConcurrency,
		RefreshDelay:    flagRefreshDelay,
		ResolverRPS:     flagResolverRPS,
	})
	cfg := config.Get()

	logger.Init(cfg.LogDir)
	logger.SetLevel(cfg.LogLevel)

	logger.Infof("========================================")
	logger.Infof("Starting panoguard %s...", config.Version)
	logger.Infof("========================================")

	logger.Infof("Configuration:")
	logger.Infof("  Port: %s", cfg.Port)
	logger.Infof("  Base Path: %s", cfg.BasePath)
	logger.Infof("  Log Level: %s", cfg.LogLevel)
	logger.Infof("  Data Directory: %s", cfg.DataDir)
	logger.Infof("  Database: %s", cfg.DatabaseDriver)
	logger.Infof("  Log Directory: %s", cfg.LogDir)
	logger.Infof("  Scan Window: %d (concurrency %d)", cfg.ScanWindowSize, cfg.ScanConcurrency)
	logger.Infof("  Refresh Delay: %s", cfg.RefreshDelay)
	logger.Infof("  Resolver Rate Limit: %.1f req/s (burst: %d)", cfg.ResolverRateLimitRPS, cfg.ResolverRateLimitBurst)
	if cfg.StreetViewAPIKey == "" {
		logger.Warnf("  ⚠️  No Street View API key configured, every lookup will fail")
	}

	logger.Infof("Initializing database (%s)...", cfg.DatabaseDriver)
	repo, err := db.NewRepository(cfg.DatabaseDriver, cfg.DatabaseURI)
	if err != nil {
		logger.Errorf("Failed to initialize database: %v", err)
		os.Exit(1)
	}
	stopCheckpoint := repo.StartPeriodicCheckpoint(checkpointInterval)
	logger.Infof("✓ Database initialized successfully")

	logger.Infof("Initializing Event Bus...")
	eb := eventbus.NewEventBus()
	logger.Infof("✓ Event Bus initialized")

	logger.Infof("Initializing Metrics Service...")
	metricsService := metrics.NewMetricsService(eb)
	metricsService.Start()
	if err := metricsService.RegisterDB(repo.DB); err != nil {
		logger.Warnf("Database pool metrics unavailable: %v", err)
	}
	logger.Infof("✓ Metrics Service (Prometheus endpoint at /metrics)")

	resolver := streetview.NewClient(streetview.Options{
		BaseURL:    cfg.StreetViewBaseURL,
		APIKey:     cfg.StreetViewAPIKey,
		Timeout:    cfg.ResolverTimeout,
		MaxRetries: cfg.ResolverMaxRetries,
		RPS:        cfg.ResolverRateLimitRPS,
		Burst:      cfg.ResolverRateLimitBurst,
		Observer:   metricsService.ObserveResolver,

		BreakerThreshold: uint32(cfg.ResolverBreakerThreshold),
		BreakerCooldown:  cfg.ResolverBreakerCooldown,
	})
	logger.Infof("✓ Street View resolver initialized")

	logger.Infof("Initializing Notification Service...")
	notifierService, err := notifier.NewNotifier(eb, cfg.NotifyURLs, cfg.NotifyThrottle)
	if err != nil {
		// Non-fatal - continue without notifications
		logger.Errorf("Failed to start notification service: %v", err)
	} else {
		notifierService.Start()
		logger.Infof("✓ Notification Service (%d targets)", len(cfg.NotifyURLs))
	}

	logger.Infof("Initializing core services...")
	scanner := services.NewScanService(repo, resolver, eb, clock.NewRealClock())
	logger.Infof("✓ Scan Service (availability and refresh scans)")
	importer := services.NewImportService(repo, resolver, eb)
	logger.Infof("✓ Import Service (links and Vali exports)")
	scheduler := services.NewSchedulerService(repo, scanner)
	logger.Infof("✓ Scheduler Service (cron-based scans)")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	scheduler.Start(ctx)

	if cfg.JWTSecret == "" {
		logger.Warnf("⚠️  PANOGUARD_JWT_SECRET is not set, protected endpoints will reject every request")
	}
	tokens := auth.NewTokenManager(cfg.JWTSecret)

	logger.Infof("Initializing REST API and WebSocket server...")
	apiServer := api.NewRESTServer(api.ServerDeps{
		Repo:      repo,
		EventBus:  eb,
		Scanner:   scanner,
		Importer:  importer,
		Scheduler: scheduler,
		Metrics:   metricsService,
		Tokens:    tokens,
	})
	go func() {
		addr := ":" + cfg.Port
		if err := apiServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("Failed to start API server: %v", err)
			os.Exit(1)
		}
	}()

	logger.Infof("========================================")
	logger.Infof("✓ panoguard %s started successfully", config.Version)
	logger.Infof("✓ Server listening on port %s", cfg.Port)
	logger.Infof("========================================")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Infof("========================================")
	logger.Infof("Received signal %v, initiating graceful shutdown...", sig)
	logger.Infof("========================================")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	logger.Infof("Stopping Scheduler Service...")
	cancel()
	scheduler.Stop()
	logger.Infof("✓ Scheduler Service stopped")

	logger.Infof("Stopping Scan Service (cancelling active scans)...")
	scanner.Shutdown(scanDrainTimeout)
	logger.Infof("✓ Scan Service stopped")

	if notifierService != nil {
		logger.Infof("Stopping Notification Service...")
		notifierService.Stop()
		logger.Infof("✓ Notification Service stopped")
	}

	logger.Infof("Stopping API Server...")
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("API Server shutdown error: %v", err)
	} else {
		logger.Infof("✓ API Server stopped")
	}

	logger.Infof("Stopping Event Bus...")
	eb.Shutdown()
	logger.Infof("✓ Event Bus stopped")

	logger.Infof("Closing database connection...")
	stopCheckpoint()
	if err := repo.GracefulClose(); err != nil {
		logger.Errorf("Failed to close database connection: %v", err)
	} else {
		logger.Infof("✓ Database connection closed")
	}

	logger.Infof("========================================")
	logger.Infof("✓ panoguard shutdown complete")
	logger.Infof("========================================")
}
