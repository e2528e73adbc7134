package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goodtune/kportal/internal/access"
	"github.com/goodtune/kportal/internal/catalog"
	"github.com/goodtune/kportal/internal/config"
	"github.com/goodtune/kportal/internal/metrics"
	"github.com/goodtune/kportal/internal/payment"
	"github.com/goodtune/kportal/internal/portal"
	"github.com/goodtune/kportal/internal/session"
	"github.com/goodtune/kportal/internal/storage"
	"github.com/goodtune/kportal/internal/storage/redis"
	"github.com/goodtune/kportal/internal/subscription"
	"github.com/goodtune/kportal/internal/systemd"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start KPortal server",
	Long:  `Start the KPortal server with the portal API, the session reaper, and the metrics endpoint.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting KPortal")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to get systemd listeners")
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	// Initialize storage
	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Str("redis_host", cfg.Storage.Redis.Host).
		Int("redis_port", cfg.Storage.Redis.Port).
		Msg("Storage initialized")

	ctx := context.Background()
	clock := access.RealClock{}

	// Initialize package catalog
	packages, err := catalog.NewService(store.Packages(), cfg.Catalog.CacheSize, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize catalog: %w", err)
	}
	if cfg.Catalog.SeedDefault {
		seeded, err := packages.Seed(ctx)
		if err != nil {
			return fmt.Errorf("failed to seed catalog: %w", err)
		}
		if seeded > 0 {
			logger.Info().Int("packages", seeded).Msg("Seeded default package catalog")
		}
	}

	// Initialize operator plans
	subscriptions := subscription.NewService(store.Plans(), store.Subscriptions(), clock, logger)
	if cfg.Subscription.SeedDefault {
		seeded, err := subscriptions.SeedPlans(ctx)
		if err != nil {
			return fmt.Errorf("failed to seed subscription plans: %w", err)
		}
		if seeded > 0 {
			logger.Info().Int("plans", seeded).Msg("Seeded default subscription plans")
		}
	}

	// Initialize session registry
	tickInterval := parseDuration(cfg.Session.TickInterval, time.Second)
	registry := session.NewRegistry(store.Windows(), clock, session.Config{
		TickInterval: tickInterval,
	}, logger)

	if cfg.Session.RestoreOnStart {
		restored, err := registry.Load(ctx, clock.Now())
		if err != nil {
			return fmt.Errorf("failed to restore sessions: %w", err)
		}
		logger.Info().Int("sessions", restored).Msg("Restored access windows")
	}

	reapScheduler := session.NewReapScheduler(
		registry,
		parseDuration(cfg.Session.ReapInterval, session.DefaultReapInterval),
		logger,
	)
	reapScheduler.Start()

	// Initialize payment service
	gateway, err := payment.NewGateway(cfg.Payment.Gateway, parseDuration(cfg.Payment.SimulatedDelay, 3*time.Second))
	if err != nil {
		return fmt.Errorf("failed to initialize payment gateway: %w", err)
	}

	defaultMethod, err := storage.ParsePaymentMethod(cfg.Payment.DefaultMethod)
	if err != nil {
		return fmt.Errorf("invalid payment.default_method: %w", err)
	}

	payments := payment.NewService(gateway, packages, store.Transactions(), registry, clock, payment.Config{
		Timeout:        parseDuration(cfg.Payment.Timeout, 2*time.Minute),
		MaxRetries:     cfg.Payment.MaxRetries,
		MinPhoneDigits: cfg.Payment.MinPhoneDigits,
		Currency:       cfg.Payment.Currency,
		DefaultMethod:  defaultMethod,
	}, logger)

	logger.Info().
		Str("gateway", gateway.Name()).
		Str("currency", cfg.Payment.Currency).
		Msg("Payment service initialized")
	if cfg.Payment.CallbackSecret == "" {
		logger.Warn().Msg("Payment callbacks are not authenticated; set payment.callback_secret")
	}

	// Start portal server
	portalServer := portal.NewServer(portal.Config{
		ListenAddr:      fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.PortalPort),
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		RateLimit:       cfg.Server.RateLimit,
		RateLimitWindow: parseDuration(cfg.Server.RateLimitWindow, time.Minute),
		TickInterval:    tickInterval,
		ShutdownTimeout: parseDuration(cfg.Server.ShutdownTimeout, 10*time.Second),
		CallbackSecret:  cfg.Payment.CallbackSecret,
	}, packages, payments, registry, subscriptions, clock, logger)

	if sdListeners.Portal != nil {
		portalServer.SetListener(sdListeners.Portal)
	}

	if err := portalServer.Start(); err != nil {
		return fmt.Errorf("failed to start portal server: %w", err)
	}

	// Start metrics server
	metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	metricsServer := metrics.NewServer(metricsAddr, logger)

	if sdListeners.Metrics != nil {
		metricsServer.SetListener(sdListeners.Metrics)
	}

	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	logger.Info().Msg("KPortal started successfully")

	// Notify systemd that we're ready
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	}

	// Wait for signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan

		if sig == syscall.SIGHUP {
			reaped := registry.Reap(ctx, clock.Now())
			logger.Info().Int("reaped", reaped).Msg("SIGHUP received, reaped expired sessions")
			continue
		}

		logger.Info().Msg("Shutdown signal received, gracefully stopping...")
		break
	}

	// Notify systemd that we're stopping
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	reapScheduler.Stop()

	if err := portalServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping Portal Server")
	}

	// In-flight payments stay pending in storage for a later callback
	payments.Shutdown()
	registry.Close()

	if err := metricsServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping Metrics Server")
	}

	logger.Info().Msg("KPortal stopped")

	return nil
}

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	storageType := cfg.Type
	if storageType == "" {
		storageType = "redis"
	}

	switch storageType {
	case "redis":
		return redis.Open(cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s (only 'redis' is supported)", storageType)
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// parseDuration parses a duration string with a fallback
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
