package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"device-sync-backend/config"
	"device-sync-backend/internal/api"
	"device-sync-backend/internal/credential"
	"device-sync-backend/internal/db"
	"device-sync-backend/internal/logger"
	"device-sync-backend/internal/provider"
	"device-sync-backend/internal/provider/all"
	"device-sync-backend/internal/scheduler"
	"device-sync-backend/internal/store"
	"device-sync-backend/internal/syncer"
)

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml" // Default path for local development
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration from %s: %v\n", configPath, err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger.Info().Str("path", configPath).Msg("configuration loaded")

	location, err := time.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		logger.Fatal().Err(err).Str("timezone", cfg.Scheduler.Timezone).Msg("invalid scheduler timezone")
	}

	var opener credential.Opener = credential.Plaintext{}
	if cfg.Credentials.Key != "" {
		box, err := credential.NewBox(cfg.Credentials.Key)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid credentials key")
		}
		opener = box
	} else {
		logger.Warn().Msg("no credentials key configured, integration credentials are read as plaintext")
	}

	// Initialize database
	gormDB, err := db.Init(&cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize database")
	}

	// Create a context that can be cancelled
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appStore := store.NewGormStore(gormDB)

	syncSvc := syncer.New(appStore, all.Registry(), opener, syncer.Config{
		DeviceTimeout:   cfg.Sync.DeviceTimeout,
		ListTimeout:     cfg.Sync.ListTimeout,
		Staleness:       cfg.Sync.Staleness,
		MaxErrorDetails: cfg.Sync.MaxErrorDetails,
		LeaseTTL:        cfg.Scheduler.Lease,
		HTTP: provider.HTTPOptions{
			Timeout:           cfg.Providers.HTTPTimeout,
			MaxRetries:        cfg.Providers.MaxRetries,
			RequestsPerSecond: cfg.Providers.RequestsPerSecond,
			Burst:             cfg.Providers.Burst,
		},
		MQTTCollect: cfg.Providers.MQTTCollect,
	}, logger.WithComponent("syncer"))

	// Run the auto-sync loop in the background
	sched := scheduler.New(appStore, syncSvc, scheduler.Config{
		Enabled:      cfg.Scheduler.IsEnabled(),
		TickInterval: cfg.Scheduler.TickInterval,
		Concurrency:  cfg.Scheduler.Concurrency,
		Location:     location,
		Lease:        cfg.Scheduler.Lease,
	}, logger.WithComponent("scheduler"))
	done := make(chan struct{})
	go func() {
		defer close(done)
		sched.Run(ctx)
	}()

	// Initialize router
	router := api.NewRouter(appStore, syncSvc, sched, api.RouterConfig{
		RateLimit: rate.Limit(cfg.Server.RateLimitPerSecond),
		Burst:     cfg.Server.RateLimitBurst,
		CacheTTL:  time.Duration(cfg.Server.CacheTTLSeconds) * time.Second,
	}, logger.WithComponent("api"))
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start the server in a goroutine
	go func() {
		logger.Info().Int("port", cfg.Server.Port).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("HTTP server ListenAndServe")
		}
	}()

	// Setup signal handling for graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	// Block until a signal is received.
	<-stop
	logger.Info().Msg("shutdown signal received, stopping services")

	// Create a deadline to wait for.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server Shutdown")
	}

	// In-flight scheduled runs observe cancellation and record partial results.
	cancel()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn().Msg("scheduler did not stop before the shutdown deadline")
	}

	logger.Info().Msg("server gracefully stopped")
}
