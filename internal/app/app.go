package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sifapp/sifd/internal/api"
	"github.com/sifapp/sifd/internal/blob"
	"github.com/sifapp/sifd/internal/cleanup"
	"github.com/sifapp/sifd/internal/config"
	"github.com/sifapp/sifd/internal/delivery"
	"github.com/sifapp/sifd/internal/dkim"
	"github.com/sifapp/sifd/internal/metrics"
	"github.com/sifapp/sifd/internal/notify"
	"github.com/sifapp/sifd/internal/progress"
	"github.com/sifapp/sifd/internal/retry"
	"github.com/sifapp/sifd/internal/store"
	"github.com/sifapp/sifd/internal/transmit"
	"github.com/sifapp/sifd/internal/trigger"
	"github.com/sifapp/sifd/internal/upload"
)

// App is the main application
type App struct {
	config        *config.Config
	store         *store.BoltStore
	orchestrator  *delivery.Orchestrator
	scheduler     *trigger.Scheduler
	apiServer     *api.Server
	metricsServer *metrics.Server
	collector     *metrics.Collector
	cleaner       *cleanup.Cleaner
	logger        *slog.Logger
}

// New creates a new application
func New(cfg *config.Config) (*App, error) {
	logger := setupLogger(cfg.Logging)

	// State store; the blob sink shares the same BoltDB file.
	st, err := store.NewBoltStore(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	sink, err := blob.NewBoltSink(st.DB())
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to create blob sink: %w", err)
	}

	uploader := upload.New(sink, upload.Config{
		ChunkThreshold: cfg.Upload.ChunkThreshold,
		ChunkSize:      cfg.Upload.ChunkSize,
		ChunkTimeout:   cfg.Upload.ChunkTimeout,
	}, logger.With("component", "upload"))

	coordinator := retry.New(retry.Config{
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  cfg.Retry.BaseDelay,
		MaxDelay:   cfg.Retry.MaxDelay,
	})

	transmitter, err := buildTransmitter(cfg, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	var notifier notify.Notifier = notify.NopNotifier{}
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.Notify.WebhookURL, logger.With("component", "notify"))
		logger.Info("delivery notifications enabled", "webhook", cfg.Notify.WebhookURL)
	}

	var m *metrics.Metrics
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		m = metrics.New()
		metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path, logger.With("component", "metrics"))
	}

	hub := progress.NewHub()
	scheduler := trigger.NewScheduler(logger.With("component", "trigger"))

	orchestrator := delivery.New(delivery.Deps{
		Store:       st,
		Uploader:    uploader,
		Transmitter: transmitter,
		Retry:       coordinator,
		Trigger:     scheduler,
		Progress:    hub,
		Notifier:    notifier,
		Metrics:     m,
		Logger:      logger,
	})
	scheduler.SetCallback(orchestrator.HandleTrigger)

	var collector *metrics.Collector
	if m != nil {
		collector = metrics.NewCollector(m, st, cfg.Metrics.FlushInterval, logger.With("component", "metrics"))
	}

	cleaner := cleanup.New(st, cleanup.Config{
		Interval:   cfg.Cleanup.Interval,
		Retention:  cfg.Cleanup.Retention,
		MaxRetries: cfg.Retry.MaxRetries,
	}, logger)

	apiServer := api.NewServer(orchestrator, st, hub, &cfg.API, m, logger.With("component", "api"))

	return &App{
		config:        cfg,
		store:         st,
		orchestrator:  orchestrator,
		scheduler:     scheduler,
		apiServer:     apiServer,
		metricsServer: metricsServer,
		collector:     collector,
		cleaner:       cleaner,
		logger:        logger,
	}, nil
}

// buildTransmitter selects the outbound transport from configuration
func buildTransmitter(cfg *config.Config, logger *slog.Logger) (transmit.Transmitter, error) {
	switch cfg.Transport.Mode {
	case "relay":
		relay := transmit.NewRelayTransmitter(transmit.RelayConfig{
			Host:       cfg.Transport.Relay.Host,
			Port:       cfg.Transport.Relay.Port,
			Username:   cfg.Transport.Relay.Username,
			Password:   cfg.Transport.Relay.Password,
			FromDomain: cfg.Transport.Relay.FromDomain,
			Timeout:    cfg.Transport.Relay.Timeout,
		}, logger.With("component", "relay"))

		if cfg.Transport.Relay.DKIM.Enabled {
			signer, err := dkim.NewSigner(
				cfg.Transport.Relay.DKIM.KeyFile,
				cfg.Transport.Relay.DKIM.Domain,
				cfg.Transport.Relay.DKIM.Selector,
			)
			if err != nil {
				return nil, fmt.Errorf("failed to load DKIM key: %w", err)
			}
			relay.SetDKIMSigner(signer)
			logger.Info("DKIM signing enabled", "domain", cfg.Transport.Relay.DKIM.Domain)
		}
		return relay, nil
	default:
		return transmit.NewBackendTransmitter(
			cfg.Transport.Backend.Endpoint,
			cfg.Transport.Backend.APIKey,
			cfg.Transport.Backend.Timeout,
			logger.With("component", "backend"),
		), nil
	}
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting sifd",
		"hostname", a.config.Server.Hostname,
		"api_addr", a.config.API.ListenAddr,
		"transport", a.config.Transport.Mode,
	)

	// Create context that listens for signals
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Re-arm triggers and requeue work interrupted by the last shutdown
	if err := a.orchestrator.Recover(ctx); err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}

	a.cleaner.Start(ctx)
	if a.collector != nil {
		a.collector.Start(ctx)
	}

	errCh := make(chan error, 2)

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	// Wait for shutdown signal or error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	// Graceful shutdown
	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop accepting new work first
	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	// Disarm timers so no new attempts start
	a.scheduler.Stop()

	// Wait for notification goroutines
	a.orchestrator.Stop()

	a.cleaner.Stop()
	if a.collector != nil {
		a.collector.Stop()
	}

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	if err := a.store.Close(); err != nil {
		a.logger.Error("store close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
