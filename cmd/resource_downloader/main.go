package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/citiesmods/resource_downloader/internal/auth"
	"github.com/citiesmods/resource_downloader/internal/cleanup"
	"github.com/citiesmods/resource_downloader/internal/config"
	"github.com/citiesmods/resource_downloader/internal/health"
	"github.com/citiesmods/resource_downloader/internal/http/rest"
	"github.com/citiesmods/resource_downloader/internal/logctx"
	"github.com/citiesmods/resource_downloader/internal/metadata"
	"github.com/citiesmods/resource_downloader/internal/metadata/sqlite"
	"github.com/citiesmods/resource_downloader/internal/notifier"
	"github.com/citiesmods/resource_downloader/internal/registry"
	"github.com/citiesmods/resource_downloader/internal/telemetry"
	"github.com/citiesmods/resource_downloader/internal/transport"
	"github.com/go-chi/chi/v5"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
	))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("resource downloader starting...", "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	meta, err := metadata.NewTable(sqlite.NewInstrumentedKVStore(database, tel))
	if err != nil {
		return fmt.Errorf("failed to load download metadata: %w", err)
	}

	// =========================================================================
	// Start Registry
	httpClient := auth.HTTPClient(ctx, cfg.AccessToken)

	downloader := transport.NewDownloader(httpClient, cfg.DownloadDir, cfg.StagingDir, cfg.ProgressInterval)

	reg := registry.NewRegistry(
		downloader,
		meta,
		connectivityCheck(cfg),
		serviceCheck(cfg, httpClient),
		tel,
		cfg.MaxParallel,
	)
	defer reg.Close()

	// =========================================================================
	// Start Notification
	setupNotifications(ctx, reg, cfg)

	// =========================================================================
	// Start Cleanup
	setupCleanup(ctx, cfg)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, reg, tel, cfg)

	go func() {
		logger.Info("initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for downloads...",
		"download_dir", cfg.DownloadDir,
		"retention", cfg.KeepDownloadedFor.String(),
		"max_parallel", cfg.MaxParallel,
	)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	}
}

// connectivityCheck probes raw connectivity against the forum host. Without
// a configured base URL the check stays Unknown, which the registry treats
// as available.
func connectivityCheck(cfg *config.Config) health.Check {
	u, err := url.Parse(cfg.ForumBaseURL)
	if err != nil || u.Host == "" {
		return health.Static(health.StatusUnknown)
	}

	host := u.Host
	if u.Port() == "" {
		port := "443"
		if u.Scheme == "http" {
			port = "80"
		}

		host = net.JoinHostPort(u.Hostname(), port)
	}

	return health.TCPCheck(host, 5*time.Second)
}

func serviceCheck(cfg *config.Config, client *http.Client) health.Check {
	if cfg.ForumBaseURL == "" {
		return health.Static(health.StatusUnknown)
	}

	return health.HTTPCheck(cfg.ForumBaseURL, client)
}

func setupNotifications(ctx context.Context, reg *registry.Registry, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	var notif notifier.Notifier
	if cfg.WebhookURL != "" {
		notif = &notifier.WebhookNotifier{WebhookURL: cfg.WebhookURL}
	}

	go func() {
		for event := range reg.OnDownloadFinished {
			logger.Info("download finished", "download_id", event.ID, "title", event.Title, "destination", event.Destination)

			if notif == nil {
				continue
			}

			if notifyErr := notif.Notify(
				"✅ Download finished: " + event.Title,
			); notifyErr != nil {
				logger.Error("failed to send notification", "download_id", event.ID, "err", notifyErr)
			}
		}
	}()

	go func() {
		for event := range reg.OnDownloadFailed {
			logger.Error("download failed", "download_id", event.ID, "title", event.Title, "err", event.Err)

			if notif == nil {
				continue
			}

			if notifyErr := notif.Notify(
				"❌ Download failed: " + event.Title,
			); notifyErr != nil {
				logger.Error("failed to send notification", "download_id", event.ID, "err", notifyErr)
			}
		}
	}()
}

// setupServer prepares the handlers and middleware for the http rest server.
func setupServer(ctx context.Context, reg *registry.Registry, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	dHandler := rest.NewDownloadsHandler(reg, cfg.Web.Username, cfg.Web.Password)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Handle("/metrics", tel.Handler())
	r.Mount("/", dHandler.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

func setupCleanup(ctx context.Context, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	stagingDir := cfg.StagingDir
	if stagingDir == "" {
		stagingDir = cfg.DownloadDir + "/.staging"
	}

	go func() {
		cleanupTicker := time.NewTicker(cfg.CleanupInterval)
		defer cleanupTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("cleanup goroutine shutting down.")

				return
			case <-cleanupTicker.C:
				if err := cleanup.DeleteExpiredFiles(ctx, cfg.DownloadDir, cfg.KeepDownloadedFor); err != nil {
					logger.Error("failed to delete expired files", "err", err)
				}

				if err := cleanup.DeleteStaleStaging(ctx, stagingDir, 24*time.Hour); err != nil {
					logger.Error("failed to delete stale staging files", "err", err)
				}
			}
		}
	}()
}
