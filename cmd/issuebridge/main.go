package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/gorm/logger"

	"github.com/akmatori/issuebridge/internal/alerts"
	"github.com/akmatori/issuebridge/internal/alerts/adapters"
	"github.com/akmatori/issuebridge/internal/config"
	"github.com/akmatori/issuebridge/internal/database"
	"github.com/akmatori/issuebridge/internal/handlers"
	"github.com/akmatori/issuebridge/internal/jobs"
	"github.com/akmatori/issuebridge/internal/logging"
	"github.com/akmatori/issuebridge/internal/middleware"
	"github.com/akmatori/issuebridge/internal/notify"
	"github.com/akmatori/issuebridge/internal/services"
	"github.com/akmatori/issuebridge/internal/ticket"
)

func main() {
	// Load .env file if it exists (ignore error if file doesn't exist)
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}

	logging.Init(cfg.LogLevel)
	if envErr != nil {
		slog.Debug("no .env file loaded", "err", envErr)
	}
	if err := logging.InitSentry(cfg.SentryDSN, cfg.Environment, handlers.Version); err != nil {
		slog.Warn("failed to initialize sentry", "err", err)
	}
	defer logging.Flush()

	if err := run(cfg); err != nil {
		slog.Error("issue bridge stopped", "err", err)
		logging.Flush()
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	slog.Info("starting issue bridge", "version", handlers.Version, "environment", cfg.Environment)

	if cfg.AdminPassword == "" {
		return errors.New("ADMIN_PASSWORD is not set")
	}
	passwordHash, err := middleware.HashPassword(cfg.AdminPassword)
	if err != nil {
		return fmt.Errorf("failed to hash admin password: %w", err)
	}
	jwtAuth := middleware.NewJWTAuthMiddleware(middleware.JWTAuthConfig{
		AdminUsername:     cfg.AdminUsername,
		AdminPasswordHash: passwordHash,
		JWTSecret:         cfg.JWTSecret,
		TokenTTL:          time.Duration(cfg.JWTExpiryHours) * time.Hour,
		SkipPaths: []string{
			"/health",
			"/webhook/*",
			"/auth/login",
		},
	})

	if err := database.Connect(cfg.DatabaseDriver, cfg.DatabaseURL, logger.Warn); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()
	if err := database.AutoMigrate(); err != nil {
		return fmt.Errorf("failed to run database migrations: %w", err)
	}
	db := database.GetDB()

	tickets, err := ticket.New(ticket.Settings{
		Provider:      cfg.TicketProvider,
		GitLabURL:     cfg.GitLabURL,
		GitLabToken:   cfg.GitLabToken,
		GitHubURL:     cfg.GitHubURL,
		GitHubToken:   cfg.GitHubToken,
		RatePerSecond: cfg.TicketRatePerSecond,
		Burst:         cfg.TicketBurst,
	})
	if err != nil {
		return fmt.Errorf("failed to create ticket client: %w", err)
	}
	slog.Info("ticket provider configured", "provider", cfg.TicketProvider)

	var notifier notify.Notifier = notify.LogNotifier{}
	var slackNotifier *notify.SlackNotifier
	if cfg.SlackBotToken != "" {
		slackNotifier = notify.NewSlackNotifier(cfg.SlackBotToken, cfg.SlackDefaultChannel)
		notifier = slackNotifier
		slog.Info("slack notifications enabled", "default_channel", cfg.SlackDefaultChannel)
	}

	bridge, err := services.NewBridge(db, tickets, notifier, services.BridgeOptions{
		TicketTimeout:            cfg.TicketTimeout,
		DeadLetterAlertThreshold: int64(cfg.DeadLetterAlertThreshold),
	})
	if err != nil {
		return fmt.Errorf("failed to create bridge: %w", err)
	}
	if slackNotifier != nil {
		slackNotifier.SetChannelResolver(func(ctx context.Context, tenantID string) string {
			tc, err := bridge.Configs.Get(ctx, tenantID)
			if err != nil {
				return ""
			}
			return tc.NotifyChannel
		})
	}

	if cfg.SeedFile != "" {
		seed, err := config.LoadSeed(cfg.SeedFile)
		if err != nil {
			return err
		}
		if err := config.ApplySeed(context.Background(), seed, bridge.Configs, bridge.Routing); err != nil {
			return fmt.Errorf("failed to apply seed file: %w", err)
		}
		slog.Info("seed file applied", "path", cfg.SeedFile, "tenants", len(seed.Tenants))
	}

	// Background jobs
	stop := make(chan struct{})
	dispatcher := jobs.NewDispatcher(bridge, 0)
	go dispatcher.Start(cfg.PollInterval, stop)
	for i := 0; i < cfg.WorkerCount; i++ {
		go jobs.NewWorker(bridge, cfg.ClaimBatchSize).Start(cfg.PollInterval, stop)
	}
	go jobs.NewLeaseSweeper(bridge.Queue, bridge.Events, cfg.LeaseDuration).Start(cfg.SweepInterval, stop)
	slog.Info("background jobs started", "workers", cfg.WorkerCount, "batch", cfg.ClaimBatchSize,
		"poll_interval", cfg.PollInterval, "lease", cfg.LeaseDuration)

	registry := alerts.NewRegistry(adapters.NewSentryAdapter(), adapters.NewAlertmanagerAdapter())
	webhookHandler := handlers.NewWebhookHandler(bridge, registry, dispatcher.Nudge)

	mux := http.NewServeMux()
	handlers.NewHTTPHandler(db, webhookHandler).SetupRoutes(mux)
	handlers.NewAPIHandler(bridge).SetupRoutes(mux)
	handlers.NewAuthHandler(jwtAuth).SetupRoutes(mux)

	corsMiddleware := middleware.NewCORSMiddleware(cfg.CORSAllowedOrigins...)
	handler := middleware.RequestID(
		middleware.Recoverer(
			corsMiddleware.Wrap(jwtAuth.Wrap(mux)),
		),
	)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("starting HTTP server", "port", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-serverErr:
		close(stop)
		return fmt.Errorf("HTTP server error: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Warn("error shutting down HTTP server", "err", err)
	}
	// in-flight items whose lease is cut short are recovered by the next sweep
	close(stop)
	slog.Info("shutdown complete")
	return nil
}
