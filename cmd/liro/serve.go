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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/teotwaki/liro/internal/app"
	"github.com/teotwaki/liro/internal/config"
	"github.com/teotwaki/liro/internal/discord"
	"github.com/teotwaki/liro/internal/kv"
	"github.com/teotwaki/liro/internal/lichess"
	"github.com/teotwaki/liro/internal/link"
	"github.com/teotwaki/liro/internal/metrics"
	"github.com/teotwaki/liro/internal/reconcile"
	"github.com/teotwaki/liro/internal/roles"
	"github.com/teotwaki/liro/internal/store"
	"github.com/teotwaki/liro/internal/telemetry"
)

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot and the OAuth web server",
		RunE:  serveRun,
	}
}

func openStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (kv.Store, error) {
	return kv.Open(ctx, kv.Options{
		Backend:       kv.Backend(cfg.Storage),
		RedisURL:      cfg.RedisURL,
		DatabaseURL:   cfg.DatabaseURL,
		MigrationsDir: cfg.MigrationsDir,
		BadgerDir:     cfg.BadgerDir,
		Prefix:        cfg.KeyPrefix,
		Logger:        logger,
	})
}

func serveRun(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger.Info("starting", slog.String("version", version), slog.String("storage", cfg.Storage))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, programName, version, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("tracing setup failed: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown failed", slog.String("error", err.Error()))
		}
	}()

	backend, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("storage connection failed: %w", err)
	}
	defer backend.Close()
	dataStore := store.New(backend)

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New()
	m.Register(promRegistry)

	lichessClient := lichess.NewClient(lichess.Config{
		BaseURL:     cfg.LichessURL,
		ClientID:    cfg.LichessClientID,
		RedirectURL: cfg.RedirectURL(),
		APIToken:    cfg.LichessToken,
		Timeout:     cfg.CallTimeout,
		CacheTTL:    cfg.LichessCacheTTL,
	}, nil)
	discordClient := discord.NewClient(cfg.DiscordToken, cfg.DiscordAPIURL, nil)
	registry := roles.NewRegistry()

	links := link.New(dataStore, lichessClient, link.Config{
		PublicURL:   cfg.PublicURL,
		LichessURL:  lichessClient.BaseURL(),
		ClientID:    lichessClient.ClientID(),
		RedirectURL: lichessClient.RedirectURL(),
		TTL:         cfg.ChallengeTTL,
	}, m, logger)
	engine := reconcile.New(dataStore, lichessClient, discordClient, registry,
		reconcile.WithMetrics(m),
		reconcile.WithLogger(logger),
		reconcile.WithCallTimeout(cfg.CallTimeout),
	)
	service := app.New(dataStore, links, engine, discordClient, registry, logger)
	bot := app.NewBot(service, lichessClient.BaseURL(), version)
	gateway := discord.NewGateway(cfg.DiscordToken, discordClient.GatewayURL, bot, logger)

	httpServer := app.NewHTTPServer(service, promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}), cfg.DashboardTokenHash)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http listening", slog.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	gatewayDone := make(chan struct{})
	go func() {
		defer close(gatewayDone)
		if err := gateway.Run(ctx); err != nil {
			logger.Error("gateway stopped", slog.String("error", err.Error()))
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-serverErr:
		logger.Error("http server failed", slog.String("error", runErr.Error()))
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", slog.String("error", err.Error()))
	}
	select {
	case <-gatewayDone:
	case <-shutdownCtx.Done():
		logger.Warn("gateway did not stop in time")
	}
	return runErr
}
