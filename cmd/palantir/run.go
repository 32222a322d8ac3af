package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/dnscache"

	"github.com/eugener/palantir/internal/app"
	"github.com/eugener/palantir/internal/auth"
	"github.com/eugener/palantir/internal/config"
	"github.com/eugener/palantir/internal/server"
	"github.com/eugener/palantir/internal/storage/sqlite"
	"github.com/eugener/palantir/internal/telemetry"
	"github.com/eugener/palantir/internal/token"
	"github.com/eugener/palantir/internal/tokencount"
	"github.com/eugener/palantir/internal/upstream"
	"github.com/eugener/palantir/internal/upstream/codewhisperer"
	"github.com/eugener/palantir/internal/upstream/gemini"
	"github.com/eugener/palantir/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting palantir", "version", version, "addr", cfg.Server.Addr)

	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := config.Bootstrap(ctx, cfg, store); err != nil {
		return err
	}

	// Tracing
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				slog.Warn("tracing shutdown", "error", err)
			}
		}()
	}

	// Shared upstream HTTP client with DNS caching.
	resolver := &dnscache.Resolver{}
	go refreshDNS(ctx, resolver)
	httpClient := &http.Client{Transport: upstream.NewTransport(resolver)}

	cwClient := codewhisperer.New(cfg.Upstreams.CodeWhisperer.Endpoint, httpClient)
	cwClient.DefaultProfileARN = cfg.Upstreams.CodeWhisperer.ProfileARN
	geminiClient := gemini.New(cfg.Upstreams.Gemini.Endpoint, httpClient)

	// Services
	tokens := token.NewManager(store, httpClient)
	routerSvc := app.NewRouterService(store)
	counter := tokencount.NewCounter(cfg.Tokens.ZeroInputModels)
	proxySvc := app.NewProxyService(routerSvc, tokens, store, cwClient, geminiClient).WithTokenCounter(counter)
	accountSvc := app.NewAccountService(store, tokens, routerSvc, geminiClient, httpClient)

	deps := server.Deps{
		Auth:              auth.NewSharedKey(cfg.Auth.APIKey),
		AdminAuth:         auth.NewSharedKey(cfg.Auth.AdminKey),
		Proxy:             proxySvc,
		Accounts:          accountSvc,
		ReadyCheck:        store.Ping,
		TokenCounter:      counter,
		OAuthClientID:     cfg.Upstreams.Gemini.OAuthClientID,
		OAuthClientSecret: cfg.Upstreams.Gemini.OAuthClientSecret,
		OAuthRedirectURI:  cfg.Upstreams.Gemini.OAuthRedirectURI,
	}
	if cfg.Telemetry.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		metrics := telemetry.NewMetrics(reg)
		proxySvc.WithMetrics(metrics)
		deps.Telemetry = metrics
		deps.Metrics = telemetry.Handler(reg)
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      server.New(deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Background workers
	workers := []worker.Worker{}
	workers = append(workers, worker.NewQuotaSyncWorker(accountSvc, cfg.Workers.QuotaSyncInterval))
	if cfg.Workers.QuotaRestore {
		workers = append(workers, worker.NewQuotaRestoreWorker(store))
	}
	if cfg.Workers.TokenWarm {
		workers = append(workers, worker.NewTokenRefreshWorker(store, tokens))
	}
	runner := worker.NewRunner(workers...)
	workerErr := make(chan error, 1)
	go func() { workerErr <- runner.Run(ctx) }()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("palantir ready", "addr", cfg.Server.Addr)

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		return err
	case err := <-workerErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	slog.Info("palantir stopped")
	return nil
}

// refreshDNS re-resolves cached entries so pooled connections do not pin
// stale upstream addresses across DNS failovers.
func refreshDNS(ctx context.Context, resolver *dnscache.Resolver) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			resolver.Refresh(true)
		case <-ctx.Done():
			return
		}
	}
}
