// Command api starts the job queue REST API server.
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

	rediscache "github.com/relayq/relayq/internal/adapter/cache/redis"
	httpserver "github.com/relayq/relayq/internal/adapter/httpserver"
	"github.com/relayq/relayq/internal/adapter/observability"
	"github.com/relayq/relayq/internal/adapter/queue/rabbitmq"
	"github.com/relayq/relayq/internal/adapter/repo/postgres"
	"github.com/relayq/relayq/internal/app"
	"github.com/relayq/relayq/internal/config"
	"github.com/relayq/relayq/internal/domain"
	"github.com/relayq/relayq/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.Migrate(ctx, pool); err != nil {
		slog.Error("migrations failed", slog.Any("error", err))
		os.Exit(1)
	}

	broker, err := rabbitmq.NewClient(ctx, cfg.BrokerURL, logger)
	if err != nil {
		slog.Error("broker connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = broker.Close() }()

	cache, err := rediscache.New(cfg.CacheURL, cfg.StatusCacheTTL)
	if err != nil {
		slog.Error("cache connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = cache.Close() }()

	policy := domain.DefaultRetryPolicy()
	policy.Defaults.MaxRetries = cfg.DefaultMaxRetries
	policy.Defaults.BaseDelay = cfg.DefaultRetryBaseDelay
	policy.Defaults.MaxDelay = cfg.DefaultRetryMaxDelay

	store := postgres.NewStore(pool, policy)

	jobSvc := usecase.NewJobService(store, broker, cache, policy, logger)
	dlSvc := usecase.NewDeadLetterService(store, broker, cache, logger)
	schedSvc := usecase.NewScheduleService(store)

	dbCheck := func(ctx context.Context) error { return pool.Ping(ctx) }
	srv := httpserver.NewServer(cfg, jobSvc, dlSvc, schedSvc, dbCheck, cache.Ping, broker.Ping)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
