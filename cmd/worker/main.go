// Command worker starts a job queue worker process.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	rediscache "github.com/relayq/relayq/internal/adapter/cache/redis"
	"github.com/relayq/relayq/internal/adapter/observability"
	"github.com/relayq/relayq/internal/adapter/queue/rabbitmq"
	"github.com/relayq/relayq/internal/adapter/repo/postgres"
	"github.com/relayq/relayq/internal/config"
	"github.com/relayq/relayq/internal/domain"
	"github.com/relayq/relayq/internal/worker"
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

	workerID := cfg.WorkerID
	if workerID == "" {
		host, _ := os.Hostname()
		workerID = fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
	}
	logger = logger.With(slog.String("worker_id", workerID))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

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
	rt := worker.NewRuntime(workerID, store, broker, cache, worker.NewRegistry(), logger)

	go rt.HeartbeatLoop(ctx)

	// Metrics endpoint on a side port; the consumer owns the main goroutine.
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", slog.Any("error", err))
		}
	}()

	slog.Info("worker starting",
		slog.Int("prefetch", cfg.WorkerPrefetchCount),
		slog.Int("concurrency", cfg.WorkerConcurrency))
	if err := broker.Consume(ctx, cfg.WorkerPrefetchCount, cfg.WorkerConcurrency, rt.HandleDelivery); err != nil {
		slog.Error("consume failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("worker stopped")
}
