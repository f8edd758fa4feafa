package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/chatpulse/cmd/mainconfig"
	"github.com/wolfman30/chatpulse/internal/app/bootstrap"
	appconfig "github.com/wolfman30/chatpulse/internal/config"
	"github.com/wolfman30/chatpulse/internal/ingest"
	"github.com/wolfman30/chatpulse/pkg/logging"
)

func main() {
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel).With("component", "ingest-worker")

	if cfg.UseMemoryQueue {
		logger.Error("ingest worker needs USE_MEMORY_QUEUE=false and an SQS queue")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	awsConfig, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}

	pool, err := bootstrap.BuildPostgresPool(ctx, cfg)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	if pool == nil {
		logger.Error("ingest worker needs DATABASE_URL; the memory store is not shared with the API")
		os.Exit(1)
	}
	defer pool.Close()

	sqlDB, err := bootstrap.BuildSQLDB(ctx, cfg)
	if err != nil {
		logger.Error("failed to open stats database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = sqlDB.Close() }()

	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	if err := bootstrap.RequireSharedState(cfg, redisClient); err != nil {
		logger.Error("ingest worker needs shared conversation state", "error", err)
		os.Exit(1)
	}
	defer func() { _ = redisClient.Close() }()

	registry := prometheus.NewRegistry()
	pipeline, err := bootstrap.BuildPipeline(cfg, bootstrap.Backends{
		Pool:       pool,
		SQLDB:      sqlDB,
		Redis:      redisClient,
		Registerer: registry,
	}, logger)
	if err != nil {
		logger.Error("failed to build pipeline", "error", err)
		os.Exit(1)
	}
	queue, err := bootstrap.BuildQueue(cfg, &awsConfig)
	if err != nil {
		logger.Error("failed to build queue", "error", err)
		os.Exit(1)
	}

	worker := ingest.NewWorker(queue, pipeline.Coordinator, logger).
		WithWorkerCount(cfg.WorkerCount)
	sweeper := pipeline.NewSweeper(cfg, bootstrap.BuildArchiver(cfg, &awsConfig, logger), logger)
	alerter := bootstrap.BuildAlerter(cfg, pipeline,
		bootstrap.BuildEmailSender(cfg, &awsConfig, logger), redisClient, logger)

	worker.Start(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		alerter.Run(ctx)
	}()

	metricsSrv := serveMetrics(cfg, registry, logger)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down ingest worker...")
	cancel()

	doneCtx, doneCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer doneCancel()
	_ = metricsSrv.Shutdown(doneCtx)

	waitCh := make(chan struct{})
	go func() {
		worker.Wait()
		wg.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		logger.Info("ingest worker stopped")
	case <-doneCtx.Done():
		logger.Error("ingest worker shutdown timed out", "error", doneCtx.Err())
	}
}

// serveMetrics exposes the worker's registry on PORT so the sweep and
// processing counters can be scraped.
func serveMetrics(cfg *appconfig.Config, registry *prometheus.Registry, logger *logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()
	return srv
}
