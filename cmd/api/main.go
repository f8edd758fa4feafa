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

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/chatpulse/cmd/mainconfig"
	"github.com/wolfman30/chatpulse/internal/api/router"
	"github.com/wolfman30/chatpulse/internal/app/bootstrap"
	appconfig "github.com/wolfman30/chatpulse/internal/config"
	"github.com/wolfman30/chatpulse/internal/http/handlers"
	"github.com/wolfman30/chatpulse/internal/ingest"
	"github.com/wolfman30/chatpulse/pkg/logging"
)

const rebuildLimit = 10000

func main() {
	// A local .env is optional; real deployments set the environment.
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting chatpulse API server",
		"env", cfg.Env,
		"port", cfg.Port,
		"memory_store", cfg.UseMemoryStore,
		"memory_queue", cfg.UseMemoryQueue,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry, metricsHandler := setupMetrics()

	pool, err := bootstrap.BuildPostgresPool(ctx, cfg)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	if pool != nil {
		defer pool.Close()
	}
	sqlDB, err := bootstrap.BuildSQLDB(ctx, cfg)
	if err != nil {
		logger.Error("failed to open stats database", "error", err)
		os.Exit(1)
	}
	if sqlDB != nil {
		defer func() { _ = sqlDB.Close() }()
	}
	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

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

	var awsCfg *aws.Config
	if mainconfig.NeedsAWS(cfg) {
		loaded, err := mainconfig.LoadAWSConfig(ctx, cfg)
		if err != nil {
			logger.Error("failed to load AWS config", "error", err)
			os.Exit(1)
		}
		awsCfg = &loaded
	}

	// Conversation state held in process is empty after a restart.
	if pool != nil && redisClient == nil {
		if _, err := pipeline.Coordinator.RebuildOpen(ctx, pipeline.Conversations, rebuildLimit); err != nil {
			logger.Warn("open conversation rebuild failed", "error", err)
		}
	}

	var background sync.WaitGroup
	if err := startBackground(ctx, &background, cfg, pipeline, awsCfg, redisClient, logger); err != nil {
		logger.Error("failed to start background processing", "error", err)
		os.Exit(1)
	}

	r := router.New(&router.Config{
		Logger:             logger,
		ChatWebhook:        handlers.NewChatWebhookHandler(pipeline.Coordinator, logger),
		ResponseTimes:      handlers.NewResponseTimeHandler(pipeline.Aggregator, pipeline.Events, logger),
		Health:             handlers.Health(healthChecks(pool, redisClient)...),
		MetricsHandler:     metricsHandler,
		MetricsSnapshot:    handlers.MetricsSnapshot(registry, "chatpulse_"),
		AdminAuthSecret:    cfg.AdminJWTSecret,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})
	if cfg.AdminJWTSecret == "" {
		logger.Warn("ADMIN_JWT_SECRET not set; admin read API disabled")
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	cancel()

	done := make(chan struct{})
	go func() {
		background.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("server stopped")
	case <-shutdownCtx.Done():
		logger.Error("background shutdown timed out", "error", shutdownCtx.Err())
	}
}

// setupMetrics returns a dedicated registry with runtime collectors and the
// handler that exposes it.
func setupMetrics() (*prometheus.Registry, http.Handler) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry, promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}

func healthChecks(pool *pgxpool.Pool, redisClient *redis.Client) []handlers.HealthCheck {
	var checks []handlers.HealthCheck
	if pool != nil {
		checks = append(checks, handlers.HealthCheck{Name: "postgres", Check: pool.Ping})
	}
	if redisClient != nil {
		checks = append(checks, handlers.HealthCheck{Name: "redis", Check: func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}})
	}
	return checks
}

// startBackground picks the processing mode. With the in-process queue the
// API also runs the workers, the retry sweep and the alerter. With SQS it
// only enqueues and the ingest worker binary does the rest, which needs Redis
// for shared conversation state. A worker count of zero processes inline on
// the request.
func startBackground(ctx context.Context, wg *sync.WaitGroup, cfg *appconfig.Config, p *bootstrap.Pipeline, awsCfg *aws.Config, redisClient *redis.Client, logger *logging.Logger) error {
	if err := bootstrap.RequireSharedState(cfg, redisClient); err != nil {
		return err
	}
	if !cfg.UseMemoryQueue {
		queue, err := bootstrap.BuildQueue(cfg, awsCfg)
		if err != nil {
			return err
		}
		p.Coordinator.WithDispatcher(ingest.NewQueueDispatcher(queue))
		logger.Info("dispatching webhook events to sqs", "queue_url", cfg.IngestQueueURL)
		return nil
	}

	if cfg.WorkerCount > 0 {
		queue, err := bootstrap.BuildQueue(cfg, awsCfg)
		if err != nil {
			return err
		}
		p.Coordinator.WithDispatcher(ingest.NewQueueDispatcher(queue))
		worker := ingest.NewWorker(queue, p.Coordinator, logger).WithWorkerCount(cfg.WorkerCount)
		worker.Start(ctx)
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker.Wait()
		}()
	}

	sweeper := p.NewSweeper(cfg, bootstrap.BuildArchiver(cfg, awsCfg, logger), logger)
	sender := bootstrap.BuildEmailSender(cfg, awsCfg, logger)
	alerter := bootstrap.BuildAlerter(cfg, p, sender, redisClient, logger)

	wg.Add(2)
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		alerter.Run(ctx)
	}()
	return nil
}
