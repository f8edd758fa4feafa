package bootstrap

import (
	"context"
	"crypto/tls"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/wolfman30/chatpulse/internal/config"
	"github.com/wolfman30/chatpulse/pkg/logging"
)

// BuildRedisClient returns a configured Redis client or nil when disabled.
// When verify is true, a ping is issued and failures return nil.
func BuildRedisClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, verify bool) *redis.Client {
	if cfg == nil || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	opts := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(opts)
	if !verify {
		return client
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available, falling back to in-memory state", "error", err)
		_ = client.Close()
		return nil
	}
	return client
}

// RequireSharedState rejects split deployments without Redis. With SQS the
// API and every ingest worker are separate processes, and in-process
// conversation state would give each its own pending set.
func RequireSharedState(cfg *appconfig.Config, redisClient *redis.Client) error {
	if cfg == nil || cfg.UseMemoryQueue || redisClient != nil {
		return nil
	}
	return fmt.Errorf("bootstrap: a reachable REDIS_ADDR is required when USE_MEMORY_QUEUE=false")
}

// BuildPostgresPool opens and pings the pgx pool used by the write path.
// It returns nil when the memory store is selected.
func BuildPostgresPool(ctx context.Context, cfg *appconfig.Config) (*pgxpool.Pool, error) {
	if useMemoryStore(cfg) {
		return nil, nil
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: parse database url: %w", err)
	}
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: open pgx pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("bootstrap: ping database: %w", err)
	}
	return pool, nil
}

// BuildSQLDB opens the database/sql handle the stats reader queries through.
// It returns nil when the memory store is selected.
func BuildSQLDB(ctx context.Context, cfg *appconfig.Config) (*sql.DB, error) {
	if useMemoryStore(cfg) {
		return nil, nil
	}
	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: open sql db: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: ping sql db: %w", err)
	}
	return db, nil
}

func useMemoryStore(cfg *appconfig.Config) bool {
	return cfg == nil || cfg.UseMemoryStore || strings.TrimSpace(cfg.DatabaseURL) == ""
}
