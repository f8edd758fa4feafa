package bootstrap

import (
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/chatpulse/internal/chat"
	appconfig "github.com/wolfman30/chatpulse/internal/config"
	"github.com/wolfman30/chatpulse/internal/events"
	"github.com/wolfman30/chatpulse/internal/ingest"
	"github.com/wolfman30/chatpulse/internal/observability/metrics"
	"github.com/wolfman30/chatpulse/internal/responsetime"
	"github.com/wolfman30/chatpulse/internal/stats"
	"github.com/wolfman30/chatpulse/pkg/logging"
)

// Backends are the shared connections a pipeline is built on. Nil fields
// select the in-memory implementation for that concern.
type Backends struct {
	Pool       *pgxpool.Pool
	SQLDB      *sql.DB
	Redis      *redis.Client
	Registerer prometheus.Registerer
}

// Pipeline holds the wired ingest and read side.
type Pipeline struct {
	Events        events.Store
	Repo          chat.Repository
	Conversations ingest.OpenConversationLister
	States        responsetime.StateStore
	Turns         responsetime.TurnStore
	Tracker       *responsetime.Tracker
	Coordinator   *ingest.Coordinator
	Aggregator    *stats.Aggregator
	Metrics       *metrics.IngestionMetrics
}

// BuildPipeline wires stores, tracker, coordinator and aggregator from cfg.
// Postgres is used when a pool is supplied and Redis holds conversation state
// when a client is supplied.
func BuildPipeline(cfg *appconfig.Config, b Backends, logger *logging.Logger) (*Pipeline, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if b.Pool != nil && b.SQLDB == nil {
		return nil, fmt.Errorf("bootstrap: postgres mode needs a sql db for the stats reader")
	}

	p := &Pipeline{Metrics: metrics.NewIngestionMetrics(b.Registerer)}

	var reader stats.Reader
	if b.Pool != nil {
		repo := chat.NewPostgresRepository(b.Pool)
		p.Events = events.NewPostgresStore(b.Pool).WithTimeout(cfg.StoreTimeout)
		p.Repo = repo
		p.Conversations = repo
		p.Turns = responsetime.NewPostgresTurnStore(b.Pool)
		reader = stats.NewSQLReader(b.SQLDB)
		logger.Info("using postgres stores")
	} else {
		repo := chat.NewMemoryRepository()
		turns := responsetime.NewMemoryTurnStore()
		p.Events = events.NewMemoryStore()
		p.Repo = repo
		p.Conversations = repo
		p.Turns = turns
		reader = stats.NewMemoryReader(turns, repo)
		logger.Warn("using in-memory stores; data is lost on restart")
	}

	if b.Redis != nil {
		p.States = responsetime.NewRedisStateStore(b.Redis)
		logger.Info("using redis conversation state")
	} else {
		p.States = responsetime.NewMemoryStateStore()
	}

	thresholds := responsetime.Thresholds{
		VeryFast: cfg.BucketVeryFast,
		Fast:     cfg.BucketFast,
		Normal:   cfg.BucketNormal,
		Slow:     cfg.BucketSlow,
	}
	if err := thresholds.Validate(); err != nil {
		return nil, fmt.Errorf("bootstrap: response buckets: %w", err)
	}

	p.Tracker = responsetime.NewTracker(p.States, p.Turns, logger).
		WithThresholds(thresholds).
		WithTolerance(cfg.OrderingTolerance).
		WithMetrics(p.Metrics)

	p.Coordinator = ingest.NewCoordinator(p.Events, p.Repo, p.Tracker, logger).
		WithProcessingTimeout(cfg.ProcessingTimeout).
		WithStoreTimeout(cfg.StoreTimeout).
		WithMetrics(p.Metrics)

	p.Aggregator = stats.NewAggregator(reader, p.States, logger).
		WithUrgencyPolicy(stats.UrgencyPolicy{
			Urgent:   cfg.PendingUrgentAfter,
			Critical: cfg.PendingCriticalAfter,
		})

	return p, nil
}

// NewSweeper returns the retry sweep for this pipeline.
func (p *Pipeline) NewSweeper(cfg *appconfig.Config, archiver ingest.DeadLetterArchiver, logger *logging.Logger) *ingest.Sweeper {
	s := ingest.NewSweeper(p.Events, p.Coordinator, logger).
		WithInterval(cfg.SweepInterval).
		WithBatchSize(cfg.SweepBatchSize).
		WithMaxRetries(cfg.SweepMaxRetries).
		WithMinAge(cfg.ProcessingTimeout).
		WithMetrics(p.Metrics)
	if archiver != nil {
		s = s.WithArchiver(archiver)
	}
	return s
}
