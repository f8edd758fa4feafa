package bootstrap

import (
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/chatpulse/internal/alerts"
	appconfig "github.com/wolfman30/chatpulse/internal/config"
	"github.com/wolfman30/chatpulse/internal/ingest"
	"github.com/wolfman30/chatpulse/internal/notify"
	"github.com/wolfman30/chatpulse/pkg/logging"
)

const memoryQueueBuffer = 1024

// BuildQueue returns the in-process queue or the SQS queue named in cfg.
// awsCfg is only consulted in SQS mode.
func BuildQueue(cfg *appconfig.Config, awsCfg *aws.Config) (ingest.Queue, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if cfg.UseMemoryQueue {
		return ingest.NewMemoryQueue(memoryQueueBuffer), nil
	}
	url := strings.TrimSpace(cfg.IngestQueueURL)
	if url == "" {
		return nil, fmt.Errorf("bootstrap: INGEST_QUEUE_URL is required when USE_MEMORY_QUEUE=false")
	}
	if awsCfg == nil {
		return nil, fmt.Errorf("bootstrap: aws config is required for sqs")
	}
	return ingest.NewSQSQueue(sqs.NewFromConfig(*awsCfg), url), nil
}

// BuildEmailSender prefers SendGrid, then SES, and falls back to logging the
// message so alerting stays observable in development.
func BuildEmailSender(cfg *appconfig.Config, awsCfg *aws.Config, logger *logging.Logger) notify.EmailSender {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg == nil {
		return notify.NewLogSender(logger)
	}
	if sender := notify.NewSendGridSender(notify.SendGridConfig{
		APIKey:    cfg.SendGridAPIKey,
		FromEmail: cfg.SendGridFromEmail,
		FromName:  cfg.SendGridFromName,
	}, logger); sender != nil {
		logger.Info("alert email via sendgrid")
		return sender
	}
	if strings.TrimSpace(cfg.SESFromEmail) != "" && awsCfg != nil {
		if sender := notify.NewSESSender(sesv2.NewFromConfig(*awsCfg), notify.SESConfig{
			FromEmail: cfg.SESFromEmail,
			FromName:  cfg.SendGridFromName,
		}, logger); sender != nil {
			logger.Info("alert email via ses")
			return sender
		}
	}
	logger.Warn("no email provider configured; alerts are logged only")
	return notify.NewLogSender(logger)
}

// BuildArchiver returns the S3 dead-letter archiver, or nil when no bucket is
// configured.
func BuildArchiver(cfg *appconfig.Config, awsCfg *aws.Config, logger *logging.Logger) ingest.DeadLetterArchiver {
	if cfg == nil || strings.TrimSpace(cfg.DeadLetterBucket) == "" || awsCfg == nil {
		return nil
	}
	client := s3.NewFromConfig(*awsCfg, func(o *s3.Options) {
		// LocalStack serves buckets on the path, not a subdomain.
		o.UsePathStyle = cfg.AWSEndpointOverride != ""
	})
	return ingest.NewS3Archiver(client, cfg.DeadLetterBucket, logger)
}

// BuildAlerter wires the stalled-conversation alerter. Redis, when present,
// dedupes alerts across replicas.
func BuildAlerter(cfg *appconfig.Config, p *Pipeline, sender notify.EmailSender, redisClient *redis.Client, logger *logging.Logger) *alerts.Alerter {
	var marker alerts.Marker
	if redisClient != nil {
		marker = alerts.NewRedisMarker(redisClient)
	}
	return alerts.NewAlerter(p.Aggregator, sender, marker, logger).
		WithRecipients(strings.Split(cfg.AlertEmailTo, ",")...).
		WithInterval(cfg.AlertInterval).
		WithMetrics(p.Metrics)
}
