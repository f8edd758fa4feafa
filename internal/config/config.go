package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port           string
	Env            string
	LogLevel       string
	DatabaseURL    string
	UseMemoryStore bool
	UseMemoryQueue bool
	WorkerCount    int

	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string
	IngestQueueURL      string
	DeadLetterBucket    string

	AdminJWTSecret     string
	CORSAllowedOrigins []string

	// Processing budgets
	StoreTimeout      time.Duration
	ProcessingTimeout time.Duration
	OrderingTolerance time.Duration

	// Response-time bucket upper bounds
	BucketVeryFast time.Duration
	BucketFast     time.Duration
	BucketNormal   time.Duration
	BucketSlow     time.Duration

	// Pending urgency thresholds
	PendingUrgentAfter   time.Duration
	PendingCriticalAfter time.Duration

	// Retry sweep
	SweepInterval   time.Duration
	SweepBatchSize  int
	SweepMaxRetries int

	// Stalled conversation alerts
	AlertInterval     time.Duration
	AlertEmailTo      string
	SendGridAPIKey    string
	SendGridFromEmail string
	SendGridFromName  string
	SESFromEmail      string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:           getEnv("PORT", "8080"),
		Env:            getEnv("ENV", "development"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		UseMemoryStore: getEnvAsBool("USE_MEMORY_STORE", false),
		UseMemoryQueue: getEnvAsBool("USE_MEMORY_QUEUE", true),
		WorkerCount:    getEnvAsInt("WORKER_COUNT", 4),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),
		IngestQueueURL:      getEnv("INGEST_QUEUE_URL", ""),
		DeadLetterBucket:    getEnv("DEAD_LETTER_BUCKET", ""),

		AdminJWTSecret:     getEnv("ADMIN_JWT_SECRET", ""),
		CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS"),

		StoreTimeout:      getEnvAsDuration("STORE_TIMEOUT", 5*time.Second),
		ProcessingTimeout: getEnvAsDuration("PROCESSING_TIMEOUT", 15*time.Second),
		OrderingTolerance: getEnvAsDuration("ORDERING_TOLERANCE", 5*time.Second),

		BucketVeryFast: getEnvAsDuration("RESPONSE_BUCKET_VERY_FAST", 2*time.Minute),
		BucketFast:     getEnvAsDuration("RESPONSE_BUCKET_FAST", 5*time.Minute),
		BucketNormal:   getEnvAsDuration("RESPONSE_BUCKET_NORMAL", 15*time.Minute),
		BucketSlow:     getEnvAsDuration("RESPONSE_BUCKET_SLOW", time.Hour),

		PendingUrgentAfter:   time.Duration(getEnvAsInt("PENDING_URGENT_MINUTES", 15)) * time.Minute,
		PendingCriticalAfter: time.Duration(getEnvAsInt("PENDING_CRITICAL_MINUTES", 60)) * time.Minute,

		SweepInterval:   getEnvAsDuration("SWEEP_INTERVAL", time.Minute),
		SweepBatchSize:  getEnvAsInt("SWEEP_BATCH_SIZE", 50),
		SweepMaxRetries: getEnvAsInt("SWEEP_MAX_RETRIES", 5),

		AlertInterval:     getEnvAsDuration("ALERT_INTERVAL", 5*time.Minute),
		AlertEmailTo:      getEnv("ALERT_EMAIL_TO", ""),
		SendGridAPIKey:    getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail: getEnv("SENDGRID_FROM_EMAIL", ""),
		SendGridFromName:  getEnv("SENDGRID_FROM_NAME", "ChatPulse Alerts"),
		SESFromEmail:      getEnv("SES_FROM_EMAIL", ""),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsDuration accepts Go durations ("90s") or a bare number of seconds.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := strings.TrimSpace(getEnv(key, ""))
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvAsList(key string) []string {
	raw := strings.TrimSpace(getEnv(key, ""))
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
