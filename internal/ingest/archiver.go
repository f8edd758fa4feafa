package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/wolfman30/chatpulse/internal/events"
	"github.com/wolfman30/chatpulse/pkg/logging"
)

// S3API is the subset of the S3 client used by S3Archiver.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// DeadLetter is the archived form of a permanently failed event.
type DeadLetter struct {
	Event      events.WebhookEvent `json:"event"`
	Reason     string              `json:"reason"`
	ArchivedAt time.Time           `json:"archived_at"`
}

// S3Archiver writes dead letters as JSON objects. With no bucket it does
// nothing.
type S3Archiver struct {
	bucket string
	client S3API
	logger *logging.Logger
	now    func() time.Time
}

func NewS3Archiver(client S3API, bucket string, logger *logging.Logger) *S3Archiver {
	if logger == nil {
		logger = logging.Default()
	}
	return &S3Archiver{bucket: bucket, client: client, logger: logger, now: time.Now}
}

func (a *S3Archiver) Enabled() bool {
	return a != nil && a.bucket != "" && a.client != nil
}

// DeadLetterKey returns the object key for an event archived at the given time.
func DeadLetterKey(eventID string, at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf("dead-letter/v1/by-date/%d/%02d/%02d/%s.json", at.Year(), at.Month(), at.Day(), eventID)
}

func (a *S3Archiver) Archive(ctx context.Context, ev events.WebhookEvent, reason string) error {
	if !a.Enabled() {
		return nil
	}
	record := DeadLetter{Event: ev, Reason: reason, ArchivedAt: a.now().UTC()}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("ingest: marshal dead letter: %w", err)
	}
	key := DeadLetterKey(ev.EventID, record.ArchivedAt)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("ingest: s3 put %s: %w", key, err)
	}
	a.logger.Info("archived dead letter", "event_id", ev.EventID, "s3_key", key)
	return nil
}

// Fetch reads back an archived dead letter.
func (a *S3Archiver) Fetch(ctx context.Context, key string) (*DeadLetter, error) {
	if !a.Enabled() {
		return nil, fmt.Errorf("ingest: dead-letter archive not configured")
	}
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("ingest: s3 get %s: %w", key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("ingest: read %s: %w", key, err)
	}
	var record DeadLetter
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("ingest: decode %s: %w", key, err)
	}
	return &record, nil
}
