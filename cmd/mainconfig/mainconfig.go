package mainconfig

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	appconfig "github.com/wolfman30/chatpulse/internal/config"
)

// NeedsAWS reports whether any configured component talks to AWS.
func NeedsAWS(cfg *appconfig.Config) bool {
	if cfg == nil {
		return false
	}
	return !cfg.UseMemoryQueue ||
		strings.TrimSpace(cfg.DeadLetterBucket) != "" ||
		(strings.TrimSpace(cfg.SESFromEmail) != "" && strings.TrimSpace(cfg.SendGridAPIKey) == "")
}

// LoadAWSConfig centralizes AWS SDK initialization so both binaries share the
// same LocalStack/production wiring.
func LoadAWSConfig(ctx context.Context, cfg *appconfig.Config) (aws.Config, error) {
	loaders := []func(*config.LoadOptions) error{config.WithRegion(cfg.AWSRegion)}
	if strings.TrimSpace(cfg.AWSAccessKeyID) != "" && strings.TrimSpace(cfg.AWSSecretAccessKey) != "" {
		loaders = append(loaders, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return aws.Config{}, err
	}

	if endpoint := cfg.AWSEndpointOverride; endpoint != "" {
		awsCfg.EndpointResolverWithOptions = aws.EndpointResolverWithOptionsFunc(
			func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
				switch service {
				case sqs.ServiceID, s3.ServiceID, sesv2.ServiceID:
					return aws.Endpoint{
						URL:               endpoint,
						PartitionID:       "aws",
						SigningRegion:     cfg.AWSRegion,
						HostnameImmutable: service == s3.ServiceID,
					}, nil
				default:
					return aws.Endpoint{}, &aws.EndpointNotFoundError{}
				}
			},
		)
	}

	return awsCfg, nil
}
