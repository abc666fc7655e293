// Package awsclient builds the shared AWS configuration used by the S3,
// DynamoDB and SQS adapters and classifies their errors.
package awsclient

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"go.uber.org/zap"
)

// Options holds region, credentials and an optional endpoint override.
type Options struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string // MinIO, LocalStack
}

// Load resolves an aws.Config using static credentials from opts or the
// environment, falling back to the default credential chain.
func Load(ctx context.Context, opts Options, logger *zap.Logger) (aws.Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	accessKey := opts.AccessKeyID
	secretKey := opts.SecretAccessKey
	if accessKey == "" || secretKey == "" {
		accessKey = os.Getenv("AWS_ACCESS_KEY_ID")
		secretKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}
	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(opts.Region),
	}
	if accessKey != "" && secretKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKey, secretKey, "",
		)))
		logger.Info("AWS clients using static credentials", zap.String("region", opts.Region))
	} else {
		logger.Warn("AWS clients using default credential chain (AWS_ACCESS_KEY_ID/AWS_SECRET_ACCESS_KEY not set)")
	}
	if opts.Endpoint != "" {
		loadOpts = append(loadOpts, config.WithBaseEndpoint(opts.Endpoint))
		logger.Info("AWS endpoint override", zap.String("endpoint", opts.Endpoint))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return cfg, nil
}
