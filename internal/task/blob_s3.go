package task

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config configures the S3-compatible artifact blob store.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string // optional: MinIO / R2 / localstack
	Prefix    string // key prefix, e.g. "artifacts/"
	AccessKey string // optional static credentials
	SecretKey string
}

// S3BlobStore offloads large artifact payloads to S3-compatible object
// storage. Artifact parts above the handler's inline threshold are replaced
// by file parts pointing at the uploaded object.
type S3BlobStore struct {
	cfg      S3Config
	client   *s3.Client
	uploader *manager.Uploader
}

// NewS3BlobStore builds the client from the default AWS config chain,
// overridden by static credentials and a custom endpoint when provided.
func NewS3BlobStore(ctx context.Context, cfg S3Config) (*S3BlobStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	slog.Info("artifact blob store ready", "bucket", cfg.Bucket, "endpoint", cfg.Endpoint)
	return &S3BlobStore{
		cfg:      cfg,
		client:   client,
		uploader: manager.NewUploader(client),
	}, nil
}

// Put uploads data under the configured prefix and returns an s3:// URI.
func (b *S3BlobStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	fullKey := b.cfg.Prefix + key
	_, err := b.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.cfg.Bucket),
		Key:         aws.String(fullKey),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", b.cfg.Bucket, fullKey), nil
}
