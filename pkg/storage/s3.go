package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/aura-nvr/backend/pkg/awsclient"
)

// ObjectInfo is the subset of object metadata the pipeline reads.
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	Metadata     map[string]string
	LastModified time.Time
}

// S3 provides object operations on the video bucket.
type S3 struct {
	client    *s3.Client
	uploader  *manager.Uploader
	presigner *s3.PresignClient
	bucket    string
	logger    *zap.Logger
}

// NewS3 creates the bucket client. An endpoint override in cfg switches to
// path-style addressing for MinIO and LocalStack.
func NewS3(cfg aws.Config, bucket string, logger *zap.Logger) *S3 {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if cfg.BaseEndpoint != nil {
			o.UsePathStyle = true
		}
	})
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 8 * 1024 * 1024
		u.Concurrency = 2
	})
	logger.Info("S3 client ready", zap.String("bucket", bucket))
	return &S3{
		client:    client,
		uploader:  uploader,
		presigner: s3.NewPresignClient(client),
		bucket:    bucket,
		logger:    logger,
	}
}

// Bucket returns the bucket name.
func (s *S3) Bucket() string { return s.bucket }

// Upload streams body to key with user metadata. Large bodies use multipart upload.
func (s *S3) Upload(ctx context.Context, key string, body io.Reader, size int64, contentType string, meta map[string]string) error {
	var contentLength *int64
	if size > 0 {
		contentLength = aws.Int64(size)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentType:   aws.String(contentType),
		ContentLength: contentLength,
		Metadata:      meta,
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, awsclient.Classify(err))
	}
	return nil
}

// Head returns object metadata, or an apperr.ErrNotFound error.
func (s *S3) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("head %s: %w", key, awsclient.Classify(err))
	}
	info := &ObjectInfo{
		Key:         key,
		Size:        aws.ToInt64(out.ContentLength),
		ContentType: aws.ToString(out.ContentType),
		Metadata:    out.Metadata,
	}
	if out.LastModified != nil {
		info.LastModified = *out.LastModified
	}
	return info, nil
}

// Copy copies src to dst within the bucket, keeping metadata.
func (s *S3) Copy(ctx context.Context, src, dst string) error {
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(s.bucket),
		Key:               aws.String(dst),
		CopySource:        aws.String(copySource(s.bucket, src)),
		MetadataDirective: types.MetadataDirectiveCopy,
	})
	if err != nil {
		return fmt.Errorf("copy %s -> %s: %w", src, dst, awsclient.Classify(err))
	}
	return nil
}

// Delete removes an object. Deleting a missing key succeeds.
func (s *S3) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, awsclient.Classify(err))
	}
	return nil
}

// Sign returns a presigned GET URL valid for ttl.
func (s *S3) Sign(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = ttl
	})
	if err != nil {
		return "", fmt.Errorf("presign get: %w", err)
	}
	return req.URL, nil
}

// Ping checks the bucket is reachable without touching objects.
func (s *S3) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return fmt.Errorf("head bucket: %w", awsclient.Classify(err))
	}
	return nil
}

func copySource(bucket, key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return bucket + "/" + strings.Join(parts, "/")
}
