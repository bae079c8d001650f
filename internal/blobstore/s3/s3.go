// Package s3 implements the blobstore.Backend contract against an
// S3-compatible object store (AWS S3 or MinIO).
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/gpportal/gpportal/internal/blobstore"
	"github.com/gpportal/gpportal/internal/logging"
	"github.com/gpportal/gpportal/internal/metrics"
)

// Config holds S3 connection settings.
type Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// Backend implements blobstore.Backend using S3/MinIO.
type Backend struct {
	client   *s3.Client
	bucket   string
	endpoint string
}

// New creates a new S3 backend and verifies the bucket exists,
// creating it on first run.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	resolver := aws.EndpointResolverWithOptionsFunc(
		func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:               cfg.Endpoint,
				HostnameImmutable: true,
			}, nil
		},
	)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithEndpointResolverWithOptions(resolver),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	backend := &Backend{
		client:   client,
		bucket:   cfg.Bucket,
		endpoint: strings.TrimSuffix(cfg.Endpoint, "/"),
	}

	if err := backend.ensureBucket(ctx); err != nil {
		logging.Error("bucket check failed", zap.Error(err))
	}

	return backend, nil
}

func (b *Backend) ensureBucket(ctx context.Context) error {
	start := time.Now()
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucket),
	})
	if err != nil {
		_, createErr := b.client.CreateBucket(ctx, &s3.CreateBucketInput{
			Bucket: aws.String(b.bucket),
		})
		if createErr != nil {
			metrics.RecordBlobOperation("create_bucket", time.Since(start), false)
			return fmt.Errorf("bucket %s does not exist and cannot create: %w", b.bucket, createErr)
		}
		metrics.RecordBlobOperation("create_bucket", time.Since(start), true)
		logging.Info("created S3 bucket", zap.String("bucket", b.bucket))
	}
	return nil
}

// Put uploads a payload and returns its object URL.
func (b *Backend) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error) {
	start := time.Now()

	input := &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := b.client.PutObject(ctx, input); err != nil {
		metrics.RecordBlobOperation("put_object", time.Since(start), false)
		return "", fmt.Errorf("put object %s: %w", key, err)
	}

	metrics.RecordBlobOperation("put_object", time.Since(start), true)
	logging.Debug("S3 put object",
		zap.String("key", key),
		zap.Int64("size", size),
		zap.String("content_type", contentType))

	return b.ObjectURL(key), nil
}

// Get retrieves a payload and the content type recorded at put time.
// Returns blobstore.ErrNotFound when the key is absent.
func (b *Backend) Get(ctx context.Context, key string) (io.ReadCloser, string, error) {
	start := time.Now()

	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		metrics.RecordBlobOperation("get_object", time.Since(start), false)
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, "", blobstore.ErrNotFound
		}
		return nil, "", fmt.Errorf("get object %s: %w", key, err)
	}

	metrics.RecordBlobOperation("get_object", time.Since(start), true)

	contentType := blobstore.FallbackContentType
	if result.ContentType != nil && *result.ContentType != "" {
		contentType = *result.ContentType
	}

	logging.Debug("S3 get object", zap.String("key", key), zap.String("content_type", contentType))
	return result.Body, contentType, nil
}

// Delete removes an object. S3 DeleteObject succeeds for absent keys,
// which matches the best-effort delete contract.
func (b *Backend) Delete(ctx context.Context, key string) error {
	start := time.Now()

	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		metrics.RecordBlobOperation("delete_object", time.Since(start), false)
		return fmt.Errorf("delete object %s: %w", key, err)
	}

	metrics.RecordBlobOperation("delete_object", time.Since(start), true)
	logging.Debug("S3 delete object", zap.String("key", key))
	return nil
}

// ObjectURL returns the path-style URL for a stored object.
func (b *Backend) ObjectURL(key string) string {
	return b.endpoint + "/" + b.bucket + "/" + key
}
