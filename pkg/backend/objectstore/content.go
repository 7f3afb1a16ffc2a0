package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/fruitsalade/chainfs/internal/logging"
	"github.com/fruitsalade/chainfs/internal/metrics"
	"github.com/fruitsalade/chainfs/pkg/backend"
)

// Blobs stores file content by opaque key.
type Blobs interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// ContentConfig holds S3 connection settings.
type ContentConfig struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
}

// Content is a Blobs implementation on S3 or MinIO.
type Content struct {
	client *s3.Client
	bucket string
}

// NewContent connects to the bucket, creating it if it does not exist.
func NewContent(ctx context.Context, cfg ContentConfig) (*Content, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
	})

	c := &Content{client: client, bucket: cfg.Bucket}
	if err := c.ensureBucket(ctx); err != nil {
		logging.L().Error("bucket check failed", zap.Error(err))
	}
	return c, nil
}

func (c *Content) ensureBucket(ctx context.Context) error {
	start := time.Now()
	_, err := c.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)})
	if err == nil {
		return nil
	}
	_, createErr := c.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(c.bucket)})
	if createErr != nil {
		metrics.RecordS3Operation("create_bucket", time.Since(start), false)
		return fmt.Errorf("bucket %s does not exist and cannot create: %w", c.bucket, createErr)
	}
	metrics.RecordS3Operation("create_bucket", time.Since(start), true)
	logging.L().Info("created S3 bucket", zap.String("bucket", c.bucket))
	return nil
}

// Put uploads content under key.
func (c *Content) Put(ctx context.Context, key string, data []byte, contentType string) error {
	start := time.Now()
	_, err := c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		metrics.RecordS3Operation("put_object", time.Since(start), false)
		return fmt.Errorf("put object %s: %w", key, err)
	}
	metrics.RecordS3Operation("put_object", time.Since(start), true)
	logging.L().Debug("S3 put object", zap.String("key", key), zap.Int("size", len(data)))
	return nil
}

// Open streams the object stored under key.
func (c *Content) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		metrics.RecordS3Operation("get_object", time.Since(start), false)
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("get object %s: %w", key, backend.ErrNotFound)
		}
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	metrics.RecordS3Operation("get_object", time.Since(start), true)
	return out.Body, nil
}

// Delete removes the object stored under key.
func (c *Content) Delete(ctx context.Context, key string) error {
	start := time.Now()
	_, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		metrics.RecordS3Operation("delete_object", time.Since(start), false)
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	metrics.RecordS3Operation("delete_object", time.Since(start), true)
	logging.L().Debug("S3 delete object", zap.String("key", key))
	return nil
}

var _ Blobs = (*Content)(nil)
