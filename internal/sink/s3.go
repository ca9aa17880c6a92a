package sink

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"go.uber.org/zap"
)

// S3Store publishes objects to an S3 bucket. Uploads land on a staging key
// and are copied server-side to the target, so a partially uploaded object
// is never visible at the published key.
type S3Store struct {
	client   *s3.S3
	uploader *s3manager.Uploader
	bucket   string
	prefix   string
	logger   *zap.Logger
}

// S3Config contains S3 storage configuration
type S3Config struct {
	Region string `yaml:"region" mapstructure:"region"`
	Bucket string `yaml:"bucket" mapstructure:"bucket"`
	Prefix string `yaml:"prefix" mapstructure:"prefix"`
}

// NewS3Store creates an S3-backed object store
func NewS3Store(config *S3Config, logger *zap.Logger) (*S3Store, error) {
	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(config.Region),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &S3Store{
		client:   s3.New(sess),
		uploader: s3manager.NewUploader(sess),
		bucket:   config.Bucket,
		prefix:   strings.TrimSuffix(config.Prefix, "/"),
		logger:   logger,
	}, nil
}

// Put atomically writes the object at key.
func (s *S3Store) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	target := s.objectKey(key)
	staging := fmt.Sprintf("%s.staging-%d", target, time.Now().UnixNano())

	_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(staging),
		Body:   body,
	})
	if err != nil {
		return fmt.Errorf("failed to upload staging object: %w", err)
	}

	_, err = s.client.CopyObjectWithContext(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(target),
		CopySource: aws.String(s.bucket + "/" + staging),
	})
	if err != nil {
		s.deleteQuietly(ctx, staging)
		return fmt.Errorf("failed to publish object: %w", err)
	}

	s.deleteQuietly(ctx, staging)

	s.logger.Debug("Object published",
		zap.String("bucket", s.bucket),
		zap.String("key", target),
		zap.Int64("bytes", size))
	return nil
}

// Exists reports whether an object is visible at key.
func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && (aerr.Code() == "NotFound" || aerr.Code() == s3.ErrCodeNoSuchKey) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *S3Store) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *S3Store) deleteQuietly(ctx context.Context, key string) {
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		s.logger.Warn("Failed to remove staging object",
			zap.String("key", key),
			zap.Error(err))
	}
}
