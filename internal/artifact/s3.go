// Package artifact stores recordings and screenshots in an S3-compatible
// bucket. Only object keys travel through the control plane; bytes go
// straight from the agent to the bucket and back out via signed URLs.
package artifact

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/oriys/usher/internal/config"
	"github.com/oriys/usher/internal/domain"
)

// DefaultSignedURLTTL bounds how long a download link stays valid.
const DefaultSignedURLTTL = 15 * time.Minute

// Store wraps one bucket.
type Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
}

// New builds a Store from the artifact config. Static credentials and a
// custom endpoint support MinIO-style local setups; with neither set the
// default AWS chain applies.
func New(ctx context.Context, cfg config.ArtifactConfig) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("artifact bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
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

	return &Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
	}, nil
}

// Put uploads one object.
func (s *Store) Put(ctx context.Context, key, contentType string, body io.Reader) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// SignedURL returns a presigned GET link for the object.
func (s *Store) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultSignedURLTTL
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return req.URL, nil
}

// RecordingKey derives the object key for a finished call recording.
func RecordingKey(platform domain.MeetingPlatform, ext string) string {
	if ext == "" {
		ext = "mp4"
	}
	return fmt.Sprintf("recordings/%s-%s-recording.%s", uuid.NewString(), platform, ext)
}

// ScreenshotKey derives the object key for a diagnostic capture.
func ScreenshotKey(botID int64, shotType string, capturedAt time.Time) string {
	return fmt.Sprintf("bots/%d/screenshots/%s-%s-%d.png",
		botID, uuid.NewString(), shotType, capturedAt.UnixMilli())
}
