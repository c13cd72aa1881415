// Package upload pushes published clips to S3-compatible object storage.
//
// The uploader is an optional collaborator: it exists only when the s3
// config section is fully populated, and upload failures never disturb the
// local artifact or the render state.
package upload

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"jclipper/internal/planner"
	"jclipper/pkg/config"
)

// UploadError reports a failed push to the object store.
type UploadError struct {
	Key string
	Err error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload of %s failed: %v", e.Key, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// Uploader copies finished clips into a bucket and mints shareable links.
type Uploader struct {
	client     *s3.Client
	presigner  *s3.PresignClient
	bucket     string
	endpoint   string
	linkFormat string
	linkExpiry time.Duration
	logger     *slog.Logger
}

// New builds an uploader from a fully populated s3 config section. Callers
// gate construction on cfg.Enabled().
func New(ctx context.Context, cfg *config.S3Config, logger *slog.Logger) (*Uploader, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("s3 configuration is incomplete")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build s3 credentials: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.Endpoint)
		// Path-style addressing works with MinIO and friends, which most
		// self-hosted endpoints are.
		o.UsePathStyle = true
	})

	return &Uploader{
		client:     client,
		presigner:  s3.NewPresignClient(client),
		bucket:     cfg.Bucket,
		endpoint:   cfg.Endpoint,
		linkFormat: cfg.LinkFormat,
		linkExpiry: cfg.LinkExpiry,
		logger:     logger,
	}, nil
}

// Upload pushes a published clip into the bucket and returns a shareable
// link, presigned or basic depending on configuration. The local file is
// left in place either way.
func (u *Uploader) Upload(ctx context.Context, localPath string, format planner.Format) (string, error) {
	key := objectKey(localPath, format)

	f, err := os.Open(localPath)
	if err != nil {
		return "", &UploadError{Key: key, Err: err}
	}
	defer f.Close()

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(format.MIMEType()),
	})
	if err != nil {
		return "", &UploadError{Key: key, Err: err}
	}

	u.logger.Info("Uploaded clip", "key", key, "bucket", u.bucket)

	url, err := u.link(ctx, key)
	if err != nil {
		return "", &UploadError{Key: key, Err: err}
	}
	return url, nil
}

// link mints the shareable URL for an uploaded object.
func (u *Uploader) link(ctx context.Context, key string) (string, error) {
	if u.linkFormat == "basic" {
		return fmt.Sprintf("%s/%s/%s", strings.TrimSuffix(u.endpoint, "/"), u.bucket, key), nil
	}

	req, err := u.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(u.linkExpiry))
	if err != nil {
		return "", fmt.Errorf("failed to presign link: %w", err)
	}
	return req.URL, nil
}

// objectKey derives the bucket key for a published clip: the clip's base
// name (already filesystem-safe) as a folder, holding one video object.
func objectKey(localPath string, format planner.Format) string {
	base := filepath.Base(localPath)
	title := strings.TrimSuffix(base, filepath.Ext(base))
	return fmt.Sprintf("%s/video.%s", title, format.Extension())
}
