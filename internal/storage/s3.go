package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// S3Storage archives objects to AWS S3 or an S3-compatible store.
type S3Storage struct {
	client  *s3.Client
	bucket  string
	cfg     S3Config
	backoff time.Duration
	logger  *zap.Logger
}

// S3Config holds configuration for S3 storage.
type S3Config struct {
	// Region is the AWS region for the S3 bucket.
	Region string
	// Endpoint is an optional custom endpoint (for MinIO, LocalStack, etc.).
	Endpoint string
	// UsePathStyle enables path-style addressing (required for MinIO).
	UsePathStyle bool
	// MaxRetries bounds the retries of each request (default 3).
	MaxRetries int
	// MultipartConfig holds multipart upload settings.
	MultipartConfig MultipartUploadConfig
}

// DefaultS3Config returns the default S3 configuration.
func DefaultS3Config() S3Config {
	return S3Config{
		Region:          "us-east-1",
		MaxRetries:      3,
		MultipartConfig: DefaultMultipartConfig(),
	}
}

// NewS3Storage loads the default AWS credential chain and creates a client
// for bucket.
func NewS3Storage(ctx context.Context, bucket string, cfg S3Config, logger *zap.Logger) (*S3Storage, error) {
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	var loadOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewS3StorageWithClient(client, bucket, cfg, logger), nil
}

// NewS3StorageWithClient wraps a pre-configured client.
func NewS3StorageWithClient(client *s3.Client, bucket string, cfg S3Config, logger *zap.Logger) *S3Storage {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.MultipartConfig.PartSize <= 0 {
		cfg.MultipartConfig.PartSize = DefaultMultipartConfig().PartSize
	}
	if cfg.MultipartConfig.Concurrency <= 0 {
		cfg.MultipartConfig.Concurrency = DefaultMultipartConfig().Concurrency
	}
	return &S3Storage{
		client:  client,
		bucket:  bucket,
		cfg:     cfg,
		backoff: 100 * time.Millisecond,
		logger:  logger.Named("s3").With(zap.String("bucket", bucket)),
	}
}

// Upload puts a local file as a single object.
func (s *S3Storage) Upload(ctx context.Context, localPath, objectPath string) error {
	if _, err := s.put(ctx, localPath, objectPath); err != nil {
		return uploadError(objectPath, err)
	}
	return nil
}

// put uploads the whole file in one request and returns the ETag.
func (s *S3Storage) put(ctx context.Context, localPath, objectPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var etag string
	err = s.retry(ctx, "put", objectPath, func() error {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return err
		}
		out, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectPath),
			Body:   f,
		})
		if err != nil {
			return err
		}
		etag = aws.ToString(out.ETag)
		return nil
	})
	return etag, err
}

// UploadMultipart uploads a sealed segment or snapshot and returns its
// ETag. Files up to one part go up in a single request; larger files are
// split into parts uploaded concurrently.
func (s *S3Storage) UploadMultipart(ctx context.Context, localPath, objectPath string) (string, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return "", uploadError(objectPath, err)
	}
	if info.Size() <= s.cfg.MultipartConfig.PartSize {
		etag, err := s.put(ctx, localPath, objectPath)
		if err != nil {
			return "", uploadError(objectPath, err)
		}
		return etag, nil
	}

	var etag string
	err = s.retry(ctx, "multipart", objectPath, func() error {
		var uerr error
		etag, uerr = s.multipart(ctx, localPath, info.Size(), objectPath)
		return uerr
	})
	if err != nil {
		return "", uploadError(objectPath, err)
	}
	return etag, nil
}

// multipart runs one complete multipart upload attempt. A failed attempt
// is aborted so no orphaned parts are billed.
func (s *S3Storage) multipart(ctx context.Context, localPath string, size int64, objectPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	created, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectPath),
	})
	if err != nil {
		return "", err
	}
	uploadID := created.UploadId

	partSize := s.cfg.MultipartConfig.PartSize
	count := int((size + partSize - 1) / partSize)
	parts := make([]types.CompletedPart, count)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MultipartConfig.Concurrency)
	for i := 0; i < count; i++ {
		num := int32(i + 1)
		offset := int64(i) * partSize
		length := partSize
		if offset+length > size {
			length = size - offset
		}
		slot := &parts[i]
		g.Go(func() error {
			out, err := s.client.UploadPart(gctx, &s3.UploadPartInput{
				Bucket:        aws.String(s.bucket),
				Key:           aws.String(objectPath),
				UploadId:      uploadID,
				PartNumber:    aws.Int32(num),
				Body:          io.NewSectionReader(f, offset, length),
				ContentLength: aws.Int64(length),
			})
			if err != nil {
				return fmt.Errorf("part %d: %w", num, err)
			}
			*slot = types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(num)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.abort(objectPath, uploadID)
		return "", err
	}

	done, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(objectPath),
		UploadId:        uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		s.abort(objectPath, uploadID)
		return "", err
	}
	s.logger.Debug("multipart upload complete",
		zap.String("object", objectPath),
		zap.Int("parts", count),
		zap.Int64("bytes", size))
	return aws.ToString(done.ETag), nil
}

// abort uses a fresh context: the upload context may already be cancelled.
func (s *S3Storage) abort(objectPath string, uploadID *string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(objectPath),
		UploadId: uploadID,
	}); err != nil {
		s.logger.Warn("failed to abort multipart upload", zap.String("object", objectPath), zap.Error(err))
	}
}

// Download writes an object to localPath atomically.
func (s *S3Storage) Download(ctx context.Context, objectPath, localPath string) error {
	err := s.retry(ctx, "get", objectPath, func() error {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectPath),
		})
		if err != nil {
			var nsk *types.NoSuchKey
			if errors.As(err, &nsk) {
				return notFound(objectPath)
			}
			return err
		}
		defer out.Body.Close()
		return copyAtomic(localPath, out.Body)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrObjectNotFound):
		return err
	default:
		return downloadError(objectPath, err)
	}
}

// Delete removes an object. S3 reports success for missing keys.
func (s *S3Storage) Delete(ctx context.Context, objectPath string) error {
	err := s.retry(ctx, "delete", objectPath, func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectPath),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeleteFailed, err)
	}
	return nil
}

// Exists reports whether an object exists.
func (s *S3Storage) Exists(ctx context.Context, objectPath string) (bool, error) {
	exists := false
	err := s.retry(ctx, "head", objectPath, func() error {
		_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectPath),
		})
		var nf *types.NotFound
		switch {
		case err == nil:
			exists = true
		case errors.As(err, &nf):
			exists = false
		default:
			return err
		}
		return nil
	})
	return exists, err
}

// ListObjects returns the keys under prefix in lexical order.
func (s *S3Storage) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	pages := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list %q: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

// retry runs fn until it succeeds, fails permanently, or MaxRetries
// retries have been spent. The wait doubles after each attempt.
func (s *S3Storage) retry(ctx context.Context, op, objectPath string, fn func() error) error {
	wait := s.backoff
	var err error
	for attempt := 0; ; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if err = fn(); err == nil || permanent(err) || attempt >= s.cfg.MaxRetries {
			return err
		}
		s.logger.Debug("retrying s3 request",
			zap.String("op", op),
			zap.String("object", objectPath),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", wait),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
}

// permanent reports errors no retry can fix.
func permanent(err error) bool {
	return errors.Is(err, ErrObjectNotFound) ||
		errors.Is(err, os.ErrNotExist) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
