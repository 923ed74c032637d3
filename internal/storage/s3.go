package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/quillchat/quillchat/internal/logging"
	"github.com/quillchat/quillchat/internal/metrics"
	"github.com/quillchat/quillchat/internal/retry"
)

// S3Config holds S3 connection settings. Attachments and export tarballs
// live in the private uploads bucket; avatars (and realm icons, logos,
// emoji) live in a bucket that may be fronted publicly.
type S3Config struct {
	Endpoint      string
	Bucket        string
	AvatarBucket  string
	AccessKey     string
	SecretKey     string
	Region        string
	PublicURLBase string
}

// S3Backend implements Backend using an S3-compatible object store.
// Transient failures are retried internally with exponential backoff;
// callers see only eventual success or a terminal failure.
type S3Backend struct {
	client        *s3.Client
	presigner     *s3.PresignClient
	bucket        string
	avatarBucket  string
	publicURLBase string
	retryCfg      retry.Config
}

// NewS3 creates a new S3 backend.
func NewS3(ctx context.Context, cfg S3Config) (*S3Backend, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
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

	avatarBucket := cfg.AvatarBucket
	if avatarBucket == "" {
		avatarBucket = cfg.Bucket
	}

	return &S3Backend{
		client:        client,
		presigner:     s3.NewPresignClient(client),
		bucket:        cfg.Bucket,
		avatarBucket:  avatarBucket,
		publicURLBase: strings.TrimRight(cfg.PublicURLBase, "/"),
		retryCfg:      retry.DefaultConfig(),
	}, nil
}

func (b *S3Backend) bucketFor(cat Category) string {
	if cat.Name == Avatars.Name {
		return b.avatarBucket
	}
	return b.bucket
}

// objectKey namespaces keys by category so categories sharing a bucket
// can never collide and listings stay category-scoped.
func objectKey(cat Category, pathID string) string {
	return cat.Name + "/" + pathID
}

// retryable marks transient S3 failures for the retry loop. Anything that
// is not a definitive API error (connection resets, timeouts) is treated
// as transient, as are the throttling and 5xx error codes.
func retryable(err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return retry.Retryable(err)
	}
	switch apiErr.ErrorCode() {
	case "InternalError", "ServiceUnavailable", "SlowDown", "RequestTimeout":
		return retry.Retryable(err)
	}
	return err
}

// Store uploads the payload. Unique categories use a conditional put so a
// racing writer on the same key loses with ErrAlreadyExists instead of
// silently overwriting.
func (b *S3Backend) Store(ctx context.Context, cat Category, pathID string, body io.Reader, size int64, contentType string) error {
	start := time.Now()

	input := &s3.PutObjectInput{
		Bucket:        aws.String(b.bucketFor(cat)),
		Key:           aws.String(objectKey(cat, pathID)),
		Body:          body,
		ContentLength: aws.Int64(size),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if cat.Unique {
		input.IfNoneMatch = aws.String("*")
	}

	// The body reader cannot be rewound, so puts are not retried here.
	_, err := b.client.PutObject(ctx, input)
	if err != nil {
		metrics.RecordStorageOperation("s3", "store", time.Since(start), false)
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed" {
			return fmt.Errorf("store %s: %w", pathID, ErrAlreadyExists)
		}
		return fmt.Errorf("put object %s: %w", pathID, err)
	}

	metrics.RecordStorageOperation("s3", "store", time.Since(start), true)
	logging.Debug("s3 put object",
		zap.String("key", pathID),
		zap.String("bucket", b.bucketFor(cat)),
		zap.Int64("size", size))
	return nil
}

// Retrieve fetches the payload and its stored content type.
func (b *S3Backend) Retrieve(ctx context.Context, cat Category, pathID string) (io.ReadCloser, string, error) {
	start := time.Now()

	result, err := retry.DoWithResult(ctx, b.retryCfg, func() (*s3.GetObjectOutput, error) {
		out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(b.bucketFor(cat)),
			Key:    aws.String(objectKey(cat, pathID)),
		})
		if err != nil {
			var noKey *types.NoSuchKey
			if errors.As(err, &noKey) {
				return nil, fmt.Errorf("retrieve %s: %w", pathID, ErrNotFound)
			}
			return nil, retryable(err)
		}
		return out, nil
	})
	if err != nil {
		metrics.RecordStorageOperation("s3", "retrieve", time.Since(start), false)
		if errors.Is(err, ErrNotFound) {
			return nil, "", err
		}
		return nil, "", fmt.Errorf("get object %s: %w", pathID, err)
	}

	contentType := "application/octet-stream"
	if result.ContentType != nil {
		contentType = *result.ContentType
	}

	metrics.RecordStorageOperation("s3", "retrieve", time.Since(start), true)
	return result.Body, contentType, nil
}

// Delete removes the object, reporting whether it existed. S3 deletes are
// idempotent, so existence is checked first to satisfy the contract.
func (b *S3Backend) Delete(ctx context.Context, cat Category, pathID string) (bool, error) {
	start := time.Now()
	bucket := b.bucketFor(cat)

	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(objectKey(cat, pathID)),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NotFound" {
			metrics.RecordStorageOperation("s3", "delete", time.Since(start), true)
			return false, nil
		}
		metrics.RecordStorageOperation("s3", "delete", time.Since(start), false)
		return false, fmt.Errorf("head object %s: %w", pathID, err)
	}

	err = retry.Do(ctx, b.retryCfg, func() error {
		_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(objectKey(cat, pathID)),
		})
		return retryable(err)
	})
	if err != nil {
		metrics.RecordStorageOperation("s3", "delete", time.Since(start), false)
		return false, fmt.Errorf("delete object %s: %w", pathID, err)
	}

	metrics.RecordStorageOperation("s3", "delete", time.Since(start), true)
	return true, nil
}

// DeleteMany removes keys in batches of up to 1000 using the bulk delete
// API. Per-key failures are logged and do not stop the remaining batches.
func (b *S3Backend) DeleteMany(ctx context.Context, cat Category, pathIDs []string) {
	const batchSize = 1000
	bucket := b.bucketFor(cat)

	for i := 0; i < len(pathIDs); i += batchSize {
		end := min(i+batchSize, len(pathIDs))

		objects := make([]types.ObjectIdentifier, 0, end-i)
		for _, pathID := range pathIDs[i:end] {
			objects = append(objects, types.ObjectIdentifier{Key: aws.String(objectKey(cat, pathID))})
		}

		start := time.Now()
		out, err := b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(bucket),
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			metrics.RecordStorageOperation("s3", "delete_many", time.Since(start), false)
			logging.Error("bulk delete batch failed",
				zap.String("bucket", bucket),
				zap.Int("batch_size", len(objects)),
				zap.Error(err))
			continue
		}
		metrics.RecordStorageOperation("s3", "delete_many", time.Since(start), true)
		for _, delErr := range out.Errors {
			logging.Error("bulk delete failed for key",
				zap.String("path_id", aws.ToString(delErr.Key)),
				zap.String("code", aws.ToString(delErr.Code)),
				zap.String("message", aws.ToString(delErr.Message)))
		}
	}
}

// ListAll pages through the bucket lazily, one API call per page.
func (b *S3Backend) ListAll(ctx context.Context, cat Category) iter.Seq2[ObjectInfo, error] {
	bucket := b.bucketFor(cat)
	prefix := cat.Name + "/"
	return func(yield func(ObjectInfo, error) bool) {
		paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(bucket),
			Prefix: aws.String(prefix),
		})
		for paginator.HasMorePages() {
			start := time.Now()
			page, err := paginator.NextPage(ctx)
			if err != nil {
				metrics.RecordStorageOperation("s3", "list", time.Since(start), false)
				yield(ObjectInfo{}, fmt.Errorf("list %s: %w", cat.Name, err))
				return
			}
			metrics.RecordStorageOperation("s3", "list", time.Since(start), true)
			for _, obj := range page.Contents {
				info := ObjectInfo{PathID: strings.TrimPrefix(aws.ToString(obj.Key), prefix)}
				if obj.LastModified != nil {
					info.CreatedAt = *obj.LastModified
				}
				if !yield(info, nil) {
					return
				}
			}
		}
	}
}

// PublicURL builds a URL against the configured public root, falling back
// to a path-style bucket URL. Pure string construction, no network I/O.
func (b *S3Backend) PublicURL(cat Category, pathID string) string {
	if b.publicURLBase != "" {
		return b.publicURLBase + "/" + objectKey(cat, pathID)
	}
	return "https://" + b.bucketFor(cat) + ".s3.amazonaws.com/" + objectKey(cat, pathID)
}

// SignedURL builds a time-limited pre-signed GET URL. Signing happens
// locally against the loaded credentials.
func (b *S3Backend) SignedURL(ctx context.Context, cat Category, pathID string, expires time.Duration) (string, error) {
	req, err := b.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucketFor(cat)),
		Key:    aws.String(objectKey(cat, pathID)),
	}, s3.WithPresignExpires(expires))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", pathID, err)
	}
	return req.URL, nil
}

// Type returns "s3".
func (b *S3Backend) Type() string { return "s3" }

// Close is a no-op for S3 backends.
func (b *S3Backend) Close() error { return nil }
