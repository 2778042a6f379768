// Package storage fetches firmware packages from S3.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/afero"

	"github.com/lidarops/fwupgrade/pkg/errors"
)

// API is the subset of the S3 client used here.
type API interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Client provides S3 storage operations
type Client struct {
	api        API
	bucket     string
	fs         afero.Fs
	maxRetries uint64
}

// NewClient creates a new S3 client for anonymous access
func NewClient(ctx context.Context, bucket, region string) (*Client, error) {
	slog.Info("s3_client_init", "bucket", bucket, "region", region)

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(aws.AnonymousCredentials{}),
	)
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	slog.Info("s3_client_created", "bucket", bucket)
	return NewClientWithAPI(s3.NewFromConfig(cfg), bucket, afero.NewOsFs()), nil
}

// NewClientWithAPI wraps an existing S3 API, writing downloads to fs.
func NewClientWithAPI(api API, bucket string, fs afero.Fs) *Client {
	return &Client{api: api, bucket: bucket, fs: fs, maxRetries: 3}
}

// Bucket is the bucket this client reads from.
func (c *Client) Bucket() string { return c.bucket }

// ParseURI splits "s3://bucket/key" into bucket and key.
func ParseURI(uri string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", errors.New("not an s3:// uri: " + uri)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", errors.New("s3 uri needs a bucket and a key: " + uri)
	}
	return bucket, key, nil
}

// DownloadResult contains download metadata
type DownloadResult struct {
	LocalPath string
	SHA256    string
	Size      int64
}

// Download fetches an object into localPath and computes its SHA256.
// Transient failures are retried with exponential backoff; a missing
// object is not.
func (c *Client) Download(ctx context.Context, s3Key, localPath string) (*DownloadResult, error) {
	slog.Info("s3_download_start", "bucket", c.bucket, "s3_key", s3Key)

	var result *DownloadResult
	attempt := 0
	op := func() error {
		attempt++
		res, err := c.download(ctx, s3Key, localPath)
		if err != nil {
			var noKey *types.NoSuchKey
			if errors.As(err, &noKey) {
				return backoff.Permanent(err)
			}
			slog.Warn("s3_download_retry", "s3_key", s3Key, "attempt", attempt, "error", err)
			return err
		}
		result = res
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, c.maxRetries), ctx)); err != nil {
		slog.Error("s3_download_failed", "s3_key", s3Key, "attempts", attempt, "error", err)
		return nil, errors.Wrap(err, "failed to download firmware")
	}

	slog.Info("s3_download_complete",
		"s3_key", s3Key,
		"size", result.Size,
		"local_path", localPath,
		"sha256", result.SHA256[:16]+"...",
	)
	return result, nil
}

func (c *Client) download(ctx context.Context, s3Key, localPath string) (*DownloadResult, error) {
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(s3Key),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to get object from S3")
	}
	defer out.Body.Close()

	if err := c.fs.MkdirAll(path.Dir(localPath), 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create download directory")
	}
	f, err := c.fs.Create(localPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create local file")
	}
	defer f.Close()

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, hash), out.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to download file")
	}

	return &DownloadResult{
		LocalPath: localPath,
		SHA256:    hex.EncodeToString(hash.Sum(nil)),
		Size:      size,
	}, nil
}

// Object describes one listed firmware object.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// ListObjects lists all objects in the bucket with a given prefix
func (c *Client) ListObjects(ctx context.Context, prefix string) ([]Object, error) {
	slog.Info("s3_list_start", "bucket", c.bucket, "prefix", prefix)

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	}

	var objects []Object
	paginator := s3.NewListObjectsV2Paginator(c.api, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			slog.Error("s3_list_failed", "prefix", prefix, "error", err)
			return nil, errors.Wrap(err, "failed to list objects")
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			objects = append(objects, Object{
				Key:          *obj.Key,
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}

	slog.Info("s3_list_complete", "prefix", prefix, "object_count", len(objects))
	return objects, nil
}

// Exists checks if an object exists in S3
func (c *Client) Exists(ctx context.Context, s3Key string) (bool, error) {
	_, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(s3Key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			slog.Info("s3_object_not_found", "s3_key", s3Key)
			return false, nil
		}
		slog.Error("s3_head_object_failed", "s3_key", s3Key, "error", err)
		return false, errors.Wrap(err, "failed to check object existence")
	}
	return true, nil
}
