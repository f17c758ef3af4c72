// Package storage moves media between object storage and the local work
// directory: fetching sources, publishing final artifacts, and checking disk
// headroom before large writes.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/shirou/gopsutil/v3/disk"
)

// ErrInsufficientSpace is returned by EnsureFreeSpace.
var ErrInsufficientSpace = errors.New("insufficient free disk space")

// Config selects the S3 endpoint and output bucket. An empty OutputBucket
// keeps final artifacts on local disk.
type Config struct {
	Region       string
	Endpoint     string
	UsePathStyle bool
	OutputBucket string
	TempDir      string
}

// ObjectAPI is the subset of the S3 client used by the transfer managers.
type ObjectAPI interface {
	manager.DownloadAPIClient
	manager.UploadAPIClient
}

// Client coordinates source downloads and artifact uploads.
type Client struct {
	downloader *manager.Downloader
	uploader   *manager.Uploader
	bucket     string
	tempDir    string
	logger     *slog.Logger
}

// New builds a Client on the default AWS credential chain.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewWithAPI(api, cfg, logger), nil
}

// NewWithAPI wraps an existing S3 client.
func NewWithAPI(api ObjectAPI, cfg Config, logger *slog.Logger) *Client {
	c := NewLocal(cfg.TempDir, logger)
	c.downloader = manager.NewDownloader(api)
	c.uploader = manager.NewUploader(api)
	c.bucket = cfg.OutputBucket
	return c
}

// NewLocal returns a Client that only handles local paths.
func NewLocal(tempDir string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{tempDir: tempDir, logger: logger}
}

// Source represents an input video available on local disk.
type Source struct {
	Path     string
	Filename string
	Size     int64
}

// ParseRef splits an s3://bucket/key reference.
func ParseRef(ref string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(ref, "s3://")
	if !found {
		return "", "", false
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

// FetchSource makes ref available as a local file. Local paths and file://
// URLs are used in place; s3:// references are downloaded to a temporary
// file that the returned cleanup removes.
func (c *Client) FetchSource(ctx context.Context, ref string) (*Source, func() error, error) {
	noop := func() error { return nil }

	if strings.HasPrefix(ref, "s3://") {
		bucket, key, ok := ParseRef(ref)
		if !ok {
			return nil, nil, fmt.Errorf("invalid object reference %q", ref)
		}
		return c.download(ctx, bucket, key)
	}

	path := strings.TrimPrefix(ref, "file://")
	info, err := os.Stat(path)
	if err != nil {
		return nil, nil, fmt.Errorf("stat source: %w", err)
	}
	if info.IsDir() {
		return nil, nil, fmt.Errorf("source %s is a directory", path)
	}
	return &Source{Path: path, Filename: filepath.Base(path), Size: info.Size()}, noop, nil
}

func (c *Client) download(ctx context.Context, bucket, key string) (*Source, func() error, error) {
	if c.downloader == nil {
		return nil, nil, fmt.Errorf("object storage not configured for s3://%s/%s", bucket, key)
	}
	if c.tempDir != "" {
		if err := os.MkdirAll(c.tempDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create temp dir: %w", err)
		}
	}

	temp, err := os.CreateTemp(c.tempDir, "transcode-src-*"+filepath.Ext(key))
	if err != nil {
		return nil, nil, fmt.Errorf("create temp file: %w", err)
	}
	n, err := c.downloader.Download(ctx, temp, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		temp.Close()
		os.Remove(temp.Name())
		return nil, nil, fmt.Errorf("download s3://%s/%s: %w", bucket, key, err)
	}
	if err := temp.Close(); err != nil {
		os.Remove(temp.Name())
		return nil, nil, fmt.Errorf("close temp file: %w", err)
	}
	c.logger.Info("downloaded source", "bucket", bucket, "key", key, "bytes", n)

	cleanup := func() error {
		return os.Remove(temp.Name())
	}
	return &Source{Path: temp.Name(), Filename: filepath.Base(key), Size: n}, cleanup, nil
}

// Publish uploads a finished artifact under key when an output bucket is
// configured and returns its location. Without a bucket the local path is
// the location.
func (c *Client) Publish(ctx context.Context, path, key string) (string, error) {
	if c.uploader == nil || c.bucket == "" {
		return path, nil
	}

	mimeType, err := detectMime(path)
	if err != nil {
		return "", err
	}
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer file.Close()

	_, err = c.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        file,
		ContentType: aws.String(mimeType),
	})
	if err != nil {
		return "", fmt.Errorf("upload s3://%s/%s: %w", c.bucket, key, err)
	}
	location := fmt.Sprintf("s3://%s/%s", c.bucket, key)
	c.logger.Info("published artifact", "location", location)
	return location, nil
}

// EnsureFreeSpace fails when dir's filesystem has less than need bytes free.
// A filesystem that cannot be inspected is logged and allowed.
func (c *Client) EnsureFreeSpace(ctx context.Context, dir string, need uint64) error {
	if need == 0 {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	usage, err := disk.UsageWithContext(ctx, dir)
	if err != nil {
		c.logger.Warn("could not get disk usage", "dir", dir, "err", err)
		return nil
	}
	if usage.Free < need {
		return fmt.Errorf("%w in %s: available %d, required %d", ErrInsufficientSpace, dir, usage.Free, need)
	}
	return nil
}

func detectMime(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open for mime detect: %w", err)
	}
	defer file.Close()

	buf := make([]byte, 512)
	n, err := file.Read(buf)
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read for mime detect: %w", err)
	}
	return http.DetectContentType(buf[:n]), nil
}
