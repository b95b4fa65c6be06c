package devworker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"memecraft-jobsync/internal/config"
)

// Uploader stores an artifact and returns the URL written to the record.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// NewUploader picks the artifact destination from cfg.Uploader (local, s3 or minio).
func NewUploader(ctx context.Context, cfg config.DevWorkerConfig) (Uploader, error) {
	switch cfg.Uploader {
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("uploader s3 requested but DEVWORKER_S3_BUCKET is not configured")
		}
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &s3Uploader{client: client, bucket: cfg.S3Bucket, region: cfg.S3Region, endpoint: cfg.S3Endpoint}, nil
	case "minio":
		return newMinioUploader(ctx, cfg)
	case "local", "":
		baseDir := cfg.OutputDir
		if baseDir == "" {
			baseDir = "./output"
		}
		return &localUploader{baseDir: baseDir, baseURL: cfg.PublicBaseURL}, nil
	}
	return nil, fmt.Errorf("unknown uploader %q", cfg.Uploader)
}

func newS3Client(ctx context.Context, cfg config.DevWorkerConfig) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3PathStyle
	}), nil
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean(key))
	key = strings.TrimPrefix(key, "/")
	key = strings.TrimPrefix(key, "./")
	for strings.HasPrefix(key, "../") {
		key = strings.TrimPrefix(key, "../")
	}
	return key
}

type localUploader struct {
	baseDir string
	baseURL string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	key = sanitizeKey(key)
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	if l.baseURL == "" {
		return path, nil
	}
	return strings.TrimSuffix(l.baseURL, "/") + "/" + key, nil
}

type s3Uploader struct {
	client   *s3.Client
	bucket   string
	region   string
	endpoint string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	key = sanitizeKey(key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	if s.endpoint != "" {
		return fmt.Sprintf("%s/%s/%s", strings.TrimSuffix(s.endpoint, "/"), s.bucket, key), nil
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, key), nil
}

type minioUploader struct {
	client *minio.Client
	bucket string
	scheme string
	host   string
}

func newMinioUploader(ctx context.Context, cfg config.DevWorkerConfig) (*minioUploader, error) {
	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.MinioBucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.MinioBucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}

	scheme := "http"
	if cfg.MinioUseSSL {
		scheme = "https"
	}
	return &minioUploader{client: client, bucket: cfg.MinioBucket, scheme: scheme, host: cfg.MinioEndpoint}, nil
}

func (m *minioUploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	key = sanitizeKey(key)
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("%s://%s/%s/%s", m.scheme, m.host, m.bucket, key), nil
}
