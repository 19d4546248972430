// Package storage persists fingerprinted output archives, either to a local
// directory or to an S3-compatible bucket.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	BackendNone  = "none"
	BackendLocal = "local"
	BackendMinio = "minio"
)

// Config selects and configures a backend.
type Config struct {
	Backend string `toml:"backend"`
	Dir     string `toml:"dir"`
	Minio   Minio  `toml:"minio"`
}

// Minio holds S3-compatible connection settings.
type Minio struct {
	Endpoint        string `toml:"endpoint"`
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`
	Bucket          string `toml:"bucket"`
	Region          string `toml:"region"`
	UseSSL          bool   `toml:"use_ssl"`
	Prefix          string `toml:"prefix"`
}

// Sink stores an archive under key and returns where it ended up.
type Sink interface {
	Store(ctx context.Context, key string, data []byte) (string, error)
}

// ArchiveKey names the output archive of a batch request.
func ArchiveKey(requestID string) string {
	return fmt.Sprintf("fingerprinted_images_%s.zip", requestID)
}

// New builds the configured sink. BackendNone (or empty) returns nil.
func New(ctx context.Context, cfg Config) (Sink, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendNone:
		return nil, nil
	case BackendLocal:
		return NewLocal(cfg.Dir)
	case BackendMinio:
		return NewMinio(ctx, cfg.Minio)
	default:
		return nil, fmt.Errorf("storage: unsupported backend %q", cfg.Backend)
	}
}

// Local writes archives into a directory.
type Local struct {
	dir string
}

func NewLocal(dir string) (*Local, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("storage: local directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure %s: %w", dir, err)
	}
	return &Local{dir: dir}, nil
}

func (l *Local) Store(ctx context.Context, key string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name := filepath.Base(key)
	target := filepath.Join(l.dir, name)
	tmp := target + ".part"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("storage: write %s: %w", name, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("storage: finalize %s: %w", name, err)
	}
	return target, nil
}

// MinioSink uploads archives to a bucket.
type MinioSink struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinio connects and makes sure the bucket exists.
func NewMinio(ctx context.Context, cfg Minio) (*MinioSink, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("storage: minio endpoint cannot be empty")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("storage: minio bucket name is empty")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: connect minio: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("storage: check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("storage: create bucket %s: %w", cfg.Bucket, err)
		}
	}

	return &MinioSink{client: client, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

func (m *MinioSink) objectKey(key string) string {
	if m.prefix == "" {
		return key
	}
	return m.prefix + "/" + key
}

func (m *MinioSink) Store(ctx context.Context, key string, data []byte) (string, error) {
	objectKey := m.objectKey(key)
	_, err := m.client.PutObject(ctx, m.bucket, objectKey, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/zip"})
	if err != nil {
		return "", fmt.Errorf("storage: upload %s: %w", objectKey, err)
	}
	return fmt.Sprintf("s3://%s/%s", m.bucket, objectKey), nil
}
