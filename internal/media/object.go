package media

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectConfig configures the MinIO source.
type ObjectConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Region    string
}

// ObjectStore fetches media objects from a MinIO bucket into the upload directory.
type ObjectStore struct {
	client *minio.Client
	bucket string
	local  *Local
}

func NewObjectStore(cfg ObjectConfig, local *Local) (*ObjectStore, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.New("minio: endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}
	return &ObjectStore{client: client, bucket: cfg.Bucket, local: local}, nil
}

// Ping checks that the bucket is reachable.
func (o *ObjectStore) Ping(ctx context.Context) error {
	ok, err := o.client.BucketExists(ctx, o.bucket)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("minio: bucket %s does not exist", o.bucket)
	}
	return nil
}

// Fetch downloads key into the upload directory and returns the local path and display name.
// Objects over maxBytes (if positive) are rejected before download.
func (o *ObjectStore) Fetch(ctx context.Context, key string, maxBytes int64) (localPath, filename string, err error) {
	if key == "" || strings.Contains(key, "..") {
		return "", "", ErrNotFound
	}
	filename = SecureFilename(path.Base(key))
	if !Allowed(filename, KindVideo) {
		return "", "", ErrNotAllowed
	}

	info, err := o.client.StatObject(ctx, o.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return "", "", ErrNotFound
		}
		return "", "", fmt.Errorf("minio stat %s: %w", key, err)
	}
	if maxBytes > 0 && info.Size > maxBytes {
		return "", "", ErrTooLarge
	}

	localPath = o.local.TempPath(filepath.Ext(filename))
	if err := o.client.FGetObject(ctx, o.bucket, key, localPath, minio.GetObjectOptions{}); err != nil {
		return "", "", fmt.Errorf("minio download %s: %w", key, err)
	}
	return localPath, filename, nil
}
