package store

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/rafaeljc/bifrost/internal/config"
	"github.com/rafaeljc/bifrost/internal/registry"
	"github.com/rafaeljc/bifrost/internal/ruleengine"
)

var _ registry.Source = (*ObjectSource)(nil)

// ObjectSource reads definitions from an S3-compatible bucket (MinIO, AWS S3).
type ObjectSource struct {
	client *minio.Client
	bucket string
	key    string
	format Format
}

// NewObjectSource creates a client for cfg and targets the object key.
func NewObjectSource(cfg *config.ObjectStoreConfig, key string) (*ObjectSource, error) {
	if cfg == nil {
		return nil, fmt.Errorf("object store config cannot be nil")
	}
	format, err := FormatFromName(key)
	if err != nil {
		return nil, err
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &ObjectSource{client: client, bucket: cfg.Bucket, key: key, format: format}, nil
}

func (s *ObjectSource) Name() string { return fmt.Sprintf("object:%s/%s", s.bucket, s.key) }

func (s *ObjectSource) Load(ctx context.Context) ([]*ruleengine.Flag, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get definitions object: %w", err)
	}
	defer obj.Close()

	// GetObject is lazy; request errors surface on the first read.
	data, err := io.ReadAll(obj)
	if err != nil {
		if resp := minio.ToErrorResponse(err); resp.Code != "" {
			return nil, fmt.Errorf("failed to read definitions object %s/%s: %s: %w", s.bucket, s.key, resp.Code, err)
		}
		return nil, fmt.Errorf("failed to read definitions object %s/%s: %w", s.bucket, s.key, err)
	}

	flags, err := DecodeFlags(data, s.format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Name(), err)
	}
	return flags, nil
}
