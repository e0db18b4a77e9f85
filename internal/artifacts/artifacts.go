// Package artifacts turns stored artifact references into links a reviewer
// can open.
package artifacts

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/ashita-ai/atelier/internal/model"
)

// Linker resolves an artifact reference to a viewable URL.
type Linker interface {
	Link(ctx context.Context, ref model.ArtifactRef) (string, error)
}

// PassthroughLinker returns the reference URI unchanged.
type PassthroughLinker struct{}

func (PassthroughLinker) Link(_ context.Context, ref model.ArtifactRef) (string, error) {
	return ref.URI, nil
}

// Config describes an S3-compatible object store.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
	TTL       time.Duration
}

// MinIOLinker presigns s3://bucket/key references. Other URIs pass through.
type MinIOLinker struct {
	client *minio.Client
	ttl    time.Duration
}

// NewMinIOLinker creates a linker for cfg. Setting Region avoids a bucket
// location lookup on every presign.
func NewMinIOLinker(cfg Config) (*MinIOLinker, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("artifacts: object store endpoint is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("artifacts: minio client: %w", err)
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MinIOLinker{client: client, ttl: ttl}, nil
}

func (l *MinIOLinker) Link(ctx context.Context, ref model.ArtifactRef) (string, error) {
	bucket, key, ok := ParseS3URI(ref.URI)
	if !ok {
		return ref.URI, nil
	}
	params := url.Values{}
	if ct, ok := ref.Metadata["content_type"].(string); ok && ct != "" {
		params.Set("response-content-type", ct)
	}
	u, err := l.client.PresignedGetObject(ctx, bucket, key, l.ttl, params)
	if err != nil {
		return "", fmt.Errorf("artifacts: presign %s: %w", ref.URI, err)
	}
	return u.String(), nil
}

// ParseS3URI splits s3://bucket/key. ok is false for any other form.
func ParseS3URI(uri string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(uri, "s3://")
	if !found {
		return "", "", false
	}
	bucket, key, found = strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}
