package media

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const objectScheme = "s3://"

type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	TTL       time.Duration
}

type presigner interface {
	PresignedGetObject(ctx context.Context, bucket, object string, expiry time.Duration, params url.Values) (*url.URL, error)
}

// Resolver turns catalog image URLs into URLs a browser can load. Catalog
// entries of the form s3://bucket/key are presigned against the object
// store; everything else is returned unchanged.
type Resolver struct {
	client presigner
	ttl    time.Duration
}

// NewResolver returns a pass-through resolver when no endpoint is
// configured.
func NewResolver(opts Options) (*Resolver, error) {
	if strings.TrimSpace(opts.Endpoint) == "" {
		return &Resolver{}, nil
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &Resolver{client: client, ttl: opts.TTL}, nil
}

func (r *Resolver) Resolve(ctx context.Context, raw string) (string, error) {
	if r == nil || r.client == nil || !strings.HasPrefix(raw, objectScheme) {
		return raw, nil
	}
	bucket, key, err := splitObjectURL(raw)
	if err != nil {
		return "", err
	}
	ttl := r.ttl
	if ttl <= 0 {
		ttl = time.Hour
	}
	signed, err := r.client.PresignedGetObject(ctx, bucket, key, ttl, nil)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", raw, err)
	}
	return signed.String(), nil
}

func splitObjectURL(raw string) (string, string, error) {
	rest := strings.TrimPrefix(raw, objectScheme)
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("invalid object url %q", raw)
	}
	return bucket, key, nil
}
