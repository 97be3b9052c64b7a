// Package asset resolves theme background and icon references into URLs a
// browser can load. References are either absolute https URLs, returned as
// is, or object keys in the R2/S3 asset bucket, returned as presigned GET URLs.
package asset

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/onnwee/fanthemes/internal/validate"
)

// ErrNoBucket is returned when an object key must be resolved but no bucket
// is configured.
var ErrNoBucket = errors.New("asset bucket not configured")

// Resolver turns an asset reference into a loadable URL. An empty reference
// resolves to "".
type Resolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// Config holds configuration for the bucket resolver.
type Config struct {
	BucketName       string
	AccessKeyID      string
	SecretAccessKey  string
	Endpoint         string
	URLExpiryMinutes int // Default: 60 minutes

	// PublicBaseURL, when set, serves keys from a public bucket domain
	// instead of presigning.
	PublicBaseURL string
}

// BucketResolver resolves object keys against an S3-compatible bucket.
type BucketResolver struct {
	presignClient *s3.PresignClient
	bucketName    string
	publicBaseURL string
	urlExpiry     time.Duration
}

// NewBucketResolver creates a resolver for the configured bucket.
func NewBucketResolver(cfg Config) (*BucketResolver, error) {
	if cfg.BucketName == "" {
		return nil, errors.New("bucket name is required")
	}
	if cfg.PublicBaseURL != "" {
		if _, err := validate.URL(cfg.PublicBaseURL, validate.URLConstraints{AllowedSchemes: []string{"https", "http"}}); err != nil {
			return nil, fmt.Errorf("public base url: %w", err)
		}
		return &BucketResolver{
			bucketName:    cfg.BucketName,
			publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
		}, nil
	}
	if cfg.AccessKeyID == "" {
		return nil, errors.New("access key ID is required")
	}
	if cfg.SecretAccessKey == "" {
		return nil, errors.New("secret access key is required")
	}
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	if cfg.URLExpiryMinutes <= 0 {
		cfg.URLExpiryMinutes = 60
	}

	// R2 speaks the S3 API with the "auto" region and path-style addressing.
	s3Client := s3.New(s3.Options{
		Region: "auto",
		Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		BaseEndpoint: aws.String(cfg.Endpoint),
		UsePathStyle: true,
	})

	return &BucketResolver{
		presignClient: s3.NewPresignClient(s3Client),
		bucketName:    cfg.BucketName,
		urlExpiry:     time.Duration(cfg.URLExpiryMinutes) * time.Minute,
	}, nil
}

// Resolve returns ref unchanged when it is an absolute URL, otherwise a URL
// for the object key.
func (r *BucketResolver) Resolve(ctx context.Context, ref string) (string, error) {
	if ref == "" || isAbsolute(ref) {
		return ref, nil
	}
	if _, err := validate.AssetKey(ref); err != nil {
		return "", err
	}
	if r.publicBaseURL != "" {
		return r.publicBaseURL + "/" + ref, nil
	}

	req, err := r.presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucketName),
		Key:    aws.String(ref),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = r.urlExpiry
	})
	if err != nil {
		return "", fmt.Errorf("failed to presign asset %s: %w", ref, err)
	}
	return req.URL, nil
}

// Passthrough resolves only absolute URLs. It is used when no bucket is
// configured; object keys fail with ErrNoBucket.
type Passthrough struct{}

// Resolve returns absolute URLs unchanged.
func (Passthrough) Resolve(_ context.Context, ref string) (string, error) {
	if ref == "" || isAbsolute(ref) {
		return ref, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNoBucket, ref)
}

func isAbsolute(ref string) bool {
	return strings.Contains(ref, "://")
}
