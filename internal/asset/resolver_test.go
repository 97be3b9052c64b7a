package asset

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"

	"github.com/onnwee/fanthemes/internal/validate"
)

func TestNewBucketResolver_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "missing bucket", cfg: Config{AccessKeyID: "k", SecretAccessKey: "s", Endpoint: "https://r2.example.com"}},
		{name: "missing key", cfg: Config{BucketName: "b", SecretAccessKey: "s", Endpoint: "https://r2.example.com"}},
		{name: "missing secret", cfg: Config{BucketName: "b", AccessKeyID: "k", Endpoint: "https://r2.example.com"}},
		{name: "missing endpoint", cfg: Config{BucketName: "b", AccessKeyID: "k", SecretAccessKey: "s"}},
		{name: "bad public base", cfg: Config{BucketName: "b", PublicBaseURL: "ftp://cdn.example.com"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewBucketResolver(tt.cfg); err == nil {
				t.Error("NewBucketResolver() should fail")
			}
		})
	}
}

func TestBucketResolver_Presigns(t *testing.T) {
	r, err := NewBucketResolver(Config{
		BucketName:       "fan-themes",
		AccessKeyID:      "test-access-key",
		SecretAccessKey:  "test-secret-key",
		Endpoint:         "https://account.r2.cloudflarestorage.com",
		URLExpiryMinutes: 15,
	})
	if err != nil {
		t.Fatalf("NewBucketResolver() error = %v", err)
	}

	got, err := r.Resolve(context.Background(), "themes/winter/bg.webp")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	u, err := url.Parse(got)
	if err != nil {
		t.Fatalf("presigned URL does not parse: %v", err)
	}
	if u.Host != "account.r2.cloudflarestorage.com" {
		t.Errorf("host = %q", u.Host)
	}
	if u.Path != "/fan-themes/themes/winter/bg.webp" {
		t.Errorf("path = %q, want path-style bucket/key", u.Path)
	}
	q := u.Query()
	if q.Get("X-Amz-Signature") == "" {
		t.Error("missing X-Amz-Signature")
	}
	if q.Get("X-Amz-Expires") != "900" {
		t.Errorf("X-Amz-Expires = %q, want 900", q.Get("X-Amz-Expires"))
	}
}

func TestBucketResolver_PassesAbsoluteURLs(t *testing.T) {
	r, err := NewBucketResolver(Config{BucketName: "b", PublicBaseURL: "https://cdn.example.com/"})
	if err != nil {
		t.Fatalf("NewBucketResolver() error = %v", err)
	}
	ctx := context.Background()

	if got, _ := r.Resolve(ctx, "https://images.example.com/bg.png"); got != "https://images.example.com/bg.png" {
		t.Errorf("Resolve(absolute) = %q", got)
	}
	if got, _ := r.Resolve(ctx, ""); got != "" {
		t.Errorf("Resolve(empty) = %q", got)
	}
	got, err := r.Resolve(ctx, "icons/leaf.png")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got != "https://cdn.example.com/icons/leaf.png" {
		t.Errorf("Resolve(key) = %q", got)
	}
	if _, err := r.Resolve(ctx, "../etc/passwd.png"); !errors.Is(err, validate.ErrInvalidAssetKey) {
		t.Errorf("Resolve(escape) error = %v, want ErrInvalidAssetKey", err)
	}
}

func TestPassthrough(t *testing.T) {
	var p Passthrough
	got, err := p.Resolve(context.Background(), "https://images.example.com/bg.png")
	if err != nil || !strings.HasPrefix(got, "https://") {
		t.Errorf("Resolve(absolute) = %q, %v", got, err)
	}
	if _, err := p.Resolve(context.Background(), "themes/bg.png"); !errors.Is(err, ErrNoBucket) {
		t.Errorf("Resolve(key) error = %v, want ErrNoBucket", err)
	}
}
