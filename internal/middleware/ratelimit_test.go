package middleware

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/fanthemes/internal/identity"
)

func TestRateLimitConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     RateLimitConfig
		wantErr bool
	}{
		{"default", DefaultVoteLimit(), false},
		{"zero requests", RateLimitConfig{RequestsPerWindow: 0, WindowDuration: time.Minute}, true},
		{"zero window", RateLimitConfig{RequestsPerWindow: 1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestInMemoryRateLimitStore_Window(t *testing.T) {
	store := NewInMemoryRateLimitStore()
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	cfg := RateLimitConfig{RequestsPerWindow: 3, WindowDuration: time.Minute}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, remaining, _ := store.Allow(ctx, "k", cfg)
		if !allowed || remaining != 2-i {
			t.Fatalf("request %d: allowed=%v remaining=%d", i+1, allowed, remaining)
		}
	}

	now = now.Add(20 * time.Second)
	allowed, remaining, retryAfter := store.Allow(ctx, "k", cfg)
	if allowed || remaining != 0 || retryAfter != 40 {
		t.Errorf("blocked request: allowed=%v remaining=%d retryAfter=%d", allowed, remaining, retryAfter)
	}

	if allowed, _, _ := store.Allow(ctx, "other", cfg); !allowed {
		t.Error("keys must be limited independently")
	}

	now = now.Add(40 * time.Second)
	if allowed, _, _ := store.Allow(ctx, "k", cfg); !allowed {
		t.Error("expected a new window after expiry")
	}

	now = now.Add(2 * time.Minute)
	store.Cleanup()
	if n := len(store.buckets); n != 0 {
		t.Errorf("expected expired buckets removed, %d left", n)
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var out dto.Metric
	if err := c.Write(&out); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	return out.GetCounter().GetValue()
}

func newMiniredisClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisRateLimitStore_Allow(t *testing.T) {
	mr, client := newMiniredisClient(t)
	store := NewRedisRateLimitStore(client, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	cfg := RateLimitConfig{RequestsPerWindow: 5, WindowDuration: time.Minute}
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		allowed, remaining, _ := store.Allow(ctx, "user:u1", cfg)
		if !allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		if remaining != 4-i {
			t.Errorf("request %d: expected remaining=%d, got %d", i+1, 4-i, remaining)
		}
	}

	allowed, remaining, retryAfter := store.Allow(ctx, "user:u1", cfg)
	if allowed || remaining != 0 {
		t.Errorf("6th request should be blocked, allowed=%v remaining=%d", allowed, remaining)
	}
	if retryAfter <= 0 || retryAfter > 60 {
		t.Errorf("expected retryAfter between 1 and 60, got %d", retryAfter)
	}

	if !mr.Exists("fanthemes:ratelimit:user:u1") {
		t.Error("expected prefixed counter key")
	}

	mr.FastForward(time.Minute + time.Second)
	if allowed, _, _ := store.Allow(ctx, "user:u1", cfg); !allowed {
		t.Error("expected a new window after the key expired")
	}
}

func TestRedisRateLimitStore_FailsOpen(t *testing.T) {
	mr, client := newMiniredisClient(t)
	metrics := NewMetrics()
	store := NewRedisRateLimitStore(client, metrics, slog.New(slog.NewTextHandler(io.Discard, nil)))
	mr.Close()

	cfg := RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Minute}
	for i := 0; i < 3; i++ {
		if allowed, _, _ := store.Allow(context.Background(), "ip:1.2.3.4", cfg); !allowed {
			t.Fatalf("request %d: expected fail-open", i+1)
		}
	}
	if got := counterValue(t, metrics.limit.redisErrors); got != 3 {
		t.Errorf("expected 3 redis errors counted, got %v", got)
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	metrics := NewMetrics()
	cfg := RateLimitConfig{RequestsPerWindow: 2, WindowDuration: time.Minute}
	handler := RateLimiter(NewInMemoryRateLimitStore(), cfg, IdentityKeyFunc(), "/themes/{id}/votes", metrics)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
		}),
	)

	send := func(s identity.Session) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/themes/t1/votes", nil)
		req = req.WithContext(identity.WithSession(req.Context(), s))
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	fan := identity.Session{UID: "u1", ClientID: "c1"}
	for i := 0; i < 2; i++ {
		rr := send(fan)
		if rr.Code != http.StatusCreated {
			t.Fatalf("request %d: expected 201, got %d", i+1, rr.Code)
		}
		if got := rr.Header().Get("X-RateLimit-Remaining"); got != strconv.Itoa(1-i) {
			t.Errorf("request %d: remaining header = %q", i+1, got)
		}
	}

	rr := send(fan)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" || rr.Header().Get("X-RateLimit-Reset") == "" {
		t.Error("expected Retry-After and X-RateLimit-Reset headers")
	}

	// Same client id but a different uid is a different key.
	if rr := send(identity.Session{ClientID: "c1"}); rr.Code != http.StatusCreated {
		t.Errorf("anonymous key should be independent, got %d", rr.Code)
	}

	if got := counterValue(t, metrics.limit.blocked.WithLabelValues("/themes/{id}/votes", "user")); got != 1 {
		t.Errorf("expected 1 blocked user request, got %v", got)
	}
	if got := counterValue(t, metrics.limit.checks.WithLabelValues("/themes/{id}/votes", "client")); got != 1 {
		t.Errorf("expected 1 client request, got %v", got)
	}
}

func TestIdentityKeyFunc(t *testing.T) {
	tests := []struct {
		name     string
		session  identity.Session
		wantKey  string
		wantType string
	}{
		{"signed in", identity.Session{UID: "u1", ClientID: "c1"}, "user:u1", "user"},
		{"anonymous", identity.Session{ClientID: "c1"}, "client:c1", "client"},
		{"no session", identity.Session{}, "ip:10.0.0.1", "ip"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			req.RemoteAddr = "10.0.0.1:5555"
			req = req.WithContext(identity.WithSession(req.Context(), tt.session))
			key, keyType := IdentityKeyFunc()(req)
			if key != tt.wantKey || keyType != tt.wantType {
				t.Errorf("got (%q, %q), want (%q, %q)", key, keyType, tt.wantKey, tt.wantType)
			}
		})
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded chain", map[string]string{"X-Forwarded-For": " 203.0.113.5 , 10.0.0.2"}, "10.0.0.1:1", "203.0.113.5"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.7"}, "10.0.0.1:1", "198.51.100.7"},
		{"remote ipv6", nil, "[2001:db8::1]:443", "2001:db8::1"},
		{"remote without port", nil, "10.0.0.9", "10.0.0.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := ClientIP(req); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
