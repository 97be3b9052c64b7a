package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/themes", "/themes"},
		{"/themes/featured", "/themes/featured"},
		{"/themes/winter", "/themes/{id}"},
		{"/themes/winter/votes", "/themes/{id}/votes"},
		{"/themes/winter/votes/me", "/themes/{id}/votes/me"},
		{"/themes/winter/audit", "/themes/{id}/audit"},
		{"/themes/winter/eligibility", "/themes/{id}/eligibility"},
		{"/themes/winter/unknown", "other"},
		{"/themes/", "other"},
		{"/me/settings/theme", "/me/settings/theme"},
		{"/me/presentation/ws", "/me/presentation/ws"},
		{"/wp-admin/setup.php", "other"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := normalizePath(tt.path); got != tt.want {
				t.Errorf("normalizePath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestHTTPMetrics_RecordsNormalizedRoute(t *testing.T) {
	metrics := NewMetrics()
	handler := HTTPMetrics(metrics)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{}}`))
	}))

	for _, id := range []string{"a", "b", "c"} {
		req := httptest.NewRequest(http.MethodPost, "/themes/"+id+"/votes", strings.NewReader("{}"))
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	var out dto.Metric
	if err := metrics.http.requests.With(prometheus.Labels{
		"method": http.MethodPost, "route": "/themes/{id}/votes", "status": "409",
	}).Write(&out); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got := out.GetCounter().GetValue(); got != 3 {
		t.Errorf("expected 3 requests under one route label, got %v", got)
	}

	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != MetricHTTPRequestsTotal {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "route" && l.GetValue() == "/health" {
					t.Error("health checks must not be recorded")
				}
			}
		}
	}
}

func TestMetrics_StreamGauge(t *testing.T) {
	metrics := NewMetrics()
	metrics.StreamOpened()
	metrics.StreamOpened()
	metrics.StreamClosed()

	var out dto.Metric
	if err := metrics.streams.Write(&out); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got := out.GetGauge().GetValue(); got != 1 {
		t.Errorf("expected 1 open stream, got %v", got)
	}
}

func TestMetrics_RegisterTwiceFails(t *testing.T) {
	metrics := NewMetrics()
	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		t.Fatalf("first Register() error = %v", err)
	}
	if err := metrics.Register(reg); err == nil {
		t.Error("expected duplicate registration to fail")
	}
}
