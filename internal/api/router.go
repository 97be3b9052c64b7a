package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/fanthemes/internal/middleware"
)

// RouterConfig carries the handlers and the vote rate limiter.
type RouterConfig struct {
	Themes       *ThemeHandlers
	Votes        *VoteHandlers
	Settings     *SettingsHandlers
	Presentation *PresentationHandlers
	Health       *HealthHandlers

	// Gatherer backs /metrics; nil omits the endpoint.
	Gatherer prometheus.Gatherer

	// VoteLimiter wraps the vote cast route; nil disables limiting.
	VoteLimiter func(http.Handler) http.Handler
}

// NewRouter registers every route on a ServeMux. Anything unmatched,
// including a known path with the wrong method, gets the JSON 404.
func NewRouter(cfg RouterConfig) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /themes", cfg.Themes.List)
	mux.HandleFunc("GET /themes/featured", cfg.Themes.Featured)
	mux.HandleFunc("GET /themes/{id}", cfg.Themes.Get)
	mux.HandleFunc("PUT /themes/{id}", cfg.Themes.Put)
	mux.HandleFunc("DELETE /themes/{id}", cfg.Themes.Delete)
	mux.HandleFunc("GET /themes/{id}/audit", cfg.Themes.Audit)
	mux.HandleFunc("GET /themes/{id}/eligibility", cfg.Themes.Eligibility)

	var cast http.Handler = http.HandlerFunc(cfg.Votes.Cast)
	if cfg.VoteLimiter != nil {
		cast = cfg.VoteLimiter(cast)
	}
	mux.Handle("POST /themes/{id}/votes", cast)
	mux.HandleFunc("GET /themes/{id}/votes/me", cfg.Votes.Mine)
	mux.HandleFunc("POST /me/reconcile", cfg.Votes.Reconcile)

	mux.HandleFunc("GET /me/settings", cfg.Settings.Get)
	mux.HandleFunc("PUT /me/settings/theme", cfg.Settings.SelectTheme)
	mux.HandleFunc("GET /me/presentation/ws", cfg.Presentation.Stream)

	mux.HandleFunc("GET /health", cfg.Health.Health)
	mux.HandleFunc("GET /ready", cfg.Health.Ready)
	if cfg.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r.Context(), http.StatusNotFound, ErrCodeNotFound, "Route not found")
	})
	return mux
}

// Chain wraps h so that mws[0] is the outermost middleware.
func Chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// VoteRateLimiter builds the per-identity limiter for vote casts.
func VoteRateLimiter(store middleware.RateLimitStore, cfg middleware.RateLimitConfig, metrics *middleware.Metrics) func(http.Handler) http.Handler {
	return middleware.RateLimiter(store, cfg, middleware.IdentityKeyFunc(), "/themes/{id}/votes", metrics)
}
