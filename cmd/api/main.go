// Package main is the entry point for the theme API server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/fanthemes/internal/api"
	"github.com/onnwee/fanthemes/internal/applier"
	"github.com/onnwee/fanthemes/internal/asset"
	"github.com/onnwee/fanthemes/internal/audit"
	"github.com/onnwee/fanthemes/internal/auth"
	"github.com/onnwee/fanthemes/internal/clock"
	"github.com/onnwee/fanthemes/internal/config"
	"github.com/onnwee/fanthemes/internal/db"
	"github.com/onnwee/fanthemes/internal/docstore"
	"github.com/onnwee/fanthemes/internal/health"
	"github.com/onnwee/fanthemes/internal/middleware"
	"github.com/onnwee/fanthemes/internal/settings"
	"github.com/onnwee/fanthemes/internal/theme"
	"github.com/onnwee/fanthemes/internal/tracing"
	"github.com/onnwee/fanthemes/internal/vote"
	"github.com/onnwee/fanthemes/migrations"
)

const serviceName = "fanthemes-api"

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to an optional YAML config file")
	help := flag.Bool("help", false, "display help message")
	flag.Parse()

	if *help {
		fmt.Println("Fan Themes API Server")
		fmt.Println()
		fmt.Println("Usage: api [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, errs := config.Load(*configPath)
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
		}
		os.Exit(1)
	}

	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)
	logger.Info("configuration loaded", "config", cfg.LogSummary(), "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

// run wires the server and blocks until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close(logger)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return serve(ctx, ln, a.handler, logger)
}

// app is the wired server: the full middleware chain plus whatever must be
// released on shutdown.
type app struct {
	handler http.Handler
	closers []func(context.Context) error
}

// close releases resources in reverse order of acquisition.
func (a *app) close(logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			logger.Warn("shutdown step failed", "error", err)
		}
	}
}

// newApp builds every component from cfg. Background work it starts stops
// when ctx is cancelled.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.close(logger)
		}
	}()

	tp, err := tracing.NewProvider(ctx, tracing.Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Enabled:        cfg.TracingEnabled,
		Environment:    cfg.Env,
		ExporterType:   cfg.TracingExporter,
		OTLPEndpoint:   cfg.TracingEndpoint,
		SamplingRate:   cfg.TracingSamplingRate,
		InsecureMode:   cfg.TracingInsecure,
	}, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, tp.Shutdown)

	clk := clock.SystemClock{}
	checkers := map[string]api.HealthChecker{}

	// Document store
	var store docstore.Store
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		rs, err := docstore.NewRedisStore(cfg.RedisURL, clk, logger)
		if err != nil {
			return nil, fmt.Errorf("document store: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return rs.Close() })
		store, redisClient = rs, rs.Client()
		checkers["redis"] = health.NewRedisChecker(redisClient)
	} else {
		logger.Warn("REDIS_URL not set, using in-memory document store")
		store = docstore.NewMemoryStore(clk)
	}

	// Metrics
	registry := prometheus.NewRegistry()
	mwMetrics, voteMetrics, auditMetrics := middleware.NewMetrics(), vote.NewMetrics(), audit.NewMetrics()
	for _, r := range []interface {
		Register(prometheus.Registerer) error
	}{mwMetrics, voteMetrics, auditMetrics} {
		if err := r.Register(registry); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	// Audit trail: Postgres when configured, otherwise the document store.
	var auditRepo audit.Repository = audit.NewDocRepository(store)
	if cfg.DatabaseURL != "" {
		sqlDB, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return sqlDB.Close() })
		if err := db.ApplyMigrations(ctx, sqlDB, migrations.FS); err != nil {
			return nil, err
		}
		auditRepo = audit.NewPostgresRepository(sqlDB)
		checkers["database"] = health.NewDBChecker(sqlDB)
		logger.Info("theme audit stored in postgres")
	}
	trail := audit.NewTrail(auditRepo, clk, logger, auditMetrics)

	// Assets
	var resolver asset.Resolver = asset.Passthrough{}
	if cfg.AssetsConfigured() {
		br, err := asset.NewBucketResolver(asset.Config{
			BucketName:       cfg.AssetBucket,
			AccessKeyID:      cfg.AssetAccessKeyID,
			SecretAccessKey:  cfg.AssetSecretAccessKey,
			Endpoint:         cfg.AssetEndpoint,
			URLExpiryMinutes: cfg.AssetURLExpiryMinutes,
			PublicBaseURL:    cfg.AssetPublicBaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("asset resolver: %w", err)
		}
		resolver = br
	}

	// Domain services
	themes := theme.NewService(theme.NewRepository(store, logger), trail, clk, logger)
	ledger := vote.NewLedger(store, clk, logger, voteMetrics)
	reconciler := vote.NewReconciler(store, logger, voteMetrics)
	presenter := applier.New(store, resolver, clk, logger)

	// Vote rate limiting shares Redis across replicas when available.
	var limitStore middleware.RateLimitStore
	if redisClient != nil {
		limitStore = middleware.NewRedisRateLimitStore(redisClient, mwMetrics, logger)
	} else {
		mem := middleware.NewInMemoryRateLimitStore()
		go cleanupLoop(ctx, mem, 5*time.Minute)
		limitStore = mem
	}
	voteLimit := middleware.RateLimitConfig{RequestsPerWindow: cfg.VoteRateLimitPerMinute, WindowDuration: time.Minute}

	router := api.NewRouter(api.RouterConfig{
		Themes:       api.NewThemeHandlers(themes, trail, logger),
		Votes:        api.NewVoteHandlers(ledger, reconciler, themes, logger),
		Settings:     api.NewSettingsHandlers(settings.NewRepository(store, clk), themes, logger),
		Presentation: api.NewPresentationHandlers(presenter, cfg.CORSAllowedOrigins, mwMetrics, logger),
		Health:       api.NewHealthHandlers(checkers, logger),
		Gatherer:     registry,
		VoteLimiter:  api.VoteRateLimiter(limitStore, voteLimit, mwMetrics),
	})

	jwtService := auth.NewJWTService(cfg.JWTSecret, cfg.JWTPreviousSecret)

	// Request flow: RequestID -> Tracing -> HTTPMetrics -> Logging -> CORS -> Session -> router
	a.handler = api.Chain(router,
		middleware.RequestID,
		middleware.Tracing(serviceName),
		middleware.HTTPMetrics(mwMetrics),
		middleware.Logging(logger),
		middleware.CORS(middleware.DefaultCORSConfig(cfg.CORSAllowedOrigins)),
		middleware.Session(jwtService, middleware.SessionConfig{
			SecureCookie: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		}, logger),
	)
	return a, nil
}

// serve runs the HTTP server on ln until ctx is cancelled, then shuts down
// gracefully. Open presentation streams are cancelled on shutdown since the
// server does not track hijacked connections.
func serve(ctx context.Context, ln net.Listener, handler http.Handler, logger *slog.Logger) error {
	streamCtx, cancelStreams := context.WithCancel(context.Background())
	defer cancelStreams()

	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return streamCtx },
	}
	server.RegisterOnShutdown(cancelStreams)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

// cleanupLoop evicts expired in-memory rate limit buckets.
func cleanupLoop(ctx context.Context, store *middleware.InMemoryRateLimitStore, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			store.Cleanup()
		}
	}
}
