package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/fanthemes/internal/applier"
	"github.com/onnwee/fanthemes/internal/audit"
	"github.com/onnwee/fanthemes/internal/clock"
	"github.com/onnwee/fanthemes/internal/docstore"
	"github.com/onnwee/fanthemes/internal/identity"
	"github.com/onnwee/fanthemes/internal/settings"
	"github.com/onnwee/fanthemes/internal/theme"
	"github.com/onnwee/fanthemes/internal/vote"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

var (
	operator = identity.Session{UID: "op-1", ClientID: "client-op", Role: identity.RoleOperator}
	fan      = identity.Session{UID: "fan-1", ClientID: "client-fan", Role: identity.RoleFan}
	vipFan   = identity.Session{UID: "vip-1", ClientID: "client-vip", Role: identity.RoleFan, VIP: true}
	anon     = identity.Session{ClientID: "client-anon", Role: identity.RoleFan}
	nobody   = identity.Session{Role: identity.RoleFan}
)

// Theme bodies relative to testNow.
const (
	liveBody      = `{"name":"Autumn","releaseAt":"2026-03-01T00:00:00Z","rolloutPercent":100}`
	scheduledBody = `{"name":"Spring","releaseAt":"2026-04-01T00:00:00Z","rolloutPercent":100}`
	draftBody     = `{"name":"Sketch","rolloutPercent":100}`
	vipBody       = `{"name":"Gold","releaseAt":"2026-03-01T00:00:00Z","rolloutPercent":100,"tier":"vip","featuredOnLogin":true}`
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type runnerFunc func(ctx context.Context, uid string, emit func(applier.Presentation)) error

func (f runnerFunc) Run(ctx context.Context, uid string, emit func(applier.Presentation)) error {
	return f(ctx, uid, emit)
}

type apiFixture struct {
	clock  *clock.ManualClock
	store  *docstore.MemoryStore
	themes *theme.Service
	ledger *vote.Ledger
	router http.Handler
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	return newAPIFixtureWith(t, nil)
}

// newAPIFixtureWith lets a test adjust the router config before the router
// is built.
func newAPIFixtureWith(t *testing.T, configure func(*RouterConfig)) *apiFixture {
	t.Helper()
	logger := discardLogger()
	c := clock.NewManualClock(testNow)
	store := docstore.NewMemoryStore(c)
	trail := audit.NewTrail(audit.NewDocRepository(store), c, logger, nil)
	themes := theme.NewService(theme.NewRepository(store, logger), trail, c, logger)
	ledger := vote.NewLedger(store, c, logger, nil)

	idle := runnerFunc(func(ctx context.Context, _ string, _ func(applier.Presentation)) error {
		<-ctx.Done()
		return ctx.Err()
	})

	cfg := RouterConfig{
		Themes:       NewThemeHandlers(themes, trail, logger),
		Votes:        NewVoteHandlers(ledger, vote.NewReconciler(store, logger, nil), themes, logger),
		Settings:     NewSettingsHandlers(settings.NewRepository(store, c), themes, logger),
		Presentation: NewPresentationHandlers(idle, nil, nil, logger),
		Health:       NewHealthHandlers(nil, logger),
	}
	if configure != nil {
		configure(&cfg)
	}
	return &apiFixture{clock: c, store: store, themes: themes, ledger: ledger, router: NewRouter(cfg)}
}

// do serves one request as session s.
func (f *apiFixture) do(t *testing.T, s identity.Session, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	req = req.WithContext(identity.WithSession(req.Context(), s))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

// putTheme creates or replaces a theme as the operator.
func (f *apiFixture) putTheme(t *testing.T, id, body string) {
	t.Helper()
	rec := f.do(t, operator, http.MethodPut, "/themes/"+id, body)
	if rec.Code != http.StatusCreated && rec.Code != http.StatusOK {
		t.Fatalf("PUT /themes/%s status = %d, body = %s", id, rec.Code, rec.Body.String())
	}
}

type themeView struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	VoteCount int64  `json:"voteCount"`
	Tier      string `json:"tier"`
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func assertError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, status, rec.Body.String())
	}
	resp := decodeBody[ErrorResponse](t, rec)
	if resp.Error.Code != code {
		t.Errorf("error code = %q, want %q", resp.Error.Code, code)
	}
}
