package api

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/onnwee/fanthemes/internal/clock"
	"github.com/onnwee/fanthemes/internal/docstore"
	"github.com/onnwee/fanthemes/internal/identity"
	"github.com/onnwee/fanthemes/internal/vote"
)

func TestVoteHandlers_CastOncePerDay(t *testing.T) {
	f := newAPIFixture(t)
	f.putTheme(t, "autumn", liveBody)

	rec := f.do(t, anon, http.MethodPost, "/themes/autumn/votes", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("first vote status = %d, want 201 (body %s)", rec.Code, rec.Body.String())
	}
	v := decodeBody[vote.Vote](t, rec)
	if v.ID != "client-anon_20260314" || v.UID != "" || v.ClientID != anon.ClientID || v.Day != "20260314" {
		t.Errorf("vote = %+v", v)
	}

	assertError(t, f.do(t, anon, http.MethodPost, "/themes/autumn/votes", ""), http.StatusConflict, ErrCodeAlreadyVoted)

	// A new UTC day opens a new vote.
	f.clock.Set(testNow.AddDate(0, 0, 1))
	if rec := f.do(t, anon, http.MethodPost, "/themes/autumn/votes", ""); rec.Code != http.StatusCreated {
		t.Errorf("next-day vote status = %d, want 201", rec.Code)
	}

	got := decodeBody[themeView](t, f.do(t, operator, http.MethodGet, "/themes/autumn", ""))
	if got.VoteCount != 2 {
		t.Errorf("voteCount = %d, want 2", got.VoteCount)
	}
}

func TestVoteHandlers_SignedInVoteKeyedByUID(t *testing.T) {
	f := newAPIFixture(t)
	f.putTheme(t, "autumn", liveBody)

	v := decodeBody[vote.Vote](t, f.do(t, fan, http.MethodPost, "/themes/autumn/votes", ""))
	if v.ID != "fan-1_20260314" || v.UID != fan.UID {
		t.Errorf("vote = %+v", v)
	}

	// Same uid from another browser is still the same voter.
	other := fan
	other.ClientID = "client-other"
	assertError(t, f.do(t, other, http.MethodPost, "/themes/autumn/votes", ""), http.StatusConflict, ErrCodeAlreadyVoted)
}

func TestVoteHandlers_CastErrors(t *testing.T) {
	f := newAPIFixture(t)
	f.putTheme(t, "autumn", liveBody)

	tests := []struct {
		name    string
		session identity.Session
		target  string
		status  int
		code    string
	}{
		{"unknown theme", anon, "/themes/nope/votes", http.StatusNotFound, ErrCodeNotFound},
		{"no identity", nobody, "/themes/autumn/votes", http.StatusUnauthorized, ErrCodeNotSignedIn},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertError(t, f.do(t, tt.session, http.MethodPost, tt.target, ""), tt.status, tt.code)
		})
	}
}

func TestVoteHandlers_Mine(t *testing.T) {
	f := newAPIFixture(t)
	f.putTheme(t, "autumn", liveBody)

	before := decodeBody[VoteStatusResponse](t, f.do(t, anon, http.MethodGet, "/themes/autumn/votes/me", ""))
	if before.Voted || before.Day != "20260314" || before.ThemeID != "autumn" {
		t.Errorf("before vote = %+v", before)
	}

	f.do(t, anon, http.MethodPost, "/themes/autumn/votes", "")
	after := decodeBody[VoteStatusResponse](t, f.do(t, anon, http.MethodGet, "/themes/autumn/votes/me", ""))
	if !after.Voted {
		t.Error("voted = false after casting")
	}

	assertError(t, f.do(t, nobody, http.MethodGet, "/themes/autumn/votes/me", ""), http.StatusUnauthorized, ErrCodeNotSignedIn)
}

func TestVoteHandlers_Reconcile(t *testing.T) {
	f := newAPIFixture(t)
	f.putTheme(t, "autumn", liveBody)
	f.putTheme(t, "gold", vipBody)

	browser := identity.Session{ClientID: "client-shared", Role: identity.RoleFan}
	for _, id := range []string{"autumn", "gold"} {
		if rec := f.do(t, browser, http.MethodPost, "/themes/"+id+"/votes", ""); rec.Code != http.StatusCreated {
			t.Fatalf("anonymous vote on %s status = %d", id, rec.Code)
		}
	}

	assertError(t, f.do(t, browser, http.MethodPost, "/me/reconcile", ""), http.StatusUnauthorized, ErrCodeNotSignedIn)

	signedIn := browser
	signedIn.UID = "fan-9"
	rec := f.do(t, signedIn, http.MethodPost, "/me/reconcile", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("reconcile status = %d (body %s)", rec.Code, rec.Body.String())
	}
	if got := decodeBody[ReconcileResponse](t, rec).Migrated; got != 2 {
		t.Errorf("migrated = %d, want 2", got)
	}

	again := decodeBody[ReconcileResponse](t, f.do(t, signedIn, http.MethodPost, "/me/reconcile", ""))
	if again.Migrated != 0 {
		t.Errorf("second reconcile migrated = %d, want 0", again.Migrated)
	}

	v, err := f.ledger.Get(t.Context(), identity.Identity{ClientID: "client-shared"}, "autumn", "20260314")
	if err != nil || v == nil {
		t.Fatalf("ledger.Get() = %v, %v", v, err)
	}
	if v.UID != "fan-9" || v.ClientID != "client-shared" {
		t.Errorf("reconciled vote = %+v", v)
	}

	// The reconciled vote is the uid's vote for today.
	status := decodeBody[VoteStatusResponse](t, f.do(t, signedIn, http.MethodGet, "/themes/autumn/votes/me", ""))
	if !status.Voted {
		t.Error("votes/me after reconcile = not voted, want voted")
	}
	assertError(t, f.do(t, signedIn, http.MethodPost, "/themes/autumn/votes", ""), http.StatusConflict, ErrCodeAlreadyVoted)
	got := decodeBody[themeView](t, f.do(t, operator, http.MethodGet, "/themes/autumn", ""))
	if got.VoteCount != 1 {
		t.Errorf("voteCount = %d, want 1", got.VoteCount)
	}
}

func TestVoteHandlers_ReconcileLogsOnce(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	c := clock.NewManualClock(testNow)
	store := docstore.NewMemoryStore(c)
	ledger := vote.NewLedger(store, c, logger, nil)
	if _, err := ledger.CastNow(t.Context(), identity.Identity{ClientID: "client-shared"}, "autumn"); err != nil {
		t.Fatalf("CastNow() error = %v", err)
	}
	h := NewVoteHandlers(ledger, vote.NewReconciler(store, logger, nil), nil, logger)

	s := identity.Session{UID: "fan-9", ClientID: "client-shared", Role: identity.RoleFan}
	req := httptest.NewRequest(http.MethodPost, "/me/reconcile", nil)
	req = req.WithContext(identity.WithSession(req.Context(), s))
	rec := httptest.NewRecorder()
	h.Reconcile(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
	}
	if n := strings.Count(buf.String(), "reconciled anonymous votes"); n != 1 {
		t.Errorf("reconcile logged %d times, want 1:\n%s", n, buf.String())
	}
}
