package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/onnwee/fanthemes/internal/identity"
	"github.com/onnwee/fanthemes/internal/theme"
	"github.com/onnwee/fanthemes/internal/vote"
)

// VoteLedger is the subset of vote.Ledger used over HTTP.
type VoteLedger interface {
	CastNow(ctx context.Context, id identity.Identity, themeID string) (*vote.Vote, error)
	CheckVoted(ctx context.Context, id identity.Identity, themeID, day string) (bool, error)
	Today() string
}

// VoteReconciler migrates anonymous votes to a signed-in uid.
type VoteReconciler interface {
	Reconcile(ctx context.Context, uid, clientID string) (int, error)
}

// VoteHandlers serves vote casting, vote status and reconciliation.
type VoteHandlers struct {
	ledger     VoteLedger
	reconciler VoteReconciler
	themes     *theme.Service
	logger     *slog.Logger
}

// NewVoteHandlers creates vote handlers.
func NewVoteHandlers(ledger VoteLedger, reconciler VoteReconciler, themes *theme.Service, logger *slog.Logger) *VoteHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &VoteHandlers{ledger: ledger, reconciler: reconciler, themes: themes, logger: logger}
}

// VoteStatusResponse reports whether the caller voted today.
type VoteStatusResponse struct {
	ThemeID string `json:"themeId"`
	Day     string `json:"day"`
	Voted   bool   `json:"voted"`
}

// ReconcileResponse reports how many votes moved to the signed-in uid.
type ReconcileResponse struct {
	Migrated int `json:"migrated"`
}

// Cast handles POST /themes/{id}/votes: one counted vote per identity per
// theme per UTC day. A repeat vote answers 409 already_voted.
func (h *VoteHandlers) Cast(w http.ResponseWriter, r *http.Request) {
	id, err := identity.Resolve(identity.FromContext(r.Context()))
	if err != nil {
		writeDomainError(w, r, h.logger, err, "cast vote")
		return
	}
	themeID := r.PathValue("id")
	if _, err := h.themes.Get(r.Context(), themeID); err != nil {
		writeDomainError(w, r, h.logger, err, "cast vote")
		return
	}

	v, err := h.ledger.CastNow(r.Context(), id, themeID)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "cast vote")
		return
	}
	writeJSON(w, r, http.StatusCreated, v)
}

// Mine handles GET /themes/{id}/votes/me for the current UTC day.
func (h *VoteHandlers) Mine(w http.ResponseWriter, r *http.Request) {
	id, err := identity.Resolve(identity.FromContext(r.Context()))
	if err != nil {
		writeDomainError(w, r, h.logger, err, "check vote")
		return
	}
	themeID, day := r.PathValue("id"), h.ledger.Today()
	voted, err := h.ledger.CheckVoted(r.Context(), id, themeID, day)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "check vote")
		return
	}
	writeJSON(w, r, http.StatusOK, VoteStatusResponse{ThemeID: themeID, Day: day, Voted: voted})
}

// Reconcile handles POST /me/reconcile: after sign-in, attribute the votes
// cast under this browser's client id to the signed-in uid.
func (h *VoteHandlers) Reconcile(w http.ResponseWriter, r *http.Request) {
	session := identity.FromContext(r.Context())
	uid, err := identity.RequireUID(session)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "reconcile votes")
		return
	}
	n, err := h.reconciler.Reconcile(r.Context(), uid, session.ClientID)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "reconcile votes")
		return
	}
	writeJSON(w, r, http.StatusOK, ReconcileResponse{Migrated: n})
}
