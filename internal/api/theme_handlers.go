package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/onnwee/fanthemes/internal/audit"
	"github.com/onnwee/fanthemes/internal/identity"
	"github.com/onnwee/fanthemes/internal/theme"
	"github.com/onnwee/fanthemes/internal/validate"
)

// maxThemeBodyBytes bounds PUT /themes/{id} bodies.
const maxThemeBodyBytes = 64 << 10

// Audit history limits for GET /themes/{id}/audit.
const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

// AuditHistory reads a theme's audit records oldest first.
type AuditHistory interface {
	History(ctx context.Context, themeID string, limit int) ([]*audit.Record, error)
}

// ThemeHandlers serves theme reads, operator mutations and audit exports.
type ThemeHandlers struct {
	themes *theme.Service
	audit  AuditHistory
	logger *slog.Logger
}

// NewThemeHandlers creates theme handlers.
func NewThemeHandlers(themes *theme.Service, history AuditHistory, logger *slog.Logger) *ThemeHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &ThemeHandlers{themes: themes, audit: history, logger: logger}
}

// ListResponse wraps a list of themes.
type ListResponse struct {
	Themes []theme.View `json:"themes"`
}

// List handles GET /themes. Operators see every theme; everyone else only
// sees live ones.
func (h *ThemeHandlers) List(w http.ResponseWriter, r *http.Request) {
	views, err := h.themes.List(r.Context())
	if err != nil {
		writeDomainError(w, r, h.logger, err, "list themes")
		return
	}
	if !identity.FromContext(r.Context()).IsOperator() {
		live := views[:0]
		for _, v := range views {
			if v.Status == theme.StatusLive {
				live = append(live, v)
			}
		}
		views = live
	}
	writeJSON(w, r, http.StatusOK, ListResponse{Themes: views})
}

// Featured handles GET /themes/featured: live featured-on-login themes the
// caller is eligible for.
func (h *ThemeHandlers) Featured(w http.ResponseWriter, r *http.Request) {
	views, err := h.themes.FeaturedOnLogin(r.Context(), identity.FromContext(r.Context()))
	if err != nil {
		writeDomainError(w, r, h.logger, err, "list featured themes")
		return
	}
	writeJSON(w, r, http.StatusOK, ListResponse{Themes: views})
}

// Get handles GET /themes/{id}. Non-live themes are hidden from fans.
func (h *ThemeHandlers) Get(w http.ResponseWriter, r *http.Request) {
	view, err := h.themes.Get(r.Context(), r.PathValue("id"))
	if err == nil && view.Status != theme.StatusLive && !identity.FromContext(r.Context()).IsOperator() {
		err = theme.ErrNotFound
	}
	if err != nil {
		writeDomainError(w, r, h.logger, err, "get theme")
		return
	}
	writeJSON(w, r, http.StatusOK, view)
}

// Put handles PUT /themes/{id}: create or replace a theme (operator only).
// Responds 201 on create and 200 on update.
func (h *ThemeHandlers) Put(w http.ResponseWriter, r *http.Request) {
	session := identity.FromContext(r.Context())
	if !session.IsOperator() {
		writeDomainError(w, r, h.logger, theme.ErrForbidden, "save theme")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxThemeBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, r.Context(), http.StatusRequestEntityTooLarge, ErrCodeMalformedInput, "Theme body too large")
			return
		}
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeMalformedInput, "Could not read request body")
		return
	}

	t, err := theme.ParseInput(r.PathValue("id"), body)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "parse theme")
		return
	}
	view, created, err := h.themes.Save(r.Context(), session, t)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "save theme")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, r, status, view)
}

// Delete handles DELETE /themes/{id} (operator only).
func (h *ThemeHandlers) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.themes.Delete(r.Context(), identity.FromContext(r.Context()), r.PathValue("id")); err != nil {
		writeDomainError(w, r, h.logger, err, "delete theme")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Eligibility handles GET /themes/{id}/eligibility for the calling session.
func (h *ThemeHandlers) Eligibility(w http.ResponseWriter, r *http.Request) {
	e, err := h.themes.Eligibility(r.Context(), identity.FromContext(r.Context()), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, h.logger, err, "evaluate eligibility")
		return
	}
	writeJSON(w, r, http.StatusOK, e)
}

// Audit handles GET /themes/{id}/audit?format=json|csv&limit=N (operator
// only). The X-Audit-Chain header reports whether the returned records link
// into an unbroken hash chain.
func (h *ThemeHandlers) Audit(w http.ResponseWriter, r *http.Request) {
	if !identity.FromContext(r.Context()).IsOperator() {
		writeDomainError(w, r, h.logger, theme.ErrForbidden, "read audit")
		return
	}
	id, err := validate.DocID(r.PathValue("id"))
	if err != nil {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeMalformedInput, "Invalid theme id")
		return
	}

	limit := defaultAuditLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxAuditLimit {
			WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeMalformedInput, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	format := audit.ExportFormat(r.URL.Query().Get("format"))

	records, err := h.audit.History(r.Context(), id, limit)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "read audit")
		return
	}
	data, err := audit.Export(records, format)
	if err != nil {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeMalformedInput, err.Error())
		return
	}

	chain := "ok"
	if err := audit.VerifyChain(records); err != nil {
		chain = "broken"
		h.logger.WarnContext(r.Context(), "audit chain verification failed",
			slog.String("theme_id", id),
			slog.String("error", err.Error()),
		)
	}
	w.Header().Set("X-Audit-Chain", chain)

	if format == audit.ExportFormatCSV {
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="`+id+`-audit.csv"`)
	} else {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to write audit export", slog.String("error", err.Error()))
	}
}
