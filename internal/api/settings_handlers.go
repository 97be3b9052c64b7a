package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/onnwee/fanthemes/internal/identity"
	"github.com/onnwee/fanthemes/internal/settings"
	"github.com/onnwee/fanthemes/internal/theme"
)

// SettingsHandlers serves the signed-in fan's theme selection.
type SettingsHandlers struct {
	settings *settings.Repository
	themes   *theme.Service
	logger   *slog.Logger
}

// NewSettingsHandlers creates settings handlers.
func NewSettingsHandlers(repo *settings.Repository, themes *theme.Service, logger *slog.Logger) *SettingsHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &SettingsHandlers{settings: repo, themes: themes, logger: logger}
}

// SelectThemeRequest is the body of PUT /me/settings/theme. A null themeId
// clears the selection.
type SelectThemeRequest struct {
	ThemeID *string `json:"themeId"`
}

// Get handles GET /me/settings.
func (h *SettingsHandlers) Get(w http.ResponseWriter, r *http.Request) {
	uid, err := identity.RequireUID(identity.FromContext(r.Context()))
	if err != nil {
		writeDomainError(w, r, h.logger, err, "get settings")
		return
	}
	s, err := h.settings.Get(r.Context(), uid)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "get settings")
		return
	}
	writeJSON(w, r, http.StatusOK, s)
}

// SelectTheme handles PUT /me/settings/theme. Only existing themes can be
// selected; whether the theme is live is decided when it is applied.
func (h *SettingsHandlers) SelectTheme(w http.ResponseWriter, r *http.Request) {
	uid, err := identity.RequireUID(identity.FromContext(r.Context()))
	if err != nil {
		writeDomainError(w, r, h.logger, err, "select theme")
		return
	}

	var req SelectThemeRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeMalformedInput, "Invalid JSON in request body")
		return
	}

	if req.ThemeID != nil {
		if _, err := h.themes.Get(r.Context(), *req.ThemeID); err != nil {
			writeDomainError(w, r, h.logger, err, "select theme")
			return
		}
	}

	s, err := h.settings.Select(r.Context(), uid, req.ThemeID)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "select theme")
		return
	}
	writeJSON(w, r, http.StatusOK, s)
}
