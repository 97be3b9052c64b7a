package middleware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/fanthemes/internal/auth"
	"github.com/onnwee/fanthemes/internal/identity"
)

// clientIDMaxAge keeps the anonymous client id for two years.
const clientIDMaxAge = 2 * 365 * 24 * time.Hour

// TokenValidator validates bearer tokens.
type TokenValidator interface {
	ValidateToken(token string) (*auth.Claims, error)
}

// SessionConfig configures the Session middleware.
type SessionConfig struct {
	// SecureCookie sets the Secure attribute on the client id cookie.
	SecureCookie bool
	// CookieDomain optionally scopes the cookie to a parent domain.
	CookieDomain string
}

// Session resolves the acting fan for every request and stores an
// identity.Session in the request context.
//
// The anonymous client id comes from the fan_client_id cookie. It is created
// once when missing or malformed and never regenerated while present. A
// bearer token in the Authorization header (or the access_token query
// parameter on websocket upgrades, where browsers cannot set headers) adds the
// signed-in uid, role and VIP flag. An invalid token is rejected with 401
// rather than silently downgraded to anonymous.
func Session(validator TokenValidator, cfg SessionConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID := ""
			if c, err := r.Cookie(identity.ClientIDCookie); err == nil && identity.ValidClientID(c.Value) {
				clientID = c.Value
			} else {
				clientID = identity.NewClientID()
				http.SetCookie(w, &http.Cookie{
					Name:     identity.ClientIDCookie,
					Value:    clientID,
					Path:     "/",
					Domain:   cfg.CookieDomain,
					MaxAge:   int(clientIDMaxAge.Seconds()),
					HttpOnly: true,
					Secure:   cfg.SecureCookie,
					SameSite: http.SameSiteLaxMode,
				})
			}

			session := identity.Session{ClientID: clientID, Role: identity.RoleFan}
			if token := bearerToken(r); token != "" {
				claims, err := validator.ValidateToken(token)
				if err != nil {
					code := "invalid_token"
					if errors.Is(err, auth.ErrExpiredToken) {
						code = "token_expired"
					}
					logger.DebugContext(r.Context(), "rejected bearer token",
						slog.String("error", err.Error()),
					)
					SetIdentity(r.Context(), "", clientID)
					SetErrorCode(r.Context(), code)
					writeError(w, http.StatusUnauthorized, code, "Invalid or expired access token")
					return
				}
				session = claims.Session(clientID)
			}

			SetIdentity(r.Context(), session.UID, session.ClientID)
			next.ServeHTTP(w, r.WithContext(identity.WithSession(r.Context(), session)))
		})
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return r.URL.Query().Get("access_token")
	}
	return ""
}

// writeError writes the API's JSON error envelope. The api package owns the
// full error vocabulary; middleware only needs a handful of codes.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]map[string]string{
		"error": {"code": code, "message": message},
	})
}
