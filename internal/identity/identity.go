// Package identity resolves the identity token a fan acts under: the
// authenticated user id when signed in, otherwise the anonymous client id
// persisted on the fan's browser.
package identity

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ClientIDCookie is the cookie that persists the anonymous client id.
const ClientIDCookie = "fan_client_id"

// Roles carried in a Session.
const (
	RoleFan      = "fan"
	RoleOperator = "operator"
)

// ErrNotSignedIn is returned when an operation needs an identity (or an
// authenticated uid) and the session carries none.
var ErrNotSignedIn = errors.New("not signed in")

// Session is the explicit per-request context threaded through calls.
// Nothing below the HTTP layer reads cookies or headers directly.
type Session struct {
	UID      string
	ClientID string
	Role     string
	VIP      bool
}

// IsOperator reports whether the session may mutate themes.
func (s Session) IsOperator() bool {
	return s.Role == RoleOperator
}

// Identity is the resolved acting identity.
type Identity struct {
	UID      string `json:"uid"`
	ClientID string `json:"clientId,omitempty"`
}

// Token returns the uid when signed in, otherwise the client id.
func (i Identity) Token() string {
	if i.UID != "" {
		return i.UID
	}
	return i.ClientID
}

// Anonymous reports whether the identity has no authenticated uid.
func (i Identity) Anonymous() bool {
	return i.UID == ""
}

// Resolve produces the acting identity for a session.
func Resolve(s Session) (Identity, error) {
	if s.UID == "" && s.ClientID == "" {
		return Identity{}, ErrNotSignedIn
	}
	return Identity{UID: s.UID, ClientID: s.ClientID}, nil
}

// RequireUID returns the authenticated uid or ErrNotSignedIn.
func RequireUID(s Session) (string, error) {
	if s.UID == "" {
		return "", ErrNotSignedIn
	}
	return s.UID, nil
}

// NewClientID generates a fresh anonymous client id.
func NewClientID() string {
	return uuid.NewString()
}

// ValidClientID reports whether v looks like a client id we issued.
func ValidClientID(v string) bool {
	_, err := uuid.Parse(v)
	return err == nil
}

type sessionKey struct{}

// WithSession stores the session in ctx.
func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// FromContext returns the session stored in ctx, or the zero Session.
func FromContext(ctx context.Context) Session {
	s, _ := ctx.Value(sessionKey{}).(Session)
	return s
}
