// Package auth validates the bearer tokens issued by the sign-in provider
// and turns them into fan sessions.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/onnwee/fanthemes/internal/identity"
)

// AccessTokenExpiry is the lifetime of tokens minted by GenerateAccessToken.
const AccessTokenExpiry = 15 * time.Minute

// Default leeway for token validation.
const DefaultLeeway = 30 * time.Second

// ErrInvalidToken is returned when token validation fails.
var ErrInvalidToken = errors.New("invalid token")

// ErrExpiredToken is returned when the token has expired.
var ErrExpiredToken = errors.New("token has expired")

// ErrEmptyUserID is returned when uid is empty.
var ErrEmptyUserID = errors.New("uid cannot be empty")

// Claims are the JWT claims for a signed-in fan. Subject carries the uid.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
	VIP  bool   `json:"vip,omitempty"`
}

// JWTService handles JWT token operations.
// Tokens are signed with currentSecret and validated with either
// currentSecret or previousSecret so the secret can rotate without downtime.
type JWTService struct {
	currentSecret  []byte
	previousSecret []byte
	leeway         time.Duration
	now            func() time.Time
}

// NewJWTService creates a JWTService with the default leeway.
// Set previousSecret to empty string if no rotation is in progress.
func NewJWTService(currentSecret, previousSecret string) *JWTService {
	return NewJWTServiceWithLeeway(currentSecret, previousSecret, DefaultLeeway)
}

// NewJWTServiceWithLeeway creates a JWTService with a custom leeway.
func NewJWTServiceWithLeeway(currentSecret, previousSecret string, leeway time.Duration) *JWTService {
	svc := &JWTService{
		currentSecret: []byte(currentSecret),
		leeway:        leeway,
		now:           time.Now,
	}
	if previousSecret != "" {
		svc.previousSecret = []byte(previousSecret)
	}
	return svc
}

// GenerateAccessToken mints a short-lived token for uid. Used by the dev
// tooling and tests; production tokens come from the sign-in provider.
func (s *JWTService) GenerateAccessToken(uid, role string, vip bool) (string, error) {
	if uid == "" {
		return "", ErrEmptyUserID
	}

	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uid,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(AccessTokenExpiry)),
		},
		Role: role,
		VIP:  vip,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.currentSecret)
}

// ValidateToken parses and validates a JWT token, returning the claims if valid.
// Tries currentSecret first, then previousSecret if available.
func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	claims, err := s.parse(tokenString, s.currentSecret)
	if err == nil {
		return claims, nil
	}

	if s.previousSecret != nil {
		if claims, prevErr := s.parse(tokenString, s.previousSecret); prevErr == nil {
			return claims, nil
		}
	}

	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, ErrExpiredToken
	}
	return nil, ErrInvalidToken
}

func (s *JWTService) parse(tokenString string, secret []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, ErrInvalidToken
		}
		return secret, nil
	}, jwt.WithLeeway(s.leeway), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Session converts validated claims into a session for clientID.
// Unknown roles degrade to the fan role.
func (c *Claims) Session(clientID string) identity.Session {
	role := identity.RoleFan
	if c.Role == identity.RoleOperator {
		role = identity.RoleOperator
	}
	return identity.Session{
		UID:      c.Subject,
		ClientID: clientID,
		Role:     role,
		VIP:      c.VIP,
	}
}
