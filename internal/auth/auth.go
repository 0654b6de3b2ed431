// Package auth identifies the shopper behind a request from a signed
// session token, and guards internal routes with a shared secret.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultSessionTTL is how long an issued session token is valid.
const DefaultSessionTTL = 24 * time.Hour

const issuer = "stepup"

var (
	ErrMissingToken = errors.New("session token required")
	ErrInvalidToken = errors.New("invalid session token")
)

// Claims are the session token claims. The subject is the user id.
type Claims struct {
	jwt.RegisteredClaims
}

// Sessions issues and validates HS256 session tokens.
type Sessions struct {
	secret []byte
	now    func() time.Time
}

// NewSessions creates a session codec keyed by secret.
func NewSessions(secret string) *Sessions {
	return &Sessions{secret: []byte(secret), now: time.Now}
}

// WithClock overrides the time source (tests).
func (s *Sessions) WithClock(now func() time.Time) *Sessions {
	s.now = now
	return s
}

// Issue signs a session token for userID valid for ttl.
func (s *Sessions) Issue(userID string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("user id is required")
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	now := s.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign session: %w", err)
	}
	return signed, nil
}

// Validate parses a session token and returns its user id.
func (s *Sessions) Validate(token string) (string, error) {
	if token == "" {
		return "", ErrMissingToken
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return "", ErrInvalidToken
	}
	if claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
