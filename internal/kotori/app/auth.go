package app

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const tokenIssuer = "kotori"

// ErrUnauthenticated is returned when a request carries no usable identity.
var ErrUnauthenticated = errors.New("unauthenticated")

// Authenticator maps a request to a user id. With a secret it requires an
// HS256 bearer token whose subject is the user; without one it trusts the
// X-User-ID header, which is only suitable for local development.
type Authenticator struct {
	secret []byte
	now    func() time.Time
}

// NewAuthenticator returns an Authenticator. An empty secret selects the
// development header.
func NewAuthenticator(secret string) *Authenticator {
	a := &Authenticator{now: time.Now}
	if secret != "" {
		a.secret = []byte(secret)
	}
	return a
}

// Development reports whether the X-User-ID header is trusted.
func (a *Authenticator) Development() bool { return a.secret == nil }

// IssueToken signs a token for userID valid for ttl.
func (a *Authenticator) IssueToken(userID string, ttl time.Duration) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", errors.New("user id is required")
	}
	if a.secret == nil {
		return "", errors.New("no token secret configured")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be greater than zero")
	}
	now := a.now().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        uuid.NewString(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// UserID authenticates r.
func (a *Authenticator) UserID(r *http.Request) (string, error) {
	if a.secret == nil {
		if u := strings.TrimSpace(r.Header.Get("X-User-ID")); u != "" {
			return u, nil
		}
		return "", ErrUnauthenticated
	}

	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return "", ErrUnauthenticated
	}
	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(strings.TrimSpace(raw), &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrUnauthenticated
		}
		return a.secret, nil
	},
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil || !token.Valid {
		return "", ErrUnauthenticated
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", ErrUnauthenticated
	}
	return claims.Subject, nil
}
