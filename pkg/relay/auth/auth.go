// Package auth verifies client-presented JWTs before a session is allowed to
// bridge upstream.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("auth: missing token")
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Claims is the subset of the token payload the relay cares about.
type Claims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

// Verifier checks HMAC-signed tokens minted by the account service.
type Verifier struct {
	secret []byte
}

// NewVerifier returns a Verifier, or nil when secret is empty (auth
// disabled).
func NewVerifier(secret string) *Verifier {
	if strings.TrimSpace(secret) == "" {
		return nil
	}
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates token, returning the authenticated user id.
func (v *Verifier) Verify(token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", ErrMissingToken
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return "", ErrInvalidToken
	}
	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return "", fmt.Errorf("%w: no user identity in claims", ErrInvalidToken)
	}
	return userID, nil
}

// TokenFromRequest extracts the client token from the upgrade request. Both
// the ?token= query parameter and an Authorization bearer header are
// accepted; browsers cannot set headers on WebSocket upgrades, native
// clients prefer the header.
func TokenFromRequest(r *http.Request) string {
	if tok := strings.TrimSpace(r.URL.Query().Get("token")); tok != "" {
		return tok
	}
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
