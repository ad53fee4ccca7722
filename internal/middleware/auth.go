// Package middleware provides HTTP middleware for the gas station
package middleware

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/R3E-Network/gasstation/internal/errors"
	"github.com/R3E-Network/gasstation/internal/httputil"
	"github.com/R3E-Network/gasstation/internal/logging"
)

const tokenIssuer = "gas-station"

// Claims are the claims carried by a client token.
type Claims struct {
	jwt.RegisteredClaims
}

// TokenAuthority issues and validates client tokens. With an empty secret it
// accepts any non-empty token, which lets operators hand out opaque tokens.
type TokenAuthority struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenAuthority creates a token authority. ttl <= 0 issues tokens
// without expiry.
func NewTokenAuthority(secret string, ttl time.Duration) *TokenAuthority {
	return &TokenAuthority{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Enabled reports whether tokens are signed and verified.
func (a *TokenAuthority) Enabled() bool {
	return len(a.secret) > 0
}

// Issue returns a new signed client token with a random subject.
func (a *TokenAuthority) Issue() (string, error) {
	if !a.Enabled() {
		return "", fmt.Errorf("token signing secret not configured")
	}
	now := a.now()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:  uuid.NewString(),
		Issuer:   tokenIssuer,
		IssuedAt: jwt.NewNumericDate(now),
	}}
	if a.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(a.ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Validate checks a client token.
func (a *TokenAuthority) Validate(tokenString string) error {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return errors.Unauthorized("token is required")
	}
	if !a.Enabled() {
		return nil
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithTimeFunc(a.now))
	if err != nil || !token.Valid {
		return errors.Unauthorized("invalid token").Wrap(err)
	}
	return nil
}

// AdminAuth guards operator endpoints with a static bearer token.
type AdminAuth struct {
	token  string
	logger *logging.Logger
}

// NewAdminAuth creates the guard. An empty token lets every request through.
func NewAdminAuth(token string, logger *logging.Logger) *AdminAuth {
	return &AdminAuth{token: token, logger: logger}
}

// Handler returns the middleware handler
func (m *AdminAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.token == "" {
			next.ServeHTTP(w, r)
			return
		}

		parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" ||
			subtle.ConstantTimeCompare([]byte(parts[1]), []byte(m.token)) != 1 {
			m.logger.LogSecurityEvent(r.Context(), "admin_auth_failed", map[string]interface{}{
				"path":   r.URL.Path,
				"method": r.Method,
			})
			httputil.WriteError(w, errors.Unauthorized("invalid admin credentials"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
