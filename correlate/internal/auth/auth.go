// Package auth guards the correlate admin endpoints with HS256 bearer tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/telhawk-systems/chainhawk/common/httputil"
)

// RoleAdmin may clear engine state and reload the catalog.
const RoleAdmin = "admin"

// Issuer is stamped on generated tokens.
const Issuer = "chainhawk"

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrMissingToken = errors.New("missing bearer token")
)

type contextKey string

const claimsKey contextKey = "claims"

// Claims are the JWT claims understood by the service.
type Claims struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles"`
	jwt.RegisteredClaims
}

// HasRole reports whether the claims carry role.
func (c *Claims) HasRole(role string) bool {
	return c != nil && slices.Contains(c.Roles, role)
}

// Validator signs and verifies tokens with a shared secret.
type Validator struct {
	secret []byte
	now    func() time.Time
}

// NewValidator creates a Validator. An empty secret disables authentication.
func NewValidator(secret string) *Validator {
	return &Validator{secret: []byte(secret), now: time.Now}
}

// Enabled reports whether a secret is configured.
func (v *Validator) Enabled() bool {
	return v != nil && len(v.secret) > 0
}

// Generate creates a signed token for userID with the given roles.
func (v *Validator) Generate(userID string, roles []string, ttl time.Duration) (string, error) {
	if !v.Enabled() {
		return "", fmt.Errorf("cannot sign tokens without a secret")
	}
	now := v.now()
	claims := Claims{
		UserID: userID,
		Roles:  roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    Issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// Validate parses and verifies a token.
func (v *Validator) Validate(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now), jwt.WithIssuer(Issuer))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// RequireRole only lets requests carrying a valid token with role through.
// With authentication disabled every request passes.
func (v *Validator) RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !v.Enabled() {
				next.ServeHTTP(w, r)
				return
			}

			claims, err := v.Validate(httputil.BearerToken(r))
			if err != nil {
				httputil.WriteJSONAPIUnauthorizedError(w, "Invalid or missing bearer token")
				return
			}
			if !claims.HasRole(role) {
				httputil.WriteJSONAPIForbiddenError(w, fmt.Sprintf("Role %q required", role))
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
		})
	}
}

// ClaimsFromContext returns the claims stored by RequireRole.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*Claims)
	return c, ok
}
