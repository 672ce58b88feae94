// Package resource validates gateway-issued bearer tokens for downstream API
// handlers, such as the image API the gallery calls with the session's access
// token.
package resource

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// Validation failures surfaced to middleware.
var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims is the validated view of an access token.
type Claims struct {
	Scope    string `json:"scope"`
	ClientID string `json:"client_id"`
	jwt.RegisteredClaims
}

// Config configures the validator.
type Config struct {
	// Issuer tokens must carry, typically the IDP public URL.
	Issuer string
	// JWKSURL is the IDP's published key set.
	JWKSURL string
	// Audience, when set, must appear in the token's aud claim.
	Audience string
}

// Validator verifies RS256 access tokens against the IDP's remote JWKS.
type Validator struct {
	cfg  Config
	jwks keyfunc.Keyfunc
}

// NewValidator fetches the JWKS and keeps it refreshed in the background for
// the lifetime of ctx.
func NewValidator(ctx context.Context, cfg Config) (*Validator, error) {
	jwks, err := keyfunc.NewDefaultCtx(ctx, []string{cfg.JWKSURL})
	if err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}
	return &Validator{cfg: cfg, jwks: jwks}, nil
}

// Validate parses and validates a bearer token.
func (v *Validator) Validate(raw string) (*Claims, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, ErrMissingToken
	}

	tok, err := jwt.ParseWithClaims(raw, &Claims{}, v.jwks.Keyfunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid {
		return nil, ErrInvalidToken
	}
	if v.cfg.Issuer != "" && claims.Issuer != v.cfg.Issuer {
		return nil, fmt.Errorf("%w: issuer mismatch", ErrInvalidToken)
	}
	if v.cfg.Audience != "" && !slices.Contains(claims.Audience, v.cfg.Audience) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrInvalidToken)
	}
	return claims, nil
}

// HasScopes ensures the claims include every required scope.
func (v *Validator) HasScopes(claims *Claims, required ...string) error {
	have := strings.Fields(claims.Scope)
	for _, need := range required {
		if !slices.Contains(have, need) {
			return fmt.Errorf("missing scope %s", need)
		}
	}
	return nil
}

type claimsKey struct{}

// RequireAuth validates bearer tokens and injects claims into the context.
func RequireAuth(v *Validator, requiredScopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			parts := strings.SplitN(auth, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				http.Error(w, "invalid authorization header", http.StatusUnauthorized)
				return
			}

			claims, err := v.Validate(parts[1])
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			if err := v.HasScopes(claims, requiredScopes...); err != nil {
				http.Error(w, "insufficient scope", http.StatusForbidden)
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClaimsFromContext returns the validated claims attached by RequireAuth.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok
}
