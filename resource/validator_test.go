package resource

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"authgw/server"
)

const testIssuer = "https://localhost:44305"

type validatorSetup struct {
	jwks      *server.JWKSManager
	validator *Validator
}

func newValidatorSetup(t *testing.T, audience string) *validatorSetup {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	jwks, err := server.NewJWKSManager(server.KeyConfig{}, logger)
	if err != nil {
		t.Fatalf("NewJWKSManager: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(jwks.PublicJWKS())
	}))
	t.Cleanup(srv.Close)

	validator, err := NewValidator(context.Background(), Config{
		Issuer:   testIssuer,
		JWKSURL:  srv.URL,
		Audience: audience,
	})
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	return &validatorSetup{jwks: jwks, validator: validator}
}

func (s *validatorSetup) mint(t *testing.T, claims Claims) string {
	t.Helper()
	token, err := s.jwks.Sign(claims)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func standardClaims(scope string) Claims {
	return Claims{
		Scope:    scope,
		ClientID: "imagegalleryclient",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   "D7022502-84B8-4371-9B55-AD040580E319",
			Audience:  jwt.ClaimStrings{"imagegalleryapi"},
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(10 * time.Minute)),
		},
	}
}

func TestValidateAcceptsMintedToken(t *testing.T) {
	s := newValidatorSetup(t, "imagegalleryapi")
	token := s.mint(t, standardClaims("openid profile"))

	claims, err := s.validator.Validate(token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.Subject != "D7022502-84B8-4371-9B55-AD040580E319" {
		t.Fatalf("subject = %q", claims.Subject)
	}
	if claims.Scope != "openid profile" {
		t.Fatalf("scope = %q", claims.Scope)
	}
}

func TestValidateRejectsWrongIssuer(t *testing.T) {
	s := newValidatorSetup(t, "imagegalleryapi")
	claims := standardClaims("openid")
	claims.Issuer = "https://imposter.example"
	token := s.mint(t, claims)

	if _, err := s.validator.Validate(token); err == nil {
		t.Fatalf("expected issuer mismatch to be rejected")
	}
}

func TestValidateRejectsWrongAudience(t *testing.T) {
	s := newValidatorSetup(t, "imagegalleryapi")
	claims := standardClaims("openid")
	claims.Audience = jwt.ClaimStrings{"someoneelse"}
	token := s.mint(t, claims)

	if _, err := s.validator.Validate(token); err == nil {
		t.Fatalf("expected audience mismatch to be rejected")
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	s := newValidatorSetup(t, "imagegalleryapi")
	claims := standardClaims("openid")
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	token := s.mint(t, claims)

	if _, err := s.validator.Validate(token); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestValidateRejectsEmptyToken(t *testing.T) {
	s := newValidatorSetup(t, "")
	if _, err := s.validator.Validate(""); err == nil {
		t.Fatalf("expected empty token to be rejected")
	}
}

func TestHasScopes(t *testing.T) {
	s := newValidatorSetup(t, "")
	claims := standardClaims("openid profile offline_access")

	if err := s.validator.HasScopes(&claims, "openid", "profile"); err != nil {
		t.Fatalf("HasScopes: %v", err)
	}
	if err := s.validator.HasScopes(&claims, "address"); err == nil {
		t.Fatalf("expected missing scope to fail")
	}
}

func TestRequireAuthMiddleware(t *testing.T) {
	s := newValidatorSetup(t, "imagegalleryapi")
	token := s.mint(t, standardClaims("openid profile"))

	handler := RequireAuth(s.validator, "profile")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if !ok {
			http.Error(w, "no claims", http.StatusInternalServerError)
			return
		}
		w.Write([]byte(claims.Subject))
	}))

	req := httptest.NewRequest(http.MethodGet, "/images", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.String() != "D7022502-84B8-4371-9B55-AD040580E319" {
		t.Fatalf("handler saw subject %q", rec.Body.String())
	}

	// No credentials.
	anon := httptest.NewRecorder()
	handler.ServeHTTP(anon, httptest.NewRequest(http.MethodGet, "/images", nil))
	if anon.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d", anon.Code)
	}

	// Valid token, missing scope.
	narrow := s.mint(t, standardClaims("openid"))
	scoped := httptest.NewRequest(http.MethodGet, "/images", nil)
	scoped.Header.Set("Authorization", "Bearer "+narrow)
	scopedRec := httptest.NewRecorder()
	handler.ServeHTTP(scopedRec, scoped)
	if scopedRec.Code != http.StatusForbidden {
		t.Fatalf("scoped status = %d", scopedRec.Code)
	}
}
