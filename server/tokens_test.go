package server

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestTokenService(t *testing.T, modify func(*Config)) (*TokenService, *InMemoryStore, *TrustRegistry) {
	t.Helper()
	cfg := DefaultConfig()
	if modify != nil {
		modify(&cfg)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := NewInMemoryStore()
	jwks, err := NewJWKSManager(cfg.Keys, logger)
	if err != nil {
		t.Fatalf("NewJWKSManager: %v", err)
	}
	registry, err := NewTrustRegistry(cfg)
	if err != nil {
		t.Fatalf("NewTrustRegistry: %v", err)
	}
	return NewTokenService(cfg, store, jwks, logger), store, registry
}

func galleryClient(t *testing.T, registry *TrustRegistry) *Client {
	t.Helper()
	client, err := registry.FindClient("imagegalleryclient")
	if err != nil {
		t.Fatalf("FindClient: %v", err)
	}
	return client
}

func TestMintForAuthorizationCode(t *testing.T) {
	ts, store, registry := newTestTokenService(t, nil)
	client := galleryClient(t, registry)

	code := AuthorizationCode{
		Code:      store.NewID(),
		ClientID:  client.ClientID,
		Scope:     "openid profile",
		Nonce:     "xyz789",
		SubjectID: "D7022502-84B8-4371-9B55-AD040580E319",
		AuthTime:  time.Now().Add(-time.Minute),
	}

	resp, err := ts.MintForAuthorizationCode(code, client)
	if err != nil {
		t.Fatalf("MintForAuthorizationCode: %v", err)
	}
	if resp.TokenType != "Bearer" {
		t.Fatalf("unexpected token type %q", resp.TokenType)
	}
	if resp.IDToken == "" {
		t.Fatalf("expected an identity token in the response")
	}
	if resp.RefreshToken != "" {
		t.Fatalf("refresh token issued without offline_access scope")
	}

	claims, err := ts.ValidateAccessToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccessToken: %v", err)
	}
	if claims.Subject != code.SubjectID {
		t.Fatalf("subject mismatch: got %q", claims.Subject)
	}
	if claims.Scope != "openid profile" {
		t.Fatalf("scope mismatch: got %q", claims.Scope)
	}
	if len(claims.Audience) != 1 || claims.Audience[0] != "imagegalleryapi" {
		t.Fatalf("audience mismatch: got %v", claims.Audience)
	}
}

func TestMintForAuthorizationCodeRejectsEscalatedScope(t *testing.T) {
	ts, store, registry := newTestTokenService(t, nil)
	client := galleryClient(t, registry)

	code := AuthorizationCode{
		Code:      store.NewID(),
		ClientID:  client.ClientID,
		Scope:     "openid profile email",
		SubjectID: "D7022502-84B8-4371-9B55-AD040580E319",
	}
	if _, err := ts.MintForAuthorizationCode(code, client); err == nil {
		t.Fatalf("expected scope escalation to be rejected")
	}
}

func TestIDTokenCarriesNonce(t *testing.T) {
	ts, _, registry := newTestTokenService(t, nil)
	client := galleryClient(t, registry)
	authTime := time.Now().Add(-30 * time.Second)

	raw, err := ts.MintIDToken("D7022502-84B8-4371-9B55-AD040580E319", client, "xyz789", authTime)
	if err != nil {
		t.Fatalf("MintIDToken: %v", err)
	}

	tok, err := jwt.ParseWithClaims(raw, &IDTokenClaims{}, ts.jwks.Keyfunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	if err != nil {
		t.Fatalf("parse identity token: %v", err)
	}
	claims := tok.Claims.(*IDTokenClaims)
	if claims.Nonce != "xyz789" {
		t.Fatalf("nonce mismatch: got %q", claims.Nonce)
	}
	if claims.AuthTime != authTime.Unix() {
		t.Fatalf("auth_time mismatch: got %d want %d", claims.AuthTime, authTime.Unix())
	}
	if len(claims.Audience) != 1 || claims.Audience[0] != client.ClientID {
		t.Fatalf("audience mismatch: got %v", claims.Audience)
	}
}

func TestRefreshTokenIssuedWithOfflineAccess(t *testing.T) {
	ts, store, registry := newTestTokenService(t, nil)
	client := galleryClient(t, registry)

	code := AuthorizationCode{
		Code:      store.NewID(),
		ClientID:  client.ClientID,
		Scope:     "openid profile offline_access",
		SubjectID: "D7022502-84B8-4371-9B55-AD040580E319",
	}
	resp, err := ts.MintForAuthorizationCode(code, client)
	if err != nil {
		t.Fatalf("MintForAuthorizationCode: %v", err)
	}
	if resp.RefreshToken == "" {
		t.Fatalf("expected a refresh token with offline_access")
	}

	rotated, err := ts.MintForRefreshToken(resp.RefreshToken, client)
	if err != nil {
		t.Fatalf("MintForRefreshToken: %v", err)
	}
	if rotated.RefreshToken == "" || rotated.RefreshToken == resp.RefreshToken {
		t.Fatalf("expected refresh token rotation, got %q", rotated.RefreshToken)
	}

	// The spent token must not be reusable.
	if _, err := ts.MintForRefreshToken(resp.RefreshToken, client); err == nil {
		t.Fatalf("expected revoked refresh token to be rejected")
	}
}

func TestValidateAccessTokenRejectsExpired(t *testing.T) {
	ts, store, registry := newTestTokenService(t, func(cfg *Config) {
		cfg.Tokens.AccessTTL = -time.Minute
	})
	client := galleryClient(t, registry)

	code := AuthorizationCode{
		Code:      store.NewID(),
		ClientID:  client.ClientID,
		Scope:     "openid",
		SubjectID: "D7022502-84B8-4371-9B55-AD040580E319",
	}
	resp, err := ts.MintForAuthorizationCode(code, client)
	if err != nil {
		t.Fatalf("MintForAuthorizationCode: %v", err)
	}
	if _, err := ts.ValidateAccessToken(resp.AccessToken); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestValidateAccessTokenRejectsForeignIssuer(t *testing.T) {
	ts, _, registry := newTestTokenService(t, nil)
	other, otherStore, _ := newTestTokenService(t, func(cfg *Config) {
		cfg.Server.PublicURL = "https://other.example"
	})
	client := galleryClient(t, registry)

	code := AuthorizationCode{
		Code:      otherStore.NewID(),
		ClientID:  client.ClientID,
		Scope:     "openid",
		SubjectID: "D7022502-84B8-4371-9B55-AD040580E319",
	}
	resp, err := other.MintForAuthorizationCode(code, client)
	if err != nil {
		t.Fatalf("MintForAuthorizationCode: %v", err)
	}
	if _, err := ts.ValidateAccessToken(resp.AccessToken); err == nil {
		t.Fatalf("expected token from another issuer to be rejected")
	}
}
