package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/coreos/go-oidc/v3/oidc"
)

func testEnricher(t *testing.T, modify func(*Config)) (*Enricher, *oidc.Provider, *stubIDP) {
	t.Helper()
	idp := newStubIDP(t)

	cfg := DefaultConfig()
	cfg.OIDC.Authority = idp.issuer
	if modify != nil {
		modify(&cfg)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	provider, err := oidc.NewProvider(context.Background(), idp.issuer)
	if err != nil {
		t.Fatalf("oidc.NewProvider: %v", err)
	}
	return NewEnricher(cfg, logger), provider, idp
}

func TestEnrichMergesAndFilters(t *testing.T) {
	enricher, provider, idp := testEnricher(t, nil)
	idp.userinfoClaims = map[string]any{
		"sub":         "D7022502-84B8-4371-9B55-AD040580E319",
		"given_name":  "George",
		"family_name": "Monkey",
		"address":     "123 Main St",
	}

	identity := Claims{
		"sub":   "D7022502-84B8-4371-9B55-AD040580E319",
		"nonce": "xyz789",
	}
	claims, err := enricher.Enrich(context.Background(), provider, "access-token", identity)
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}

	if claims["given_name"] != "George" || claims["family_name"] != "Monkey" {
		t.Fatalf("userinfo claims not merged: %v", claims)
	}
	if _, ok := claims[ClaimAddress]; ok {
		t.Fatalf("address must be filtered before the session is established")
	}
	if _, ok := claims[ClaimNonce]; ok {
		t.Fatalf("nonce is handshake plumbing and must not persist")
	}
}

func TestEnrichFailsWhenUserInfoDown(t *testing.T) {
	enricher, provider, idp := testEnricher(t, nil)
	idp.userinfoStatus = http.StatusInternalServerError

	_, err := enricher.Enrich(context.Background(), provider, "access-token", Claims{"sub": "x"})
	var retrievalErr *ClaimsRetrievalError
	if !errors.As(err, &retrievalErr) {
		t.Fatalf("expected *ClaimsRetrievalError, got %v", err)
	}
}

func TestEnrichToleratesUserInfoFailureWhenConfigured(t *testing.T) {
	enricher, provider, idp := testEnricher(t, func(cfg *Config) {
		cfg.OIDC.TolerateUserInfoFailure = true
	})
	idp.userinfoStatus = http.StatusInternalServerError

	claims, err := enricher.Enrich(context.Background(), provider, "access-token", Claims{
		"sub":        "x",
		"given_name": "George",
	})
	if err != nil {
		t.Fatalf("Enrich should degrade to identity-token claims: %v", err)
	}
	if claims["given_name"] != "George" {
		t.Fatalf("identity claims lost: %v", claims)
	}
}

func TestEnrichSkipsUserInfoWhenDisabled(t *testing.T) {
	enricher, provider, idp := testEnricher(t, func(cfg *Config) {
		cfg.OIDC.GetClaimsFromUserInfo = false
	})
	idp.userinfoStatus = http.StatusInternalServerError

	claims, err := enricher.Enrich(context.Background(), provider, "access-token", Claims{"sub": "x"})
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if claims["sub"] != "x" {
		t.Fatalf("identity claims lost: %v", claims)
	}
}

func TestFetchClaimBypassesRemovalList(t *testing.T) {
	enricher, provider, idp := testEnricher(t, nil)
	idp.userinfoClaims = map[string]any{
		"sub":     "x",
		"address": "123 Main St",
	}

	address, err := enricher.FetchClaim(context.Background(), provider, "access-token", ClaimAddress)
	if err != nil {
		t.Fatalf("FetchClaim: %v", err)
	}
	if address != "123 Main St" {
		t.Fatalf("address = %q", address)
	}
}
