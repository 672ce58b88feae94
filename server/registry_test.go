package server

import (
	"errors"
	"testing"
)

func newTestRegistry(t *testing.T) *TrustRegistry {
	t.Helper()
	registry, err := NewTrustRegistry(DefaultConfig())
	if err != nil {
		t.Fatalf("NewTrustRegistry returned error: %v", err)
	}
	return registry
}

func TestAuthenticateClient(t *testing.T) {
	registry := newTestRegistry(t)

	client, err := registry.AuthenticateClient("imagegalleryclient", "secret")
	if err != nil {
		t.Fatalf("expected client authentication to succeed: %v", err)
	}
	if client.ClientID != "imagegalleryclient" {
		t.Fatalf("unexpected client ID %q", client.ClientID)
	}

	if _, err := registry.AuthenticateClient("imagegalleryclient", "wrong"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for wrong secret, got %v", err)
	}
	if _, err := registry.AuthenticateClient("ghost", "secret"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown client, got %v", err)
	}
}

func TestFindUser(t *testing.T) {
	registry := newTestRegistry(t)

	user, err := registry.FindUser("George", "George")
	if err != nil {
		t.Fatalf("expected login to succeed: %v", err)
	}
	if user.SubjectID != "D7022502-84B8-4371-9B55-AD040580E319" {
		t.Fatalf("unexpected subject ID %q", user.SubjectID)
	}
	if user.Claims["family_name"] != "Monkey" {
		t.Fatalf("unexpected family_name %q", user.Claims["family_name"])
	}

	if _, err := registry.FindUser("George", "wrong"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for bad password, got %v", err)
	}
	if _, err := registry.FindUser("nobody", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown user, got %v", err)
	}
}

func TestUserBySubject(t *testing.T) {
	registry := newTestRegistry(t)

	user, err := registry.UserBySubject("61F635E1-40A8-413C-AD2B-334485A1D179")
	if err != nil {
		t.Fatalf("expected lookup to succeed: %v", err)
	}
	if user.Username != "YellowHat" {
		t.Fatalf("unexpected username %q", user.Username)
	}
}

func TestResourcesForScopesNarrowsClaims(t *testing.T) {
	registry := newTestRegistry(t)

	allowed := registry.ResourcesForScopes([]string{"openid", "profile"})
	for _, want := range []string{"sub", "given_name", "family_name", "name"} {
		if _, ok := allowed[want]; !ok {
			t.Fatalf("expected claim type %q to be released", want)
		}
	}
	if _, ok := allowed["address"]; ok {
		t.Fatalf("address must not be released without the address scope")
	}
	if _, ok := allowed["email"]; ok {
		t.Fatalf("email must not be released without the email scope")
	}

	if got := registry.ResourcesForScopes([]string{"unknown"}); len(got) != 0 {
		t.Fatalf("unknown scope released claims: %v", got)
	}
}

func TestValidRedirectRequiresExactMatch(t *testing.T) {
	registry := newTestRegistry(t)
	client, err := registry.FindClient("imagegalleryclient")
	if err != nil {
		t.Fatalf("FindClient: %v", err)
	}

	if !client.ValidRedirect("https://localhost:44367/signin-oidc") {
		t.Fatalf("registered redirect should validate")
	}
	for _, uri := range []string{
		"https://localhost:44367/signin-oidc/extra",
		"https://localhost:44367/",
		"https://evil.example/signin-oidc",
	} {
		if client.ValidRedirect(uri) {
			t.Fatalf("redirect %q should not validate", uri)
		}
	}
}

func TestValidateScopesRejectsEscalation(t *testing.T) {
	registry := newTestRegistry(t)
	client, err := registry.FindClient("imagegalleryclient")
	if err != nil {
		t.Fatalf("FindClient: %v", err)
	}

	if !client.ValidateScopes("openid profile address") {
		t.Fatalf("registered scopes should validate")
	}
	if client.ValidateScopes("openid profile email") {
		t.Fatalf("unregistered scope must be rejected")
	}
}
