package gateway

import "testing"

func TestDefaultConfigValidates(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidateRequiresOpenIDScope(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OIDC.Scopes = []string{"profile"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error without openid scope")
	}
}

func TestValidateRejectsNonHexSessionKeys(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sessions.HashKey = "not hex"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for non-hex key")
	}
}

func TestValidateRequiresTLSDomainsOutsideDev(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.DevMode = false
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error without TLS domains in prod mode")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AUTHGW_OIDC_AUTHORITY", "https://idp.example.com")
	t.Setenv("AUTHGW_OIDC_CLIENT_SECRET", "rotated")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.OIDC.Authority != "https://idp.example.com" {
		t.Fatalf("authority override mismatch: %q", cfg.OIDC.Authority)
	}
	if cfg.OIDC.ClientSecret != "rotated" {
		t.Fatalf("secret override mismatch")
	}
}

func TestCallbackURLs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.PublicURL = "https://gallery.example.com/"

	if got := cfg.CallbackURL(); got != "https://gallery.example.com/signin-oidc" {
		t.Fatalf("CallbackURL = %q", got)
	}
	if got := cfg.PostLogoutRedirectURL(); got != "https://gallery.example.com/signout-callback-oidc" {
		t.Fatalf("PostLogoutRedirectURL = %q", got)
	}
}
