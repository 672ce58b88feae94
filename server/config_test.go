package server

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigAppliesEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `server:
  public_url: https://localhost:44305
  dev_mode: true
clients:
  - client_id: imagegalleryclient
    client_secret: secret
    redirect_uris: ["https://localhost:44367/signin-oidc"]
    scopes: ["openid", "profile"]
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("AUTHGW_IDP_PUBLIC_URL", "https://idp.example.com")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.Server.PublicURL != "https://idp.example.com" {
		t.Fatalf("PublicURL override mismatch, got %q", cfg.Server.PublicURL)
	}
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `server:
  public_url: https://localhost:44305
  no_such_field: true
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected unknown field to be rejected")
	}
}

func TestDefaultConfigValidates(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestConfigValidateRequiresClient(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Clients = nil
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error when no clients configured")
	}
}

func TestConfigValidateRejectsBadRedirect(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Clients[0].RedirectURIs = []string{"not-a-url"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for malformed redirect URI")
	}
}

func TestConfigValidateRejectsUnknownGrant(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Clients[0].GrantType = "implicit"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for unsupported grant type")
	}
}

func TestConfigValidateRequiresTLSDomainsOutsideDev(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.DevMode = false
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error without TLS domains in prod mode")
	}
	cfg.Server.TLS.Domains = []string{"idp.example.com"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}
