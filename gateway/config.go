package gateway

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for the relying-party side.
const (
	DefaultHandshakeTimeout = 5 * time.Minute
	DefaultSessionMaxTTL    = 12 * time.Hour
	DefaultRefreshWindow    = time.Minute
)

// Config captures the relying-party configuration loaded from YAML and
// environment variables.
type Config struct {
	Server   ServerConfig  `yaml:"server"`
	OIDC     OIDCConfig    `yaml:"oidc"`
	Sessions SessionConfig `yaml:"sessions"`
	CORS     CORSConfig    `yaml:"cors"`
}

// ServerConfig controls listener and HTTP concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url"`
	ListenAddr      string    `yaml:"listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	CookieDomain    string    `yaml:"cookie_domain"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig controls automatic certificate provisioning in production mode.
type TLSConfig struct {
	Domains  []string `yaml:"domains"`
	Email    string   `yaml:"email"`
	CacheDir string   `yaml:"cache_dir"`
}

// OIDCConfig binds the gateway to its identity provider.
type OIDCConfig struct {
	Authority               string        `yaml:"authority"`
	ClientID                string        `yaml:"client_id"`
	ClientSecret            string        `yaml:"client_secret"`
	Scopes                  []string      `yaml:"scopes"`
	GetClaimsFromUserInfo   bool          `yaml:"get_claims_from_userinfo"`
	TolerateUserInfoFailure bool          `yaml:"tolerate_userinfo_failure"`
	ClaimsToRemove          []string      `yaml:"claims_to_remove"`
	StoreTokens             bool          `yaml:"store_tokens"`
	HandshakeTimeout        time.Duration `yaml:"handshake_timeout"`
}

// SessionConfig controls the local session cookie. HashKey and BlockKey are
// hex-encoded; fresh keys are generated when absent (sessions then do not
// survive a restart).
type SessionConfig struct {
	MaxTTL        time.Duration `yaml:"max_ttl"`
	RefreshWindow time.Duration `yaml:"refresh_window"`
	HashKey       string        `yaml:"hash_key"`
	BlockKey      string        `yaml:"block_key"`
}

// CORSConfig lists origins allowed to call the gateway.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultConfig mirrors the image gallery client registration.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "https://localhost:44367",
			ListenAddr:      "127.0.0.1:44367",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			TLS:             TLSConfig{CacheDir: "./secrets/tls"},
		},
		OIDC: OIDCConfig{
			Authority:             "https://localhost:44305",
			ClientID:              "imagegalleryclient",
			ClientSecret:          "secret",
			Scopes:                []string{"openid", "profile", "address", "offline_access"},
			GetClaimsFromUserInfo: true,
			ClaimsToRemove:        []string{ClaimAddress},
			StoreTokens:           true,
			HandshakeTimeout:      DefaultHandshakeTimeout,
		},
		Sessions: SessionConfig{
			MaxTTL:        DefaultSessionMaxTTL,
			RefreshWindow: DefaultRefreshWindow,
		},
	}
}

// CallbackURL is the redirect URI registered with the identity provider.
func (c Config) CallbackURL() string {
	return strings.TrimSuffix(c.Server.PublicURL, "/") + "/signin-oidc"
}

// PostLogoutRedirectURL is where the IDP sends the browser after end-session.
func (c Config) PostLogoutRedirectURL() string {
	return strings.TrimSuffix(c.Server.PublicURL, "/") + "/signout-callback-oidc"
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"AUTHGW_PUBLIC_URL":         func(v string) { cfg.Server.PublicURL = v },
		"AUTHGW_LISTEN_ADDR":        func(v string) { cfg.Server.ListenAddr = v },
		"AUTHGW_OIDC_AUTHORITY":     func(v string) { cfg.OIDC.Authority = v },
		"AUTHGW_OIDC_CLIENT_ID":     func(v string) { cfg.OIDC.ClientID = v },
		"AUTHGW_OIDC_CLIENT_SECRET": func(v string) { cfg.OIDC.ClientSecret = v },
		"AUTHGW_SESSION_HASH_KEY":   func(v string) { cfg.Sessions.HashKey = v },
		"AUTHGW_SESSION_BLOCK_KEY":  func(v string) { cfg.Sessions.BlockKey = v },
	}
	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		return errors.New("server.public_url is required")
	}
	if c.OIDC.Authority == "" {
		return errors.New("oidc.authority is required")
	}
	for _, raw := range []string{c.Server.PublicURL, c.OIDC.Authority} {
		if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
			return fmt.Errorf("URL must start with http:// or https://, got: %s", raw)
		}
	}
	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		return errors.New("server.tls.domains is required outside dev mode")
	}
	if c.OIDC.ClientID == "" {
		return errors.New("oidc.client_id is required")
	}
	if c.OIDC.ClientSecret == "" {
		return errors.New("oidc.client_secret is required")
	}
	hasOpenID := false
	for _, sc := range c.OIDC.Scopes {
		if sc == "openid" {
			hasOpenID = true
		}
	}
	if !hasOpenID {
		return errors.New("oidc.scopes must include openid")
	}
	if c.OIDC.HandshakeTimeout <= 0 {
		return errors.New("oidc.handshake_timeout must be positive")
	}
	for _, key := range []string{c.Sessions.HashKey, c.Sessions.BlockKey} {
		if key == "" {
			continue
		}
		if _, err := hex.DecodeString(key); err != nil {
			return fmt.Errorf("session keys must be hex encoded: %w", err)
		}
	}
	return nil
}
