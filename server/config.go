package server

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hardcoded token and session defaults
const (
	DefaultAccessTTL     = 10 * time.Minute
	DefaultIDTokenTTL    = time.Hour
	DefaultRefreshTTL    = 24 * time.Hour
	DefaultSessionTTL    = 12 * time.Hour
	DefaultCodeTTL       = 5 * time.Minute
	DefaultRotateRefresh = true
)

// Config captures the IDP configuration loaded from YAML and environment variables.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Tokens    TokenConfig      `yaml:"tokens"`
	Keys      KeyConfig        `yaml:"keys"`
	Sessions  SessionConfig    `yaml:"sessions"`
	Clients   []ClientConfig   `yaml:"clients"`
	Resources []ResourceConfig `yaml:"identity_resources"`
	Users     []UserConfig     `yaml:"test_users"`
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

// TokenConfig controls token lifetimes.
type TokenConfig struct {
	AccessTTL     time.Duration `yaml:"access_ttl"`
	IDTokenTTL    time.Duration `yaml:"id_token_ttl"`
	RefreshTTL    time.Duration `yaml:"refresh_ttl"`
	CodeTTL       time.Duration `yaml:"code_ttl"`
	RotateRefresh bool          `yaml:"rotate_refresh"`
}

// KeyConfig controls signing key persistence and rotation.
type KeyConfig struct {
	JWKSPath       string        `yaml:"jwks_path"`
	RotateInterval time.Duration `yaml:"rotate_interval"`
}

// SessionConfig controls the IDP login session.
type SessionConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// ClientConfig describes a registered client in YAML form.
type ClientConfig struct {
	ClientID               string   `yaml:"client_id"`
	ClientName             string   `yaml:"client_name"`
	ClientSecret           string   `yaml:"client_secret"`
	GrantType              string   `yaml:"grant_type"`
	RedirectURIs           []string `yaml:"redirect_uris"`
	PostLogoutRedirectURIs []string `yaml:"post_logout_redirect_uris"`
	Scopes                 []string `yaml:"scopes"`
	Audiences              []string `yaml:"audiences"`
}

// ResourceConfig describes an identity resource in YAML form.
type ResourceConfig struct {
	Name       string   `yaml:"name"`
	ClaimTypes []string `yaml:"claim_types"`
}

// UserConfig describes a test user in YAML form. Passwords are stored in
// clear here; this store never backs a production deployment.
type UserConfig struct {
	SubjectID string            `yaml:"subject_id"`
	Username  string            `yaml:"username"`
	Password  string            `yaml:"password"`
	Claims    map[string]string `yaml:"claims"`
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

// DefaultConfig returns a configuration mirroring the image gallery deployment:
// one hybrid-grant client and two test users.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "https://localhost:44305",
			ListenAddr:      "127.0.0.1:44305",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			TLS:             TLSConfig{CacheDir: "./secrets/tls"},
		},
		Tokens: TokenConfig{
			AccessTTL:     DefaultAccessTTL,
			IDTokenTTL:    DefaultIDTokenTTL,
			RefreshTTL:    DefaultRefreshTTL,
			CodeTTL:       DefaultCodeTTL,
			RotateRefresh: DefaultRotateRefresh,
		},
		Sessions: SessionConfig{TTL: DefaultSessionTTL},
		Clients: []ClientConfig{{
			ClientID:     "imagegalleryclient",
			ClientName:   "Image Gallery",
			ClientSecret: "secret",
			GrantType:    GrantTypeHybrid,
			RedirectURIs: []string{"https://localhost:44367/signin-oidc"},
			PostLogoutRedirectURIs: []string{
				"https://localhost:44367/signout-callback-oidc",
			},
			Scopes:    []string{"openid", "profile", "address", "offline_access"},
			Audiences: []string{"imagegalleryapi"},
		}},
		Resources: []ResourceConfig{
			{Name: "openid", ClaimTypes: []string{"sub"}},
			{Name: "profile", ClaimTypes: []string{"given_name", "family_name", "name"}},
			{Name: "email", ClaimTypes: []string{"email"}},
			{Name: "address", ClaimTypes: []string{"address"}},
		},
		Users: []UserConfig{
			{
				SubjectID: "D7022502-84B8-4371-9B55-AD040580E319",
				Username:  "George",
				Password:  "George",
				Claims: map[string]string{
					"given_name":  "George",
					"family_name": "Monkey",
					"address":     "123 Main St",
				},
			},
			{
				SubjectID: "61F635E1-40A8-413C-AD2B-334485A1D179",
				Username:  "YellowHat",
				Password:  "YellowHat",
				Claims: map[string]string{
					"given_name":  "YellowHat",
					"family_name": "Man",
				},
			},
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"AUTHGW_IDP_PUBLIC_URL":  func(v string) { cfg.Server.PublicURL = v },
		"AUTHGW_IDP_LISTEN_ADDR": func(v string) { cfg.Server.ListenAddr = v },
		"AUTHGW_IDP_DEV_MODE":    func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"AUTHGW_IDP_JWKS_PATH":   func(v string) { cfg.Keys.JWKSPath = v },
	}
	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}
	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		return errors.New("server.tls.domains is required outside dev mode")
	}
	if len(c.Clients) == 0 {
		return errors.New("at least one client must be registered")
	}
	for i, client := range c.Clients {
		if client.ClientID == "" {
			return fmt.Errorf("clients[%d]: client_id is required", i)
		}
		if client.ClientSecret == "" {
			return fmt.Errorf("clients[%d] (%s): client_secret is required", i, client.ClientID)
		}
		if len(client.RedirectURIs) == 0 {
			return fmt.Errorf("clients[%d] (%s): at least one redirect_uri is required", i, client.ClientID)
		}
		for j, uri := range client.RedirectURIs {
			if !strings.HasPrefix(uri, "http://") && !strings.HasPrefix(uri, "https://") {
				return fmt.Errorf("clients[%d] (%s): redirect_uris[%d] must start with http:// or https://, got: %s", i, client.ClientID, j, uri)
			}
		}
		if client.GrantType != "" && client.GrantType != GrantTypeHybrid {
			return fmt.Errorf("clients[%d] (%s): unsupported grant_type %q", i, client.ClientID, client.GrantType)
		}
	}
	seen := make(map[string]bool, len(c.Users))
	for i, user := range c.Users {
		if user.SubjectID == "" || user.Username == "" {
			return fmt.Errorf("test_users[%d]: subject_id and username are required", i)
		}
		if seen[user.Username] {
			return fmt.Errorf("test_users[%d]: duplicate username %q", i, user.Username)
		}
		seen[user.Username] = true
	}
	return nil
}
